// Package rbac decides what a team member may do with the team's canvas.
package rbac

// Role is a user's role within a team. Roles are strictly ordered: each one
// can do everything the roles below it can.
type Role string

type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionViewCanvas covers loading the canvas, its history and the edit
	// session check.
	ActionViewCanvas Action = "view_canvas"
	// ActionEditCanvas covers saving and taking the edit session.
	ActionEditCanvas  Action = "edit_canvas"
	ActionManageRoles Action = "manage_roles"
	ActionAdmin       Action = "admin"
)

var rank = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
}

// minimum is the lowest role allowed to perform each action.
var minimum = map[Action]Role{
	ActionViewCanvas:  RoleViewer,
	ActionEditCanvas:  RoleEditor,
	ActionManageRoles: RoleEditor,
	ActionAdmin:       RoleAdmin,
}

// Can reports whether role may perform action. Unknown roles and actions
// are denied.
func Can(role Role, action Action) bool {
	need, ok := minimum[action]
	if !ok {
		return false
	}
	return role.AtLeast(need)
}

// AtLeast reports whether r ranks at or above other.
func (r Role) AtLeast(other Role) bool {
	have, ok := rank[r]
	return ok && have >= rank[other]
}

// Parse accepts only the known role names.
func Parse(role string) (Role, bool) {
	r := Role(role)
	_, ok := rank[r]
	return r, ok
}

// Normalize maps stored role names onto a known role, falling back to the
// least privileged one.
func Normalize(role string) Role {
	if r, ok := Parse(role); ok {
		return r
	}
	return RoleViewer
}
