package optimistic

import (
	"context"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/util"
)

func (in RoleInput) apply(role canvas.Role) canvas.Role {
	role.Title = in.Title
	role.Purpose = in.Purpose
	role.AssigneeID = in.AssigneeID
	return role
}

// CreateRole adds a pending role node at pos and creates the role on the
// server. On success the node is committed under the server's id.
func (c *Coordinator) CreateRole(ctx context.Context, in RoleInput, pos canvas.Position) (canvas.Role, error) {
	temp := util.NewID("temp")
	nodeID := util.NewNodeID()
	var created canvas.Role
	err := c.run(ctx, mutation{
		action: "create_role",
		key:    temp,
		local: Patch{
			Records: func(r *canvas.Records) error {
				r.Roles = append(r.Roles, in.apply(canvas.Role{ID: temp}))
				return nil
			},
			Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
				s.Nodes = append(s.Nodes, pendingRoleNode(nodeID, temp, pos, idx))
				return nil
			},
		},
		remote: func(ctx context.Context) (Patch, error) {
			role, err := c.api.CreateRole(ctx, c.store.CanvasID(), in)
			if err != nil {
				return Patch{}, err
			}
			created = role
			return c.commitRole(temp, role), nil
		},
	})
	return created, err
}

// CreateRoleOnEdge splits a structural edge: the edge is replaced by a new
// pending role node and two edges through it, all in one graph change.
func (c *Coordinator) CreateRoleOnEdge(ctx context.Context, edgeID string, in RoleInput, pos canvas.Position) (canvas.Role, error) {
	temp := util.NewID("temp")
	nodeID := util.NewNodeID()
	var created canvas.Role
	err := c.run(ctx, mutation{
		action: "create_role",
		key:    temp,
		local: Patch{
			Records: func(r *canvas.Records) error {
				r.Roles = append(r.Roles, in.apply(canvas.Role{ID: temp}))
				return nil
			},
			Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
				e := s.Edge(edgeID)
				if e == nil {
					return ErrUnknownEdge
				}
				if e.Type != canvas.EdgeStructural {
					return ErrNotSplittable
				}
				source, target := e.Source, e.Target
				s.RemoveEdge(edgeID)
				s.Nodes = append(s.Nodes, pendingRoleNode(nodeID, temp, pos, idx))
				s.Edges = append(s.Edges,
					canvas.Edge{ID: util.NewNodeID(), Source: source, Target: nodeID, Type: canvas.EdgeStructural},
					canvas.Edge{ID: util.NewNodeID(), Source: nodeID, Target: target, Type: canvas.EdgeStructural},
				)
				return nil
			},
		},
		remote: func(ctx context.Context) (Patch, error) {
			role, err := c.api.CreateRole(ctx, c.store.CanvasID(), in)
			if err != nil {
				return Patch{}, err
			}
			created = role
			return c.commitRole(temp, role), nil
		},
	})
	return created, err
}

// UpdateRole edits a committed role.
func (c *Coordinator) UpdateRole(ctx context.Context, roleID string, in RoleInput) (canvas.Role, error) {
	var updated canvas.Role
	err := c.run(ctx, mutation{
		action: "update_role",
		key:    roleID,
		local: Patch{
			Records: func(r *canvas.Records) error {
				role, ok := findRole(r, roleID)
				if !ok {
					return ErrUnknownRole
				}
				putRole(r, in.apply(role))
				return nil
			},
			Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
				refreshRole(s, canvas.Committed(roleID), idx)
				return nil
			},
		},
		remote: func(ctx context.Context) (Patch, error) {
			role, err := c.api.UpdateRole(ctx, c.store.CanvasID(), roleID, in)
			if err != nil {
				return Patch{}, err
			}
			updated = role
			return confirmRole(role), nil
		},
	})
	return updated, err
}

// DeleteRole removes a role together with every node showing it and every
// edge touching those nodes.
func (c *Coordinator) DeleteRole(ctx context.Context, roleID string) error {
	ref := canvas.Committed(roleID)
	return c.run(ctx, mutation{
		action: "delete_role",
		key:    roleID,
		local: Patch{
			Records: func(r *canvas.Records) error {
				removeRole(r, roleID)
				return nil
			},
			Graph: func(s *canvas.Snapshot, _ canvas.RecordIndex) error {
				found := false
				for n := s.RoleNode(ref); n != nil; n = s.RoleNode(ref) {
					s.RemoveNode(n.ID)
					found = true
				}
				if !found {
					return ErrUnknownRole
				}
				return nil
			},
		},
		remote: func(ctx context.Context) (Patch, error) {
			return Patch{}, c.api.DeleteRole(ctx, c.store.CanvasID(), roleID)
		},
	})
}

// AssignMetric connects a role node and a chart node (either order) with a
// metric edge and assigns the chart's metric to the role. Connection rule
// violations and charts whose metric has left the cache are returned before
// anything is applied.
func (c *Coordinator) AssignMetric(ctx context.Context, source, target string) (canvas.Edge, error) {
	snap := c.store.Snapshot()
	if _, err := canvas.ValidateConnection(snap, source, target); err != nil {
		return canvas.Edge{}, err
	}
	link := canvas.MetricLinkFor(&snap, source, target)
	if link == nil {
		return canvas.Edge{}, canvas.ErrUnsupportedConnection
	}
	roleID, metricID := link.Role.ID(), link.MetricID
	if _, ok := c.cache.Metric(metricID); !ok {
		return canvas.Edge{}, ErrUnknownMetric
	}
	edge := canvas.Edge{ID: util.NewNodeID(), Source: source, Target: target, Type: canvas.EdgeMetric, Metric: link}

	err := c.run(ctx, mutation{
		action: "assign_metric",
		key:    roleID,
		local: Patch{
			Records: func(r *canvas.Records) error {
				role, ok := findRole(r, roleID)
				if !ok {
					return ErrUnknownRole
				}
				role.MetricID = metricID
				putRole(r, role)
				return nil
			},
			Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
				kind, err := canvas.ValidateConnection(*s, source, target)
				if err != nil {
					return err
				}
				if kind != canvas.EdgeMetric {
					return canvas.ErrUnsupportedConnection
				}
				s.Edges = append(s.Edges, edge.Clone())
				refreshRole(s, link.Role, idx)
				return nil
			},
		},
		remote: func(ctx context.Context) (Patch, error) {
			role, err := c.api.AssignMetric(ctx, c.store.CanvasID(), roleID, metricID)
			if err != nil {
				return Patch{}, err
			}
			return confirmRole(role), nil
		},
	})
	if err != nil {
		return canvas.Edge{}, err
	}
	return edge, nil
}

// UnassignMetric clears a role's metric and removes its metric edges.
func (c *Coordinator) UnassignMetric(ctx context.Context, roleID string) error {
	ref := canvas.Committed(roleID)
	return c.run(ctx, mutation{
		action: "unassign_metric",
		key:    roleID,
		local: Patch{
			Records: func(r *canvas.Records) error {
				role, ok := findRole(r, roleID)
				if !ok {
					return ErrUnknownRole
				}
				role.MetricID = ""
				putRole(r, role)
				return nil
			},
			Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
				edges := s.Edges[:0]
				for _, e := range s.Edges {
					if e.Metric != nil && e.Metric.Role == ref {
						continue
					}
					edges = append(edges, e)
				}
				s.Edges = edges
				refreshRole(s, ref, idx)
				return nil
			},
		},
		remote: func(ctx context.Context) (Patch, error) {
			role, err := c.api.UnassignMetric(ctx, c.store.CanvasID(), roleID)
			if err != nil {
				return Patch{}, err
			}
			return confirmRole(role), nil
		},
	})
}

// commitRole swaps a pending role for its server record. Positions are left
// as they are now, so a drag made during the round trip survives.
func (c *Coordinator) commitRole(temp string, role canvas.Role) Patch {
	return Patch{
		Records: func(r *canvas.Records) error {
			replaceRole(r, temp, role)
			return nil
		},
		Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
			committed := canvas.Committed(role.ID)
			if s.SwapRef(canvas.Pending(temp), committed) == 0 {
				c.log.V(1).Info("Created role is no longer on the canvas", "canvas", c.store.CanvasID(), "role", role.ID)
			}
			refreshRole(s, committed, idx)
			return nil
		},
	}
}

func confirmRole(role canvas.Role) Patch {
	return Patch{
		Records: func(r *canvas.Records) error {
			putRole(r, role)
			return nil
		},
		Graph: func(s *canvas.Snapshot, idx canvas.RecordIndex) error {
			refreshRole(s, canvas.Committed(role.ID), idx)
			return nil
		},
	}
}

func pendingRoleNode(nodeID, temp string, pos canvas.Position, idx canvas.RecordIndex) canvas.Node {
	ref := canvas.Pending(temp)
	return canvas.Node{
		ID:       nodeID,
		Type:     canvas.NodeRole,
		Position: pos,
		Role:     idx.RoleDisplay(ref, idx.Roles[temp]),
	}
}

// refreshRole re-derives the display fields of every node showing ref.
func refreshRole(s *canvas.Snapshot, ref canvas.Ref, idx canvas.RecordIndex) {
	role, ok := idx.Roles[ref.ID()]
	if !ok {
		return
	}
	for i := range s.Nodes {
		if r, ok := s.Nodes[i].RoleRef(); ok && r == ref {
			s.Nodes[i].Role = idx.RoleDisplay(ref, role)
		}
	}
}

func findRole(r *canvas.Records, id string) (canvas.Role, bool) {
	for _, role := range r.Roles {
		if role.ID == id {
			return role, true
		}
	}
	return canvas.Role{}, false
}
