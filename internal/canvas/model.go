// Package canvas holds the in-memory team canvas graph: the node and edge
// model, the per-session Store, the storage codec and the connection rules.
//
// Everything here is synchronous and free of network I/O. Asynchronous flows
// (optimistic mutations, auto-save, edit locking) live in subpackages and
// talk to a Store through its imperative Snapshot/Update API.
package canvas

import "math"

type NodeType string

const (
	NodeRole     NodeType = "role-node"
	NodeChart    NodeType = "chart-node"
	NodeText     NodeType = "text-node"
	NodeFreehand NodeType = "freehand-node"
)

type EdgeType string

const (
	EdgeStructural EdgeType = "structural"
	EdgeMetric     EdgeType = "metric"
	// EdgeProximity is a UI-only preview. It never reaches storage.
	EdgeProximity EdgeType = "proximity"
)

type FontSize string

const (
	FontSmall  FontSize = "sm"
	FontMedium FontSize = "md"
	FontLarge  FontSize = "lg"
	FontXL     FontSize = "xl"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Distance is the Euclidean distance between two positions.
func (p Position) Distance(q Position) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

type Viewport struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Zoom float64 `json:"zoom"`
}

// Ref identifies a domain entity that is either still waiting for the server
// (pending, carrying a client-side temporary id) or committed with its
// server-assigned id.
type Ref struct {
	id      string
	pending bool
}

// Pending returns a ref for an entity that has not been confirmed yet.
func Pending(tempID string) Ref { return Ref{id: tempID, pending: true} }

// Committed returns a ref for a server-confirmed entity.
func Committed(id string) Ref { return Ref{id: id} }

func (r Ref) ID() string      { return r.id }
func (r Ref) IsPending() bool { return r.pending }
func (r Ref) IsZero() bool    { return r.id == "" }

func (r Ref) String() string {
	if r.pending {
		return "pending:" + r.id
	}
	return r.id
}

type RoleData struct {
	Ref          Ref
	Title        string
	Purpose      string
	AssigneeName string
	MetricName   string
}

type ChartData struct {
	MetricID         string
	DashboardChartID string
	MetricName       string
	ReadOnly         bool
}

type TextData struct {
	Text     string
	FontSize FontSize
}

// FreehandData is a session-only sketch stroke.
type FreehandData struct {
	Points []Position
}

// Node is a positioned canvas element. Exactly one of the data pointers is
// set, matching Type.
type Node struct {
	ID       string
	Type     NodeType
	Position Position
	Width    float64
	Height   float64
	Selected bool

	Role     *RoleData
	Chart    *ChartData
	Text     *TextData
	Freehand *FreehandData
}

// Ephemeral nodes are never persisted and never mark the canvas dirty.
func (n Node) Ephemeral() bool { return n.Type == NodeFreehand }

// RoleRef returns the role a role node points at.
func (n Node) RoleRef() (Ref, bool) {
	if n.Type != NodeRole || n.Role == nil {
		return Ref{}, false
	}
	return n.Role.Ref, true
}

func (n Node) Clone() Node {
	out := n
	if n.Role != nil {
		role := *n.Role
		out.Role = &role
	}
	if n.Chart != nil {
		chart := *n.Chart
		out.Chart = &chart
	}
	if n.Text != nil {
		text := *n.Text
		out.Text = &text
	}
	if n.Freehand != nil {
		points := append([]Position(nil), n.Freehand.Points...)
		out.Freehand = &FreehandData{Points: points}
	}
	return out
}

// MetricLink is the payload of a metric edge, used to sync role to KPI
// assignment with the backend.
type MetricLink struct {
	Role     Ref
	MetricID string
}

type Edge struct {
	ID       string
	Source   string
	Target   string
	Type     EdgeType
	Selected bool
	Metric   *MetricLink
}

func (e Edge) Ephemeral() bool { return e.Type == EdgeProximity }

// Touches reports whether the edge has id as one of its endpoints.
func (e Edge) Touches(id string) bool { return e.Source == id || e.Target == id }

func (e Edge) Clone() Edge {
	out := e
	if e.Metric != nil {
		link := *e.Metric
		out.Metric = &link
	}
	return out
}

// Snapshot is the full graph of one canvas plus its optional viewport.
type Snapshot struct {
	Nodes    []Node
	Edges    []Edge
	Viewport *Viewport
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Nodes: make([]Node, len(s.Nodes)),
		Edges: make([]Edge, len(s.Edges)),
	}
	for i, n := range s.Nodes {
		out.Nodes[i] = n.Clone()
	}
	for i, e := range s.Edges {
		out.Edges[i] = e.Clone()
	}
	if s.Viewport != nil {
		vp := *s.Viewport
		out.Viewport = &vp
	}
	return out
}

// Node returns a pointer into s.Nodes, or nil.
func (s *Snapshot) Node(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

func (s *Snapshot) Edge(id string) *Edge {
	for i := range s.Edges {
		if s.Edges[i].ID == id {
			return &s.Edges[i]
		}
	}
	return nil
}

// RoleNode returns the node displaying the given role.
func (s *Snapshot) RoleNode(ref Ref) *Node {
	for i := range s.Nodes {
		if r, ok := s.Nodes[i].RoleRef(); ok && r == ref {
			return &s.Nodes[i]
		}
	}
	return nil
}

// RemoveNode drops a node and every edge touching it.
func (s *Snapshot) RemoveNode(id string) bool {
	found := false
	nodes := s.Nodes[:0]
	for _, n := range s.Nodes {
		if n.ID == id {
			found = true
			continue
		}
		nodes = append(nodes, n)
	}
	s.Nodes = nodes
	if found {
		edges := s.Edges[:0]
		for _, e := range s.Edges {
			if !e.Touches(id) {
				edges = append(edges, e)
			}
		}
		s.Edges = edges
	}
	return found
}

func (s *Snapshot) RemoveEdge(id string) bool {
	for i := range s.Edges {
		if s.Edges[i].ID == id {
			s.Edges = append(s.Edges[:i], s.Edges[i+1:]...)
			return true
		}
	}
	return false
}

// SwapRef replaces every occurrence of from with to across nodes and metric
// edges and reports how many references were swapped.
func (s *Snapshot) SwapRef(from, to Ref) int {
	swapped := 0
	for i := range s.Nodes {
		if role := s.Nodes[i].Role; role != nil && role.Ref == from {
			role.Ref = to
			swapped++
		}
	}
	for i := range s.Edges {
		if link := s.Edges[i].Metric; link != nil && link.Role == from {
			link.Role = to
			swapped++
		}
	}
	return swapped
}

// Role is the authoritative role record.
type Role struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Purpose    string `json:"purpose"`
	AssigneeID string `json:"assigneeId,omitempty"`
	MetricID   string `json:"metricId,omitempty"`
}

// Metric is a dashboard KPI. Metrics synced from an integration are read-only
// on the canvas.
type Metric struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	DashboardChartID string `json:"dashboardChartId,omitempty"`
	Integration      string `json:"integration,omitempty"`
}

type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Records are the authoritative collections a stored canvas is joined against.
type Records struct {
	Roles   []Role   `json:"roles"`
	Metrics []Metric `json:"metrics"`
	Members []Member `json:"members"`
}

// Clone copies the collections.
func (r Records) Clone() Records {
	return Records{
		Roles:   append([]Role(nil), r.Roles...),
		Metrics: append([]Metric(nil), r.Metrics...),
		Members: append([]Member(nil), r.Members...),
	}
}

// RecordIndex is a lookup view over Records.
type RecordIndex struct {
	Roles   map[string]Role
	Metrics map[string]Metric
	Members map[string]Member
}

func (r Records) Index() RecordIndex {
	idx := RecordIndex{
		Roles:   make(map[string]Role, len(r.Roles)),
		Metrics: make(map[string]Metric, len(r.Metrics)),
		Members: make(map[string]Member, len(r.Members)),
	}
	for _, role := range r.Roles {
		idx.Roles[role.ID] = role
	}
	for _, metric := range r.Metrics {
		idx.Metrics[metric.ID] = metric
	}
	for _, member := range r.Members {
		idx.Members[member.ID] = member
	}
	return idx
}

// RoleDisplay derives the display fields of a role node.
func (idx RecordIndex) RoleDisplay(ref Ref, role Role) *RoleData {
	data := &RoleData{Ref: ref, Title: role.Title, Purpose: role.Purpose}
	if member, ok := idx.Members[role.AssigneeID]; ok {
		data.AssigneeName = member.DisplayName
	}
	if metric, ok := idx.Metrics[role.MetricID]; ok {
		data.MetricName = metric.Name
	}
	return data
}

// ChartDisplay derives the display fields of a chart node.
func (idx RecordIndex) ChartDisplay(metric Metric) *ChartData {
	return &ChartData{
		MetricID:         metric.ID,
		DashboardChartID: metric.DashboardChartID,
		MetricName:       metric.Name,
		ReadOnly:         metric.Integration != "",
	}
}
