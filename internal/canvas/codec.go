package canvas

// StoredNode is the minimal storage shape of a node. Display fields are never
// stored; they are re-derived from authoritative records on load.
type StoredNode struct {
	ID       string         `json:"id"`
	Type     NodeType       `json:"type"`
	Position Position       `json:"position"`
	Data     StoredNodeData `json:"data"`
	Width    float64        `json:"width,omitempty"`
	Height   float64        `json:"height,omitempty"`
}

type StoredNodeData struct {
	RoleID            string   `json:"roleId,omitempty"`
	DashboardMetricID string   `json:"dashboardMetricId,omitempty"`
	Text              string   `json:"text,omitempty"`
	FontSize          FontSize `json:"fontSize,omitempty"`
}

type StoredEdge struct {
	ID     string          `json:"id"`
	Source string          `json:"source"`
	Target string          `json:"target"`
	Type   EdgeType        `json:"type,omitempty"`
	Data   *StoredEdgeData `json:"data,omitempty"`
}

type StoredEdgeData struct {
	RoleID   string `json:"roleId"`
	MetricID string `json:"metricId"`
}

// StoredSnapshot is exactly what the persistence API accepts and returns.
type StoredSnapshot struct {
	Nodes    []StoredNode `json:"nodes"`
	Edges    []StoredEdge `json:"edges"`
	Viewport *Viewport    `json:"viewport,omitempty"`
}

// Encode strips a snapshot down to its storage form. Freehand nodes and
// proximity previews are dropped, as are role nodes whose role is still
// pending (they are saved once the server has assigned the real id), and any
// edge that lost an endpoint in the process.
func Encode(s Snapshot) StoredSnapshot {
	out := StoredSnapshot{
		Nodes: make([]StoredNode, 0, len(s.Nodes)),
		Edges: make([]StoredEdge, 0, len(s.Edges)),
	}
	kept := make(map[string]bool, len(s.Nodes))
	for _, n := range s.Nodes {
		stored, ok := encodeNode(n)
		if !ok {
			continue
		}
		kept[n.ID] = true
		out.Nodes = append(out.Nodes, stored)
	}
	for _, e := range s.Edges {
		if e.Ephemeral() || !kept[e.Source] || !kept[e.Target] {
			continue
		}
		stored := StoredEdge{ID: e.ID, Source: e.Source, Target: e.Target, Type: e.Type}
		if e.Metric != nil {
			if e.Metric.Role.IsPending() {
				continue
			}
			stored.Data = &StoredEdgeData{RoleID: e.Metric.Role.ID(), MetricID: e.Metric.MetricID}
		}
		out.Edges = append(out.Edges, stored)
	}
	if s.Viewport != nil {
		vp := *s.Viewport
		out.Viewport = &vp
	}
	return out
}

func encodeNode(n Node) (StoredNode, bool) {
	stored := StoredNode{ID: n.ID, Type: n.Type, Position: n.Position}
	switch n.Type {
	case NodeRole:
		if n.Role == nil || n.Role.Ref.IsZero() || n.Role.Ref.IsPending() {
			return StoredNode{}, false
		}
		stored.Data.RoleID = n.Role.Ref.ID()
	case NodeChart:
		if n.Chart == nil || n.Chart.MetricID == "" {
			return StoredNode{}, false
		}
		stored.Data.DashboardMetricID = n.Chart.MetricID
	case NodeText:
		if n.Text != nil {
			stored.Data.Text = n.Text.Text
			stored.Data.FontSize = n.Text.FontSize
		}
		stored.Width, stored.Height = n.Width, n.Height
	default:
		return StoredNode{}, false
	}
	return stored, true
}

// Decode rebuilds display nodes from storage by joining against records.
// Nodes that reference a role or metric that no longer exists are dropped and
// logged; edges left without an endpoint are dropped in a second pass. Decode
// never fails: a stale canvas still renders.
func Decode(stored StoredSnapshot, records Records) Snapshot {
	idx := records.Index()
	out := Snapshot{
		Nodes: make([]Node, 0, len(stored.Nodes)),
		Edges: make([]Edge, 0, len(stored.Edges)),
	}
	present := make(map[string]bool, len(stored.Nodes))
	for _, sn := range stored.Nodes {
		if present[sn.ID] {
			log.V(1).Info("Dropping duplicate node", "node", sn.ID)
			continue
		}
		n, ok := decodeNode(sn, idx)
		if !ok {
			continue
		}
		present[n.ID] = true
		out.Nodes = append(out.Nodes, n)
	}
	for _, se := range stored.Edges {
		if se.Type == EdgeProximity {
			continue
		}
		if !present[se.Source] || !present[se.Target] {
			log.Info("Dropping edge with missing endpoint", "edge", se.ID, "source", se.Source, "target", se.Target)
			continue
		}
		e := Edge{ID: se.ID, Source: se.Source, Target: se.Target, Type: se.Type}
		if e.Type == "" {
			e.Type = EdgeStructural
		}
		if se.Data != nil {
			e.Metric = &MetricLink{Role: Committed(se.Data.RoleID), MetricID: se.Data.MetricID}
		}
		out.Edges = append(out.Edges, e)
	}
	if stored.Viewport != nil {
		vp := *stored.Viewport
		out.Viewport = &vp
	}
	return out
}

func decodeNode(sn StoredNode, idx RecordIndex) (Node, bool) {
	n := Node{ID: sn.ID, Type: sn.Type, Position: sn.Position}
	switch sn.Type {
	case NodeRole:
		role, ok := idx.Roles[sn.Data.RoleID]
		if !ok {
			log.Info("Dropping orphaned role node", "node", sn.ID, "role", sn.Data.RoleID)
			return Node{}, false
		}
		n.Role = idx.RoleDisplay(Committed(role.ID), role)
	case NodeChart:
		metric, ok := idx.Metrics[sn.Data.DashboardMetricID]
		if !ok {
			log.Info("Dropping orphaned chart node", "node", sn.ID, "metric", sn.Data.DashboardMetricID)
			return Node{}, false
		}
		n.Chart = idx.ChartDisplay(metric)
	case NodeText:
		n.Text = &TextData{Text: sn.Data.Text, FontSize: sn.Data.FontSize}
		n.Width, n.Height = sn.Width, sn.Height
	default:
		log.V(1).Info("Dropping node of unknown type", "node", sn.ID, "type", sn.Type)
		return Node{}, false
	}
	return n, true
}
