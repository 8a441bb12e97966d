package canvas

import (
	"errors"
	"math"
)

// ProximityThreshold is the drag distance under which a preview edge is shown.
const ProximityThreshold = 150.0

// ProximityEdgeID is the id of the single preview edge a drag may produce.
const ProximityEdgeID = "proximity-preview"

var (
	ErrUnknownNode           = errors.New("connection endpoint does not exist")
	ErrSelfConnection        = errors.New("a node cannot connect to itself")
	ErrDuplicateEdge         = errors.New("these nodes are already connected")
	ErrUnsupportedConnection = errors.New("these nodes cannot be connected")
	ErrRoleHasMetric         = errors.New("this role already has a metric")
)

// IsRejection reports whether err is a connection rule violation, which is
// shown to the user as a warning rather than treated as a failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrSelfConnection) ||
		errors.Is(err, ErrDuplicateEdge) ||
		errors.Is(err, ErrUnsupportedConnection) ||
		errors.Is(err, ErrRoleHasMetric)
}

// ValidateConnection checks a proposed source->target edge against the graph
// and returns the kind of edge it would be. Role to role links are
// structural; role to chart links (either direction) are metric links, and a
// role may carry at most one of those.
func ValidateConnection(s Snapshot, source, target string) (EdgeType, error) {
	if source == target {
		return "", ErrSelfConnection
	}
	src, dst := s.Node(source), s.Node(target)
	if src == nil || dst == nil {
		return "", ErrUnknownNode
	}

	var kind EdgeType
	var roleNode string
	switch {
	case src.Type == NodeRole && dst.Type == NodeRole:
		kind = EdgeStructural
	case src.Type == NodeRole && dst.Type == NodeChart:
		kind, roleNode = EdgeMetric, src.ID
	case src.Type == NodeChart && dst.Type == NodeRole:
		kind, roleNode = EdgeMetric, dst.ID
	default:
		return "", ErrUnsupportedConnection
	}

	for _, e := range s.Edges {
		if e.Ephemeral() {
			continue
		}
		if (e.Source == source && e.Target == target) || (e.Source == target && e.Target == source) {
			if kind == EdgeMetric {
				return "", ErrRoleHasMetric
			}
			return "", ErrDuplicateEdge
		}
		if kind == EdgeMetric && e.Type == EdgeMetric && e.Touches(roleNode) {
			return "", ErrRoleHasMetric
		}
	}
	return kind, nil
}

// NearestWithin finds the node closest to dragged and, when it lies within
// threshold, returns a preview edge whose source is the leftward node.
func NearestWithin(dragged Node, nodes []Node, threshold float64) (Edge, bool) {
	best := math.Inf(1)
	var nearest *Node
	for i := range nodes {
		n := &nodes[i]
		if n.ID == dragged.ID || n.Ephemeral() {
			continue
		}
		if d := dragged.Position.Distance(n.Position); d < best {
			best, nearest = d, n
		}
	}
	if nearest == nil || best >= threshold {
		return Edge{}, false
	}
	source, target := nearest.ID, dragged.ID
	if dragged.Position.X < nearest.Position.X {
		source, target = dragged.ID, nearest.ID
	}
	return Edge{ID: ProximityEdgeID, Source: source, Target: target, Type: EdgeProximity}, true
}
