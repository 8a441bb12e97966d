package layout

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
	"gonum.org/v1/gonum/graph/traverse"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/logging"
)

var log = logging.Log().WithName("layout")

// Options control AutoArrange spacing.
type Options struct {
	Columns   int
	ColumnGap float64
	RowGap    float64
	// RankGap is the vertical distance between layers.
	RankGap float64
	// NodeGap is the horizontal distance between nodes of one layer.
	NodeGap float64
}

func DefaultOptions() Options {
	return Options{Columns: 4, ColumnGap: 280, RowGap: 200, RankGap: 200, NodeGap: 280}
}

// AutoArrange computes new positions. Without edges every node is placed on
// a grid. With edges, the connected nodes are laid out in layers following
// edge direction and isolated nodes keep their position. Edges whose
// endpoints are missing are ignored. If the layered layout fails the grid is
// used instead, so every node always ends up with a position.
func AutoArrange(nodes []canvas.Node, edges []canvas.Edge, opts Options) map[string]canvas.Position {
	var live []canvas.Node
	for _, n := range nodes {
		if !n.Ephemeral() {
			live = append(live, n)
		}
	}
	present := make(map[string]bool, len(live))
	for _, n := range live {
		present[n.ID] = true
	}
	var valid []canvas.Edge
	for _, e := range edges {
		if e.Ephemeral() || e.Source == e.Target || !present[e.Source] || !present[e.Target] {
			continue
		}
		valid = append(valid, e)
	}
	if len(valid) == 0 {
		return Grid(live, opts)
	}
	out, err := layered(live, valid, opts)
	if err != nil {
		log.Info("Layered layout failed, using grid", "error", err.Error())
		return Grid(live, opts)
	}
	return out
}

// Grid places nodes row by row in their current order.
func Grid(nodes []canvas.Node, opts Options) map[string]canvas.Position {
	cols := max(opts.Columns, 1)
	out := make(map[string]canvas.Position, len(nodes))
	for i, n := range nodes {
		out[n.ID] = canvas.Position{
			X: float64(i%cols) * opts.ColumnGap,
			Y: float64(i/cols) * opts.RowGap,
		}
	}
	return out
}

var errEmptyLayer = errors.New("layer assignment produced no nodes")

// layerEngine computes the layered positions. Tests replace it to exercise
// the grid fallback.
var layerEngine = layerByRank

// layered runs layerEngine and turns a panic into an error.
func layered(nodes []canvas.Node, edges []canvas.Edge, opts Options) (out map[string]canvas.Position, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("layered layout: %v", r)
		}
	}()
	return layerEngine(nodes, edges, opts)
}

func layerByRank(nodes []canvas.Node, edges []canvas.Edge, opts Options) (map[string]canvas.Position, error) {
	ids := make(map[string]int64, len(nodes))
	byID := make(map[int64]canvas.Node, len(nodes))
	g := simple.NewDirectedGraph()
	for _, e := range edges {
		for _, end := range []string{e.Source, e.Target} {
			if _, ok := ids[end]; ok {
				continue
			}
			id := int64(len(ids))
			ids[end] = id
			g.AddNode(simple.Node(id))
		}
	}
	for _, n := range nodes {
		if id, ok := ids[n.ID]; ok {
			byID[id] = n
		}
	}
	for _, e := range edges {
		from, to := ids[e.Source], ids[e.Target]
		if g.HasEdgeFromTo(from, to) {
			continue
		}
		g.SetEdge(g.NewEdge(simple.Node(from), simple.Node(to)))
	}

	rank, err := longestPathRanks(g)
	if err != nil {
		var cyclic topo.Unorderable
		if !errors.As(err, &cyclic) {
			return nil, err
		}
		rank = breadthFirstRanks(g)
	}

	layers := map[int][]canvas.Node{}
	origin := canvas.Position{X: math.Inf(1), Y: math.Inf(1)}
	for id, r := range rank {
		n := byID[id]
		layers[r] = append(layers[r], n)
		origin.X = math.Min(origin.X, n.Position.X)
		origin.Y = math.Min(origin.Y, n.Position.Y)
	}
	if len(layers) == 0 {
		return nil, errEmptyLayer
	}

	widest := 0
	for _, layer := range layers {
		widest = max(widest, len(layer))
	}
	out := make(map[string]canvas.Position, len(rank))
	for r, layer := range layers {
		// keep the current left-to-right order within a layer
		slices.SortStableFunc(layer, func(a, b canvas.Node) int {
			if c := cmp.Compare(a.Position.X, b.Position.X); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
		offset := float64(widest-len(layer)) * opts.NodeGap / 2
		for i, n := range layer {
			out[n.ID] = canvas.Position{
				X: origin.X + offset + float64(i)*opts.NodeGap,
				Y: origin.Y + float64(r)*opts.RankGap,
			}
		}
	}
	return out, nil
}

// longestPathRanks puts every node one layer below its deepest predecessor.
func longestPathRanks(g *simple.DirectedGraph) (map[int64]int, error) {
	order, err := topo.Sort(g)
	if err != nil {
		return nil, err
	}
	rank := make(map[int64]int, len(order))
	for _, n := range order {
		r := rank[n.ID()]
		to := g.From(n.ID())
		for to.Next() {
			succ := to.Node().ID()
			rank[succ] = max(rank[succ], r+1)
		}
		rank[n.ID()] = r
	}
	return rank, nil
}

// breadthFirstRanks layers a cyclic graph by distance from its roots. Nodes
// without predecessors are roots; any node still unreached afterwards starts
// a walk of its own.
func breadthFirstRanks(g *simple.DirectedGraph) map[int64]int {
	nodes := graph.NodesOf(g.Nodes())
	slices.SortFunc(nodes, func(a, b graph.Node) int { return cmp.Compare(a.ID(), b.ID()) })
	var roots []graph.Node
	for _, n := range nodes {
		if g.To(n.ID()).Len() == 0 {
			roots = append(roots, n)
		}
	}
	roots = append(roots, nodes...)

	rank := make(map[int64]int, len(nodes))
	var bf traverse.BreadthFirst
	for _, root := range roots {
		if bf.Visited(root) {
			continue
		}
		bf.Walk(g, root, func(n graph.Node, depth int) bool {
			if _, ok := rank[n.ID()]; !ok {
				rank[n.ID()] = depth
			}
			return false
		})
	}
	return rank
}
