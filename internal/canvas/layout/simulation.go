package layout

import (
	"gonum.org/v1/gonum/spatial/r2"

	"teamcanvas/api/internal/canvas"
)

// reheat is the energy the simulation restarts at when a drag starts or stops.
const reheat = 0.3

// Simulation drives Step from renderer callbacks: one Tick per animation
// frame. It is not safe for concurrent use.
type Simulation struct {
	params Params
	state  State
	links  []Link
	index  map[string]int
	nodes  int
	edges  int
}

func NewSimulation(p Params) *Simulation {
	return &Simulation{params: p, index: map[string]int{}, nodes: -1, edges: -1}
}

// Sync re-seeds the simulation from the nodes' current positions whenever
// the number of nodes or edges changed since the last call. Freehand nodes
// and preview edges take no part.
func (s *Simulation) Sync(nodes []canvas.Node, edges []canvas.Edge) {
	var live []canvas.Node
	for _, n := range nodes {
		if !n.Ephemeral() {
			live = append(live, n)
		}
	}
	var links []canvas.Edge
	for _, e := range edges {
		if !e.Ephemeral() {
			links = append(links, e)
		}
	}
	if len(live) == s.nodes && len(links) == s.edges {
		return
	}
	s.nodes, s.edges = len(live), len(links)

	pinned := map[string]r2.Vec{}
	for _, b := range s.state.Bodies {
		if b.Fixed != nil {
			pinned[b.ID] = *b.Fixed
		}
	}
	s.index = make(map[string]int, len(live))
	bodies := make([]Body, len(live))
	var center r2.Vec
	for i, n := range live {
		s.index[n.ID] = i
		bodies[i] = Body{ID: n.ID, Pos: toVec(n.Position)}
		if p, ok := pinned[n.ID]; ok {
			bodies[i].Fixed = &p
		}
		center = r2.Add(center, bodies[i].Pos)
	}
	if len(live) > 0 {
		s.params.Center = r2.Scale(1/float64(len(live)), center)
	}
	s.links = s.links[:0]
	for _, e := range links {
		src, ok1 := s.index[e.Source]
		dst, ok2 := s.index[e.Target]
		if ok1 && ok2 && src != dst {
			s.links = append(s.links, Link{Source: src, Target: dst})
		}
	}
	s.state = State{Bodies: bodies, Alpha: 1, AlphaTarget: s.state.AlphaTarget}
}

// DragStart pins id at pos and reheats the simulation.
func (s *Simulation) DragStart(id string, pos canvas.Position) {
	s.pin(id, pos)
	s.state.AlphaTarget = reheat
	s.state.Alpha = max(s.state.Alpha, reheat)
}

// Drag moves the pinned node.
func (s *Simulation) Drag(id string, pos canvas.Position) { s.pin(id, pos) }

// DragStop releases id and lets the simulation settle from a reheated state.
func (s *Simulation) DragStop(id string) {
	if i, ok := s.index[id]; ok {
		s.state.Bodies[i].Fixed = nil
	}
	s.state.AlphaTarget = 0
	s.state.Alpha = max(s.state.Alpha, reheat)
}

func (s *Simulation) pin(id string, pos canvas.Position) {
	i, ok := s.index[id]
	if !ok {
		return
	}
	v := toVec(pos)
	s.state.Bodies[i].Fixed = &v
	s.state.Bodies[i].Pos = v
}

// Active reports whether ticking would still move anything.
func (s *Simulation) Active() bool {
	return s.state.Alpha >= s.params.AlphaMin || s.state.AlphaTarget > 0
}

// Tick advances one frame and returns the new position of every simulated
// node, or nil once the simulation has cooled down.
func (s *Simulation) Tick() map[string]canvas.Position {
	if !s.Active() || len(s.state.Bodies) == 0 {
		return nil
	}
	s.state = Step(s.state, s.links, s.params)
	out := make(map[string]canvas.Position, len(s.state.Bodies))
	for _, b := range s.state.Bodies {
		out[b.ID] = toPosition(b.Pos)
	}
	return out
}
