package canvas

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"teamcanvas/api/internal/logging"
	"teamcanvas/api/internal/util"
)

var log = logging.Log().WithName("canvas")

type SaveState string

const (
	StateClean  SaveState = "clean"
	StateDirty  SaveState = "dirty"
	StateSaving SaveState = "saving"
)

// DefaultSettleWindow covers the measurement and fit-view mutations the host
// renderer performs right after the first load.
const DefaultSettleWindow = 500 * time.Millisecond

var ErrNotInitialized = errors.New("canvas store is not initialized")

type ChangeKind string

const (
	ChangePosition   ChangeKind = "position"
	ChangeDimensions ChangeKind = "dimensions"
	ChangeAdd        ChangeKind = "add"
	ChangeRemove     ChangeKind = "remove"
	ChangeReplace    ChangeKind = "replace"
	ChangeSelect     ChangeKind = "select"
)

// NodeChange is one entry of the change list reported by the host renderer.
type NodeChange struct {
	Kind     ChangeKind
	ID       string
	Position *Position
	Dragging bool
	Width    float64
	Height   float64
	Selected bool
	// Node is the payload of add and replace changes.
	Node *Node
}

type EdgeChange struct {
	Kind     ChangeKind
	ID       string
	Selected bool
	Edge     *Edge
}

// Event is delivered to subscribers after every committed change.
type Event struct {
	Revision uint64
	State    SaveState
	// Dirtied is set when the change counts as an unsaved user edit.
	Dirtied bool
}

type Option func(*Store)

// WithSettleWindow sets how long after Initialize changes are not treated as edits.
func WithSettleWindow(d time.Duration) Option { return func(s *Store) { s.settle = d } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store is the graph state of one open canvas. It is safe for concurrent use:
// host callbacks and network completions may call it from any goroutine.
// Subscribers run synchronously after the lock is released and may call back
// into the store.
type Store struct {
	canvasID string
	settle   time.Duration
	now      func() time.Time

	mu          sync.Mutex
	snap        Snapshot
	state       SaveState
	revision    uint64
	initialized bool
	settleUntil time.Time
	inFlight    *StoredSnapshot

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(Event)
}

func NewStore(canvasID string, opts ...Option) *Store {
	s := &Store{
		canvasID: canvasID,
		settle:   DefaultSettleWindow,
		now:      time.Now,
		state:    StateClean,
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CanvasID() string { return s.canvasID }

// Initialize replaces the graph with a freshly loaded snapshot and starts the
// settle window.
func (s *Store) Initialize(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap.Clone()
	s.state = StateClean
	s.initialized = true
	s.settleUntil = s.now().Add(s.settle)
	s.inFlight = nil
	s.revision++
	ev := s.eventLocked(false)
	s.mu.Unlock()
	s.publish(ev)
}

// Snapshot returns a deep copy of the current graph.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

func (s *Store) SaveState() SaveState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Revision() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revision
}

// Subscribe registers fn for change events and returns its cancel function.
func (s *Store) Subscribe(fn func(Event)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// ApplyNodeChanges applies a renderer change list. Removing a node also
// removes the edges attached to it.
func (s *Store) ApplyNodeChanges(changes []NodeChange) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	next := s.snap.Clone()
	dirtying := false
	for _, ch := range changes {
		if applyNodeChange(&next, ch) {
			dirtying = true
		}
	}
	s.snap = next
	ev := s.commitLocked(dirtying)
	s.mu.Unlock()
	s.publish(ev)
}

func applyNodeChange(s *Snapshot, ch NodeChange) bool {
	switch ch.Kind {
	case ChangeAdd:
		if ch.Node == nil || s.Node(ch.Node.ID) != nil {
			return false
		}
		s.Nodes = append(s.Nodes, ch.Node.Clone())
		return !ch.Node.Ephemeral()
	case ChangeReplace:
		n := s.Node(ch.ID)
		if n == nil || ch.Node == nil {
			return false
		}
		*n = ch.Node.Clone()
		n.ID = ch.ID
		return !n.Ephemeral()
	case ChangeRemove:
		n := s.Node(ch.ID)
		if n == nil {
			return false
		}
		ephemeral := n.Ephemeral()
		s.RemoveNode(ch.ID)
		return !ephemeral
	case ChangePosition:
		n := s.Node(ch.ID)
		if n == nil || ch.Position == nil {
			return false
		}
		if n.Position == *ch.Position {
			return false
		}
		n.Position = *ch.Position
		return !n.Ephemeral()
	case ChangeDimensions:
		n := s.Node(ch.ID)
		if n == nil || (n.Width == ch.Width && n.Height == ch.Height) {
			return false
		}
		n.Width, n.Height = ch.Width, ch.Height
		return !n.Ephemeral()
	case ChangeSelect:
		if n := s.Node(ch.ID); n != nil {
			n.Selected = ch.Selected
		}
		return false
	default:
		return false
	}
}

func (s *Store) ApplyEdgeChanges(changes []EdgeChange) {
	if len(changes) == 0 {
		return
	}
	s.mu.Lock()
	next := s.snap.Clone()
	dirtying := false
	for _, ch := range changes {
		if applyEdgeChange(&next, ch) {
			dirtying = true
		}
	}
	s.snap = next
	ev := s.commitLocked(dirtying)
	s.mu.Unlock()
	s.publish(ev)
}

func applyEdgeChange(s *Snapshot, ch EdgeChange) bool {
	switch ch.Kind {
	case ChangeAdd:
		if ch.Edge == nil || s.Edge(ch.Edge.ID) != nil {
			return false
		}
		s.Edges = append(s.Edges, ch.Edge.Clone())
		return !ch.Edge.Ephemeral()
	case ChangeReplace:
		e := s.Edge(ch.ID)
		if e == nil || ch.Edge == nil {
			return false
		}
		*e = ch.Edge.Clone()
		e.ID = ch.ID
		return !e.Ephemeral()
	case ChangeRemove:
		e := s.Edge(ch.ID)
		if e == nil {
			return false
		}
		ephemeral := e.Ephemeral()
		s.RemoveEdge(ch.ID)
		return !ephemeral
	case ChangeSelect:
		if e := s.Edge(ch.ID); e != nil {
			e.Selected = ch.Selected
		}
		return false
	default:
		return false
	}
}

// Connect validates and inserts a new edge between two nodes. Role to role
// connections become structural edges; role to chart connections become
// metric edges carrying the role and metric ids.
func (s *Store) Connect(source, target string) (Edge, error) {
	s.mu.Lock()
	kind, err := ValidateConnection(s.snap, source, target)
	if err != nil {
		s.mu.Unlock()
		return Edge{}, err
	}
	next := s.snap.Clone()
	edge := Edge{ID: util.NewNodeID(), Source: source, Target: target, Type: kind}
	if kind == EdgeMetric {
		edge.Metric = MetricLinkFor(&next, source, target)
	}
	next.Edges = append(next.Edges, edge)
	s.snap = next
	ev := s.commitLocked(true)
	s.mu.Unlock()
	s.publish(ev)
	return edge.Clone(), nil
}

// MetricLinkFor builds the metric payload for a role/chart node pair given in
// either order.
func MetricLinkFor(snap *Snapshot, a, b string) *MetricLink {
	role, chart := snap.Node(a), snap.Node(b)
	if role != nil && role.Type == NodeChart {
		role, chart = chart, role
	}
	if role == nil || chart == nil || role.Role == nil || chart.Chart == nil {
		return nil
	}
	return &MetricLink{Role: role.Role.Ref, MetricID: chart.Chart.MetricID}
}

// SetProximityPreview replaces the drag preview edge; nil clears it. The
// preview never dirties the canvas.
func (s *Store) SetProximityPreview(edge *Edge) {
	s.mu.Lock()
	next := s.snap.Clone()
	changed := next.RemoveEdge(ProximityEdgeID)
	if edge != nil {
		preview := edge.Clone()
		preview.ID = ProximityEdgeID
		preview.Type = EdgeProximity
		next.Edges = append(next.Edges, preview)
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	s.snap = next
	ev := s.commitLocked(false)
	s.mu.Unlock()
	s.publish(ev)
}

// ProximityPreview returns the current drag preview edge, if any.
func (s *Store) ProximityPreview() (Edge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.snap.Edge(ProximityEdgeID); e != nil {
		return e.Clone(), true
	}
	return Edge{}, false
}

// Update runs fn against a copy of the graph and commits the copy as one
// atomic change when fn returns nil. Subscribers observe either the whole
// change or none of it.
func (s *Store) Update(fn func(*Snapshot) error) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	next := s.snap.Clone()
	if err := fn(&next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.snap = next
	ev := s.commitLocked(true)
	s.mu.Unlock()
	s.publish(ev)
	return nil
}

// Restore puts back a snapshot taken earlier with Snapshot. The save state is
// left alone: a restored graph may still differ from what was last persisted.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.snap = snap.Clone()
	s.revision++
	ev := s.eventLocked(false)
	s.mu.Unlock()
	s.publish(ev)
}

// BeginSave moves a dirty store to saving and returns the encoded snapshot to
// send. It reports false when there is nothing to save or a save is already
// in flight.
func (s *Store) BeginSave() (StoredSnapshot, bool) {
	s.mu.Lock()
	if s.state != StateDirty {
		s.mu.Unlock()
		return StoredSnapshot{}, false
	}
	sent := Encode(s.snap)
	s.inFlight = &sent
	s.state = StateSaving
	ev := s.eventLocked(false)
	s.mu.Unlock()
	s.publish(ev)
	return sent, true
}

// FinishSave completes the save started by BeginSave. The store only becomes
// clean when the graph still encodes to exactly what was sent; any edit that
// raced the request leaves it dirty.
func (s *Store) FinishSave(err error) SaveState {
	s.mu.Lock()
	if s.state != StateSaving || s.inFlight == nil {
		state := s.state
		s.mu.Unlock()
		return state
	}
	sent := *s.inFlight
	s.inFlight = nil
	switch {
	case err != nil:
		s.state = StateDirty
	case sameGraph(sent, Encode(s.snap)):
		s.state = StateClean
	default:
		s.state = StateDirty
	}
	ev := s.eventLocked(false)
	s.mu.Unlock()
	s.publish(ev)
	return ev.State
}

// Pending is the snapshot an unload handler must deliver: the latest graph
// whenever the store is dirty or saving.
func (s *Store) Pending() (StoredSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClean {
		return StoredSnapshot{}, false
	}
	return Encode(s.snap), true
}

func sameGraph(a, b StoredSnapshot) bool {
	return reflect.DeepEqual(a.Nodes, b.Nodes) && reflect.DeepEqual(a.Edges, b.Edges)
}

func (s *Store) commitLocked(dirtying bool) Event {
	s.revision++
	dirtied := false
	if dirtying && s.initialized && !s.now().Before(s.settleUntil) {
		dirtied = true
		if s.state == StateClean {
			s.state = StateDirty
		}
	}
	return s.eventLocked(dirtied)
}

func (s *Store) eventLocked(dirtied bool) Event {
	return Event{Revision: s.revision, State: s.state, Dirtied: dirtied}
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (s *Store) String() string {
	return fmt.Sprintf("canvas.Store(%s)", s.canvasID)
}
