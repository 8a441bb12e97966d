// Package editor is one open canvas session. It owns the graph store and
// routes every host callback to the store, the optimistic coordinator, the
// auto-save pipeline, the edit lock and the layout engines.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/canvas/autosave"
	"teamcanvas/api/internal/canvas/editlock"
	"teamcanvas/api/internal/canvas/layout"
	"teamcanvas/api/internal/canvas/optimistic"
	"teamcanvas/api/internal/logging"
)

// ErrReadOnly is returned by every mutation entry point while the session
// does not hold the edit lease.
var ErrReadOnly = errors.New("canvas is read-only")

// Loaded is what the persistence API returns for one canvas.
type Loaded struct {
	Canvas canvas.StoredSnapshot `json:"canvas"`
	canvas.Records
}

type Persistence interface {
	LoadCanvas(ctx context.Context, canvasID string) (Loaded, error)
	autosave.Saver
}

// Deps are the collaborators of a session. Persistence, Sessions and Domain
// are required.
type Deps struct {
	Persistence Persistence
	Sessions    editlock.SessionAPI
	Domain      optimistic.DomainAPI
	Transport   autosave.DurableFireAndForgetTransport
	Viewport    autosave.ViewportSource
	Notifier    canvas.Notifier
	Logger      *logr.Logger

	Debounce          time.Duration
	SettleWindow      time.Duration
	HeartbeatInterval time.Duration
	Layout            *layout.Options
	Forces            *layout.Params
}

type Editor struct {
	canvasID string
	store    *canvas.Store
	coord    *optimistic.Coordinator
	lock     *editlock.Manager
	notifier canvas.Notifier
	log      logr.Logger
	layout   layout.Options
	forces   layout.Params

	mu       sync.Mutex
	pipeline *autosave.Pipeline
	sim      *layout.Simulation
}

// Open checks and acquires the edit lease, loads and decodes the canvas and,
// when the lease was granted, starts auto-save. A session that did not get
// the lease still opens, read-only.
func Open(ctx context.Context, canvasID string, deps Deps) (*Editor, error) {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = canvas.Discard
	}
	log := logging.Log().WithName("editor")
	if deps.Logger != nil {
		log = *deps.Logger
	}
	e := &Editor{
		canvasID: canvasID,
		notifier: notifier,
		log:      log.WithValues("canvas", canvasID),
		layout:   layout.DefaultOptions(),
	}
	if deps.Layout != nil {
		e.layout = *deps.Layout
	}
	e.forces = layout.DefaultParams()
	if deps.Forces != nil {
		e.forces = *deps.Forces
	}

	lockOpts := []editlock.Option{editlock.WithNotifier(notifier), editlock.WithLogger(log.WithName("editlock"))}
	if deps.HeartbeatInterval > 0 {
		lockOpts = append(lockOpts, editlock.WithInterval(deps.HeartbeatInterval))
	}
	e.lock = editlock.New(deps.Sessions, canvasID, lockOpts...)
	status, err := e.lock.Check(ctx)
	if err != nil {
		return nil, fmt.Errorf("check edit session: %w", err)
	}
	if status.CanEdit {
		if _, err := e.lock.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire edit session: %w", err)
		}
	}

	loaded, err := deps.Persistence.LoadCanvas(ctx, canvasID)
	if err != nil {
		_ = e.lock.Release(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("load canvas: %w", err)
	}

	storeOpts := []canvas.Option{}
	if deps.SettleWindow > 0 {
		storeOpts = append(storeOpts, canvas.WithSettleWindow(deps.SettleWindow))
	}
	e.store = canvas.NewStore(canvasID, storeOpts...)
	e.store.Initialize(canvas.Decode(loaded.Canvas, loaded.Records))
	e.coord = optimistic.New(e.store, optimistic.NewCache(loaded.Records), deps.Domain,
		optimistic.WithNotifier(notifier), optimistic.WithLogger(log.WithName("optimistic")))

	e.sim = layout.NewSimulation(e.forces)
	snap := e.store.Snapshot()
	e.sim.Sync(snap.Nodes, snap.Edges)

	if !e.lock.ReadOnly() {
		saveOpts := []autosave.Option{
			autosave.WithNotifier(notifier),
			autosave.WithLogger(log.WithName("autosave")),
		}
		if deps.Debounce > 0 {
			saveOpts = append(saveOpts, autosave.WithDebounce(deps.Debounce))
		}
		if deps.Transport != nil {
			saveOpts = append(saveOpts, autosave.WithTransport(deps.Transport))
		}
		if deps.Viewport != nil {
			saveOpts = append(saveOpts, autosave.WithViewportSource(deps.Viewport))
		}
		e.pipeline = autosave.New(e.store, deps.Persistence, saveOpts...)
	}
	e.lock.OnChange(e.lockChanged)
	e.log.V(1).Info("Opened canvas", "readOnly", e.lock.ReadOnly(), "nodes", len(snap.Nodes), "edges", len(snap.Edges))
	return e, nil
}

func (e *Editor) lockChanged(s editlock.State) {
	if !s.ReadOnly() {
		return
	}
	e.mu.Lock()
	p := e.pipeline
	e.pipeline = nil
	e.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

func (e *Editor) CanvasID() string { return e.canvasID }

// Store exposes the graph for rendering and subscriptions.
func (e *Editor) Store() *canvas.Store { return e.store }

func (e *Editor) Coordinator() *optimistic.Coordinator { return e.coord }

func (e *Editor) ReadOnly() bool { return e.lock.ReadOnly() }

// HolderName names whoever holds the lease when this session is read-only.
func (e *Editor) HolderName() string { return e.lock.HolderName() }

func (e *Editor) SaveState() canvas.SaveState { return e.store.SaveState() }

func (e *Editor) writable() error {
	if e.lock.ReadOnly() {
		return ErrReadOnly
	}
	return nil
}

func (e *Editor) syncLayout() {
	snap := e.store.Snapshot()
	e.mu.Lock()
	e.sim.Sync(snap.Nodes, snap.Edges)
	e.mu.Unlock()
}

// OnNodesChange applies a renderer change list. Removing a role node deletes
// its role through the coordinator so canvas and data stay in step. Removing
// any other node unassigns the metric of every role it was measuring.
func (e *Editor) OnNodesChange(ctx context.Context, changes []canvas.NodeChange) error {
	if err := e.writable(); err != nil {
		return err
	}
	snap := e.store.Snapshot()
	var local []canvas.NodeChange
	var roles, unassign []canvas.Ref
	removed := map[string]bool{}
	for _, ch := range changes {
		if ch.Kind == canvas.ChangeRemove {
			if n := snap.Node(ch.ID); n != nil {
				if ref, ok := n.RoleRef(); ok {
					roles = append(roles, ref)
					removed[ref.String()] = true
					continue
				}
				unassign = append(unassign, metricRolesTouching(snap, ch.ID)...)
			}
		}
		local = append(local, ch)
	}
	e.store.ApplyNodeChanges(local)

	var errs []error
	for _, ref := range roles {
		if ref.IsPending() {
			e.warn("delete role", roleCreatingMessage)
			continue
		}
		if err := e.coord.DeleteRole(ctx, ref.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ref := range unassign {
		if removed[ref.String()] {
			continue
		}
		removed[ref.String()] = true
		if ref.IsPending() {
			e.warn("unassign metric", roleCreatingMessage)
			continue
		}
		if err := e.coord.UnassignMetric(ctx, ref.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	e.syncLayout()
	return errors.Join(errs...)
}

// metricRolesTouching lists the roles of the metric edges ending at node id.
func metricRolesTouching(snap canvas.Snapshot, id string) []canvas.Ref {
	var refs []canvas.Ref
	for _, edge := range snap.Edges {
		if edge.Metric != nil && (edge.Source == id || edge.Target == id) {
			refs = append(refs, edge.Metric.Role)
		}
	}
	return refs
}

// OnEdgesChange applies a renderer change list. Removing a metric edge
// unassigns the metric from its role.
func (e *Editor) OnEdgesChange(ctx context.Context, changes []canvas.EdgeChange) error {
	if err := e.writable(); err != nil {
		return err
	}
	snap := e.store.Snapshot()
	var local []canvas.EdgeChange
	var unassign []canvas.Ref
	for _, ch := range changes {
		if ch.Kind == canvas.ChangeRemove {
			if edge := snap.Edge(ch.ID); edge != nil && edge.Metric != nil {
				unassign = append(unassign, edge.Metric.Role)
				continue
			}
		}
		local = append(local, ch)
	}
	e.store.ApplyEdgeChanges(local)

	var errs []error
	for _, ref := range unassign {
		if ref.IsPending() {
			e.warn("unassign metric", roleCreatingMessage)
			continue
		}
		if err := e.coord.UnassignMetric(ctx, ref.ID()); err != nil {
			errs = append(errs, err)
		}
	}
	e.syncLayout()
	return errors.Join(errs...)
}

// OnConnect handles an explicit connect gesture. Rule violations are shown
// as warnings and returned; role to chart connections assign the metric.
func (e *Editor) OnConnect(ctx context.Context, source, target string) (canvas.Edge, error) {
	if err := e.writable(); err != nil {
		return canvas.Edge{}, err
	}
	kind, err := canvas.ValidateConnection(e.store.Snapshot(), source, target)
	if err != nil {
		if canvas.IsRejection(err) {
			e.warn("connect", rejectionMessage(err))
		}
		return canvas.Edge{}, err
	}
	var edge canvas.Edge
	if kind == canvas.EdgeMetric {
		edge, err = e.coord.AssignMetric(ctx, source, target)
	} else {
		edge, err = e.store.Connect(source, target)
	}
	if err != nil {
		e.warnDropped("connect", err, source, target)
		return canvas.Edge{}, err
	}
	e.syncLayout()
	return edge, nil
}

const roleCreatingMessage = "This role is still being created. Try again in a moment."

const roleBusyMessage = "This role is still being saved. Try again in a moment."

// warnDropped tells the user about a metric link that was refused locally:
// a connection rule violation or a role whose previous change is still on
// its way to the server. Server failures are reported by the coordinator.
func (e *Editor) warnDropped(action string, err error, source, target string) {
	switch {
	case err == nil:
	case canvas.IsRejection(err):
		e.warn(action, rejectionMessage(err))
	case errors.Is(err, optimistic.ErrUnknownMetric):
		e.warn(action, "This chart's metric no longer exists.")
	case errors.Is(err, optimistic.ErrMutationInFlight):
		snap := e.store.Snapshot()
		if link := canvas.MetricLinkFor(&snap, source, target); link != nil && link.Role.IsPending() {
			e.warn(action, roleCreatingMessage)
			return
		}
		e.warn(action, roleBusyMessage)
	}
}

func rejectionMessage(err error) string {
	if errors.Is(err, canvas.ErrRoleHasMetric) {
		return "This role already has a metric. Remove it before assigning another."
	}
	return "Those nodes cannot be connected: " + err.Error() + "."
}

// OnNodeDragStart pins the dragged node in the force simulation.
func (e *Editor) OnNodeDragStart(dragged canvas.Node) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.mu.Lock()
	e.sim.DragStart(dragged.ID, dragged.Position)
	e.mu.Unlock()
	return nil
}

// OnNodeDrag updates the proximity preview for the dragged node.
func (e *Editor) OnNodeDrag(dragged canvas.Node, nodes []canvas.Node) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.mu.Lock()
	e.sim.Drag(dragged.ID, dragged.Position)
	e.mu.Unlock()
	if edge, ok := canvas.NearestWithin(dragged, nodes, canvas.ProximityThreshold); ok {
		e.store.SetProximityPreview(&edge)
	} else {
		e.store.SetProximityPreview(nil)
	}
	return nil
}

// OnNodeDragStop commits the last proximity preview as a real connection,
// if there is one. Rejected connections only produce a warning.
func (e *Editor) OnNodeDragStop(ctx context.Context, dragged canvas.Node) error {
	if err := e.writable(); err != nil {
		return err
	}
	e.mu.Lock()
	e.sim.DragStop(dragged.ID)
	e.mu.Unlock()
	preview, ok := e.store.ProximityPreview()
	e.store.SetProximityPreview(nil)
	if !ok {
		return nil
	}
	if _, err := e.OnConnect(ctx, preview.Source, preview.Target); err != nil && !canvas.IsRejection(err) {
		return err
	}
	return nil
}

// Tick advances the force simulation one frame and moves the nodes. It
// returns false once the simulation is idle.
func (e *Editor) Tick() bool {
	if e.lock.ReadOnly() {
		return false
	}
	e.mu.Lock()
	positions := e.sim.Tick()
	e.mu.Unlock()
	if positions == nil {
		return false
	}
	e.store.ApplyNodeChanges(positionChanges(positions))
	return true
}

// AutoArrange lays the canvas out once, as a single change.
func (e *Editor) AutoArrange() error {
	if err := e.writable(); err != nil {
		return err
	}
	snap := e.store.Snapshot()
	positions := layout.AutoArrange(snap.Nodes, snap.Edges, e.layout)
	err := e.store.Update(func(s *canvas.Snapshot) error {
		for id, pos := range positions {
			if n := s.Node(id); n != nil {
				n.Position = pos
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.sim = layout.NewSimulation(e.forces)
	e.mu.Unlock()
	e.syncLayout()
	return nil
}

func positionChanges(positions map[string]canvas.Position) []canvas.NodeChange {
	changes := make([]canvas.NodeChange, 0, len(positions))
	for id, pos := range positions {
		changes = append(changes, canvas.NodeChange{Kind: canvas.ChangePosition, ID: id, Position: &pos})
	}
	return changes
}

func (e *Editor) CreateRole(ctx context.Context, in optimistic.RoleInput, pos canvas.Position) (canvas.Role, error) {
	if err := e.writable(); err != nil {
		return canvas.Role{}, err
	}
	defer e.syncLayout()
	return e.coord.CreateRole(ctx, in, pos)
}

// SplitEdge creates a role in the middle of an existing structural edge.
func (e *Editor) SplitEdge(ctx context.Context, edgeID string, in optimistic.RoleInput, pos canvas.Position) (canvas.Role, error) {
	if err := e.writable(); err != nil {
		return canvas.Role{}, err
	}
	defer e.syncLayout()
	return e.coord.CreateRoleOnEdge(ctx, edgeID, in, pos)
}

func (e *Editor) UpdateRole(ctx context.Context, roleID string, in optimistic.RoleInput) (canvas.Role, error) {
	if err := e.writable(); err != nil {
		return canvas.Role{}, err
	}
	return e.coord.UpdateRole(ctx, roleID, in)
}

func (e *Editor) DeleteRole(ctx context.Context, roleID string) error {
	if err := e.writable(); err != nil {
		return err
	}
	defer e.syncLayout()
	return e.coord.DeleteRole(ctx, roleID)
}

// AssignMetric links a role node and a chart node given in either order.
func (e *Editor) AssignMetric(ctx context.Context, roleNodeID, chartNodeID string) (canvas.Edge, error) {
	if err := e.writable(); err != nil {
		return canvas.Edge{}, err
	}
	edge, err := e.coord.AssignMetric(ctx, roleNodeID, chartNodeID)
	e.warnDropped("assign metric", err, roleNodeID, chartNodeID)
	return edge, err
}

func (e *Editor) UnassignMetric(ctx context.Context, roleID string) error {
	if err := e.writable(); err != nil {
		return err
	}
	return e.coord.UnassignMetric(ctx, roleID)
}

// Flush saves pending changes now, for in-app navigation.
func (e *Editor) Flush(ctx context.Context) error {
	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Flush(ctx)
}

// BeforeUnload hands unsaved changes to the unload transport and reports
// whether the host should prompt.
func (e *Editor) BeforeUnload() bool {
	e.mu.Lock()
	p := e.pipeline
	e.mu.Unlock()
	if p == nil {
		return false
	}
	return p.BeforeUnload()
}

// Close flushes, stops auto-save and the heartbeat, and releases the lease.
func (e *Editor) Close(ctx context.Context) error {
	e.mu.Lock()
	p := e.pipeline
	e.pipeline = nil
	e.mu.Unlock()
	var errs []error
	if p != nil {
		if err := p.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush canvas: %w", err))
		}
		p.Close()
	}
	if err := e.lock.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("release edit session: %w", err))
	}
	return errors.Join(errs...)
}

func (e *Editor) warn(action, msg string) {
	e.notifier.Notify(canvas.Notice{Level: canvas.LevelWarning, Action: action, Message: msg})
}
