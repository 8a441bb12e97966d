// Package optimistic applies domain mutations (roles and metric assignments)
// to the canvas before the server confirms them, then reconciles or rolls
// back once the round trip completes.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/logging"
	"teamcanvas/api/internal/metrics"
)

// ErrMutationInFlight is returned, and the mutation dropped, when another
// mutation for the same target is still waiting on the server.
var ErrMutationInFlight = errors.New("a change to this item is already in progress")

var (
	ErrUnknownRole   = errors.New("role does not exist")
	ErrUnknownMetric = errors.New("metric does not exist")
	ErrUnknownEdge   = errors.New("edge does not exist")
	ErrNotSplittable = errors.New("only structural edges can be split")
)

// RoleInput carries the editable fields of a role.
type RoleInput struct {
	Title      string `json:"title"`
	Purpose    string `json:"purpose"`
	AssigneeID string `json:"assigneeId,omitempty"`
}

// DomainAPI is the server side of role and metric assignment mutations. Each
// call returns the authoritative record used for reconciliation.
type DomainAPI interface {
	CreateRole(ctx context.Context, canvasID string, in RoleInput) (canvas.Role, error)
	UpdateRole(ctx context.Context, canvasID, roleID string, in RoleInput) (canvas.Role, error)
	DeleteRole(ctx context.Context, canvasID, roleID string) error
	AssignMetric(ctx context.Context, canvasID, roleID, metricID string) (canvas.Role, error)
	UnassignMetric(ctx context.Context, canvasID, roleID string) (canvas.Role, error)
}

// Patch is one dual-write against the query cache and the graph. Records runs
// first; Graph then sees an index of the updated records.
type Patch struct {
	Records func(*canvas.Records) error
	Graph   func(*canvas.Snapshot, canvas.RecordIndex) error
}

type Option func(*Coordinator)

func WithNotifier(n canvas.Notifier) Option { return func(c *Coordinator) { c.notifier = n } }

func WithLogger(l logr.Logger) Option { return func(c *Coordinator) { c.log = l } }

// Coordinator runs the snapshot, apply, request, reconcile-or-rollback
// protocol for every domain mutation of one canvas session.
type Coordinator struct {
	store    *canvas.Store
	cache    *Cache
	api      DomainAPI
	notifier canvas.Notifier
	log      logr.Logger

	// applyMu serializes writes to the cache and graph pair.
	applyMu sync.Mutex

	flightMu sync.Mutex
	inFlight map[string]struct{}
}

func New(store *canvas.Store, cache *Cache, api DomainAPI, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		cache:    cache,
		api:      api,
		notifier: canvas.Discard,
		log:      logging.Log().WithName("optimistic"),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Cache() *Cache { return c.cache }

// InFlight reports whether a mutation for key is waiting on the server.
func (c *Coordinator) InFlight(key string) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	_, ok := c.inFlight[key]
	return ok
}

// ApplyDomainMutation applies p to the cache and the graph as one change. If
// either half fails, neither is kept.
func (c *Coordinator) ApplyDomainMutation(p Patch) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	return c.applyLocked(p)
}

func (c *Coordinator) applyLocked(p Patch) error {
	before := c.cache.Snapshot()
	records := before.Clone()
	if p.Records != nil {
		if err := p.Records(&records); err != nil {
			return err
		}
	}
	c.cache.Restore(records)
	if p.Graph == nil {
		return nil
	}
	idx := records.Index()
	if err := c.store.Update(func(s *canvas.Snapshot) error { return p.Graph(s, idx) }); err != nil {
		c.cache.Restore(before)
		return err
	}
	return nil
}

type mutation struct {
	action string
	key    string
	local  Patch
	remote func(context.Context) (Patch, error)
}

// run applies m.local at once, then calls m.remote and reconciles with the
// patch it returns. On failure the graph and cache go back to the exact
// state captured before m.local. That restore is whole-state: a mutation on
// another key confirmed while m.remote was pending is reverted with it, and
// the next load from the server brings it back.
func (c *Coordinator) run(ctx context.Context, m mutation) error {
	if !c.begin(m.key) {
		metrics.DomainMutations.WithLabelValues(m.action, "dropped").Inc()
		return ErrMutationInFlight
	}
	defer c.end(m.key)

	c.applyMu.Lock()
	graph := c.store.Snapshot()
	records := c.cache.Snapshot()
	err := c.applyLocked(m.local)
	c.applyMu.Unlock()
	if err != nil {
		metrics.DomainMutations.WithLabelValues(m.action, "rejected").Inc()
		return err
	}

	reconcile, err := m.remote(ctx)
	if err != nil {
		c.rollback(graph, records)
		metrics.DomainMutations.WithLabelValues(m.action, "error").Inc()
		c.log.Error(err, "Domain mutation failed, rolled back", "canvas", c.store.CanvasID(), "action", m.action, "target", m.key)
		label := strings.ReplaceAll(m.action, "_", " ")
		c.notifier.Notify(canvas.Notice{
			Level:   canvas.LevelError,
			Action:  label,
			Message: fmt.Sprintf("Could not %s: %v", label, err),
		})
		return fmt.Errorf("%s: %w", label, err)
	}
	if err := c.ApplyDomainMutation(reconcile); err != nil {
		metrics.DomainMutations.WithLabelValues(m.action, "error").Inc()
		c.log.Error(err, "Reconciling confirmed mutation", "canvas", c.store.CanvasID(), "action", m.action)
		return err
	}
	metrics.DomainMutations.WithLabelValues(m.action, "ok").Inc()
	return nil
}

func (c *Coordinator) rollback(graph canvas.Snapshot, records canvas.Records) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()
	c.store.Restore(graph)
	c.cache.Restore(records)
}

func (c *Coordinator) begin(key string) bool {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()
	if _, busy := c.inFlight[key]; busy {
		return false
	}
	c.inFlight[key] = struct{}{}
	return true
}

func (c *Coordinator) end(key string) {
	c.flightMu.Lock()
	delete(c.inFlight, key)
	c.flightMu.Unlock()
}
