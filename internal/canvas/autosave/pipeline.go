// Package autosave persists a canvas store in the background: edits are
// debounced into infrequent saves, and unload hands the latest graph to a
// transport that does not wait for a response.
package autosave

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"teamcanvas/api/internal/canvas"
	"teamcanvas/api/internal/logging"
)

const (
	DefaultDebounce    = 2 * time.Second
	DefaultSaveTimeout = 15 * time.Second
)

// Saver is the persistence call used for debounced and flushed saves.
type Saver interface {
	SaveCanvas(ctx context.Context, canvasID string, snap canvas.StoredSnapshot) error
}

// DurableFireAndForgetTransport delivers a snapshot on a best-effort basis
// without blocking the caller, for use while the host is tearing down.
type DurableFireAndForgetTransport interface {
	Send(canvasID string, snap canvas.StoredSnapshot)
}

// ViewportSource reads the live pan/zoom from the renderer.
type ViewportSource interface {
	Viewport() (canvas.Viewport, bool)
}

// ViewportFunc adapts a function to ViewportSource.
type ViewportFunc func() (canvas.Viewport, bool)

func (f ViewportFunc) Viewport() (canvas.Viewport, bool) { return f() }

type Option func(*Pipeline)

func WithDebounce(d time.Duration) Option { return func(p *Pipeline) { p.debounce = d } }

func WithSaveTimeout(d time.Duration) Option { return func(p *Pipeline) { p.timeout = d } }

func WithTransport(t DurableFireAndForgetTransport) Option {
	return func(p *Pipeline) { p.transport = t }
}

func WithViewportSource(v ViewportSource) Option { return func(p *Pipeline) { p.viewport = v } }

func WithNotifier(n canvas.Notifier) Option { return func(p *Pipeline) { p.notifier = n } }

func WithLogger(l logr.Logger) Option { return func(p *Pipeline) { p.log = l } }

// Pipeline drives the clean, dirty, saving cycle of one store.
type Pipeline struct {
	store     *canvas.Store
	saver     Saver
	transport DurableFireAndForgetTransport
	viewport  ViewportSource
	notifier  canvas.Notifier
	log       logr.Logger
	debounce  time.Duration
	timeout   time.Duration

	// saveMu keeps at most one save request outstanding.
	saveMu sync.Mutex

	mu          sync.Mutex
	timer       *time.Timer
	closed      bool
	unsubscribe func()
}

// New starts watching store. Every dirtying change restarts the debounce
// timer.
func New(store *canvas.Store, saver Saver, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:    store,
		saver:    saver,
		notifier: canvas.Discard,
		log:      logging.Log().WithName("autosave"),
		debounce: DefaultDebounce,
		timeout:  DefaultSaveTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.unsubscribe = store.Subscribe(func(ev canvas.Event) {
		if ev.Dirtied {
			p.schedule()
		}
	})
	return p
}

func (p *Pipeline) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, p.fire)
}

func (p *Pipeline) cancelTimer() {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
}

func (p *Pipeline) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	_ = p.save(ctx)
}

// Flush saves immediately, waiting for any save already in flight first.
// It is used on in-app navigation.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.cancelTimer()
	return p.save(ctx)
}

func (p *Pipeline) save(ctx context.Context) error {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	sent, ok := p.store.BeginSave()
	if !ok {
		return nil
	}
	p.withViewport(&sent)
	canvasID := p.store.CanvasID()
	err := p.saver.SaveCanvas(ctx, canvasID, sent)
	state := p.store.FinishSave(err)
	if err != nil {
		p.log.Error(err, "Saving canvas", "canvas", canvasID)
		p.notifier.Notify(canvas.Notice{
			Level:   canvas.LevelWarning,
			Action:  "save canvas",
			Message: "Could not save your changes. Retrying shortly.",
		})
	} else {
		p.log.V(1).Info("Saved canvas", "canvas", canvasID, "nodes", len(sent.Nodes), "edges", len(sent.Edges), "state", state)
	}
	if state == canvas.StateDirty {
		p.schedule()
	}
	return err
}

// BeforeUnload hands the latest graph to the fire-and-forget transport when
// there are unsaved or in-flight changes. It reports whether the host should
// show its unsaved-changes prompt.
func (p *Pipeline) BeforeUnload() bool {
	snap, ok := p.store.Pending()
	if !ok {
		return false
	}
	p.withViewport(&snap)
	if p.transport == nil {
		p.log.Info("No unload transport configured, changes may be lost", "canvas", p.store.CanvasID())
		return true
	}
	p.transport.Send(p.store.CanvasID(), snap)
	return true
}

func (p *Pipeline) withViewport(snap *canvas.StoredSnapshot) {
	if p.viewport == nil {
		return
	}
	if vp, ok := p.viewport.Viewport(); ok {
		snap.Viewport = &vp
	}
}

// Close stops the timer and the store subscription. Pending changes are not
// saved; call Flush first.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	unsubscribe := p.unsubscribe
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
