// Package session keeps one logical session consistent with the remote agent:
// it binds the session to a sandbox, merges streamed turns, deduplicates
// handshakes and tracks update cycles.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ehrlich-b/sandlink/internal/router"
	"github.com/ehrlich-b/sandlink/internal/store"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

const defaultSettleDelay = 1500 * time.Millisecond

// ErrNoSession is returned by operations that need an open session view.
var ErrNoSession = errors.New("no session open")

// Options configures an Orchestrator.
type Options struct {
	NewTransport TransportFactory
	Router       *router.Router // created if nil
	Store        Persistence    // optional
	Refresher    Refresher      // optional

	// OnChange receives a fresh snapshot after every state change. Calls are
	// serialized. It must not call back into the Orchestrator synchronously.
	OnChange func(Snapshot)

	// SettleDelay is how long to wait after a handshake before asking for
	// the workspace listing; a new sandbox is not queryable right away.
	SettleDelay time.Duration

	Logger *slog.Logger
}

// Orchestrator owns the session view: binding, turns, dedup set and update
// cycle state. One view is open at a time.
type Orchestrator struct {
	newTransport TransportFactory
	router       *router.Router
	store        Persistence
	refresher    Refresher
	onChange     func(Snapshot)
	settle       time.Duration
	log          *slog.Logger

	emitMu sync.Mutex // serializes OnChange; never taken while holding mu

	mu          sync.Mutex
	v           *view
	viewingCode bool
}

// view is the state of one open session. It is discarded on close or switch.
type view struct {
	id        string
	transport Transport

	// ctx is cancelled on teardown; work runs handler side effects.
	ctx    context.Context
	cancel context.CancelFunc
	work   *worker

	// pubMu is held for reading while an envelope from this view's
	// transport is being published; teardown takes it to drain them.
	pubMu  sync.RWMutex
	closed atomic.Bool

	phase         ws.State
	binding       Binding
	hinted        string // sandbox id carried by the last handshake we sent
	handshakeDone bool
	lastCase      Case
	dedup         map[string]struct{}
	fetchTimer    *time.Timer

	turns []*Turn
	byID  map[string]*Turn

	progress     []Progress
	updating     bool
	cycleOpen    bool
	files        map[string]string
	filesFetched bool

	lastErr error
	fatal   bool
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Router == nil {
		opts.Router = router.New(opts.Logger)
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	o := &Orchestrator{
		newTransport: opts.NewTransport,
		router:       opts.Router,
		store:        opts.Store,
		refresher:    opts.Refresher,
		onChange:     opts.OnChange,
		settle:       opts.SettleDelay,
		log:          opts.Logger,
	}
	o.router.OnError(o.handlerFailed)
	return o
}

// WSTransport returns a factory that builds a *ws.Client per session view.
func WSTransport(endpoint, token string, opts ...ws.Option) TransportFactory {
	return func(pub ws.Publisher, hint func() *ws.RestorationHint) Transport {
		all := make([]ws.Option, 0, len(opts)+1)
		all = append(all, opts...)
		all = append(all, ws.WithHintFunc(hint))
		return ws.NewClient(endpoint, token, pub, all...)
	}
}

// Open tears down the current view, if any, loads localSessionID from the
// store and connects it. The view stays open when connecting fails, so
// Connect can be retried.
func (o *Orchestrator) Open(ctx context.Context, localSessionID string) error {
	if localSessionID == "" {
		return errors.New("open session: empty id")
	}
	if o.newTransport == nil {
		return errors.New("open session: no transport factory")
	}
	o.teardown()

	v := &view{
		id:      localSessionID,
		phase:   ws.StateIdle,
		binding: Binding{LocalSessionID: localSessionID},
		dedup:   make(map[string]struct{}),
		byID:    make(map[string]*Turn),
		files:   make(map[string]string),
	}
	if o.store != nil {
		rec, err := o.store.LoadSession(localSessionID)
		if err != nil {
			return fmt.Errorf("load session %s: %w", localSessionID, err)
		}
		if rec != nil {
			v.binding.RemoteSandboxID = rec.RemoteSandboxID
			v.binding.URL = rec.URL
		}
		msgs, err := o.store.ListMessages(localSessionID)
		if err != nil {
			return fmt.Errorf("load history %s: %w", localSessionID, err)
		}
		for _, m := range msgs {
			t := &Turn{ID: m.TurnID, Role: Role(m.Role), Text: m.Content, LastTimestamp: m.Timestamp.UnixMilli()}
			v.turns = append(v.turns, t)
			v.byID[t.ID] = t
		}
	}

	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.work = newWorker()
	v.transport = o.newTransport(&gate{o: o, v: v}, o.hintFor(v))
	o.subscribe(v)

	o.mu.Lock()
	o.v = v
	o.mu.Unlock()
	o.log.Info("session: opened", "session", localSessionID, "sandbox", v.binding.RemoteSandboxID, "history", len(v.turns))
	o.notify()

	return o.Connect(ctx)
}

// Connect connects the open view, asking the agent to restore the known
// sandbox if there is one.
func (o *Orchestrator) Connect(ctx context.Context) error {
	o.mu.Lock()
	v := o.v
	if v == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	hint := v.hintLocked()
	v.phase = ws.StateConnecting
	v.fatal = false
	tr := v.transport
	o.mu.Unlock()
	o.notify()

	err := tr.Connect(ctx, hint)

	o.mu.Lock()
	if o.v == v {
		if err != nil {
			v.phase = ws.StateClosed
			v.lastErr = err
			v.fatal = ws.IsFatal(err)
		} else if v.phase == ws.StateConnecting {
			v.phase = ws.StateOpen
		}
	}
	o.mu.Unlock()
	o.notify()
	return err
}

// Disconnect closes the link but keeps the view, so Connect can resume it.
func (o *Orchestrator) Disconnect() {
	o.mu.Lock()
	v := o.v
	o.mu.Unlock()
	if v == nil {
		return
	}
	v.transport.Disconnect()

	o.mu.Lock()
	if o.v == v {
		v.phase = ws.StateClosed
		v.resetLinkLocked()
	}
	o.mu.Unlock()
	o.notify()
}

// Close disconnects and discards the open view.
func (o *Orchestrator) Close() {
	o.teardown()
	o.notify()
}

// SendUserTurn sends text as a new user turn. It fails fast with a
// *ws.NotConnectedError when the session is not open; retrying is up to
// the caller.
func (o *Orchestrator) SendUserTurn(ctx context.Context, text string) error {
	o.mu.Lock()
	v := o.v
	if v == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	if v.phase != ws.StateOpen {
		err := &ws.NotConnectedError{State: v.phase}
		v.lastErr = err
		o.mu.Unlock()
		o.notify()
		return err
	}
	tr := v.transport
	o.mu.Unlock()

	env := ws.NewEnvelope(ws.KindUserTurn, uuid.New().String(), ws.UserTurn{Text: text})
	if err := tr.Send(ctx, env); err != nil {
		o.fail(v, err)
		return err
	}

	t := &Turn{ID: env.ID, Role: RoleUser, Text: text, LastTimestamp: env.Timestamp}
	o.mu.Lock()
	if o.v != v {
		o.mu.Unlock()
		return nil
	}
	v.turns = append(v.turns, t)
	v.byID[t.ID] = t
	o.mu.Unlock()

	if o.store != nil {
		m := &store.Message{SessionID: v.id, TurnID: t.ID, Role: string(t.Role), Content: t.Text, Timestamp: time.UnixMilli(t.LastTimestamp)}
		if err := o.store.SaveMessage(m); err != nil {
			o.fail(v, fmt.Errorf("persist turn %s: %w", t.ID, err))
		}
	}
	o.notify()
	return nil
}

// RequestFiles asks the agent for the workspace listing of the bound sandbox.
func (o *Orchestrator) RequestFiles(ctx context.Context) error {
	o.mu.Lock()
	v := o.v
	if v == nil {
		o.mu.Unlock()
		return ErrNoSession
	}
	if v.phase != ws.StateOpen {
		o.mu.Unlock()
		return &ws.NotConnectedError{State: v.phase}
	}
	sandbox := v.binding.RemoteSandboxID
	tr := v.transport
	o.mu.Unlock()
	if sandbox == "" {
		return errors.New("request files: no sandbox bound")
	}
	return tr.Send(ctx, ws.NewEnvelope(ws.KindListFilesRequest, uuid.New().String(), ws.ListFilesRequest{RemoteSandboxID: sandbox}))
}

// SetViewingCode records whether the UI is showing the workspace listing.
// Switching it on fetches the listing if it has never been fetched and no
// fetch is already pending.
func (o *Orchestrator) SetViewingCode(on bool) {
	o.mu.Lock()
	o.viewingCode = on
	v := o.v
	fetch := on && v != nil && v.handshakeDone && !v.filesFetched && v.fetchTimer == nil && v.phase == ws.StateOpen
	o.mu.Unlock()
	if fetch {
		o.fetchFiles(v)
	}
}

// Phase returns the connection phase of the open view.
func (o *Orchestrator) Phase() ws.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.v == nil {
		return ws.StateIdle
	}
	return o.v.phase
}

// LastError returns the most recent error recorded for the open view.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.v == nil {
		return nil
	}
	return o.v.lastErr
}

// Snapshot returns a copy of the open view.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	v := o.v
	if v == nil {
		return Snapshot{Phase: ws.StateIdle}
	}
	s := Snapshot{
		Phase:             v.phase,
		Binding:           v.binding,
		HandshakeComplete: v.handshakeDone,
		LastCase:          v.lastCase,
		Turns:             make([]Turn, len(v.turns)),
		Progress:          append([]Progress(nil), v.progress...),
		Files:             maps.Clone(v.files),
		FilesFetched:      v.filesFetched,
		Updating:          v.updating,
		LastError:         v.lastErr,
		Fatal:             v.fatal,
	}
	for i, t := range v.turns {
		s.Turns[i] = *t
	}
	return s
}

// teardown retires the open view: no envelope from its transport reaches the
// router once this returns, its timers are stopped and its queued side
// effects have run.
func (o *Orchestrator) teardown() {
	o.mu.Lock()
	old := o.v
	o.v = nil
	if old != nil {
		old.closed.Store(true)
		if old.fetchTimer != nil {
			old.fetchTimer.Stop()
			old.fetchTimer = nil
		}
	}
	o.mu.Unlock()
	if old == nil {
		return
	}

	// Wait out any publish that passed the closed check before we set it.
	old.pubMu.Lock()
	old.pubMu.Unlock()

	old.transport.Disconnect()
	o.router.Reset()
	old.cancel()
	old.work.stop()

	o.mu.Lock()
	old.dedup = nil
	old.turns = nil
	old.byID = nil
	old.progress = nil
	old.files = nil
	o.mu.Unlock()
	o.log.Info("session: closed", "session", old.id)
}

func (o *Orchestrator) hintFor(v *view) func() *ws.RestorationHint {
	return func() *ws.RestorationHint {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.v != v {
			return nil
		}
		return v.hintLocked()
	}
}

// hintLocked returns the restoration hint for the next handshake and
// remembers what it carried for reconciliation.
func (v *view) hintLocked() *ws.RestorationHint {
	v.hinted = v.binding.RemoteSandboxID
	if v.hinted == "" {
		return nil
	}
	return &ws.RestorationHint{RemoteSandboxID: v.hinted, LocalSessionID: v.id}
}

// resetLinkLocked forgets per-connection state after a full disconnect.
func (v *view) resetLinkLocked() {
	v.dedup = make(map[string]struct{})
	v.handshakeDone = false
	if v.fetchTimer != nil {
		v.fetchTimer.Stop()
		v.fetchTimer = nil
	}
}

// scheduleFetchLocked asks for the workspace listing once the sandbox has
// had time to settle. A pending fetch is replaced, not duplicated.
func (o *Orchestrator) scheduleFetchLocked(v *view) {
	if v.fetchTimer != nil {
		v.fetchTimer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(o.settle, func() {
		o.mu.Lock()
		live := v.fetchTimer == t
		if live {
			v.fetchTimer = nil
		}
		o.mu.Unlock()
		if live {
			o.fetchFiles(v)
		}
	})
	v.fetchTimer = t
}

// fetchFiles requests the listing for the sandbox the agent most recently
// confirmed.
func (o *Orchestrator) fetchFiles(v *view) {
	o.mu.Lock()
	if o.v != v {
		o.mu.Unlock()
		return
	}
	sandbox := v.binding.RemoteSandboxID
	tr := v.transport
	o.mu.Unlock()
	if sandbox == "" {
		return
	}
	env := ws.NewEnvelope(ws.KindListFilesRequest, uuid.New().String(), ws.ListFilesRequest{RemoteSandboxID: sandbox})
	if err := tr.Send(v.ctx, env); err != nil {
		o.log.Warn("session: list files request failed", "sandbox", sandbox, "err", err)
		o.fail(v, err)
	}
}

// fail records a non-fatal error on v if it is still the open view.
func (o *Orchestrator) fail(v *view, err error) {
	o.mu.Lock()
	current := o.v == v
	if current {
		v.lastErr = err
	}
	o.mu.Unlock()
	if current {
		o.notify()
	}
}

func (o *Orchestrator) handlerFailed(err error) {
	o.mu.Lock()
	v := o.v
	o.mu.Unlock()
	if v != nil {
		o.fail(v, err)
	}
}

func (o *Orchestrator) notify() {
	if o.onChange == nil {
		return
	}
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.onChange(o.Snapshot())
}

// gate is the Publisher handed to a view's transport. It stops forwarding as
// soon as the view is retired.
type gate struct {
	o *Orchestrator
	v *view
}

func (g *gate) Publish(env ws.Envelope) {
	g.v.pubMu.RLock()
	defer g.v.pubMu.RUnlock()
	if g.v.closed.Load() {
		return
	}
	g.o.router.Publish(env)
}
