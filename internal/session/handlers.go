package session

import (
	"fmt"
	"maps"
	"time"

	"github.com/ehrlich-b/sandlink/internal/store"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

// effects collects work a handler wants done once the lock is released.
// after runs on the view's worker; notify runs on the publishing goroutine.
type effects struct {
	after  []func()
	notify bool
}

func (fx *effects) then(f func()) { fx.after = append(fx.after, f) }

type handlerFunc func(v *view, env ws.Envelope, fx *effects) error

func (o *Orchestrator) subscribe(v *view) {
	o.router.Observe(func(env ws.Envelope) {
		o.log.Debug("session: envelope", "session", v.id, "kind", env.Kind, "id", env.ID)
	})
	o.on(v, ws.KindHandshake, o.onHandshake)
	o.on(v, ws.KindAgentPartial, o.onAgentText)
	o.on(v, ws.KindAgentFinal, o.onAgentText)
	o.on(v, ws.KindFileUpdateBegin, o.onUpdateBegin)
	o.on(v, ws.KindFileUpdateProgress, o.onUpdateProgress)
	o.on(v, ws.KindFileUpdateComplete, o.onUpdateComplete)
	o.on(v, ws.KindListFilesResponse, o.onFiles)
	o.on(v, ws.KindError, o.onPeerError)
	o.on(v, ws.KindConnected, o.onConnected)
	o.on(v, ws.KindDisconnected, o.onDisconnected)
	o.on(v, ws.KindTransportError, o.onTransportError)
}

// on binds fn to kind for view v. fn runs under the orchestrator lock and
// does nothing once v is no longer the open view.
func (o *Orchestrator) on(v *view, kind ws.Kind, fn handlerFunc) {
	o.router.Subscribe(kind, func(env ws.Envelope) error {
		var fx effects
		o.mu.Lock()
		if o.v != v || v.closed.Load() {
			o.mu.Unlock()
			return nil
		}
		err := fn(v, env, &fx)
		o.mu.Unlock()

		for _, f := range fx.after {
			v.work.do(f)
		}
		if fx.notify {
			o.notify()
		}
		return err
	})
}

func (o *Orchestrator) violation(env ws.Envelope, reason string) {
	o.log.Warn("session: dropping envelope", "kind", env.Kind, "id", env.ID, "reason", reason)
}

func (o *Orchestrator) onHandshake(v *view, env ws.Envelope, fx *effects) error {
	hs, ok := env.Payload.(ws.Handshake)
	if !ok || hs.RemoteSandboxID == "" {
		o.violation(env, "handshake reply without remoteSandboxId")
		return nil
	}

	if env.ID != "" {
		if _, seen := v.dedup[env.ID]; seen {
			// A repeat may still carry the url we never got.
			if v.binding.URL != "" || hs.URL == "" {
				o.log.Debug("session: duplicate handshake dropped", "id", env.ID)
				return nil
			}
			v.binding.URL = hs.URL
			o.persistBinding(v, fx)
			fx.notify = true
			return nil
		}
		v.dedup[env.ID] = struct{}{}
	}

	c := reconcile(v.hinted, hs.RemoteSandboxID)
	b := &v.binding
	switch c {
	case CaseRestored:
		b.Substituted, b.PreviousSandboxID = false, ""
	case CaseCreated:
		b.RemoteSandboxID = hs.RemoteSandboxID
		b.Substituted, b.PreviousSandboxID = false, ""
	case CaseSubstituted:
		o.log.Warn("session: sandbox substituted", "session", v.id, "hinted", v.hinted, "got", hs.RemoteSandboxID)
		b.PreviousSandboxID = v.hinted
		b.RemoteSandboxID = hs.RemoteSandboxID
		b.Substituted = true
	}
	if hs.URL == "" {
		o.log.Warn("session: handshake reply without url", "session", v.id, "id", env.ID)
	}
	b.URL = hs.URL
	v.lastCase = c
	v.handshakeDone = true
	o.scheduleFetchLocked(v)
	o.log.Info("session: handshake", "session", v.id, "case", c, "sandbox", b.RemoteSandboxID)

	o.persistBinding(v, fx)
	fx.notify = true
	return nil
}

func (o *Orchestrator) persistBinding(v *view, fx *effects) {
	if o.store == nil {
		return
	}
	id, sandbox, url := v.id, v.binding.RemoteSandboxID, v.binding.URL
	fx.then(func() {
		if err := o.store.UpdateSessionBinding(id, sandbox, url); err != nil {
			o.fail(v, fmt.Errorf("persist binding: %w", err))
		}
	})
}

// reconcile classifies a handshake reply against the sandbox id we hinted.
func reconcile(hinted, echoed string) Case {
	switch {
	case hinted == "":
		return CaseCreated
	case hinted == echoed:
		return CaseRestored
	default:
		return CaseSubstituted
	}
}

func (o *Orchestrator) onAgentText(v *view, env ws.Envelope, fx *effects) error {
	st, ok := env.Payload.(ws.StreamText)
	if !ok || st.TurnID == "" {
		o.violation(env, "streaming text without turn id")
		return nil
	}
	final := env.Kind == ws.KindAgentFinal
	text := normalizeText(st.Text)

	t := v.byID[st.TurnID]
	switch {
	case t == nil:
		t = &Turn{ID: st.TurnID, Role: RoleAgent}
		v.byID[t.ID] = t
		v.turns = append(v.turns, t)
	case !t.Streaming && !final:
		o.log.Debug("session: partial for finished turn dropped", "id", t.ID)
		return nil
	case !t.Streaming && t.Text == text:
		return nil
	}
	t.Text = text
	t.Streaming = !final
	t.LastTimestamp = env.Timestamp
	fx.notify = true

	if final && o.store != nil {
		m := &store.Message{
			SessionID: v.id,
			TurnID:    t.ID,
			Role:      string(t.Role),
			Content:   t.Text,
			Timestamp: time.UnixMilli(t.LastTimestamp),
		}
		fx.then(func() {
			if err := o.store.SaveMessage(m); err != nil {
				o.fail(v, fmt.Errorf("persist turn %s: %w", m.TurnID, err))
			}
		})
	}
	return nil
}

func (o *Orchestrator) onUpdateBegin(v *view, env ws.Envelope, fx *effects) error {
	if v.cycleOpen {
		return nil
	}
	v.cycleOpen = true
	v.updating = true
	fx.notify = true
	return nil
}

func (o *Orchestrator) onUpdateProgress(v *view, env ws.Envelope, fx *effects) error {
	st, ok := env.Payload.(ws.StreamText)
	if !ok {
		o.violation(env, "progress without text payload")
		return nil
	}
	v.progress = append(v.progress, Progress{TurnID: st.TurnID, Text: normalizeText(st.Text), Timestamp: env.Timestamp})
	v.updating = true
	fx.notify = true
	return nil
}

func (o *Orchestrator) onUpdateComplete(v *view, env ws.Envelope, fx *effects) error {
	if !v.cycleOpen && len(v.progress) == 0 {
		o.log.Debug("session: completion without open cycle ignored", "id", env.ID)
		return nil
	}
	v.cycleOpen = false
	v.updating = false
	v.progress = nil
	fx.notify = true

	if o.viewingCode || v.filesFetched {
		// This fetch covers a pending settle fetch too.
		if v.fetchTimer != nil {
			v.fetchTimer.Stop()
			v.fetchTimer = nil
		}
		fx.then(func() { o.fetchFiles(v) })
	}
	if url := v.binding.URL; url != "" && o.refresher != nil {
		fx.then(func() {
			if err := o.refresher.Refresh(v.ctx, url); err != nil {
				o.fail(v, fmt.Errorf("refresh preview: %w", err))
			}
		})
	}
	return nil
}

func (o *Orchestrator) onFiles(v *view, env ws.Envelope, fx *effects) error {
	lf, ok := env.Payload.(ws.ListFilesResponse)
	if !ok {
		o.violation(env, "file listing without files payload")
		return nil
	}
	v.files = maps.Clone(lf.Files)
	if v.files == nil {
		v.files = make(map[string]string)
	}
	v.filesFetched = true
	fx.notify = true
	return nil
}

func (o *Orchestrator) onPeerError(v *view, env ws.Envelope, fx *effects) error {
	em, _ := env.Payload.(ws.ErrorMsg)
	o.log.Warn("session: agent error", "session", v.id, "message", em.Message)
	v.lastErr = &PeerError{Message: em.Message}
	fx.notify = true
	return nil
}

func (o *Orchestrator) onConnected(v *view, env ws.Envelope, fx *effects) error {
	v.phase = ws.StateOpen
	v.fatal = false
	fx.notify = true
	return nil
}

func (o *Orchestrator) onDisconnected(v *view, env ws.Envelope, fx *effects) error {
	lc, _ := env.Payload.(ws.Lifecycle)
	switch {
	case lc.Retrying:
		v.phase = ws.StateConnecting
	default:
		v.phase = ws.StateClosed
	}
	if lc.Fatal {
		v.fatal = true
		if lc.Err != nil {
			v.lastErr = lc.Err
		}
	}
	v.resetLinkLocked()
	fx.notify = true
	return nil
}

func (o *Orchestrator) onTransportError(v *view, env ws.Envelope, fx *effects) error {
	lc, _ := env.Payload.(ws.Lifecycle)
	if !lc.Fatal {
		o.log.Info("session: transport retrying", "session", v.id, "attempt", lc.Attempt, "delay", lc.Delay)
		return nil
	}
	v.phase = ws.StateClosed
	v.fatal = true
	if lc.Err != nil {
		v.lastErr = lc.Err
	} else {
		v.lastErr = fmt.Errorf("transport: %s", lc.Reason)
	}
	fx.notify = true
	return nil
}
