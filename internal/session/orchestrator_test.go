package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/sandlink/internal/store"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

const settle = 20 * time.Millisecond

type fakeTransport struct {
	pub  ws.Publisher
	hint func() *ws.RestorationHint

	mu          sync.Mutex
	state       ws.State
	connectHint *ws.RestorationHint
	connects    int
	disconnects int
	connectErr  error
	sent        []ws.Envelope
}

func (f *fakeTransport) Connect(ctx context.Context, hint *ws.RestorationHint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connectHint = hint
	if f.connectErr != nil {
		f.state = ws.StateClosed
		return f.connectErr
	}
	f.state = ws.StateOpen
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, env ws.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ws.StateOpen {
		return &ws.NotConnectedError{State: f.state}
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	prev := f.state
	f.state = ws.StateClosed
	f.disconnects++
	f.mu.Unlock()
	if prev == ws.StateOpen {
		f.pub.Publish(ws.Envelope{Kind: ws.KindDisconnected, Payload: ws.Lifecycle{Code: 1000}})
	}
}

func (f *fakeTransport) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// deliver plays an inbound envelope from the agent.
func (f *fakeTransport) deliver(env ws.Envelope) { f.pub.Publish(env) }

func (f *fakeTransport) sentKind(kind ws.Kind) []ws.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Envelope
	for _, e := range f.sent {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]*store.Session
	messages map[string][]*store.Message
	bindings int
	saves    int
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*store.Session{}, messages: map[string][]*store.Message{}}
}

func (m *memStore) LoadSession(id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) SaveMessage(msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	list := m.messages[msg.SessionID]
	for i, existing := range list {
		if existing.TurnID == msg.TurnID {
			list[i] = msg
			return nil
		}
	}
	m.messages[msg.SessionID] = append(list, msg)
	return nil
}

func (m *memStore) ListMessages(id string) ([]*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Message(nil), m.messages[id]...), nil
}

func (m *memStore) UpdateSessionBinding(id, sandbox, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings++
	m.sessions[id] = &store.Session{ID: id, RemoteSandboxID: sandbox, URL: url}
	return nil
}

func (m *memStore) counts() (bindings, saves int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bindings, m.saves
}

type fakeRefresher struct {
	mu   sync.Mutex
	urls []string
}

func (r *fakeRefresher) Refresh(ctx context.Context, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
	return nil
}

func (r *fakeRefresher) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.urls...)
}

type harness struct {
	o         *Orchestrator
	store     *memStore
	refresher *fakeRefresher

	mu         sync.Mutex
	transports []*fakeTransport
	snaps      int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), refresher: &fakeRefresher{}}
	h.o = New(Options{
		NewTransport: func(pub ws.Publisher, hint func() *ws.RestorationHint) Transport {
			ft := &fakeTransport{pub: pub, hint: hint, state: ws.StateIdle}
			h.mu.Lock()
			h.transports = append(h.transports, ft)
			h.mu.Unlock()
			return ft
		},
		Store:       h.store,
		Refresher:   h.refresher,
		SettleDelay: settle,
		OnChange: func(Snapshot) {
			h.mu.Lock()
			h.snaps++
			h.mu.Unlock()
		},
	})
	t.Cleanup(h.o.Close)
	return h
}

// drain waits for the side effects queued so far by the open view.
func (h *harness) drain() {
	h.o.mu.Lock()
	v := h.o.v
	h.o.mu.Unlock()
	if v == nil {
		return
	}
	done := make(chan struct{})
	if v.work.do(func() { close(done) }) {
		<-done
	}
}

func (h *harness) tr() *fakeTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[len(h.transports)-1]
}

func handshake(id, sandbox, url string) ws.Envelope {
	return ws.Envelope{Kind: ws.KindHandshake, ID: id, Timestamp: 1, Payload: ws.Handshake{RemoteSandboxID: sandbox, URL: url}}
}

func text(kind ws.Kind, id, s string, ts int64) ws.Envelope {
	return ws.Envelope{Kind: kind, ID: id, Timestamp: ts, Payload: ws.StreamText{TurnID: id, Text: s}}
}

func signal(kind ws.Kind) ws.Envelope {
	return ws.Envelope{Kind: kind, Timestamp: 1, Payload: ws.Empty{}}
}

func TestFreshSandboxIsBound(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))

	ft := h.tr()
	assert.Nil(t, ft.connectHint, "no stored binding means no hint")
	assert.Equal(t, ws.StateOpen, h.o.Phase())

	ft.deliver(handshake("h1", "sb2", "u2"))

	snap := h.o.Snapshot()
	assert.Equal(t, CaseCreated, snap.LastCase)
	assert.Equal(t, "sb2", snap.Binding.RemoteSandboxID)
	assert.Equal(t, "u2", snap.Binding.URL)
	assert.False(t, snap.Binding.Substituted)
	assert.True(t, snap.HandshakeComplete)

	h.drain()
	rec, err := h.store.LoadSession("s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sb2", rec.RemoteSandboxID)
	assert.Equal(t, "u2", rec.URL)

	require.Eventually(t, func() bool { return len(ft.sentKind(ws.KindListFilesRequest)) == 1 }, time.Second, 5*time.Millisecond)
	req := ft.sentKind(ws.KindListFilesRequest)[0]
	assert.Equal(t, ws.ListFilesRequest{RemoteSandboxID: "sb2"}, req.Payload)
}

func TestRestorationConfirmed(t *testing.T) {
	h := newHarness(t)
	h.store.sessions["s1"] = &store.Session{ID: "s1", RemoteSandboxID: "sb1", URL: "old"}
	require.NoError(t, h.o.Open(context.Background(), "s1"))

	ft := h.tr()
	require.NotNil(t, ft.connectHint)
	assert.Equal(t, ws.RestorationHint{RemoteSandboxID: "sb1", LocalSessionID: "s1"}, *ft.connectHint)

	ft.deliver(handshake("h1", "sb1", "u1"))

	snap := h.o.Snapshot()
	assert.Equal(t, CaseRestored, snap.LastCase)
	assert.Equal(t, "sb1", snap.Binding.RemoteSandboxID)
	assert.Equal(t, "u1", snap.Binding.URL)
	assert.False(t, snap.Binding.Substituted)
}

func TestSubstitutionIsMarked(t *testing.T) {
	h := newHarness(t)
	h.store.sessions["s1"] = &store.Session{ID: "s1", RemoteSandboxID: "sb1"}
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(handshake("h1", "sb3", "u3"))

	snap := h.o.Snapshot()
	assert.Equal(t, CaseSubstituted, snap.LastCase)
	assert.Equal(t, "sb3", snap.Binding.RemoteSandboxID)
	assert.Equal(t, "u3", snap.Binding.URL)
	assert.True(t, snap.Binding.Substituted)
	assert.Equal(t, "sb1", snap.Binding.PreviousSandboxID)

	h.drain()
	rec, _ := h.store.LoadSession("s1")
	assert.Equal(t, "sb3", rec.RemoteSandboxID)

	// The listing follows the sandbox the agent actually bound.
	require.Eventually(t, func() bool { return len(ft.sentKind(ws.KindListFilesRequest)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, ws.ListFilesRequest{RemoteSandboxID: "sb3"}, ft.sentKind(ws.KindListFilesRequest)[0].Payload)

	// A later reconnect hints the new sandbox.
	assert.Equal(t, &ws.RestorationHint{RemoteSandboxID: "sb3", LocalSessionID: "s1"}, ft.hint())
}

func TestDuplicateHandshakeRunsSideEffectsOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(handshake("h1", "sb9", "u9"))

	time.Sleep(5 * settle)
	h.drain()
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 1)
	bindings, _ := h.store.counts()
	assert.Equal(t, 1, bindings)
	assert.Equal(t, "sb1", h.o.Snapshot().Binding.RemoteSandboxID)
}

func TestDuplicateHandshakeRecoversURL(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(handshake("h1", "sb1", ""))
	assert.Empty(t, h.o.Snapshot().Binding.URL)

	ft.deliver(handshake("h1", "sb1", "u1"))
	assert.Equal(t, "u1", h.o.Snapshot().Binding.URL)

	time.Sleep(5 * settle)
	h.drain()
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 1, "recovery must not refetch")
	rec, _ := h.store.LoadSession("s1")
	assert.Equal(t, "u1", rec.URL)
}

func TestDedupClearedOnDisconnect(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(ws.Envelope{Kind: ws.KindDisconnected, Payload: ws.Lifecycle{Retrying: true, Attempt: 1}})
	assert.Equal(t, ws.StateConnecting, h.o.Phase())
	assert.False(t, h.o.Snapshot().HandshakeComplete)

	// The transport asks for the hint when it redials.
	assert.Equal(t, &ws.RestorationHint{RemoteSandboxID: "sb1", LocalSessionID: "s1"}, ft.hint())
	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(signal(ws.KindConnected))

	snap := h.o.Snapshot()
	assert.True(t, snap.HandshakeComplete)
	assert.Equal(t, CaseRestored, snap.LastCase)
	assert.Equal(t, ws.StateOpen, snap.Phase)
	h.drain()
	bindings, _ := h.store.counts()
	assert.Equal(t, 2, bindings)
}

func TestStreamingTurnAccumulates(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(text(ws.KindAgentPartial, "t1", "Hel", 1))
	ft.deliver(text(ws.KindAgentPartial, "t1", "Hello", 2))

	snap := h.o.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, Turn{ID: "t1", Role: RoleAgent, Text: "Hello", Streaming: true, LastTimestamp: 2}, snap.Turns[0])
	_, saves := h.store.counts()
	assert.Zero(t, saves, "partials are not persisted")

	ft.deliver(text(ws.KindAgentFinal, "t1", "Hello world", 3))

	snap = h.o.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, Turn{ID: "t1", Role: RoleAgent, Text: "Hello world", LastTimestamp: 3}, snap.Turns[0])

	h.drain()
	msgs, _ := h.store.ListMessages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello world", msgs[0].Content)
	assert.Equal(t, "agent", msgs[0].Role)
}

func TestFinishedTurnIgnoresLatePartial(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(text(ws.KindAgentFinal, "t1", "done", 1))
	ft.deliver(text(ws.KindAgentPartial, "t1", "do", 2))
	ft.deliver(text(ws.KindAgentFinal, "t1", "done", 3))

	snap := h.o.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "done", snap.Turns[0].Text)
	assert.False(t, snap.Turns[0].Streaming)
	assert.Equal(t, int64(1), snap.Turns[0].LastTimestamp)
	h.drain()
	_, saves := h.store.counts()
	assert.Equal(t, 1, saves)
}

func TestTurnsKeepArrivalOrder(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(text(ws.KindAgentPartial, "a", "1", 1))
	ft.deliver(text(ws.KindAgentPartial, "b", "2", 2))
	ft.deliver(text(ws.KindAgentFinal, "a", "1!", 3))

	snap := h.o.Snapshot()
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, "a", snap.Turns[0].ID)
	assert.Equal(t, "b", snap.Turns[1].ID)
}

func TestTextNormalizedOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(text(ws.KindAgentFinal, "t1", `line1\nline2 \"q\" back\\n`, 1))

	got := h.o.Snapshot().Turns[0].Text
	assert.Equal(t, "line1\nline2 \"q\" back\\n", got)
}

func TestUpdateCycle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()
	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(signal(ws.KindConnected))
	require.Eventually(t, func() bool { return len(ft.sentKind(ws.KindListFilesRequest)) == 1 }, time.Second, 5*time.Millisecond)
	ft.deliver(ws.Envelope{Kind: ws.KindListFilesResponse, ID: "r1", Payload: ws.ListFilesResponse{Files: map[string]string{"a.go": "package a"}}})

	ft.deliver(signal(ws.KindFileUpdateBegin))
	ft.deliver(text(ws.KindFileUpdateProgress, "p1", "writing a.go", 2))
	ft.deliver(text(ws.KindFileUpdateProgress, "p2", "writing b.go", 3))

	snap := h.o.Snapshot()
	assert.True(t, snap.Updating)
	assert.Len(t, snap.Progress, 2)

	ft.deliver(signal(ws.KindFileUpdateComplete))
	h.drain()

	snap = h.o.Snapshot()
	assert.False(t, snap.Updating)
	assert.Empty(t, snap.Progress)
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 2, "listing was fetched before, so it is refetched")
	assert.Equal(t, []string{"u1"}, h.refresher.calls())

	// A repeated completion for the closed cycle changes nothing.
	ft.deliver(signal(ws.KindFileUpdateComplete))
	h.drain()
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 2)
	assert.Equal(t, []string{"u1"}, h.refresher.calls())
}

func TestUpdateCompleteWithoutURLSkipsRefresh(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(signal(ws.KindFileUpdateBegin))
	ft.deliver(signal(ws.KindFileUpdateComplete))
	h.drain()

	assert.Empty(t, h.refresher.calls())
	assert.Empty(t, ft.sentKind(ws.KindListFilesRequest), "listing never viewed or fetched")
	assert.False(t, h.o.Snapshot().Updating)
}

func TestViewingCodeFetchesOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()
	ft.deliver(handshake("h1", "sb1", "u1"))

	// The settle fetch is still pending, so viewing does not add another.
	h.o.SetViewingCode(true)
	require.Eventually(t, func() bool { return len(ft.sentKind(ws.KindListFilesRequest)) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(2 * settle)
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 1)

	// No response arrived; toggling the view asks again.
	h.o.SetViewingCode(false)
	h.o.SetViewingCode(true)
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 2)

	ft.deliver(signal(ws.KindFileUpdateBegin))
	ft.deliver(signal(ws.KindFileUpdateComplete))
	h.drain()
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 3)
}

func TestCompletionReplacesPendingSettleFetch(t *testing.T) {
	h := newHarness(t)
	h.o.settle = 200 * time.Millisecond
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()
	h.o.SetViewingCode(true)

	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(signal(ws.KindFileUpdateBegin))
	ft.deliver(signal(ws.KindFileUpdateComplete))
	h.drain()
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 1)

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, ft.sentKind(ws.KindListFilesRequest), 1, "settle timer must not fetch again")
}

// slowRefresher blocks every refresh until released.
type slowRefresher struct {
	started chan string
	release chan struct{}
}

func (r *slowRefresher) Refresh(ctx context.Context, url string) error {
	r.started <- url
	select {
	case <-r.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestSlowRefreshDoesNotStallDelivery(t *testing.T) {
	h := newHarness(t)
	slow := &slowRefresher{started: make(chan string, 1), release: make(chan struct{})}
	h.o.refresher = slow
	t.Cleanup(func() { close(slow.release) })
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()
	ft.deliver(handshake("h1", "sb1", "u1"))
	ft.deliver(signal(ws.KindFileUpdateBegin))

	delivered := make(chan struct{})
	go func() {
		ft.deliver(signal(ws.KindFileUpdateComplete))
		ft.deliver(text(ws.KindAgentPartial, "t1", "still streaming", 5))
		close(delivered)
	}()

	select {
	case url := <-slow.started:
		assert.Equal(t, "u1", url)
	case <-time.After(time.Second):
		t.Fatal("refresh never started")
	}
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("delivery waited on the preview refresh")
	}
	snap := h.o.Snapshot()
	assert.False(t, snap.Updating)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "still streaming", snap.Turns[0].Text)
}

func TestCloseRunsQueuedPersistence(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	ft.deliver(text(ws.KindAgentFinal, "t1", "kept", 1))
	h.o.Close()

	msgs, _ := h.store.ListMessages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "kept", msgs[0].Content)
}

func TestSendUserTurn(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	require.NoError(t, h.o.SendUserTurn(context.Background(), "build a todo app"))

	sent := ft.sentKind(ws.KindUserTurn)
	require.Len(t, sent, 1)
	assert.Equal(t, ws.UserTurn{Text: "build a todo app"}, sent[0].Payload)
	assert.NotEmpty(t, sent[0].ID)

	snap := h.o.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, RoleUser, snap.Turns[0].Role)
	assert.Equal(t, sent[0].ID, snap.Turns[0].ID)

	msgs, _ := h.store.ListMessages("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestSendUserTurnFailsFastWhenNotOpen(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()
	h.o.Disconnect()
	assert.Equal(t, ws.StateClosed, h.o.Phase())

	err := h.o.SendUserTurn(context.Background(), "hello")
	var nc *ws.NotConnectedError
	require.ErrorAs(t, err, &nc)
	assert.Empty(t, ft.sentKind(ws.KindUserTurn))
	assert.Empty(t, h.o.Snapshot().Turns)
	assert.ErrorAs(t, h.o.LastError(), &nc)
}

func TestConnectFailureIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.o.newTransport = func(pub ws.Publisher, hint func() *ws.RestorationHint) Transport {
		return &fakeTransport{pub: pub, connectErr: &ws.ConfigurationError{Field: "token", Reason: "rejected", Err: ws.ErrAuthRejected}}
	}

	err := h.o.Open(context.Background(), "s1")
	require.ErrorIs(t, err, ws.ErrAuthRejected)
	snap := h.o.Snapshot()
	assert.Equal(t, ws.StateClosed, snap.Phase)
	assert.True(t, snap.Fatal)
	assert.ErrorIs(t, snap.LastError, ws.ErrAuthRejected)
}

func TestFatalTransportError(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	ft := h.tr()

	terr := &ws.TransportError{Op: "reconnect", Attempts: 5, Fatal: true, Err: errors.New("refused")}
	ft.deliver(ws.Envelope{Kind: ws.KindTransportError, Payload: ws.Lifecycle{Fatal: true, Err: terr}})

	snap := h.o.Snapshot()
	assert.Equal(t, ws.StateClosed, snap.Phase)
	assert.True(t, snap.Fatal)
	assert.ErrorIs(t, snap.LastError, terr)
}

func TestPeerErrorRecorded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	h.tr().deliver(ws.Envelope{Kind: ws.KindError, ID: "e1", Payload: ws.ErrorMsg{Message: "sandbox exploded"}})

	var pe *PeerError
	require.ErrorAs(t, h.o.LastError(), &pe)
	assert.Equal(t, "sandbox exploded", pe.Message)
	assert.Equal(t, ws.StateOpen, h.o.Phase())
}

func TestHistoryLoadedFrozen(t *testing.T) {
	h := newHarness(t)
	h.store.sessions["s1"] = &store.Session{ID: "s1", RemoteSandboxID: "sb1", URL: "u1"}
	h.store.messages["s1"] = []*store.Message{
		{SessionID: "s1", TurnID: "u-1", Role: "user", Content: "hi", Timestamp: time.UnixMilli(10)},
		{SessionID: "s1", TurnID: "t1", Role: "agent", Content: "hello", Timestamp: time.UnixMilli(20)},
	}
	require.NoError(t, h.o.Open(context.Background(), "s1"))

	snap := h.o.Snapshot()
	require.Len(t, snap.Turns, 2)
	assert.Equal(t, Turn{ID: "t1", Role: RoleAgent, Text: "hello", LastTimestamp: 20}, snap.Turns[1])

	// A replayed partial for a stored turn cannot reopen it.
	h.tr().deliver(text(ws.KindAgentPartial, "t1", "hel", 30))
	assert.Equal(t, "hello", h.o.Snapshot().Turns[1].Text)
}

func TestSwitchIsolatesSessions(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "a"))
	trA := h.tr()
	trA.deliver(handshake("ha", "sbA", "uA"))

	require.NoError(t, h.o.Open(context.Background(), "b"))
	trB := h.tr()
	require.NotSame(t, trA, trB)
	assert.Equal(t, 1, trA.disconnects)

	snap := h.o.Snapshot()
	assert.Equal(t, "b", snap.Binding.LocalSessionID)
	assert.Empty(t, snap.Binding.RemoteSandboxID)
	assert.False(t, snap.HandshakeComplete)

	// Stragglers from A's link arrive after the switch.
	trA.deliver(text(ws.KindAgentFinal, "late", "from a", 5))
	trA.deliver(handshake("ha2", "sbA", "uA"))
	trA.deliver(signal(ws.KindFileUpdateBegin))

	snap = h.o.Snapshot()
	assert.Empty(t, snap.Turns)
	assert.Empty(t, snap.Binding.RemoteSandboxID)
	assert.False(t, snap.Updating)
	msgs, _ := h.store.ListMessages("b")
	assert.Empty(t, msgs)

	// A's pending settle fetch was cancelled.
	time.Sleep(5 * settle)
	assert.Empty(t, trA.sentKind(ws.KindListFilesRequest))

	trB.deliver(handshake("hb", "sbB", "uB"))
	assert.Equal(t, "sbB", h.o.Snapshot().Binding.RemoteSandboxID)
}

func TestHandlerErrorRecordedNotFatal(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	h.o.router.Subscribe(ws.KindAgentFinal, func(ws.Envelope) error { panic("ui blew up") })

	h.tr().deliver(text(ws.KindAgentFinal, "t1", "ok", 1))

	snap := h.o.Snapshot()
	require.Len(t, snap.Turns, 1)
	assert.Error(t, snap.LastError)
	assert.False(t, snap.Fatal)
	assert.Equal(t, ws.StateOpen, snap.Phase)
}

func TestOnChangeNotified(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.o.Open(context.Background(), "s1"))
	h.mu.Lock()
	before := h.snaps
	h.mu.Unlock()

	h.tr().deliver(text(ws.KindAgentPartial, "t1", "x", 1))

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Greater(t, h.snaps, before)
}

func TestReconcile(t *testing.T) {
	assert.Equal(t, CaseRestored, reconcile("sb1", "sb1"))
	assert.Equal(t, CaseCreated, reconcile("", "sb2"))
	assert.Equal(t, CaseSubstituted, reconcile("sb1", "sb3"))
}
