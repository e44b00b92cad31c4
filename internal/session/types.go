package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehrlich-b/sandlink/internal/store"
	"github.com/ehrlich-b/sandlink/internal/ws"
)

// Role of a turn's author.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Turn is one logical unit of conversation, merged from every envelope that
// shares its id.
type Turn struct {
	ID            string
	Role          Role
	Text          string
	Streaming     bool
	LastTimestamp int64
}

// Progress is a transient per-file marker shown while an update cycle runs.
type Progress struct {
	TurnID    string
	Text      string
	Timestamp int64
}

// Case is the outcome of reconciling a handshake reply with the hint sent.
type Case int

const (
	CaseNone       Case = iota
	CaseRestored        // A: hint confirmed
	CaseCreated         // B: no hint, fresh sandbox
	CaseSubstituted     // C: agent answered with a different sandbox
)

func (c Case) String() string {
	switch c {
	case CaseRestored:
		return "restored"
	case CaseCreated:
		return "created"
	case CaseSubstituted:
		return "substituted"
	}
	return "none"
}

// Binding is the identity the orchestrator keeps consistent with the agent.
type Binding struct {
	LocalSessionID  string
	RemoteSandboxID string
	URL             string

	// Substituted is set when the agent replaced the hinted sandbox;
	// PreviousSandboxID is the one it replaced.
	Substituted       bool
	PreviousSandboxID string
}

// Snapshot is an immutable copy of the session view handed to the UI.
type Snapshot struct {
	Phase             ws.State
	Binding           Binding
	HandshakeComplete bool
	LastCase          Case
	Turns             []Turn
	Progress          []Progress
	Files             map[string]string
	FilesFetched      bool
	Updating          bool
	LastError         error
	Fatal             bool
}

// Persistence stores sessions and finalized turns.
type Persistence interface {
	LoadSession(id string) (*store.Session, error)
	SaveMessage(m *store.Message) error
	ListMessages(sessionID string) ([]*store.Message, error)
	UpdateSessionBinding(id, remoteSandboxID, url string) error
}

// Refresher reloads the live preview once an update cycle completes.
// Implementations must tolerate repeated calls.
type Refresher interface {
	Refresh(ctx context.Context, url string) error
}

// Transport is the connection the orchestrator drives; *ws.Client implements it.
type Transport interface {
	Connect(ctx context.Context, hint *ws.RestorationHint) error
	Send(ctx context.Context, env ws.Envelope) error
	Disconnect()
	State() ws.State
}

// TransportFactory builds the transport for one session view. pub receives
// decoded envelopes; hint reports the binding to restore on reconnect.
type TransportFactory func(pub ws.Publisher, hint func() *ws.RestorationHint) Transport

// PeerError is an error reported by the agent in an error envelope.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("agent error: %s", e.Message)
}

var unescaper = strings.NewReplacer(
	`\r\n`, "\n",
	`\n`, "\n",
	`\t`, "\t",
	`\"`, `"`,
	`\'`, "'",
	`\\`, `\`,
)

// normalizeText undoes escaping left in text by the agent's encoder. It is
// applied to each envelope's text exactly once.
func normalizeText(s string) string {
	return unescaper.Replace(s)
}
