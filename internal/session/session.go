// Package session implements the Session Store: a unified message log,
// session metadata, and summarization-driven compaction, plus the
// UserMemory persistence that sits alongside it in the same relational
// schema per spec.md §3/§4.10. Finding persistence lives in internal/store.
package session

import (
	"context"
	"time"
)

// Message is a role-tagged item in a conversation, mirroring llm.Message's
// wire shape but persisted with its own identity and timestamp.
type Message struct {
	ID        int64
	SessionID string // empty for a history-only (non-session) interaction
	Role      string // "system" | "user" | "assistant" | "tool"
	Content   string
	ToolID    string
	ToolCalls string // JSON-encoded []llm.ToolCall, opaque to this package
	Summary   string // lazily back-filled per spec.md §4.10 get_interaction_context
	CreatedAt time.Time
}

// Interaction is a (user, assistant) Message pair persisted together,
// identified by the user message's auto-increment id for selector purposes
// but addressable by either half's id.
type Interaction struct {
	ID          int64
	UserID      int64
	AssistantID int64
	Query       string
	Answer      string
	QuerySummary    string
	AnswerSummary   string
	SessionID   string
	Model       string
	CreatedAt   time.Time
}

// Session is an ordered Message sequence with metadata.
type Session struct {
	ID                string
	Name              string
	Model             string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompactedSummary  string
	MemoryAutoExtract bool // "elephant mode" per GLOSSARY
	MaxTurns          int
}

// UserMemory is a persistent fact extracted from past turns, scoped and
// recalled the same way as Finding.
type UserMemory struct {
	ID             int64
	Text           string
	SessionID      string
	Global         bool
	Embedding      []float32
	EmbeddingModel string
	CreatedAt      time.Time
}

// DeleteSpec selects messages or sessions for deletion: either an explicit
// id list, an inclusive [From,To] range, or All.
type DeleteSpec struct {
	IDs  []int64
	From int64
	To   int64
	All  bool
}

func (d DeleteSpec) isRange() bool { return d.From != 0 || d.To != 0 }

// Store is the Session Store contract from spec.md §4.10.
type Store interface {
	SaveInteraction(ctx context.Context, query, answer, model, querySummary, answerSummary string) (Interaction, error)
	GetHistory(ctx context.Context, limit int) ([]Interaction, error)
	GetInteractionContext(ctx context.Context, ids []int64, full bool) (string, error)

	DeleteMessages(ctx context.Context, spec DeleteSpec) (int, error)
	DeleteSessions(ctx context.Context, spec DeleteSpec) (int, error)

	CreateSession(ctx context.Context, name, model string, maxTurns int) (Session, error)
	GetSessionByID(ctx context.Context, id string) (Session, bool, error)
	GetSessionByName(ctx context.Context, name string) (Session, bool, error)
	ListSessions(ctx context.Context) ([]Session, error)
	UpdateSessionMaxTurns(ctx context.Context, id string, maxTurns int) error
	SetMemoryAutoExtract(ctx context.Context, id string, enabled bool) error

	SaveMessage(ctx context.Context, msg Message) (Message, error)
	GetSessionMessages(ctx context.Context, sessionID string) ([]Message, error)
	CompactSession(ctx context.Context, sessionID, summary string) error

	// Finding persistence lives in internal/store (the Content Store),
	// per spec.md §4.1's save_finding/get_finding/list_findings contract —
	// not duplicated here.

	SaveUserMemory(ctx context.Context, text, sessionID string, global bool) (int64, error)
	ListUserMemories(ctx context.Context, sessionID string, includeGlobal bool) ([]UserMemory, error)
	UpdateUserMemoryEmbedding(ctx context.Context, id int64, embedding []float32, model string) error
}

// ErrAmbiguous is returned when a name-based session resolution matches more
// than one session, per spec.md §4.7 step 2 ("reject ambiguous matches").
type ErrAmbiguous struct{ Name string }

func (e ErrAmbiguous) Error() string { return "session name ambiguous: " + e.Name }

// ErrNotFound is returned when a requested session/message/finding id does
// not exist.
type ErrNotFound struct{ What string }

func (e ErrNotFound) Error() string { return e.What + " not found" }
