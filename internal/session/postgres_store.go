package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresStore returns a Postgres-backed Store, grounded on the
// teacher's pgChatStore (internal/persistence/databases/chat_store_postgres.go):
// lazy CREATE TABLE IF NOT EXISTS on first use, additive ALTER TABLE for
// schema evolution per spec.md §6's "schema migrations are additive"
// requirement, uuid session ids, SERIAL integer ids for the row tables.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	if pool == nil {
		return nil, errors.New("postgres session store requires a pool")
	}
	s := &postgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

type postgresStore struct {
	pool *pgxpool.Pool
}

func (s *postgresStore) init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    compacted_summary TEXT NOT NULL DEFAULT '',
    memory_auto_extract BOOLEAN NOT NULL DEFAULT FALSE,
    max_turns INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS messages (
    id BIGSERIAL PRIMARY KEY,
    session_id UUID REFERENCES sessions(id) ON DELETE CASCADE,
    role TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL DEFAULT '',
    tool_id TEXT NOT NULL DEFAULT '',
    tool_calls TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS messages_session_created_idx ON messages(session_id, created_at);
CREATE INDEX IF NOT EXISTS messages_created_idx ON messages(created_at);

CREATE TABLE IF NOT EXISTS user_memories (
    id BIGSERIAL PRIMARY KEY,
    text TEXT NOT NULL,
    session_id UUID,
    is_global BOOLEAN NOT NULL DEFAULT FALSE,
    embedding_model TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}

func (s *postgresStore) SaveInteraction(ctx context.Context, query, answer, model, qSummary, aSummary string) (Interaction, error) {
	now := time.Now().UTC()
	var userID, asstID int64
	err := s.pool.QueryRow(ctx, `INSERT INTO messages (session_id, role, content, summary, created_at) VALUES (NULL, 'user', $1, $2, $3) RETURNING id`, query, qSummary, now).Scan(&userID)
	if err != nil {
		return Interaction{}, err
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO messages (session_id, role, content, summary, created_at) VALUES (NULL, 'assistant', $1, $2, $3) RETURNING id`, answer, aSummary, now).Scan(&asstID)
	if err != nil {
		return Interaction{}, err
	}
	return Interaction{
		ID: userID, UserID: userID, AssistantID: asstID,
		Query: query, Answer: answer, QuerySummary: qSummary, AnswerSummary: aSummary,
		Model: model, CreatedAt: now,
	}, nil
}

func (s *postgresStore) GetHistory(ctx context.Context, limit int) ([]Interaction, error) {
	if limit <= 0 {
		return []Interaction{}, nil
	}
	n := limit * 3
	rows, err := s.pool.Query(ctx, `SELECT id, role, content, summary, created_at FROM messages WHERE session_id IS NULL ORDER BY id DESC LIMIT $1`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Summary, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	// msgs is newest-first; reuse the same backwards-pairing as memoryStore.
	var pairs []Interaction
	for i := 0; i < len(msgs); i++ {
		if msgs[i].Role != "assistant" {
			continue
		}
		asst := msgs[i]
		var user Message
		for j := i + 1; j < len(msgs); j++ {
			if msgs[j].Role == "user" {
				user = msgs[j]
				break
			}
		}
		pairs = append(pairs, Interaction{
			ID: user.ID, UserID: user.ID, AssistantID: asst.ID,
			Query: user.Content, Answer: asst.Content,
			QuerySummary: user.Summary, AnswerSummary: asst.Summary,
			CreatedAt: asst.CreatedAt,
		})
		if limit > 0 && len(pairs) >= limit {
			break
		}
	}
	return pairs, nil
}

func (s *postgresStore) GetInteractionContext(ctx context.Context, ids []int64, full bool) (string, error) {
	if len(ids) == 0 {
		return "", nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, role, content, summary, created_at FROM messages WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var blocks []string
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Summary, &m.CreatedAt); err != nil {
			return "", err
		}
		if m.Role == "user" {
			blocks = append(blocks, "Query: "+m.Content)
		} else if m.Role == "assistant" {
			blocks = append(blocks, "Answer: "+m.Content)
		}
	}
	return strings.Join(blocks, "\n"), nil
}

func (s *postgresStore) DeleteMessages(ctx context.Context, spec DeleteSpec) (int, error) {
	var tag pgconn.CommandTag
	var err error
	switch {
	case spec.All:
		tag, err = s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id IS NULL`)
	case spec.isRange():
		tag, err = s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id IS NULL AND id BETWEEN $1 AND $2`, spec.From, spec.To)
	default:
		tag, err = s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id IS NULL AND id = ANY($1)`, spec.IDs)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) DeleteSessions(ctx context.Context, spec DeleteSpec) (int, error) {
	var tag pgconn.CommandTag
	var err error
	switch {
	case spec.All:
		tag, err = s.pool.Exec(ctx, `DELETE FROM sessions`)
	default:
		ids := make([]string, 0, len(spec.IDs))
		for _, id := range spec.IDs {
			ids = append(ids, strconv.FormatInt(id, 10))
		}
		tag, err = s.pool.Exec(ctx, `DELETE FROM sessions WHERE id::text = ANY($1)`, ids)
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *postgresStore) CreateSession(ctx context.Context, name, model string, maxTurns int) (Session, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	if strings.TrimSpace(name) == "" {
		name = "New Session"
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO sessions (id, name, model, created_at, updated_at, max_turns) VALUES ($1,$2,$3,$4,$4,$5)`, id, name, model, now, maxTurns)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: id, Name: name, Model: model, CreatedAt: now, UpdatedAt: now, MaxTurns: maxTurns}, nil
}

func (s *postgresStore) GetSessionByID(ctx context.Context, id string) (Session, bool, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `SELECT id, name, model, created_at, updated_at, compacted_summary, memory_auto_extract, max_turns FROM sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Name, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompactedSummary, &sess.MemoryAutoExtract, &sess.MaxTurns)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (s *postgresStore) GetSessionByName(ctx context.Context, name string) (Session, bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, model, created_at, updated_at, compacted_summary, memory_auto_extract, max_turns FROM sessions WHERE name = $1`, name)
	if err != nil {
		return Session{}, false, err
	}
	defer rows.Close()
	var matches []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompactedSummary, &sess.MemoryAutoExtract, &sess.MaxTurns); err != nil {
			return Session{}, false, err
		}
		matches = append(matches, sess)
	}
	if len(matches) > 1 {
		return Session{}, false, ErrAmbiguous{Name: name}
	}
	if len(matches) == 0 {
		return Session{}, false, nil
	}
	return matches[0], true, nil
}

func (s *postgresStore) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, model, created_at, updated_at, compacted_summary, memory_auto_extract, max_turns FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.Model, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompactedSummary, &sess.MemoryAutoExtract, &sess.MaxTurns); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func (s *postgresStore) UpdateSessionMaxTurns(ctx context.Context, id string, maxTurns int) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET max_turns = $1, updated_at = NOW() WHERE id = $2`, maxTurns, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{What: "session"}
	}
	return nil
}

func (s *postgresStore) SetMemoryAutoExtract(ctx context.Context, id string, enabled bool) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET memory_auto_extract = $1 WHERE id = $2`, enabled, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{What: "session"}
	}
	return nil
}

func (s *postgresStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var sessionID *string
	if msg.SessionID != "" {
		sessionID = &msg.SessionID
	}
	err := s.pool.QueryRow(ctx, `INSERT INTO messages (session_id, role, content, tool_id, tool_calls, summary, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		sessionID, msg.Role, msg.Content, msg.ToolID, msg.ToolCalls, msg.Summary, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return Message{}, err
	}
	if msg.SessionID != "" {
		_, _ = s.pool.Exec(ctx, `UPDATE sessions SET updated_at = $1 WHERE id = $2`, msg.CreatedAt, msg.SessionID)
	}
	return msg, nil
}

func (s *postgresStore) GetSessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, role, content, tool_id, tool_calls, summary, created_at FROM messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m := Message{SessionID: sessionID}
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.ToolID, &m.ToolCalls, &m.Summary, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *postgresStore) CompactSession(ctx context.Context, sessionID, summary string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET compacted_summary = $1 WHERE id = $2`, summary, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{What: "session"}
	}
	return nil
}

func (s *postgresStore) SaveUserMemory(ctx context.Context, text, sessionID string, global bool) (int64, error) {
	var id int64
	var sid *string
	if sessionID != "" {
		sid = &sessionID
	}
	err := s.pool.QueryRow(ctx, `INSERT INTO user_memories (text, session_id, is_global) VALUES ($1,$2,$3) RETURNING id`, text, sid, global).Scan(&id)
	return id, err
}

func (s *postgresStore) ListUserMemories(ctx context.Context, sessionID string, includeGlobal bool) ([]UserMemory, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, text, session_id, is_global, embedding_model, created_at FROM user_memories WHERE session_id = $1 OR ($2 AND is_global)`, sessionID, includeGlobal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserMemory
	for rows.Next() {
		var m UserMemory
		var sid *string
		if err := rows.Scan(&m.ID, &m.Text, &sid, &m.Global, &m.EmbeddingModel, &m.CreatedAt); err != nil {
			return nil, err
		}
		if sid != nil {
			m.SessionID = *sid
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *postgresStore) UpdateUserMemoryEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE user_memories SET embedding_model = $1 WHERE id = $2`, model, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound{What: "user memory"}
	}
	return nil
}

func nullIfZero(n int) *int {
	if n <= 0 {
		return nil
	}
	return &n
}
