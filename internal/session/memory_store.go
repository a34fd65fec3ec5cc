package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStore returns an in-memory Store, grounded on the teacher's
// memChatStore (internal/persistence/databases/chat_store_memory.go): one
// mutex guarding maps keyed by id, uuid.NewString() session ids, and
// auto-increment ids for the row-oriented tables (messages, memories)
// where spec.md's data model calls for integer primary keys.
func NewMemoryStore() Store {
	return &memoryStore{
		sessions:     map[string]Session{},
		messages:     map[string][]Message{}, // keyed by session id, "" = history-only
		nextMsgID:    1,
		nextMemID:    1,
		userMemories: map[int64]UserMemory{},
	}
}

type memoryStore struct {
	mu sync.RWMutex

	sessions map[string]Session
	messages map[string][]Message // all messages, including history-only ("")

	nextMsgID int64
	nextMemID int64

	userMemories map[int64]UserMemory
}

func (s *memoryStore) SaveInteraction(ctx context.Context, query, answer, model, qSummary, aSummary string) (Interaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	userMsg := Message{ID: s.nextMsgID, Role: "user", Content: query, Summary: qSummary, CreatedAt: now}
	s.nextMsgID++
	asstMsg := Message{ID: s.nextMsgID, Role: "assistant", Content: answer, Summary: aSummary, CreatedAt: now}
	s.nextMsgID++
	s.messages[""] = append(s.messages[""], userMsg, asstMsg)
	return Interaction{
		ID: userMsg.ID, UserID: userMsg.ID, AssistantID: asstMsg.ID,
		Query: query, Answer: answer,
		QuerySummary: qSummary, AnswerSummary: aSummary,
		Model: model, CreatedAt: now,
	}, nil
}

// GetHistory walks the history-only message table backwards, pairing
// assistant<->user, per spec.md §4.10: "tolerates legacy rows with no role."
// A limit of zero or less returns an empty list.
func (s *memoryStore) GetHistory(ctx context.Context, limit int) ([]Interaction, error) {
	if limit <= 0 {
		return []Interaction{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[""]
	var pairs []Interaction
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != "assistant" {
			continue
		}
		asst := msgs[i]
		var user Message
		for j := i - 1; j >= 0; j-- {
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

func (s *memoryStore) GetInteractionContext(ctx context.Context, ids []int64, full bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[int64]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var blocks []string
	msgs := s.messages[""]
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if _, ok := want[m.ID]; !ok {
			continue
		}
		// Auto-expand to the partner message, per §4.10.
		userMsg, asstMsg, uIdx, aIdx := expandPair(msgs, i)
		if uIdx < 0 || aIdx < 0 {
			continue
		}
		if !full {
			userMsg, asstMsg = s.backfillSummaries(msgs, uIdx, aIdx)
		}
		blocks = append(blocks, fmt.Sprintf("Query: %s\nAnswer: %s", userMsg.Content, asstMsg.Content))
	}
	return strings.Join(blocks, "\n\n"), nil
}

func expandPair(msgs []Message, i int) (user, asst Message, uIdx, aIdx int) {
	uIdx, aIdx = -1, -1
	m := msgs[i]
	if m.Role == "user" {
		uIdx = i
		for j := i + 1; j < len(msgs); j++ {
			if msgs[j].Role == "assistant" {
				aIdx = j
				break
			}
		}
	} else if m.Role == "assistant" {
		aIdx = i
		for j := i - 1; j >= 0; j-- {
			if msgs[j].Role == "user" {
				uIdx = j
				break
			}
		}
	}
	if uIdx >= 0 {
		user = msgs[uIdx]
	}
	if aIdx >= 0 {
		asst = msgs[aIdx]
	}
	return
}

// backfillSummaries returns the pair's messages as stored. This in-memory
// store has no LLM handle: no summary is generated or back-filled, so a
// message without a stored summary stays without one.
func (s *memoryStore) backfillSummaries(msgs []Message, uIdx, aIdx int) (Message, Message) {
	return msgs[uIdx], msgs[aIdx]
}

func (s *memoryStore) DeleteMessages(ctx context.Context, spec DeleteSpec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[""]
	keep := msgs[:0:0]
	deleted := 0
	match := func(m Message) bool {
		if spec.All {
			return true
		}
		if spec.isRange() && m.ID >= spec.From && m.ID <= spec.To {
			return true
		}
		for _, id := range spec.IDs {
			if id == m.ID {
				return true
			}
		}
		return false
	}
	// Smart partner expansion: deleting either half of a pair deletes both.
	toDelete := map[int64]bool{}
	for i, m := range msgs {
		if match(m) {
			_, _, uIdx, aIdx := expandPair(msgs, i)
			if uIdx >= 0 {
				toDelete[msgs[uIdx].ID] = true
			}
			if aIdx >= 0 {
				toDelete[msgs[aIdx].ID] = true
			}
		}
	}
	for _, m := range msgs {
		if toDelete[m.ID] {
			deleted++
			continue
		}
		keep = append(keep, m)
	}
	s.messages[""] = keep
	return deleted, nil
}

func (s *memoryStore) DeleteSessions(ctx context.Context, spec DeleteSpec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id := range s.sessions {
		match := spec.All
		for _, sid := range spec.IDs {
			if fmt.Sprint(sid) == id {
				match = true
			}
		}
		if match {
			delete(s.sessions, id)
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *memoryStore) CreateSession(ctx context.Context, name, model string, maxTurns int) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	sess := Session{ID: uuid.NewString(), Name: name, Model: model, CreatedAt: now, UpdatedAt: now, MaxTurns: maxTurns}
	s.sessions[sess.ID] = sess
	s.messages[sess.ID] = nil
	return sess, nil
}

func (s *memoryStore) GetSessionByID(ctx context.Context, id string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok, nil
}

func (s *memoryStore) GetSessionByName(ctx context.Context, name string) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []Session
	for _, sess := range s.sessions {
		if sess.Name == name {
			matches = append(matches, sess)
		}
	}
	if len(matches) > 1 {
		return Session{}, false, ErrAmbiguous{Name: name}
	}
	if len(matches) == 0 {
		return Session{}, false, nil
	}
	return matches[0], true, nil
}

func (s *memoryStore) ListSessions(ctx context.Context) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *memoryStore) UpdateSessionMaxTurns(ctx context.Context, id string, maxTurns int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound{What: "session"}
	}
	sess.MaxTurns = maxTurns
	sess.UpdatedAt = time.Now().UTC()
	s.sessions[id] = sess
	return nil
}

func (s *memoryStore) SetMemoryAutoExtract(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound{What: "session"}
	}
	sess.MemoryAutoExtract = enabled
	s.sessions[id] = sess
	return nil
}

func (s *memoryStore) SaveMessage(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; msg.SessionID != "" && !ok {
		return Message{}, ErrNotFound{What: "session"}
	}
	msg.ID = s.nextMsgID
	s.nextMsgID++
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	if msg.SessionID != "" {
		sess := s.sessions[msg.SessionID]
		sess.UpdatedAt = msg.CreatedAt
		s.sessions[msg.SessionID] = sess
	}
	return msg, nil
}

func (s *memoryStore) GetSessionMessages(ctx context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[sessionID]
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *memoryStore) CompactSession(ctx context.Context, sessionID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound{What: "session"}
	}
	// Raw messages are retained (spec.md §3 Session invariant); only the
	// compacted-summary field changes, so context building can prefer it.
	sess.CompactedSummary = summary
	s.sessions[sessionID] = sess
	return nil
}

func (s *memoryStore) SaveUserMemory(ctx context.Context, text, sessionID string, global bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextMemID
	s.nextMemID++
	s.userMemories[id] = UserMemory{ID: id, Text: text, SessionID: sessionID, Global: global, CreatedAt: time.Now().UTC()}
	return id, nil
}

func (s *memoryStore) ListUserMemories(ctx context.Context, sessionID string, includeGlobal bool) ([]UserMemory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []UserMemory
	for _, m := range s.userMemories {
		if m.SessionID == sessionID || (includeGlobal && m.Global) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) UpdateUserMemoryEmbedding(ctx context.Context, id int64, embedding []float32, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.userMemories[id]
	if !ok {
		return ErrNotFound{What: "user memory"}
	}
	m.Embedding = embedding
	m.EmbeddingModel = model
	s.userMemories[id] = m
	return nil
}
