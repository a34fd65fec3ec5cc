// Package turn implements the Turn Orchestrator: the single entry point
// that resolves a request's session/context, runs the Preload Pipeline,
// builds the Conversation Engine's messages, invokes the engine, and
// persists the result, per spec.md §4.7's ten-step execution order.
//
// Grounded on the teacher's internal/orchestrator/handler.go
// HandleCommandMessage request-resolve-then-dispatch shape, generalized
// from Kafka-message handling to a direct synchronous function call since
// this module's Turn Orchestrator is a library entry point, not a message-
// bus consumer. No Kafka wiring is carried over anywhere in this module.
package turn

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"asky/internal/engine"
	"asky/internal/hooks"
	"asky/internal/llm"
	"asky/internal/preload"
	"asky/internal/session"
	"asky/internal/tools"
)

// Request is the Turn Orchestrator's input, spec.md §4.7's TurnRequest.
type Request struct {
	Query string

	HistorySelectors string // comma-separated selector string

	StickySessionName string
	ResumeSelector     string // id or exact name
	ShellSessionID     string

	Lean                bool
	Research            bool
	ResearchFlagGiven   bool
	ReplaceCorpus       bool
	ElephantMode        bool

	LocalCorpusPaths []string
	MaxTurnsOverride int
	DisabledTools    []string // per-request tool-off list

	SaveHistory bool
	Model       string
}

// Result is the Turn Orchestrator's output, spec.md §4.7's TurnResult.
type Result struct {
	FinalAnswer string
	Messages    []llm.Message
	Model       string
	SessionID   string
	Halted      bool
	HaltReason  string
	Notices     []string

	Preload preload.Result
	Session session.Session
}

// Deps bundles the collaborators the orchestrator drives.
type Deps struct {
	Sessions session.Store
	Tools    tools.Registry
	Engine   *engine.Engine
	Hooks    *hooks.Dispatcher

	ResearchSourceMode string // "web_only" | "local_only" | "mixed"
	GlobalMemoryTriggerPhrases []string

	SystemPromptResearch string
	SystemPromptStandard string
	ToolGuidelinesHeader string

	MaxTurnsDefault int
	ContextBudgetTokens int

	// RunPreload closes over whatever embedder/shortlist/vector wiring the
	// process assembled; the orchestrator only calls it with the resolved
	// per-turn flags.
	RunPreload func(ctx context.Context, req Request, globalMemory bool) preload.Result
}

var hidTokenRE = regexp.MustCompile(`^.*__hid_(\d+)$`)

// parseHistorySelectors turns a comma-separated selector string into
// interaction ids. Supports direct integers, "~N" relative-to-recent
// selectors (resolved against recentCount, the length of recent history),
// and "<label>__hid_<id>" completion tokens.
func parseHistorySelectors(raw string, recentCount int) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var ids []int64
	for _, tok := range strings.Split(raw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if m := hidTokenRE.FindStringSubmatch(tok); m != nil {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed history selector token: %q", tok)
			}
			ids = append(ids, id)
			continue
		}
		if strings.HasPrefix(tok, "~") {
			n, err := strconv.Atoi(tok[1:])
			if err != nil {
				return nil, fmt.Errorf("malformed relative history selector: %q", tok)
			}
			idx := recentCount - n
			if idx < 0 {
				return nil, fmt.Errorf("relative history selector out of range: %q", tok)
			}
			ids = append(ids, int64(idx))
			continue
		}
		id, err := strconv.ParseInt(tok, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed history selector: %q", tok)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// resolveSession implements step 2: create-by-name, resume-by-id-or-name,
// shell-session auto-attach, or history-only (no session).
func resolveSession(ctx context.Context, store session.Store, req Request, model string) (session.Session, bool, error) {
	switch {
	case req.StickySessionName != "":
		existing, ok, err := store.GetSessionByName(ctx, req.StickySessionName)
		if err != nil {
			return session.Session{}, false, err
		}
		if ok {
			return applyOverrides(ctx, store, existing, req)
		}
		s, err := store.CreateSession(ctx, req.StickySessionName, model, maxTurns(req))
		if err != nil {
			return session.Session{}, false, err
		}
		return applyOverrides(ctx, store, s, req)

	case req.ResumeSelector != "":
		if s, ok, err := store.GetSessionByID(ctx, req.ResumeSelector); err == nil && ok {
			return applyOverrides(ctx, store, s, req)
		}
		s, ok, err := store.GetSessionByName(ctx, req.ResumeSelector)
		if err != nil {
			if _, isAmbiguous := err.(session.ErrAmbiguous); isAmbiguous {
				return session.Session{}, false, err
			}
			return session.Session{}, false, err
		}
		if !ok {
			return session.Session{}, false, session.ErrNotFound{What: "session " + req.ResumeSelector}
		}
		return applyOverrides(ctx, store, s, req)

	case req.ShellSessionID != "":
		s, ok, err := store.GetSessionByID(ctx, req.ShellSessionID)
		if err != nil {
			return session.Session{}, false, err
		}
		if ok {
			return applyOverrides(ctx, store, s, req)
		}
		s, err = store.CreateSession(ctx, req.ShellSessionID, model, maxTurns(req))
		if err != nil {
			return session.Session{}, false, err
		}
		return applyOverrides(ctx, store, s, req)

	default:
		return session.Session{}, false, nil // history-only turn
	}
}

func maxTurns(req Request) int {
	if req.MaxTurnsOverride > 0 {
		return req.MaxTurnsOverride
	}
	return 0
}

func applyOverrides(ctx context.Context, store session.Store, s session.Session, req Request) (session.Session, bool, error) {
	if req.ElephantMode {
		if err := store.SetMemoryAutoExtract(ctx, s.ID, true); err != nil {
			return s, true, err
		}
		s.MemoryAutoExtract = true
	}
	if req.MaxTurnsOverride > 0 {
		if err := store.UpdateSessionMaxTurns(ctx, s.ID, req.MaxTurnsOverride); err != nil {
			return s, true, err
		}
		s.MaxTurns = req.MaxTurnsOverride
	}
	return s, true, nil
}

// triggersGlobalMemory implements step 3: strip a configured trigger
// prefix and report whether it matched.
func triggersGlobalMemory(query string, phrases []string) (stripped string, matched bool) {
	lower := strings.ToLower(query)
	for _, p := range phrases {
		pl := strings.ToLower(p)
		if strings.HasPrefix(lower, pl) {
			return strings.TrimSpace(query[len(p):]), true
		}
	}
	return query, false
}

// Run executes the ten-step turn, per spec.md §4.7.
func Run(ctx context.Context, d Deps, req Request) Result {
	res := Result{Model: firstNonEmpty(req.Model, "")}

	history, err := d.Sessions.GetHistory(ctx, 50)
	if err != nil {
		return halt(res, "history lookup failed: "+err.Error())
	}
	if _, err := parseHistorySelectors(req.HistorySelectors, len(history)); err != nil {
		return halt(res, err.Error())
	}

	sess, hasSession, err := resolveSession(ctx, d.Sessions, req, res.Model)
	if err != nil {
		if _, ambiguous := err.(session.ErrAmbiguous); ambiguous {
			return halt(res, "ambiguous session: "+err.Error())
		}
		return halt(res, "session resolution failed: "+err.Error())
	}
	res.Session = sess
	if hasSession {
		res.SessionID = sess.ID
	}

	queryText, globalMemory := triggersGlobalMemory(req.Query, d.GlobalMemoryTriggerPhrases)

	if d.Hooks != nil {
		payload := map[string]any{"request": req}
		d.Hooks.Invoke(ctx, hooks.PrePreload, payload)
	}
	var pre preload.Result
	if d.RunPreload != nil {
		pre = d.RunPreload(ctx, req, globalMemory)
	}
	res.Preload = pre
	if d.Hooks != nil {
		d.Hooks.Invoke(ctx, hooks.PostPreload, &pre)
	}

	if req.Research && d.ResearchSourceMode == "local_only" && len(pre.LocalDocs) == 0 {
		return halt(res, "research source mode requires a local corpus, but none was ingested")
	}

	msgs := buildMessages(d, req, queryText, pre, sess, hasSession)

	disabled := resolveDisabledTools(req, pre)

	if d.Tools != nil && len(msgs) > 0 && msgs[0].Role == "system" {
		if lines := d.Tools.SystemPromptGuidelines(disabled); len(lines) > 0 {
			header := d.ToolGuidelinesHeader
			if header == "" {
				header = "Enabled Tool Guidelines"
			}
			msgs[0].Content += "\n\n" + header + ":\n- " + strings.Join(lines, "\n- ")
		}
	}

	eng := *d.Engine
	eng.System = ""
	eng.DisabledTools = disabled

	final, err := eng.Run(ctx, lastUserContent(msgs), msgs[:len(msgs)-1])
	if err != nil {
		return halt(res, "engine error: "+err.Error())
	}
	res.FinalAnswer = final
	res.Messages = msgs

	if req.SaveHistory {
		persist(ctx, d, req, queryText, final, hasSession, sess)
	}

	if d.Hooks != nil {
		d.Hooks.Invoke(ctx, hooks.TurnCompleted, &res)
	}
	return res
}

func halt(res Result, reason string) Result {
	res.Halted = true
	res.HaltReason = reason
	res.Notices = append(res.Notices, reason)
	return res
}

func lastUserContent(msgs []llm.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].Content
}

func buildMessages(d Deps, req Request, queryText string, pre preload.Result, sess session.Session, hasSession bool) []llm.Message {
	var msgs []llm.Message
	systemPrompt := d.SystemPromptStandard
	if req.Research {
		systemPrompt = d.SystemPromptResearch
	}
	if strings.TrimSpace(systemPrompt) != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: systemPrompt})
	}

	if pre.MemoryContext != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: "Relevant memory:\n" + pre.MemoryContext})
	}

	if hasSession {
		if sess.CompactedSummary != "" {
			msgs = append(msgs, llm.Message{Role: "system", Content: "Earlier conversation summary:\n" + sess.CompactedSummary})
		}
	}

	userContent := queryText
	if pre.CombinedContext != "" {
		userContent = queryText + "\n\nContext:\n" + pre.CombinedContext
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: userContent})
	return msgs
}

// resolveDisabledTools implements step 7: lean disables every tool; direct-
// answer mode (standard turn + seed URLs fully answer the query) disables
// acquisition tools; per-request tool-off augments either set.
func resolveDisabledTools(req Request, pre preload.Result) map[string]bool {
	disabled := make(map[string]bool)
	if req.Lean {
		for _, name := range allToolNames() {
			disabled[name] = true
		}
	} else if !req.Research && pre.Shortlist.SeedURLDirectAnswerReady {
		for _, name := range tools.AcquisitionToolNames {
			disabled[name] = true
		}
	}
	for _, name := range req.DisabledTools {
		disabled[name] = true
	}
	return disabled
}

func allToolNames() []string {
	return []string{
		tools.ToolWebSearch, tools.ToolGetURLContent, tools.ToolGetURLDetails,
		tools.ToolExtractLinks, tools.ToolGetLinkSummaries, tools.ToolGetRelevantContent,
		tools.ToolGetFullContent, tools.ToolListSections, tools.ToolSummarizeSection,
		tools.ToolSaveFinding, tools.ToolQueryResearchMemory, tools.ToolSaveMemory,
	}
}

func persist(ctx context.Context, d Deps, req Request, query, answer string, hasSession bool, sess session.Session) {
	if hasSession {
		_, _ = d.Sessions.SaveMessage(ctx, session.Message{SessionID: sess.ID, Role: "user", Content: query, CreatedAt: time.Now()})
		_, _ = d.Sessions.SaveMessage(ctx, session.Message{SessionID: sess.ID, Role: "assistant", Content: answer, CreatedAt: time.Now()})
		maybeCompact(ctx, d, sess)
		return
	}
	_, _ = d.Sessions.SaveInteraction(ctx, query, answer, req.Model, "", "")
}

func maybeCompact(ctx context.Context, d Deps, sess session.Session) {
	if d.ContextBudgetTokens <= 0 {
		return
	}
	msgs, err := d.Sessions.GetSessionMessages(ctx, sess.ID)
	if err != nil {
		return
	}
	total := 0
	for _, m := range msgs {
		total += llm.EstimateTokens(m.Content)
	}
	if total <= d.ContextBudgetTokens {
		return
	}
	var sb strings.Builder
	cut := len(msgs) - 4
	if cut < 0 {
		cut = 0
	}
	for _, m := range msgs[:cut] {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	_ = d.Sessions.CompactSession(ctx, sess.ID, sb.String())
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
