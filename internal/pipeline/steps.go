package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stellarlinkco/mnemos/internal/audit"
	"github.com/stellarlinkco/mnemos/internal/llm"
	"github.com/stellarlinkco/mnemos/internal/memory"
	"github.com/stellarlinkco/mnemos/internal/retention"
	"github.com/stellarlinkco/mnemos/internal/session"
)

// Node names of the default graph. They double as audit actions.
const (
	NodePlan     = "plan"
	NodeRecall   = "recall"
	NodeDecide   = "decide"
	NodeRespond  = "respond"
	NodeStore    = "store"
	NodeCompress = "compress"
)

// Decision labels.
const (
	DecisionNoInput    = "no_input"
	DecisionContextual = "contextual_response"
	DecisionGeneral    = "general_response"
)

const defaultSystemPrompt = "You are a helpful assistant with long-term memory. Use the remembered context when it is relevant and say so when you are unsure."

// MemoryService is what the steps need from the memory engine.
type MemoryService interface {
	RecallTyped(ctx context.Context, q memory.TypedQuery) ([]memory.Item, error)
	Remember(ctx context.Context, item memory.Item) (memory.Item, error)
	Consolidate(ctx context.Context, summary memory.Item, sourceIDs []string) error
	// Active returns the subset of ids still live in the store.
	Active(ctx context.Context, ids []string) (map[string]memory.Item, error)
}

// SensitiveFilter flags content that must not be persisted.
type SensitiveFilter interface {
	Sensitive(text string) (string, bool)
}

// EventRecorder stores policy outcomes next to the audit chain.
type EventRecorder interface {
	RecordEvent(ctx context.Context, sessionID, kind string, details any) error
}

// Deps wires the default steps to their collaborators. Completer, Filter and Events may
// be nil.
type Deps struct {
	Memory     MemoryService
	Classifier memory.Classifier
	Filter     SensitiveFilter
	Completer  llm.Completer
	Summarizer retention.Summarizer
	Events     EventRecorder
	Policy     retention.Policy

	RecallLimit    int
	EpisodicMaxAge time.Duration
	SystemPrompt   string
	MaxTokens      int
	History        int

	// Routing overrides DefaultRouting on the compress edge.
	Routing RoutingPolicy
	Now     func() time.Time
	Logger  zerolog.Logger
}

// DefaultRouting loops back to plan while a user message is waiting and ends otherwise.
func DefaultRouting(s *session.State) Route {
	switch s.Status {
	case session.StatusError:
		return RouteError
	case session.StatusComplete:
		return RouteEnd
	}
	if _, pending := s.PendingUserMessage(); pending {
		return RouteContinue
	}
	return RouteEnd
}

// DefaultGraph builds plan -> recall -> decide -> respond -> store -> compress with the
// routing policy on the compress edge.
func DefaultGraph(d Deps) (*Graph, error) {
	if d.Memory == nil || d.Classifier == nil {
		return nil, fmt.Errorf("default graph: memory and classifier are required")
	}
	if err := d.Policy.Validate(); err != nil {
		return nil, err
	}
	if d.Summarizer == nil {
		d.Summarizer = retention.Extractive{}
	}
	if d.Routing == nil {
		d.Routing = DefaultRouting
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SystemPrompt == "" {
		d.SystemPrompt = defaultSystemPrompt
	}
	if d.History <= 0 {
		d.History = 6
	}
	s := &steps{d: d}

	return NewBuilder().
		AddNode(NodePlan, s.plan).
		AddNode(NodeRecall, s.recall).
		AddNode(NodeDecide, s.decide).
		AddNode(NodeRespond, s.respond).
		AddNode(NodeStore, s.store).
		AddNode(NodeCompress, s.compress).
		AddEdge(NodePlan, NodeRecall).
		AddEdge(NodeRecall, NodeDecide).
		AddEdge(NodeDecide, NodeRespond).
		AddEdge(NodeRespond, NodeStore).
		AddEdge(NodeStore, NodeCompress).
		AddConditionalEdge(NodeCompress, d.Routing, map[Route]string{
			RouteContinue: NodePlan,
			RouteEnd:      END,
			RouteError:    END,
		}).
		SetEntryPoint(NodePlan).
		Compile()
}

type steps struct {
	d Deps
}

// idle reports whether the turn has nothing to do.
func idle(s *session.State) bool {
	return s.Decision == DecisionNoInput || s.Status == session.StatusError
}

func (st *steps) plan(_ context.Context, in *session.State) (*session.State, error) {
	out := in.Clone()
	out.Recalled = nil
	if _, ok := out.PendingUserMessage(); !ok {
		out.Status = session.StatusWaitingInput
		out.Decision = DecisionNoInput
		return out, nil
	}
	out.Status = session.StatusProcessing
	out.Decision = ""
	return out, nil
}

func (st *steps) recall(ctx context.Context, in *session.State) (*session.State, error) {
	msg, ok := in.PendingUserMessage()
	if idle(in) || !ok {
		return in.Clone(), nil
	}
	out := in.Clone()
	items, err := st.d.Memory.RecallTyped(ctx, memory.TypedQuery{
		Text:           msg.Content,
		OwnerID:        in.UserID,
		Context:        in.Context,
		Limit:          st.d.RecallLimit,
		EpisodicMaxAge: st.d.EpisodicMaxAge,
	})
	if err != nil {
		st.d.Logger.Warn().Err(err).Str("session", in.SessionID).Msg("recall failed; continuing without memories")
		return out, nil
	}
	out.Recalled = make([]string, 0, len(items))
	for _, it := range items {
		out.AddMemory(it)
		out.Recalled = append(out.Recalled, it.ID)
	}
	return out, nil
}

func (st *steps) decide(_ context.Context, in *session.State) (*session.State, error) {
	out := in.Clone()
	if idle(in) {
		return out, nil
	}
	if len(out.Recalled) > 0 {
		out.Decision = DecisionContextual
	} else {
		out.Decision = DecisionGeneral
	}
	return out, nil
}

func (st *steps) respond(ctx context.Context, in *session.State) (*session.State, error) {
	msg, ok := in.PendingUserMessage()
	if idle(in) || !ok {
		return in.Clone(), nil
	}
	out := in.Clone()
	recalled := out.RecalledItems()

	reply := ""
	if st.d.Completer != nil {
		text, err := st.d.Completer.Complete(ctx, llm.Request{
			System:    st.d.SystemPrompt,
			Prompt:    st.prompt(out, recalled),
			MaxTokens: st.d.MaxTokens,
		})
		if err != nil {
			st.d.Logger.Warn().Err(err).Str("session", in.SessionID).Msg("completion failed; using fallback reply")
		}
		reply = strings.TrimSpace(text)
	}
	if reply == "" {
		reply = fallbackReply(out.Decision, msg.Content, recalled)
	}

	out.AddMessage(session.RoleAssistant, reply, st.d.Now())
	out.Status = session.StatusWaitingInput
	return out, nil
}

func (st *steps) prompt(s *session.State, recalled []memory.Item) string {
	var sb strings.Builder
	if ctx := memory.Format(recalled); ctx != "" {
		sb.WriteString("Remembered context:\n")
		sb.WriteString(ctx)
		sb.WriteString("\n\n")
	}
	msgs := s.Messages
	if len(msgs) > st.d.History {
		msgs = msgs[len(msgs)-st.d.History:]
	}
	sb.WriteString("Conversation:\n")
	for _, m := range msgs {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("assistant:")
	return sb.String()
}

func fallbackReply(decision, question string, recalled []memory.Item) string {
	if decision == DecisionContextual && len(recalled) > 0 {
		return fmt.Sprintf("Here is what I remember that may help with %q:\n%s", question, memory.Format(recalled))
	}
	return fmt.Sprintf("Noted: %q. I have nothing stored about this yet.", question)
}

func (st *steps) store(ctx context.Context, in *session.State) (*session.State, error) {
	user, assistant, ok := in.LastExchange()
	if idle(in) || !ok {
		return in.Clone(), nil
	}
	out := in.Clone()

	if st.d.Filter != nil {
		if keyword, hit := st.d.Filter.Sensitive(user.Content); hit {
			st.record(ctx, in.SessionID, audit.EventRetentionFilter, map[string]any{
				"step":     in.Step + 1,
				"keyword":  keyword,
				"decision": "skipped",
			})
			return out, nil
		}
	}

	kind, importance := st.d.Classifier.Classify(user.Content)
	content := user.Content
	if kind == memory.Episodic {
		content = fmt.Sprintf("%s: %s\n%s: %s", user.Role, user.Content, assistant.Role, assistant.Content)
	}
	item := memory.NewItem(kind, content, importance, st.d.Now())
	item.OwnerID = in.UserID
	item.SessionID = in.SessionID
	item.Context = in.Context
	item.Normalize()

	if err := Defer(ctx, func(ctx context.Context) error {
		if _, err := st.d.Memory.Remember(ctx, item); err != nil {
			return fmt.Errorf("remember: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	out.AddMemory(item)
	return out, nil
}

func (st *steps) compress(ctx context.Context, in *session.State) (*session.State, error) {
	if idle(in) {
		return in.Clone(), nil
	}
	out := in.Clone()
	if err := st.pruneInactive(ctx, out); err != nil {
		st.d.Logger.Warn().Err(err).Str("session", in.SessionID).Msg("compression skipped")
		return out, nil
	}
	next, stats, err := retention.Compress(ctx, out.Memories, st.d.Policy, st.d.Summarizer, st.d.Now())
	if err != nil {
		st.d.Logger.Warn().Err(err).Str("session", in.SessionID).Msg("compression skipped")
		return out, nil
	}
	if stats.Compressed == 0 {
		return out, nil
	}

	summary := next[stats.SummaryID]
	if err := Defer(ctx, func(ctx context.Context) error {
		if err := st.d.Memory.Consolidate(ctx, summary, summary.SummarizedFrom); err != nil {
			return fmt.Errorf("consolidate: %w", err)
		}
		st.record(ctx, in.SessionID, audit.EventCompression, stats)
		return nil
	}); err != nil {
		return nil, err
	}
	out.Memories = next
	keepRecalled(out)
	st.d.Logger.Info().Str("session", in.SessionID).Str("reason", string(stats.Reason)).
		Int("compressed", stats.Compressed).Int("tokensSaved", stats.TokensSaved).Msg("working memory compressed")
	return out, nil
}

// pruneInactive drops working-memory items that were deleted, expired or archived in the
// store since they were loaded, so they can never be folded into a new summary.
func (st *steps) pruneInactive(ctx context.Context, s *session.State) error {
	if len(s.Memories) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.Memories))
	for id := range s.Memories {
		ids = append(ids, id)
	}
	active, err := st.d.Memory.Active(ctx, ids)
	if err != nil {
		return fmt.Errorf("check working memory: %w", err)
	}
	dropped := 0
	for _, id := range ids {
		if _, ok := active[id]; !ok {
			delete(s.Memories, id)
			dropped++
		}
	}
	if dropped > 0 {
		keepRecalled(s)
		st.d.Logger.Debug().Str("session", s.SessionID).Int("dropped", dropped).Msg("pruned inactive working memory")
	}
	return nil
}

func keepRecalled(s *session.State) {
	kept := s.Recalled[:0]
	for _, id := range s.Recalled {
		if _, ok := s.Memories[id]; ok {
			kept = append(kept, id)
		}
	}
	s.Recalled = kept
}

func (st *steps) record(ctx context.Context, sessionID, kind string, details any) {
	if st.d.Events == nil {
		return
	}
	if err := st.d.Events.RecordEvent(ctx, sessionID, kind, details); err != nil {
		st.d.Logger.Warn().Err(err).Str("kind", kind).Msg("record audit event failed")
	}
}
