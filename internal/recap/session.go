package recap

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/crucible-ai/crucible/internal/kb"
	"github.com/crucible-ai/crucible/internal/llm"
	"github.com/crucible-ai/crucible/internal/model"
)

// ChatClient is the chat-completion collaborator.
type ChatClient interface {
	Chat(ctx context.Context, req llm.Request) (llm.Response, error)
}

// KnowledgeSearcher is the knowledge-retrieval collaborator.
type KnowledgeSearcher interface {
	Search(ctx context.Context, req kb.SearchRequest) ([]kb.Result, error)
}

// MemoryReader is the read side of the long-term memory collaborator.
type MemoryReader interface {
	Get(ctx context.Context, memID string) (model.MemoryItem, error)
	Search(ctx context.Context, text string, role model.MemoryRole, limit int) ([]model.ScoredMemory, error)
}

// EventSink records trace events for a run.
type EventSink interface {
	AppendEvent(ctx context.Context, runID, eventType string, payload map[string]any) (string, error)
}

// CancelFunc reports whether cancellation has been requested for the run or
// its batch. Checked at the top of every step and before every primitive.
type CancelFunc func(ctx context.Context) (bool, error)

// Config carries the engine budgets and caps for one run.
type Config struct {
	RecipesPerRun    int
	MaxSteps         int
	MaxDepth         int
	MaxRounds        int // round-pairs retained in shared history
	MaxGenerateTurns int
	MaxFullChunks    int // full evidence opens during generation
	MaxFullMemories  int
	KBTopK           int
	KBListLimit      int
	MemSearchLimit   int
	MemListLimit     int
	AliasPrefix      string // single uppercase token, e.g. "C"
	Temperature      *float64
}

var (
	aliasTokenRe = regexp.MustCompile(`\[([A-Z]+\d+)\]`)
	memTokenRe   = regexp.MustCompile(`mem:([0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12})`)
)

// Session is the run-scoped mutable state threaded through every engine
// step: collaborator handles, the alias and memory registries, focus sets,
// the shared conversation history, and the step counter. One Session per
// run; never shared.
type Session struct {
	RunID       string
	UserRequest string
	Config      Config

	Chat   ChatClient
	KB     KnowledgeSearcher
	Memory MemoryReader
	Events EventSink
	Cancel CancelFunc
	Logger *slog.Logger

	// Alias registry: append-only, ref-stable within the run.
	aliasByRef map[string]string
	refByAlias map[string]string
	aliasOrder []string
	chunks     map[string]kb.Result // alias -> chunk

	// Memory registry: monotonic id -> item.
	memories map[string]model.MemoryItem
	memOrder []string

	// Focus sets: first-seen order, deduplicated.
	focusAliases []string
	focusMems    []string
	focusSeen    map[string]bool

	history []llm.Message
	steps   int
}

// RegisterChunk assigns (or reuses) the stable alias for a retrieved chunk
// and returns it. The same canonical ref always yields the same alias.
func (s *Session) RegisterChunk(chunk kb.Result) string {
	if s.aliasByRef == nil {
		s.aliasByRef = map[string]string{}
		s.refByAlias = map[string]string{}
		s.chunks = map[string]kb.Result{}
	}
	if alias, ok := s.aliasByRef[chunk.Ref]; ok {
		return alias
	}
	alias := s.Config.AliasPrefix + strconv.Itoa(len(s.aliasOrder)+1)
	s.aliasByRef[chunk.Ref] = alias
	s.refByAlias[alias] = chunk.Ref
	s.aliasOrder = append(s.aliasOrder, alias)
	s.chunks[alias] = chunk
	return alias
}

// ResolveAlias returns the chunk registered under an alias.
func (s *Session) ResolveAlias(alias string) (kb.Result, bool) {
	chunk, ok := s.chunks[alias]
	return chunk, ok
}

// Aliases returns every assigned alias in assignment order.
func (s *Session) Aliases() []string {
	return s.aliasOrder
}

// RegisterMemory records a retrieved memory item in the run registry.
func (s *Session) RegisterMemory(item model.MemoryItem) {
	if s.memories == nil {
		s.memories = map[string]model.MemoryItem{}
	}
	if _, ok := s.memories[item.ID]; !ok {
		s.memOrder = append(s.memOrder, item.ID)
	}
	s.memories[item.ID] = item
}

// LookupMemory returns a registered memory item.
func (s *Session) LookupMemory(memID string) (model.MemoryItem, bool) {
	item, ok := s.memories[memID]
	return item, ok
}

// MemoryIDs returns registered memory ids in registration order.
func (s *Session) MemoryIDs() []string {
	return s.memOrder
}

// harvestFocus scans text for alias and memory-id tokens and adds new ones
// to the focus sets in first-seen order. Tokens that do not resolve in the
// registries are ignored; focus tracks evidence the run actually has.
func (s *Session) harvestFocus(text string) {
	if s.focusSeen == nil {
		s.focusSeen = map[string]bool{}
	}
	for _, m := range aliasTokenRe.FindAllStringSubmatch(text, -1) {
		alias := m[1]
		if s.focusSeen[alias] {
			continue
		}
		if _, ok := s.chunks[alias]; !ok {
			continue
		}
		s.focusSeen[alias] = true
		s.focusAliases = append(s.focusAliases, alias)
	}
	for _, m := range memTokenRe.FindAllStringSubmatch(text, -1) {
		memID := m[1]
		key := "mem:" + memID
		if s.focusSeen[key] {
			continue
		}
		if _, ok := s.memories[memID]; !ok {
			continue
		}
		s.focusSeen[key] = true
		s.focusMems = append(s.focusMems, memID)
	}
}

// FocusAliases returns aliases cited or reopened so far, first-seen order.
func (s *Session) FocusAliases() []string { return s.focusAliases }

// FocusMemoryIDs returns memory ids cited so far, first-seen order.
func (s *Session) FocusMemoryIDs() []string { return s.focusMems }

// commitExchange appends one successful prompt/reply pair to the shared
// history and trims it. Failed parse attempts never reach here.
func (s *Session) commitExchange(prompt, reply string) {
	s.history = append(s.history,
		llm.Message{Role: "user", Content: prompt},
		llm.Message{Role: "assistant", Content: reply},
	)
	s.trimHistory()
}

// trimHistory keeps the pinned first message plus the most recent
// 2*MaxRounds messages. The first message carries the original request and
// must survive every trim.
func (s *Session) trimHistory() {
	if s.Config.MaxRounds <= 0 || len(s.history) <= 1 {
		return
	}
	keep := 2 * s.Config.MaxRounds
	tail := s.history[1:]
	if len(tail) <= keep {
		return
	}
	trimmed := make([]llm.Message, 0, keep+1)
	trimmed = append(trimmed, s.history[0])
	trimmed = append(trimmed, tail[len(tail)-keep:]...)
	s.history = trimmed
}

// checkCanceled consults the cancel checker and returns ErrCanceled when a
// request is pending.
func (s *Session) checkCanceled(ctx context.Context) error {
	if s.Cancel == nil {
		return nil
	}
	canceled, err := s.Cancel(ctx)
	if err != nil {
		return fmt.Errorf("recap: check cancellation: %w", err)
	}
	if canceled {
		return ErrCanceled
	}
	return nil
}
