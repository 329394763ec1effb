package recap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crucible-ai/crucible/internal/kb"
	"github.com/crucible-ai/crucible/internal/model"
)

func newTestSession() *Session {
	return &Session{
		RunID:       "run_test",
		UserRequest: "UiO-66 with high surface area",
		Config: Config{
			AliasPrefix: "C",
			MaxRounds:   2,
		},
	}
}

func TestRegisterChunkStableAliases(t *testing.T) {
	s := newTestSession()

	a1 := s.RegisterChunk(kb.Result{Ref: "kb:kb_principles:aaaa", Content: "one"})
	a2 := s.RegisterChunk(kb.Result{Ref: "kb:kb_principles:bbbb", Content: "two"})
	assert.Equal(t, "C1", a1)
	assert.Equal(t, "C2", a2)

	// Re-registering the same ref reuses the alias instead of minting a new one.
	again := s.RegisterChunk(kb.Result{Ref: "kb:kb_principles:aaaa", Content: "one"})
	assert.Equal(t, "C1", again)
	assert.Equal(t, []string{"C1", "C2"}, s.Aliases())

	chunk, ok := s.ResolveAlias("C2")
	require.True(t, ok)
	assert.Equal(t, "two", chunk.Content)

	_, ok = s.ResolveAlias("C99")
	assert.False(t, ok)
}

func TestRegisterMemoryOrder(t *testing.T) {
	s := newTestSession()

	s.RegisterMemory(model.MemoryItem{ID: "m1", Content: "first"})
	s.RegisterMemory(model.MemoryItem{ID: "m2", Content: "second"})
	s.RegisterMemory(model.MemoryItem{ID: "m1", Content: "first updated"})

	assert.Equal(t, []string{"m1", "m2"}, s.MemoryIDs())
	item, ok := s.LookupMemory("m1")
	require.True(t, ok)
	assert.Equal(t, "first updated", item.Content)
}

func TestHarvestFocusResolvableOnly(t *testing.T) {
	s := newTestSession()
	s.RegisterChunk(kb.Result{Ref: "ref-a"}) // C1
	s.RegisterChunk(kb.Result{Ref: "ref-b"}) // C2
	s.RegisterMemory(model.MemoryItem{ID: "6f1a9b2c-0000-0000-0000-000000000001"})

	s.harvestFocus("Grounded in [C2] and [C1], see also [C9] and mem:6f1a9b2c-0000-0000-0000-000000000001 plus mem:deadbeef-0000-0000-0000-000000000002.")

	// First-seen order, unknown tokens dropped.
	assert.Equal(t, []string{"C2", "C1"}, s.FocusAliases())
	assert.Equal(t, []string{"6f1a9b2c-0000-0000-0000-000000000001"}, s.FocusMemoryIDs())

	// Repeats do not duplicate.
	s.harvestFocus("[C1] again")
	assert.Equal(t, []string{"C2", "C1"}, s.FocusAliases())
}

func TestTrimHistoryKeepsPinnedFirst(t *testing.T) {
	s := newTestSession() // MaxRounds=2, so 4 tail messages survive

	s.commitExchange("original request", "plan")
	for i := 0; i < 5; i++ {
		s.commitExchange(fmt.Sprintf("prompt %d", i), fmt.Sprintf("reply %d", i))
	}

	require.Len(t, s.history, 5)
	assert.Equal(t, "original request", s.history[0].Content)
	assert.Equal(t, "prompt 4", s.history[3].Content)
	assert.Equal(t, "reply 4", s.history[4].Content)
}

func TestTrimHistoryDisabled(t *testing.T) {
	s := newTestSession()
	s.Config.MaxRounds = 0

	for i := 0; i < 10; i++ {
		s.commitExchange("p", "r")
	}
	assert.Len(t, s.history, 20)
}
