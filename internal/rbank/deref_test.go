package rbank

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBudget() DerefBudget {
	return DerefBudget{
		MaxCallsTotal: 10,
		MaxFullCalls:  2,
		MaxCharsTotal: 1000,
		ExcerptChars:  100,
		FullChars:     400,
	}
}

func TestServeExcerpt(t *testing.T) {
	d := &derefState{budget: testBudget()}
	content := strings.Repeat("x", 300)

	out, mode, err := d.serve(content, false)
	require.NoError(t, err)
	assert.Equal(t, "excerpt", mode)
	assert.Equal(t, strings.Repeat("x", 100)+"...", out)
	assert.Equal(t, 103, d.chars)
	assert.Equal(t, 0, d.fullCalls)
}

func TestServeFullDegradesToExcerpt(t *testing.T) {
	d := &derefState{budget: testBudget()}
	content := strings.Repeat("y", 500)

	out, mode, err := d.serve(content, true)
	require.NoError(t, err)
	assert.Equal(t, "full", mode)
	assert.Equal(t, strings.Repeat("y", 400)+"...", out)

	_, mode, err = d.serve(content, true)
	require.NoError(t, err)
	assert.Equal(t, "full", mode)

	// Full-call budget is spent; further full requests degrade to excerpts.
	out, mode, err = d.serve(content, true)
	require.NoError(t, err)
	assert.Equal(t, "excerpt", mode)
	assert.Equal(t, strings.Repeat("y", 100)+"...", out)
}

func TestServeCharBudgetClampsAndExhausts(t *testing.T) {
	d := &derefState{budget: testBudget()}
	d.chars = 960 // only 40 remaining

	out, mode, err := d.serve(strings.Repeat("z", 200), false)
	require.NoError(t, err)
	assert.Equal(t, "excerpt", mode)
	assert.Equal(t, strings.Repeat("z", 40)+"...", out)
	assert.GreaterOrEqual(t, d.chars, d.budget.MaxCharsTotal)

	_, _, err = d.serve("anything", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "character budget")
}

func TestServeShortContentUntouched(t *testing.T) {
	d := &derefState{budget: testBudget()}

	out, mode, err := d.serve("short note", true)
	require.NoError(t, err)
	assert.Equal(t, "full", mode)
	assert.Equal(t, "short note", out)
	assert.Equal(t, len("short note"), d.chars)
}

func TestForbiddenEventType(t *testing.T) {
	assert.True(t, forbiddenEventType("llm_prompt"))
	assert.True(t, forbiddenEventType("rb_llm_extract"))
	assert.False(t, forbiddenEventType("kb_query"))
	assert.False(t, forbiddenEventType("final_output"))
	assert.False(t, forbiddenEventType("rb_source_opened"))
}
