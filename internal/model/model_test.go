package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID(t *testing.T) {
	id := NewID("run")
	assert.True(t, strings.HasPrefix(id, "run_"))
	assert.Len(t, id, len("run_")+32)
	assert.NotEqual(t, id, NewID("run"))

	hex := strings.TrimPrefix(id, "run_")
	assert.NotContains(t, hex, "-")
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCanceled.Terminal())
}

func TestValidMemoryRole(t *testing.T) {
	assert.True(t, ValidMemoryRole("global"))
	assert.True(t, ValidMemoryRole("orchestrator"))
	assert.False(t, ValidMemoryRole("admin"))
	assert.False(t, ValidMemoryRole(""))
}
