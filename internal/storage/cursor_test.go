package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589000, time.UTC)
	tok := EncodeCursor(Cursor{CreatedAt: at, ID: "run_abc123"})

	got, err := DecodeCursor(tok)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "run_abc123", got.ID)
	assert.True(t, got.CreatedAt.Equal(at.Truncate(time.Microsecond)))
}

func TestDecodeCursorEmpty(t *testing.T) {
	got, err := DecodeCursor("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeCursorMalformed(t *testing.T) {
	for _, tok := range []string{"not-base64!!", "bm9jb2xvbg", "OjEyMw", "YWJjOg"} {
		_, err := DecodeCursor(tok)
		assert.ErrorIs(t, err, ErrBadCursor, "token %q", tok)
	}
}

func TestAliasOrdering(t *testing.T) {
	assert.True(t, aliasLess("C2", "C10"))
	assert.False(t, aliasLess("C10", "C2"))
	assert.True(t, aliasLess("C1", "C2"))
	assert.True(t, aliasLess("B9", "C1"))
	assert.False(t, aliasLess("C1", "C1"))
}
