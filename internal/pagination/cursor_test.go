package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 8, 12, 9, 45, 0, 0, time.UTC)
	token := Cursor{CreatedAt: ts, ID: "trd_9f2c"}.Encode()
	require.NotEmpty(t, token)

	got, err := Decode(token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ts, got.CreatedAt)
	assert.Equal(t, "trd_9f2c", got.ID)
}

func TestDecodeEmptyMeansStart(t *testing.T) {
	got, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, token := range []string{
		"!!not base64!!",
		"bm9zZXBhcmF0b3I=", // "noseparator"
		"eHx0cmRfMQ==",     // "x|trd_1", non-numeric timestamp
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrBadCursor, "token %q", token)
	}
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), s
	}

	// Fewer rows than the limit: single page, no cursor.
	page, next, more := ComputePage([]string{"trd_1", "trd_2"}, 5, key)
	assert.Len(t, page, 2)
	assert.Empty(t, next)
	assert.False(t, more)

	// Exactly the limit: still the last page.
	page, next, more = ComputePage([]string{"trd_1", "trd_2", "trd_3"}, 3, key)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	// Over-fetched row signals another page; the cursor points at the last
	// row kept.
	page, next, more = ComputePage([]string{"trd_1", "trd_2", "trd_3", "trd_4"}, 3, key)
	assert.Len(t, page, 3)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "trd_3", c.ID)
}
