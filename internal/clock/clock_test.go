package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvisionalIDUnique(t *testing.T) {
	a := NewProvisionalID()
	b := NewProvisionalID()

	require.NotEqual(t, a, b)
	assert.True(t, IsProvisionalID(a))
	assert.False(t, IsProvisionalID("m1"))
}

func TestEpochMillisNormalizesRepresentations(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	want := at.UnixMilli()

	assert.Equal(t, want, EpochMillis(at))
	assert.Equal(t, want, EpochMillis(want))
	assert.Equal(t, want, EpochMillis(float64(want)))
	assert.Equal(t, want, EpochMillis(at.Format(time.RFC3339)))
	assert.Equal(t, want, EpochMillis(at.Unix()), "unix seconds widen to millis")
}

func TestEpochMillisMalformedSortsOldest(t *testing.T) {
	assert.Equal(t, int64(0), EpochMillis(nil))
	assert.Equal(t, int64(0), EpochMillis(""))
	assert.Equal(t, int64(0), EpochMillis("not a time"))
	assert.Equal(t, int64(0), EpochMillis(time.Time{}))
	assert.Equal(t, int64(0), EpochMillis(int64(-5)))
	assert.Equal(t, int64(0), EpochMillis(struct{}{}))
}
