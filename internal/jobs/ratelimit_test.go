package jobs

import (
	"testing"
	"time"

	"github.com/smsgate/smsgate/internal/testutil"
)

func TestTokenBucketCapsStartsPerPeriod(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newTokenBucket(6, 60*time.Second)
	b.now = func() time.Time { return now }

	for i := 0; i < 6; i++ {
		testutil.True(t, b.take(), "start %d should be allowed", i+1)
	}
	testutil.False(t, b.take())

	// The window slides: one second after the first start ages out,
	// one slot frees up.
	now = now.Add(61 * time.Second)
	testutil.True(t, b.take())
	testutil.False(t, b.take())
}

func TestTokenBucketPutReleasesReservation(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := newTokenBucket(1, 60*time.Second)
	b.now = func() time.Time { return now }

	testutil.True(t, b.take())
	testutil.False(t, b.take())

	// An empty claim returns its token; the slot is reusable at once.
	b.put()
	testutil.True(t, b.take())
}
