package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{30, 10 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, b.Delay(tc.n), "n=%d", tc.n)
	}
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 5 * time.Second, Jitter: 0.1}
	for i := 0; i < 200; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 2200*time.Millisecond)
		assert.LessOrEqual(t, b.Delay(10), 5*time.Second)
	}
}

func TestRetentionFor(t *testing.T) {
	r := DefaultRetention
	assert.Equal(t, 7*24*time.Hour, r.For("completed"))
	assert.Equal(t, 30*24*time.Hour, r.For("failed"))
	assert.Equal(t, 7*24*time.Hour, r.For("cancelled"))
	assert.Equal(t, 14*24*time.Hour, r.For("created"))
}
