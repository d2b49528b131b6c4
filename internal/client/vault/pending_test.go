package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPendingStore_OneShot(t *testing.T) {
	clk := newClock()
	s := newPendingStore(pendingTTL, clk.Now)

	s.put("st", pendingAuth{verifier: "v", returnPath: "/x", createdAt: clk.Now()})

	p, ok := s.take("st")
	assert.True(t, ok)
	assert.Equal(t, "v", p.verifier)

	_, ok = s.take("st")
	assert.False(t, ok)
}

func TestPendingStore_ExpiresAndPrunes(t *testing.T) {
	clk := newClock()
	s := newPendingStore(pendingTTL, clk.Now)

	s.put("old", pendingAuth{createdAt: clk.Now()})
	clk.Advance(pendingTTL + time.Second)

	_, ok := s.take("old")
	assert.False(t, ok)

	s.put("a", pendingAuth{createdAt: clk.Now()})
	s.put("b", pendingAuth{createdAt: clk.Now()})
	clk.Advance(pendingTTL + time.Second)
	s.put("c", pendingAuth{createdAt: clk.Now()})

	assert.Equal(t, 1, s.len(), "expired entries are pruned on put")
}
