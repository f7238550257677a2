package exam

import (
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/pavelanni/gramportal/internal/model"
)

// Selector draws the questions a student sees.
type Selector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSelector returns a selector using rng, or a randomly seeded source when rng is nil.
func NewSelector(rng *rand.Rand) *Selector {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Selector{rng: rng}
}

// Draw returns min(k, len(pool)) distinct questions in random order.
// k <= 0 draws the whole pool. A pool smaller than k is served as is.
func (s *Selector) Draw(pool []model.Question, k int) []model.Question {
	out := slices.Clone(pool)
	s.mu.Lock()
	s.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	s.mu.Unlock()

	if k > len(out) {
		slog.Warn("question pool smaller than requested", "requested", k, "available", len(out))
	}
	if k <= 0 || k >= len(out) {
		return out
	}
	return out[:k]
}
