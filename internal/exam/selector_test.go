package exam

import (
	"math/rand/v2"
	"testing"
)

func TestSelectorDraw(t *testing.T) {
	pool := makeQuestions(20)
	s := NewSelector(rand.New(rand.NewPCG(1, 2)))

	tests := []struct {
		name string
		pool int
		k    int
		want int
	}{
		{"k smaller than pool", 20, 5, 5},
		{"k equals pool", 20, 20, 20},
		{"pool shortfall", 3, 5, 3},
		{"zero means all", 20, 0, 20},
		{"empty pool", 0, 5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Draw(pool[:tt.pool], tt.k)
			if len(got) != tt.want {
				t.Fatalf("expected %d questions, got %d", tt.want, len(got))
			}
			seen := map[int64]bool{}
			for _, q := range got {
				if seen[q.ID] {
					t.Fatalf("duplicate question %d", q.ID)
				}
				seen[q.ID] = true
			}
		})
	}
}

func TestSelectorDoesNotMutatePool(t *testing.T) {
	pool := makeQuestions(10)
	NewSelector(nil).Draw(pool, 4)
	for i, q := range pool {
		if q.ID != int64(i+1) {
			t.Fatalf("pool reordered at %d: %d", i, q.ID)
		}
	}
}

func TestSelectorShuffles(t *testing.T) {
	pool := makeQuestions(20)
	s := NewSelector(rand.New(rand.NewPCG(3, 4)))
	first := s.Draw(pool, 0)
	inOrder := true
	for i, q := range first {
		if q.ID != pool[i].ID {
			inOrder = false
			break
		}
	}
	if inOrder {
		t.Error("expected a shuffled order")
	}

	// Same seed, same draw.
	a := NewSelector(rand.New(rand.NewPCG(9, 9))).Draw(pool, 5)
	b := NewSelector(rand.New(rand.NewPCG(9, 9))).Draw(pool, 5)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("draws differ at %d", i)
		}
	}
}
