package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("history: circuit open")

type BreakerOptions struct {
	Threshold int // failures within Window that open the circuit
	Window    time.Duration
	OpenFor   time.Duration
}

// Guarded stops calling a failing store for a while. Appends run on the
// sender's read path, so a dead archive must fail fast instead of costing
// a timeout per chat frame.
type Guarded struct {
	Store
	opt BreakerOptions
	now func() time.Time

	mu        sync.Mutex
	failCount int
	firstFail time.Time
	openUntil time.Time
}

func NewGuarded(s Store, opt BreakerOptions) *Guarded {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Guarded{Store: s, opt: opt, now: time.Now}
}

func (g *Guarded) Append(ctx context.Context, sender, recipient string, ciphertext json.RawMessage) error {
	if !g.allow() {
		return ErrCircuitOpen
	}
	err := g.Store.Append(ctx, sender, recipient, ciphertext)
	if err != nil {
		g.failure()
		return err
	}
	g.success()
	return nil
}

func (g *Guarded) allow() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.openUntil.IsZero() || !g.now().Before(g.openUntil)
}

func (g *Guarded) success() {
	g.mu.Lock()
	g.failCount, g.firstFail, g.openUntil = 0, time.Time{}, time.Time{}
	g.mu.Unlock()
}

// failure reports whether this failure opened the circuit.
func (g *Guarded) failure() (opened bool) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failCount == 0 || now.Sub(g.firstFail) > g.opt.Window {
		g.failCount, g.firstFail, g.openUntil = 1, now, time.Time{}
	} else {
		g.failCount++
	}
	if g.failCount >= g.opt.Threshold {
		g.openUntil = now.Add(g.opt.OpenFor)
		return true
	}
	return false
}
