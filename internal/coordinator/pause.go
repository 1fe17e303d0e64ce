package coordinator

import (
	"context"
	"sync"
)

// gate blocks the driver at agent boundaries while paused.
type gate struct {
	mu     sync.Mutex
	cond   *sync.Cond
	paused bool
}

func newGate() *gate {
	g := &gate{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *gate) set(paused bool) {
	g.mu.Lock()
	g.paused = paused
	g.mu.Unlock()
	if !paused {
		g.cond.Broadcast()
	}
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// wait returns once the gate is open. There is no timeout; only resuming
// or ending ctx releases a paused driver.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	if g.paused {
		stop := context.AfterFunc(ctx, func() {
			g.mu.Lock()
			g.cond.Broadcast()
			g.mu.Unlock()
		})
		for g.paused && ctx.Err() == nil {
			g.cond.Wait()
		}
		stop()
	}
	g.mu.Unlock()
	return ctx.Err()
}

// Pause stops the run at the next agent boundary.
func (o *Orchestrator) Pause() {
	o.gate.set(true)
	o.log.Info(context.Background(), "coordination paused")
}

// Resume releases a paused run.
func (o *Orchestrator) Resume() {
	o.gate.set(false)
	o.log.Info(context.Background(), "coordination resumed")
}

func (o *Orchestrator) Paused() bool { return o.gate.isPaused() }
