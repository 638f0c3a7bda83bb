package sandbox

import (
	"context"
	"log"
	"sync"
	"time"
)

// PoolConfig configures the pre-warming pool.
type PoolConfig struct {
	// Size is the number of warm sandboxes to maintain (default 2).
	Size int
	// RefillInterval is how often to check and refill the pool (default 10s).
	RefillInterval time.Duration
}

// Pool wraps a Provider and maintains a pool of pre-created sandboxes
// so a user's first message does not pay the provider's cold-start
// latency.
type Pool struct {
	inner  Provider
	config PoolConfig

	mu     sync.Mutex
	warm   []Instance
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pre-warming pool around the given provider.
func NewPool(inner Provider, cfg PoolConfig) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 2
	}
	if cfg.RefillInterval <= 0 {
		cfg.RefillInterval = 10 * time.Second
	}
	return &Pool{inner: inner, config: cfg}
}

// StartPool begins the background refill loop. Call StopPool to shut down.
func (p *Pool) StartPool(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop()
	}()
}

// StopPool stops the refill loop and kills remaining warm sandboxes.
func (p *Pool) StopPool() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, inst := range warm {
		if err := inst.Kill(ctx); err != nil {
			log.Printf("pool: failed to clean up warm sandbox %s: %v", inst.ID(), err)
		}
	}
}

// PoolStats returns the current number of warm sandboxes.
func (p *Pool) PoolStats() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.warm)
}

// Create claims a pre-warmed sandbox if available, or falls back to a
// cold create.
func (p *Pool) Create(ctx context.Context) (Instance, error) {
	if inst := p.claimWarm(); inst != nil {
		log.Printf("pool: claimed pre-warmed sandbox %s", inst.ID())
		return inst, nil
	}
	return p.inner.Create(ctx)
}

// claimWarm pops a sandbox from the warm pool. Returns nil if none
// available.
func (p *Pool) claimWarm() Instance {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.warm) == 0 {
		return nil
	}
	inst := p.warm[0]
	p.warm = p.warm[1:]
	return inst
}

func (p *Pool) refillLoop() {
	p.refill()

	ticker := time.NewTicker(p.config.RefillInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.refill()
		}
	}
}

func (p *Pool) refill() {
	p.mu.Lock()
	deficit := p.config.Size - len(p.warm)
	p.mu.Unlock()

	for i := 0; i < deficit; i++ {
		inst, err := p.inner.Create(p.ctx)
		if err != nil {
			log.Printf("pool: failed to pre-warm sandbox: %v", err)
			return
		}
		p.mu.Lock()
		p.warm = append(p.warm, inst)
		p.mu.Unlock()
		log.Printf("pool: pre-warmed sandbox %s (%d/%d)", inst.ID(), p.PoolStats(), p.config.Size)
	}
}
