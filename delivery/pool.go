package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hyperraft/ledger/clock"
	"github.com/hyperraft/ledger/config"
)

// Pool runs cfg.DeliveryWorkerPoolSize Workers, each responsible for
// the partitions assigned to it round-robin over cfg.DeliveryPartitions
// (spec.md §5: "a worker pool for the Delivery Queue, parallelism =
// configured, typically one per CPU").
type Pool struct {
	workers []*Worker
	owned   [][]int
	idle    time.Duration
	wg      sync.WaitGroup
}

// NewPool builds a Pool over queue using webhooks to resolve signing
// secrets.
func NewPool(queue *Queue, webhooks WebhookLookup, clk clock.Clock, cfg *config.Config, logger zerolog.Logger) *Pool {
	p := &Pool{idle: 25 * time.Millisecond}
	for i := 0; i < cfg.DeliveryWorkerPoolSize; i++ {
		w := NewWorker(fmt.Sprintf("worker-%d", i), queue, webhooks, clk, cfg, logger)
		p.workers = append(p.workers, w)
		p.owned = append(p.owned, nil)
	}
	for partition := 0; partition < cfg.DeliveryPartitions; partition++ {
		owner := partition % len(p.workers)
		p.owned[owner] = append(p.owned[owner], partition)
	}
	return p
}

// Start launches every worker's Run loop over its owned partitions
// and returns immediately; call Stop to wait for shutdown.
func (p *Pool) Start(ctx context.Context) {
	for i, w := range p.workers {
		for _, partition := range p.owned[i] {
			w, partition := w, partition
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				w.Run(ctx, partition, p.idle)
			}()
		}
	}
}

// Stop blocks until every worker goroutine has exited. Callers must
// cancel the context passed to Start first.
func (p *Pool) Stop() {
	p.wg.Wait()
}
