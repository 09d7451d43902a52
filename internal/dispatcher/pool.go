// Package dispatcher implements a single scheduling interface with two
// implementations: an in-process worker pool (this file) and a
// SQLite-backed external-queue adapter (queue.go). The pool runs a
// stopCh/doneCh pair around a fixed number of worker goroutines, using
// golang.org/x/sync/errgroup for the fan-out and drain barrier.
package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ticketarc/ticketarc/internal/ingress"
	"github.com/ticketarc/ticketarc/internal/orchestrator"
)

// Processor is the narrow interface the pool needs from the orchestrator,
// so tests can substitute a fake.
type Processor interface {
	Process(ctx context.Context, job orchestrator.Job) error
}

// Pool is the in-process dispatcher: a bounded channel feeding a fixed
// number of worker goroutines. Submissions over the queue's capacity are
// rejected rather than blocking the HTTP handler; backpressure is implicit.
type Pool struct {
	processor      Processor
	maxConcurrency int
	queue          chan ingress.Job

	// closeMu guards the shutdown transition: Submit holds the read lock
	// for the duration of its send so Stop cannot close the queue out from
	// under an in-flight send (which would panic).
	closeMu      sync.RWMutex
	shuttingDown bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	cancel       context.CancelFunc
}

// NewPool builds an in-process dispatcher. queueSize bounds how many
// accepted-but-not-yet-started jobs may be buffered before Submit starts
// rejecting with ingress.ErrShuttingDown.
func NewPool(processor Processor, maxConcurrency, queueSize int) *Pool {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Pool{
		processor:      processor,
		maxConcurrency: maxConcurrency,
		queue:          make(chan ingress.Job, queueSize),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
}

// Start launches the worker goroutines. It returns immediately; workers
// run until Stop is called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.maxConcurrency; i++ {
		g.Go(func() error {
			p.run(ctx)
			return nil
		})
	}
	go func() {
		g.Wait()
		close(p.doneCh)
	}()
}

func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.processor.Process(ctx, orchestrator.Job{
				TicketID:          job.TicketID,
				RequestID:         job.RequestID,
				DeliveryID:        job.DeliveryID,
				SkipDeliveryDedup: job.SkipDeliveryDedup,
			}); err != nil {
				log.Printf("[dispatcher] job_failed ticket_id=%d err=%v", job.TicketID, err)
			}
		}
	}
}

// Submit implements ingress.Scheduler. It never blocks: a full queue or a
// pool in drain is reported as ingress.ErrShuttingDown so the ingress
// layer can respond 503.
func (p *Pool) Submit(job ingress.Job) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.shuttingDown {
		return ingress.ErrShuttingDown
	}
	select {
	case p.queue <- job:
		return nil
	default:
		return ingress.ErrShuttingDown
	}
}

// ShuttingDown reports whether the pool is draining, for the ingress
// layer's /jobs and /ingest "shutting_down" responses.
func (p *Pool) ShuttingDown() bool {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	return p.shuttingDown
}

// Stop stops accepting new work and waits up to drainTimeout for
// in-flight jobs to finish, then force-stops: workers take no further
// jobs and the context of running jobs is cancelled. Closing the queue is
// serialised against Submit via
// closeMu so a webhook arriving mid-shutdown can never send on a queue
// that Stop has already closed.
func (p *Pool) Stop(drainTimeout time.Duration) {
	p.closeMu.Lock()
	p.shuttingDown = true
	close(p.queue)
	p.closeMu.Unlock()

	select {
	case <-p.doneCh:
	case <-time.After(drainTimeout):
		log.Printf("[dispatcher] drain_timeout exceeded=%s", drainTimeout)
		close(p.stopCh)
		if p.cancel != nil {
			p.cancel()
		}
		<-p.doneCh
	}
}
