package dispatcher

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ticketarc/ticketarc/internal/ingress"
	"github.com/ticketarc/ticketarc/internal/orchestrator"
)

//go:embed schema.sql
var schema string

// Queue is the external-queue ingress.Scheduler implementation: a
// SQLite-backed job table whose pending rows are claimed one at a time by
// status, pulled by long-lived workers, with a
// dead-letter table for deliveries that exhaust MaxAttempts. It reuses the
// same modernc.org/sqlite wiring as the idempotency store's durable
// backend.
type Queue struct {
	db          *sql.DB
	processor   Processor
	consumerID  string
	maxAttempts int
	pollEvery   time.Duration

	shuttingDown atomic.Bool
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// QueueOptions configures a Queue dispatcher.
type QueueOptions struct {
	DBPath         string
	MaxConcurrency int
	MaxAttempts    int
	PollInterval   time.Duration
}

// OpenQueue opens (creating if needed) the SQLite-backed queue database
// and applies its schema.
func OpenQueue(opts QueueOptions, processor Processor) (*Queue, error) {
	db, err := sql.Open("sqlite", opts.DBPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("dispatcher: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dispatcher: apply schema: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	pollEvery := opts.PollInterval
	if pollEvery <= 0 {
		pollEvery = 500 * time.Millisecond
	}

	return &Queue{
		db:          db,
		processor:   processor,
		consumerID:  uuid.NewString(),
		maxAttempts: maxAttempts,
		pollEvery:   pollEvery,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Submit implements ingress.Scheduler by enqueueing a row.
func (q *Queue) Submit(job ingress.Job) error {
	if q.shuttingDown.Load() {
		return ingress.ErrShuttingDown
	}
	skip := 0
	if job.SkipDeliveryDedup {
		skip = 1
	}
	_, err := q.db.Exec(
		`INSERT INTO queue_jobs (ticket_id, request_id, delivery_id, skip_delivery_dedup, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		job.TicketID, job.RequestID, job.DeliveryID, skip, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: enqueue: %w", err)
	}
	return nil
}

// Start launches maxConcurrency long-lived consumer goroutines pulling
// from the shared queue table.
func (q *Queue) Start(ctx context.Context, maxConcurrency int) {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	var running atomic.Int32
	running.Store(int32(maxConcurrency))
	for i := 0; i < maxConcurrency; i++ {
		go func() {
			defer func() {
				if running.Add(-1) == 0 {
					close(q.doneCh)
				}
			}()
			q.consume(ctx)
		}()
	}
}

func (q *Queue) consume(ctx context.Context) {
	ticker := time.NewTicker(q.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// drainOnce claims and processes pending rows one at a time until none is
// left; consume calls it on every poll tick.
func (q *Queue) drainOnce(ctx context.Context) {
	for {
		job, attempts, rowID, ok := q.claimOne()
		if !ok {
			return
		}
		err := q.processor.Process(ctx, orchestrator.Job{
			TicketID:          job.TicketID,
			RequestID:         job.RequestID,
			DeliveryID:        job.DeliveryID,
			SkipDeliveryDedup: job.SkipDeliveryDedup,
		})
		if err != nil {
			q.handleFailure(rowID, attempts, job, err)
			continue
		}
		q.markDone(rowID)
	}
}

func (q *Queue) claimOne() (job ingress.Job, attempts int, rowID int64, ok bool) {
	tx, err := q.db.Begin()
	if err != nil {
		log.Printf("[dispatcher] queue_claim_begin_failed err=%v", err)
		return job, 0, 0, false
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT id, ticket_id, request_id, delivery_id, skip_delivery_dedup, attempts
		FROM queue_jobs WHERE status = 'pending' ORDER BY id LIMIT 1`)

	var skip int
	if err := row.Scan(&rowID, &job.TicketID, &job.RequestID, &job.DeliveryID, &skip, &attempts); err != nil {
		return job, 0, 0, false
	}
	job.SkipDeliveryDedup = skip != 0

	if _, err := tx.Exec(`UPDATE queue_jobs SET status = 'claimed', claimed_by = ?, claimed_at = ?, attempts = attempts + 1
		WHERE id = ?`, q.consumerID, time.Now().Unix(), rowID); err != nil {
		log.Printf("[dispatcher] queue_claim_update_failed err=%v", err)
		return job, 0, 0, false
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[dispatcher] queue_claim_commit_failed err=%v", err)
		return job, 0, 0, false
	}
	return job, attempts + 1, rowID, true
}

func (q *Queue) markDone(rowID int64) {
	if _, err := q.db.Exec(`UPDATE queue_jobs SET status = 'done' WHERE id = ?`, rowID); err != nil {
		log.Printf("[dispatcher] queue_mark_done_failed id=%d err=%v", rowID, err)
	}
}

// handleFailure requeues a job for retry, or moves it to the dead-letter
// table after MaxAttempts is exhausted.
func (q *Queue) handleFailure(rowID int64, attempts int, job ingress.Job, cause error) {
	if attempts >= q.maxAttempts {
		tx, err := q.db.Begin()
		if err != nil {
			log.Printf("[dispatcher] queue_deadletter_begin_failed id=%d err=%v", rowID, err)
			return
		}
		defer tx.Rollback()
		if _, err := tx.Exec(
			`INSERT INTO queue_dead_letters (ticket_id, request_id, delivery_id, attempts, last_error, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			job.TicketID, job.RequestID, job.DeliveryID, attempts, cause.Error(), time.Now().Unix(),
		); err != nil {
			log.Printf("[dispatcher] queue_deadletter_insert_failed id=%d err=%v", rowID, err)
			return
		}
		if _, err := tx.Exec(`UPDATE queue_jobs SET status = 'dead' WHERE id = ?`, rowID); err != nil {
			log.Printf("[dispatcher] queue_deadletter_mark_failed id=%d err=%v", rowID, err)
			return
		}
		if err := tx.Commit(); err != nil {
			log.Printf("[dispatcher] queue_deadletter_commit_failed id=%d err=%v", rowID, err)
		}
		return
	}

	if _, err := q.db.Exec(`UPDATE queue_jobs SET status = 'pending' WHERE id = ?`, rowID); err != nil {
		log.Printf("[dispatcher] queue_requeue_failed id=%d err=%v", rowID, err)
	}
}

// ShuttingDown reports whether this dispatcher is draining.
func (q *Queue) ShuttingDown() bool {
	return q.shuttingDown.Load()
}

// Stop stops accepting new submissions, signals the consumer goroutines to
// exit, and waits up to drainTimeout for them to do so. A consumer in the
// middle of a drain pass finishes that pass first; Stop runs no drain pass
// of its own, and rows still pending stay in the table.
func (q *Queue) Stop(ctx context.Context, drainTimeout time.Duration) {
	q.shuttingDown.Store(true)
	close(q.stopCh)

	select {
	case <-q.doneCh:
	case <-time.After(drainTimeout):
		log.Printf("[dispatcher] queue_drain_timeout exceeded=%s", drainTimeout)
	}
}
