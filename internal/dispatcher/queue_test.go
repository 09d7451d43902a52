package dispatcher

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ticketarc/ticketarc/internal/ingress"
)

func TestQueue_SubmitAndProcess(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	q, err := OpenQueue(QueueOptions{DBPath: filepath.Join(dir, "queue.db"), PollInterval: 10 * time.Millisecond}, proc)
	if err != nil {
		t.Fatalf("OpenQueue() error: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 2)

	if err := q.Submit(ingress.Job{TicketID: 42, RequestID: "req-1"}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for proc.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the queued job to be processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if proc.processed[0].TicketID != 42 {
		t.Errorf("expected ticket id 42, got %d", proc.processed[0].TicketID)
	}

	q.Stop(context.Background(), time.Second)
}

func TestQueue_FailedJobMovesToDeadLetterAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{err: errors.New("boom")}
	q, err := OpenQueue(QueueOptions{
		DBPath:       filepath.Join(dir, "queue.db"),
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  2,
	}, proc)
	if err != nil {
		t.Fatalf("OpenQueue() error: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 1)

	if err := q.Submit(ingress.Job{TicketID: 7}); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		var status string
		row := q.db.QueryRow(`SELECT status FROM queue_jobs WHERE ticket_id = 7`)
		if scanErr := row.Scan(&status); scanErr == nil && status == "dead" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the job to reach the dead-letter table")
		case <-time.After(20 * time.Millisecond):
		}
	}

	var count int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM queue_dead_letters WHERE ticket_id = 7`).Scan(&count); err != nil {
		t.Fatalf("dead-letter query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one dead-letter row, got %d", count)
	}

	q.Stop(context.Background(), time.Second)
}

func TestQueue_SubmitRejectedAfterShutdown(t *testing.T) {
	dir := t.TempDir()
	proc := &fakeProcessor{}
	q, err := OpenQueue(QueueOptions{DBPath: filepath.Join(dir, "queue.db")}, proc)
	if err != nil {
		t.Fatalf("OpenQueue() error: %v", err)
	}
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx, 1)
	q.Stop(context.Background(), time.Second)

	if err := q.Submit(ingress.Job{TicketID: 1}); err != ingress.ErrShuttingDown {
		t.Fatalf("expected ErrShuttingDown after Stop, got %v", err)
	}
}
