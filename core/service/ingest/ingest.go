// Package ingest implements the Message Ingester: a bidirectional
// per-contact fetch that upserts Messages and derives Threads.
// Contacts are fetched concurrently under a bounded semaphore.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"knowledgetree/core/domain"
	"knowledgetree/core/port/out"
	"knowledgetree/pkg/apperr"
	"knowledgetree/pkg/logger"
)

// Config carries the ingest tunables.
type Config struct {
	WindowDays        int
	ConcurrentFetches int // concurrent per-contact page fetches
}

func NewConfig(windowDays, concurrentFetches int) Config {
	if windowDays <= 0 {
		windowDays = 365
	}
	if concurrentFetches <= 0 {
		concurrentFetches = 4
	}
	return Config{WindowDays: windowDays, ConcurrentFetches: concurrentFetches}
}

// Cursor is the per-address bookmark that makes re-runs incremental.
type Cursor struct {
	Address string
	Since   time.Time
}

// Result is one contact's ingest outcome.
type Result struct {
	Address      string
	MessageCount int
	Err          error
}

// Summary aggregates the whole run.
type Summary struct {
	Results     []Result
	Messages    []domain.Message
	NextCursors []Cursor
}

// Run fetches every contact's messages concurrently (bounded by
// cfg.ConcurrentFetches), upserts them via store.UpsertMessage
// (idempotent by (account, external id)), and returns the next cursor per
// address for the following incremental run. A single contact's
// transport failure does not abort the others; it's recorded in
// Result.Err and surfaced by the caller as a partial-ingest warning,
// not a phase failure, since the other contacts' messages are still useful
// partial state.
func Run(ctx context.Context, source out.MailSource, store out.Store, accountID uuid.UUID, contacts []domain.Contact, cursors map[string]time.Time, cfg Config) (*Summary, error) {
	sem := make(chan struct{}, cfg.ConcurrentFetches)
	var wg sync.WaitGroup
	var mu sync.Mutex
	summary := &Summary{}

	for _, c := range contacts {
		c := c
		since := time.Now().AddDate(0, 0, -cfg.WindowDays)
		if cur, ok := cursors[c.Address]; ok && cur.After(since) {
			since = cur
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			select {
			case <-ctx.Done():
				mu.Lock()
				summary.Results = append(summary.Results, Result{Address: c.Address, Err: ctx.Err()})
				mu.Unlock()
				return
			default:
			}

			msgs, fetchErr := fetchAndUpsert(ctx, source, store, accountID, c.Address, since)

			mu.Lock()
			defer mu.Unlock()
			if fetchErr != nil {
				logger.Warn("[ingest] contact %s failed: %v", c.Address, fetchErr)
				summary.Results = append(summary.Results, Result{Address: c.Address, Err: fetchErr})
				return
			}
			summary.Results = append(summary.Results, Result{Address: c.Address, MessageCount: len(msgs)})
			summary.Messages = append(summary.Messages, msgs...)
			newCursor := since
			for _, m := range msgs {
				if m.Timestamp.After(newCursor) {
					newCursor = m.Timestamp
				}
			}
			summary.NextCursors = append(summary.NextCursors, Cursor{Address: c.Address, Since: newCursor})
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return summary, apperr.Cancelled("message ingest cancelled")
	}
	return summary, nil
}

func fetchAndUpsert(ctx context.Context, source out.MailSource, store out.Store, accountID uuid.UUID, address string, since time.Time) ([]domain.Message, error) {
	msgs, errs := source.ListWith(ctx, accountID, address, since)
	var upserted []domain.Message
drain:
	for {
		select {
		case m, ok := <-msgs:
			if !ok {
				break drain
			}
			id, err := store.UpsertMessage(ctx, m)
			if err != nil {
				return upserted, apperr.StoreConflict(err)
			}
			m.ID = id
			upserted = append(upserted, m)
		case <-ctx.Done():
			return upserted, ctx.Err()
		}
	}
	select {
	case err, ok := <-errs:
		if ok && err != nil {
			return upserted, apperr.MailSourceUnavailable(err)
		}
	default:
	}
	return upserted, nil
}

// DeriveThreads regenerates Threads from a batch of messages; threads
// are derived, never stored as a source of truth.
func DeriveThreads(messages []domain.Message) map[string]*domain.Thread {
	return domain.BuildThreads(messages)
}
