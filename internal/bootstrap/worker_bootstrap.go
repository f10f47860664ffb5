package bootstrap

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"knowledgetree/config"
	"knowledgetree/core/port/in"
)

// Worker is the scheduling half of the worker process: it
// periodically sweeps every account with
// a live Gmail connection and triggers a pipeline run for it, so mail
// that arrived since the last sweep gets picked up without an operator
// calling the HTTP trigger by hand. One run per account is kept
// in-flight at a time; a sweep skips an account whose previous run
// hasn't reached a terminal state yet.
type Worker struct {
	deps *Dependencies
	cfg  *config.Config
	log  zerolog.Logger

	interval time.Duration
	sem      chan struct{}

	mu      sync.Mutex
	running map[string]bool // accountID.String() -> sweep in flight

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker wires the same Dependencies the API uses around a
// scheduler loop instead of an HTTP router.
func NewWorker(cfg *config.Config) (*Worker, func(), error) {
	deps, cleanup, err := NewDependencies(cfg)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, func() {}, err
	}

	concurrency := cfg.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		With().Timestamp().Str("component", "worker").Logger()

	w := &Worker{
		deps:     deps,
		cfg:      cfg,
		log:      zlog,
		interval: schedulerInterval(cfg),
		sem:      make(chan struct{}, concurrency),
		running:  make(map[string]bool),
		done:     make(chan struct{}),
	}
	return w, cleanup, nil
}

// schedulerInterval derives the sweep period from the Job Supervisor's
// own poll cadence (twelve times it); there is no separate tunable for
// it, since both describe how fresh the worker's view of pipeline state
// needs to be.
func schedulerInterval(cfg *config.Config) time.Duration {
	sec := cfg.JobPollIntervalSec
	if sec <= 0 {
		sec = 5
	}
	// A sweep is much coarser-grained than a status poll: re-running the
	// pipeline on every JobPollInterval would mostly find nothing new.
	return time.Duration(sec) * time.Second * 12
}

// Start runs the scheduler loop until Stop is called. Blocking: the
// caller is expected to run it on main.go's goroutine directly (as
// -mode=worker does) or behind a `go` (as -mode=all does).
func (w *Worker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	defer close(w.done)

	w.log.Info().Dur("interval", w.interval).Msg("scheduler started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// Stop requests the scheduler loop exit and waits for it to do so.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// sweep lists every connected account and fires a pipeline run for
// each one not already mid-run, bounded by the worker's concurrency.
func (w *Worker) sweep(ctx context.Context) {
	conns, err := w.deps.OAuthRepo.ListConnected(ctx)
	if err != nil {
		w.log.Warn().Err(err).Msg("list connected accounts failed")
		return
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		accountID := conn.AccountID
		key := accountID.String()

		w.mu.Lock()
		if w.running[key] {
			w.mu.Unlock()
			continue
		}
		w.running[key] = true
		w.mu.Unlock()

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			w.mu.Lock()
			delete(w.running, key)
			w.mu.Unlock()
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				<-w.sem
				w.mu.Lock()
				delete(w.running, key)
				w.mu.Unlock()
			}()
			w.runOne(ctx, accountID)
		}()
	}
	wg.Wait()
}

func (w *Worker) runOne(ctx context.Context, accountID uuid.UUID) {
	jobID, err := w.deps.Supervisor.RunPipeline(ctx, accountID, in.RunOptions{})
	if err != nil {
		w.log.Warn().Err(err).Stringer("account", accountID).Msg("scheduled run failed to start")
		return
	}
	w.log.Info().Str("job", jobID).Stringer("account", accountID).Msg("scheduled pipeline run")

	// Hold this account's slot until the run reaches a terminal state,
	// so the next sweep doesn't stack a second run on top of it.
	ch, err := w.deps.Supervisor.Watch(ctx, jobID)
	if err != nil {
		w.log.Warn().Err(err).Str("job", jobID).Msg("watch failed")
		return
	}
	for range ch {
	}
}
