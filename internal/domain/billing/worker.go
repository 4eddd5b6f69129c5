package billing

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// Refresher is the part of Service the worker drives.
type Refresher interface {
	RefreshDue(ctx context.Context, plan Plan, allowance int, now, next time.Time) (int64, error)
}

// Worker replenishes monthly plan allowances for accounts whose
// credits_refresh_at has passed.
type Worker struct {
	refresher  Refresher
	allowances map[Plan]int
	period     time.Duration
	interval   time.Duration
	now        func() time.Time
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewWorker creates a new refresh worker
func NewWorker(refresher Refresher, allowances map[Plan]int, period, interval time.Duration) *Worker {
	if interval == 0 {
		interval = 15 * time.Minute
	}
	if period == 0 {
		period = 30 * 24 * time.Hour
	}
	return &Worker{
		refresher:  refresher,
		allowances: allowances,
		period:     period,
		interval:   interval,
		now:        time.Now,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the background worker
func (w *Worker) Start() {
	log.Info().Dur("interval", w.interval).Msg("Starting credit refresh worker...")
	go w.loop()
}

// Stop signals the loop and waits for the current pass to finish.
func (w *Worker) Stop() {
	log.Info().Msg("Stopping credit refresh worker...")
	close(w.stopCh)
	<-w.doneCh
}

func (w *Worker) loop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.runPass()

	for {
		select {
		case <-ticker.C:
			w.runPass()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := w.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Credit refresh pass failed")
	}
}

// RunOnce refreshes every plan with a positive allowance and returns the
// number of accounts touched. Plans are processed independently; the first
// error is returned after all plans were attempted.
func (w *Worker) RunOnce(ctx context.Context) (int64, error) {
	now := w.now().UTC()
	next := now.Add(w.period)

	plans := make([]Plan, 0, len(w.allowances))
	for plan := range w.allowances {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i] < plans[j] })

	var (
		total    int64
		firstErr error
	)
	for _, plan := range plans {
		allowance := w.allowances[plan]
		if allowance <= 0 {
			continue
		}
		n, err := w.refresher.RefreshDue(ctx, plan, allowance, now, next)
		if err != nil {
			log.Error().Err(err).Str("plan", string(plan)).Msg("Failed to refresh plan credits")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		total += n
	}

	log.Debug().Int64("accounts", total).Msg("Finished credit refresh pass")
	return total, firstErr
}
