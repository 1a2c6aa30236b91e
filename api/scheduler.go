/*
scheduler.go - Nightly penalty and view batch

PURPOSE:
  Periodically recalculates late penalties for every client and rebuilds
  the aggregated view of the current fiscal year, so that bills nobody paid
  still show their growing penalty and any stale cells are healed.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Clients are processed concurrently, bounded by Concurrency (errgroup)
  - Covers policy-file clients and every client with a registered unit
  - A failing client is logged and reported; other clients still run
  - Penalty recalculation is idempotent, so overlapping runs are harmless

CONFIGURATION:
  - Interval:    How often to run (default: 24 hours)
  - Concurrency: Clients processed at once (default: 4)
  - Enabled:     Whether scheduler is active (default: true)

USAGE:
  scheduler := NewNightlyScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerNightly endpoint (manual run)
  - penalty/calculator.go: Recalculate
*/
package api

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/utility-ledger/billing"
	"github.com/warp/utility-ledger/logging"
	"github.com/warp/utility-ledger/penalty"
	"github.com/warp/utility-ledger/service"
)

// NightlyScheduler runs the penalty and view batch on a ticker.
type NightlyScheduler struct {
	Service     *service.Service
	Interval    time.Duration
	Concurrency int
	Enabled     bool

	logger *zap.Logger
	now    func() time.Time

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	tracked map[billing.ClientID]struct{}
}

// NewNightlyScheduler creates a new scheduler.
func NewNightlyScheduler(svc *service.Service, logger *zap.Logger) *NightlyScheduler {
	return &NightlyScheduler{
		Service:     svc,
		Interval:    24 * time.Hour,
		Concurrency: 4,
		Enabled:     true,
		logger:      logging.OrNop(logger).Named("nightly"),
		now:         time.Now,
		tracked:     make(map[billing.ClientID]struct{}),
	}
}

// Track adds a client that has no entry in the policy file.
func (ns *NightlyScheduler) Track(clientID billing.ClientID) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.tracked[clientID] = struct{}{}
}

// Start begins the scheduler.
func (ns *NightlyScheduler) Start() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.Enabled {
		ns.logger.Info("scheduler disabled, not starting")
		return
	}
	if ns.ticker != nil {
		return
	}

	ns.ticker = time.NewTicker(ns.Interval)
	ns.stop = make(chan struct{})
	ns.wg.Add(1)

	go ns.run(ns.ticker, ns.stop)

	ns.logger.Info("scheduler started", zap.Duration("interval", ns.Interval))
}

// Stop stops the scheduler and waits for a running batch to finish.
func (ns *NightlyScheduler) Stop() {
	ns.mu.Lock()
	if ns.ticker == nil {
		ns.mu.Unlock()
		return
	}
	ns.ticker.Stop()
	close(ns.stop)
	ns.ticker = nil
	ns.mu.Unlock()

	ns.wg.Wait()
	ns.logger.Info("scheduler stopped")
}

func (ns *NightlyScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ns.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			ns.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// =============================================================================
// BATCH
// =============================================================================

// ClientRun is the outcome of the batch for one client.
type ClientRun struct {
	ClientID         string `json:"client_id"`
	FiscalYear       int    `json:"fiscal_year"`
	BillsExamined    int    `json:"bills_examined"`
	PenaltiesUpdated int    `json:"penalties_updated"`
	Error            string `json:"error,omitempty"`
}

// NightlyReport summarizes one batch.
type NightlyReport struct {
	StartedAt time.Time   `json:"started_at"`
	Duration  string      `json:"duration"`
	Clients   []ClientRun `json:"clients"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
}

// RunNow runs the batch once and waits for it.
func (ns *NightlyScheduler) RunNow(ctx context.Context) NightlyReport {
	start := ns.now()
	clients := ns.clients(ctx)
	report := NightlyReport{StartedAt: start, Clients: make([]ClientRun, len(clients))}

	limit := ns.Concurrency
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range clients {
		i, id := i, id
		g.Go(func() error {
			report.Clients[i] = ns.runClient(ctx, id, start)
			return nil
		})
	}
	_ = g.Wait()

	for _, c := range report.Clients {
		if c.Error != "" {
			report.Failed++
		} else {
			report.Succeeded++
		}
	}
	report.Duration = time.Since(start).String()

	ns.logger.Info("nightly batch complete",
		zap.Int("clients", len(clients)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	return report
}

func (ns *NightlyScheduler) runClient(ctx context.Context, clientID billing.ClientID, asOf time.Time) ClientRun {
	year := ns.Service.Policy(clientID).Calendar().FiscalYearOf(asOf)
	out := ClientRun{ClientID: string(clientID), FiscalYear: year}

	run, err := ns.Service.RecalculatePenalties(ctx, clientID, penalty.AllUnits(), asOf)
	if err != nil {
		ns.logger.Error("penalty run failed", zap.String("client_id", string(clientID)), zap.Error(err))
		out.Error = err.Error()
		return out
	}
	out.BillsExamined = run.Examined
	out.PenaltiesUpdated = run.Updated()

	if _, err := ns.Service.RebuildView(ctx, clientID, year); err != nil {
		ns.logger.Error("view rebuild failed",
			zap.String("client_id", string(clientID)),
			zap.Int("year", year),
			zap.Error(err),
		)
		out.Error = err.Error()
	}
	return out
}

// clients is every known client plus tracked ones, sorted. When the store
// cannot list its clients the batch still covers the policy file's.
func (ns *NightlyScheduler) clients(ctx context.Context) []billing.ClientID {
	seen := make(map[billing.ClientID]struct{})
	var out []billing.ClientID
	add := func(id billing.ClientID) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	known, err := ns.Service.KnownClients(ctx)
	if err != nil {
		ns.logger.Warn("listing stored clients failed", zap.Error(err))
		known = ns.Service.Clients()
	}
	for _, id := range known {
		add(id)
	}
	ns.mu.Lock()
	for id := range ns.tracked {
		add(id)
	}
	ns.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
