package scrape

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sydlexius/shopmon/internal/shop"
)

// DefaultBatchSize is the number of shops scraped concurrently.
const DefaultBatchSize = 10

// Summary counts the outcomes of one batch run.
type Summary struct {
	Total    int
	Outcomes map[Outcome]int
	Errors   int
}

// Scheduler runs the scraper over all shops in sequential batches of
// concurrently scraped shops.
type Scheduler struct {
	scraper   *Scraper
	shops     *shop.Service
	batchSize int
	logger    *slog.Logger
	running   atomic.Bool
}

// NewScheduler creates a batch scheduler.
func NewScheduler(scraper *Scraper, shops *shop.Service, batchSize int, logger *slog.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scheduler{
		scraper:   scraper,
		shops:     shops,
		batchSize: batchSize,
		logger:    logger.With(slog.String("component", "scrape-scheduler")),
	}
}

// Start blocks until the context is canceled, running RunAll on each tick.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Error("scrape scheduler not started: non-positive interval", "interval", interval.String())
		return
	}
	s.logger.Info("scrape scheduler started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scrape scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunAll(ctx); err != nil {
				s.logger.Error("scheduled scrape failed", "error", err)
			}
		}
	}
}

// RunAll scrapes every shop. Shops over the connection issue limit are
// skipped without any mutation. Overlapping calls return immediately.
func (s *Scheduler) RunAll(ctx context.Context) (Summary, error) {
	sum := Summary{Outcomes: map[Outcome]int{}}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("scrape run already in progress")
		return sum, nil
	}
	defer s.running.Store(false)

	shops, err := s.shops.ListAll(ctx)
	if err != nil {
		return sum, err
	}

	var ids []string
	for _, sh := range shops {
		if sh.Disabled() {
			sum.Outcomes[OutcomeSkipped]++
			continue
		}
		ids = append(ids, sh.ID)
	}
	sum.Total = len(shops)

	start := time.Now()
	var mu sync.Mutex
	for from := 0; from < len(ids); from += s.batchSize {
		if ctx.Err() != nil {
			break
		}
		batch := ids[from:min(from+s.batchSize, len(ids))]

		var wg sync.WaitGroup
		for _, id := range batch {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome, err := s.scraper.ScrapeShop(ctx, id)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					s.logger.Error("scraping shop", "shop_id", id, "error", err)
					sum.Errors++
					return
				}
				sum.Outcomes[outcome]++
			}()
		}
		wg.Wait()
	}

	s.recordStatuses(ctx)
	s.logger.Info("scrape run complete",
		"shops", sum.Total,
		"succeeded", sum.Outcomes[OutcomeSuccess],
		"auth_failed", sum.Outcomes[OutcomeAuthFailed],
		"fetch_failed", sum.Outcomes[OutcomeFetchFailed],
		"skipped", sum.Outcomes[OutcomeSkipped],
		"errors", sum.Errors,
		"duration", time.Since(start).String(),
	)
	return sum, nil
}

// RunOne scrapes a single shop immediately, outside of batching.
func (s *Scheduler) RunOne(ctx context.Context, shopID string) (Outcome, error) {
	return s.scraper.ScrapeShop(ctx, shopID)
}

func (s *Scheduler) recordStatuses(ctx context.Context) {
	if s.scraper.Metrics == nil {
		return
	}
	shops, err := s.shops.ListAll(ctx)
	if err != nil {
		return
	}
	counts := map[string]int{}
	for _, sh := range shops {
		counts[sh.Status]++
	}
	s.scraper.Metrics.SetShopStatuses(counts)
}
