// Package sweep reconciles document records against their backing blobs.
// A record whose blob is confirmed absent is removed; blobs without
// records are left alone.
package sweep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/annales/annales/internal/events"
	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metadata/postgres"
	"github.com/annales/annales/internal/metrics"
	"github.com/annales/annales/internal/storage"
)

// ErrSweepInFlight is returned when a sweep is requested while another
// one is still running.
var ErrSweepInFlight = errors.New("sweep already in flight")

// existenceCheckers bounds how many blob checks run concurrently.
const existenceCheckers = 8

// Sweeper walks all document records and prunes the ones whose blobs
// have gone missing.
type Sweeper struct {
	store       *postgres.Store
	router      *storage.Router
	broadcaster *events.Broadcaster
	cron        *cron.Cron
	running     atomic.Bool
}

// New creates a Sweeper. The broadcaster may be nil.
func New(store *postgres.Store, router *storage.Router, broadcaster *events.Broadcaster) *Sweeper {
	return &Sweeper{
		store:       store,
		router:      router,
		broadcaster: broadcaster,
	}
}

// Run performs one reconciliation pass. Only one pass runs at a time;
// a second call while one is active returns ErrSweepInFlight.
func (s *Sweeper) Run(ctx context.Context) (checked, removed int, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, 0, ErrSweepInFlight
	}
	defer s.running.Store(false)

	start := time.Now()
	rows, err := s.store.ListForSweep(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("list records: %w", err)
	}

	var removedCount atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(existenceCheckers)

	for _, row := range rows {
		row := row
		g.Go(func() error {
			backend, err := s.router.ResolveForRead(gctx, row.StorageProvider)
			if err != nil {
				// Cannot confirm absence without the backend, keep the record.
				logging.Warn("sweep skipping record, backend unavailable",
					zap.String("file_id", row.ID),
					zap.String("provider", row.StorageProvider))
				return nil
			}

			exists, err := backend.ObjectExists(gctx, row.StorageKey)
			if err != nil {
				logging.Warn("sweep could not check blob",
					zap.String("file_id", row.ID),
					zap.String("key", row.StorageKey),
					zap.Error(err))
				return nil
			}
			if exists {
				return nil
			}

			deleted, err := s.store.DeleteDocument(gctx, row.ID)
			if err != nil {
				logging.Error("sweep failed to remove dangling record",
					zap.String("file_id", row.ID),
					zap.Error(err))
				return nil
			}
			if deleted {
				removedCount.Add(1)
				logging.Info("removed dangling record",
					zap.String("file_id", row.ID),
					zap.String("key", row.StorageKey),
					zap.String("provider", row.StorageProvider))
				s.publishDeleted(row.ID)
			}
			return nil
		})
	}
	g.Wait()

	checked = len(rows)
	removed = int(removedCount.Load())
	metrics.RecordSweep(checked, removed, time.Since(start))
	logging.Info("cleanup sweep finished",
		zap.Int("checked", checked),
		zap.Int("removed", removed),
		zap.Duration("took", time.Since(start)))
	return checked, removed, nil
}

func (s *Sweeper) publishDeleted(fileID string) {
	if s.broadcaster == nil {
		return
	}
	payload, err := json.Marshal(struct {
		ID string `json:"id"`
	}{fileID})
	if err != nil {
		return
	}
	s.broadcaster.Publish(events.Event{Type: events.EventDeleted, File: payload})
}

// Start schedules periodic sweeps and optionally kicks one off right
// away. The schedule accepts standard cron expressions and descriptors
// like "@every 1h".
func (s *Sweeper) Start(schedule string, runOnStart bool) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("parse cleanup schedule %q: %w", schedule, err)
	}

	s.cron = cron.New()
	s.cron.Schedule(sched, cron.FuncJob(func() {
		if _, _, err := s.Run(context.Background()); err != nil && !errors.Is(err, ErrSweepInFlight) {
			logging.Error("scheduled sweep failed", zap.Error(err))
		}
	}))
	s.cron.Start()
	logging.Info("cleanup sweep scheduled", zap.String("schedule", schedule))

	if runOnStart {
		go func() {
			if _, _, err := s.Run(context.Background()); err != nil && !errors.Is(err, ErrSweepInFlight) {
				logging.Error("startup sweep failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Stop cancels the periodic schedule. A sweep already in flight finishes.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
