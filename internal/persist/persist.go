// Package persist writes snapshots of the event cache to durable sinks.
//
// A Persister takes one snapshot per pass and hands it to every configured
// Sink. The state file sink is always present; SQLite, bbolt and PostgreSQL
// sinks are optional mirrors. Failures are logged and counted but never
// returned to the running service: the next pass simply tries again.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dirwatch/dirwatch/internal/event"
	"github.com/dirwatch/dirwatch/internal/metrics"
)

// Sink stores a complete snapshot, replacing whatever it held before.
type Sink interface {
	Name() string
	Save(ctx context.Context, changes []event.Change) error
	Close() error
}

// Loader reads back the snapshot a Sink last stored.
type Loader interface {
	Load(ctx context.Context) ([]event.Change, error)
}

// Snapshotter is the read side of the event cache.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]event.Change, error)
}

// Persister runs persistence passes on a timer and on demand.
type Persister struct {
	src      Snapshotter
	sinks    []Sink
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Persister. interval <= 0 disables the timer; SaveNow still
// works.
func New(src Snapshotter, logger *slog.Logger, interval time.Duration, sinks ...Sink) *Persister {
	return &Persister{
		src:      src,
		sinks:    sinks,
		interval: interval,
		logger:   logger,
	}
}

// Run performs a pass every interval until ctx is cancelled. It does not run
// a final pass; the caller does that with SaveNow once the producers have
// stopped.
func (p *Persister) Run(ctx context.Context) {
	if p.interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.SaveNow(ctx)
		}
	}
}

// SaveNow takes one snapshot and writes it to every sink. Sink failures do
// not stop the remaining sinks. The returned error joins every failure and
// is for callers that want it; the failures have already been logged.
func (p *Persister) SaveNow(ctx context.Context) error {
	changes, err := p.src.Snapshot(ctx)
	if err != nil {
		p.logger.Warn("persist: snapshot failed", slog.Any("error", err))
		return fmt.Errorf("persist: snapshot: %w", err)
	}

	var errs []error
	for _, s := range p.sinks {
		start := time.Now()
		if err := s.Save(ctx, changes); err != nil {
			metrics.PersistRuns.WithLabelValues(s.Name(), "error").Inc()
			p.logger.Warn("persist: save failed",
				slog.String("sink", s.Name()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("persist: %s: %w", s.Name(), err))
			continue
		}
		metrics.PersistRuns.WithLabelValues(s.Name(), "ok").Inc()
		p.logger.Debug("persist: saved",
			slog.String("sink", s.Name()),
			slog.Int("entries", len(changes)),
			slog.Duration("took", time.Since(start)),
		)
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (p *Persister) Close() error {
	var errs []error
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("persist: close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
