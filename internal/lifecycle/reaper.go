package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/namespace"
	"github.com/l0p7/readerguard/internal/storage"
)

// Claimer receives the takeover signal once stale generations are gone.
type Claimer interface {
	Claim(ctx context.Context, generation namespace.Generation) error
}

// ReapReport lists the partitions a reap deleted and kept.
type ReapReport struct {
	Generation string   `json:"generation"`
	Deleted    []string `json:"deleted"`
	Kept       []string `json:"kept"`
}

// Reaper deletes every partition the current generation does not own.
type Reaper struct {
	storage storage.Storage
	claimer Claimer
	metrics *metrics.Recorder
	logger  *slog.Logger
}

func NewReaper(store storage.Storage, claimer Claimer, rec *metrics.Recorder, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{storage: store, claimer: claimer, metrics: rec, logger: logger.With(slog.String("agent", "reaper"))}
}

// Reap is idempotent: a second call finds nothing stale. Every stale name is
// attempted even when one fails; the claim only follows a clean reap.
func (r *Reaper) Reap(ctx context.Context, ns *namespace.Manager) (ReapReport, error) {
	report := ReapReport{Generation: string(ns.Generation()), Deleted: []string{}, Kept: []string{}}
	existing, err := ns.Enumerate(ctx, r.storage)
	if err != nil {
		return report, fmt.Errorf("lifecycle: reap: %w", err)
	}
	var errs []error
	for _, name := range existing {
		if ns.Owns(name) {
			report.Kept = append(report.Kept, name)
			continue
		}
		if _, err := r.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		report.Deleted = append(report.Deleted, name)
		r.logger.Info("stale partition deleted", slog.String("partition", name), slog.String("generation", report.Generation))
	}
	r.metrics.ObserveReaped(len(report.Deleted))
	if err := errors.Join(errs...); err != nil {
		return report, fmt.Errorf("lifecycle: reap: %w", err)
	}
	if r.claimer != nil {
		if err := r.claimer.Claim(ctx, ns.Generation()); err != nil {
			return report, err
		}
	}
	return report, nil
}
