package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/l0p7/readerguard/internal/exchange"
	"github.com/l0p7/readerguard/internal/fetch"
	"github.com/l0p7/readerguard/internal/manifest"
	"github.com/l0p7/readerguard/internal/metrics"
	"github.com/l0p7/readerguard/internal/storage"
	"github.com/l0p7/readerguard/internal/strategy"
)

// Activator receives the preemption signal once a worker finished installing.
type Activator interface {
	SkipWaiting(w *Worker)
}

// KindReport lists the outcome per entry of one manifest kind.
type KindReport struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
}

// InstallReport summarizes one install.
type InstallReport struct {
	Generation string        `json:"generation"`
	Shell      KindReport    `json:"shell"`
	Chapters   KindReport    `json:"chapters"`
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
}

// InstallerOptions configure an Installer.
type InstallerOptions struct {
	Storage    storage.Storage
	Fetcher    fetch.Fetcher
	Base       *url.URL
	StoreAnyOK bool
	Activator  Activator
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
}

// Installer populates a generation's partitions from its manifest.
type Installer struct {
	storage    storage.Storage
	fetcher    fetch.Fetcher
	base       *url.URL
	storeAnyOK bool
	activator  Activator
	metrics    *metrics.Recorder
	logger     *slog.Logger
}

func NewInstaller(opts InstallerOptions) (*Installer, error) {
	if opts.Storage == nil {
		return nil, errors.New("lifecycle: installer storage required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("lifecycle: installer fetcher required")
	}
	if opts.Base == nil || !opts.Base.IsAbs() {
		return nil, errors.New("lifecycle: installer needs an absolute base url")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{
		storage:    opts.Storage,
		fetcher:    opts.Fetcher,
		base:       opts.Base,
		storeAnyOK: opts.StoreAnyOK,
		activator:  opts.Activator,
		metrics:    opts.Metrics,
		logger:     logger.With(slog.String("agent", "installer")),
	}, nil
}

// Install opens both partitions and attempts every manifest entry on its
// own. A failed entry is skipped; only an unopenable partition or a cancelled
// context fails the install.
func (i *Installer) Install(ctx context.Context, w *Worker) (InstallReport, error) {
	names := w.ns.Names()
	report := InstallReport{
		Generation: string(w.Generation()),
		Shell:      KindReport{Cached: []string{}, Failed: []string{}},
		Chapters:   KindReport{Cached: []string{}, Failed: []string{}},
		StartedAt:  time.Now().UTC(),
	}
	shell, err := i.storage.Open(ctx, names.Shell)
	if err != nil {
		return report, fmt.Errorf("lifecycle: open %s: %w", names.Shell, err)
	}
	chapters, err := i.storage.Open(ctx, names.Chapters)
	if err != nil {
		return report, fmt.Errorf("lifecycle: open %s: %w", names.Chapters, err)
	}
	w.partitions = strategy.Partitions{Shell: shell, Chapters: chapters}

	logger := i.logger.With(slog.String("generation", report.Generation))
	for _, entry := range w.manifest.Entries() {
		if err := ctx.Err(); err != nil {
			report.Duration = time.Since(report.StartedAt)
			return report, fmt.Errorf("lifecycle: install interrupted: %w", err)
		}
		target, kind := shell, &report.Shell
		if entry.Kind == manifest.KindChapter {
			target, kind = chapters, &report.Chapters
		}
		if err := i.installEntry(ctx, target, entry); err != nil {
			kind.Failed = append(kind.Failed, entry.URL)
			i.metrics.ObserveInstallEntry(string(entry.Kind), metrics.InstallFailed)
			if entry.Kind == manifest.KindChapter {
				logger.Debug("chapter not cached at install", slog.String("url", entry.URL), slog.Any("error", err))
			} else {
				logger.Warn("shell entry not cached at install", slog.String("url", entry.URL), slog.Any("error", err))
			}
			continue
		}
		kind.Cached = append(kind.Cached, entry.URL)
		i.metrics.ObserveInstallEntry(string(entry.Kind), metrics.InstallCached)
	}
	report.Duration = time.Since(report.StartedAt)
	logger.Info("install complete",
		slog.Int("shell_cached", len(report.Shell.Cached)),
		slog.Int("shell_failed", len(report.Shell.Failed)),
		slog.Int("chapters_cached", len(report.Chapters.Cached)),
		slog.Int("chapters_failed", len(report.Chapters.Failed)),
	)
	if i.activator != nil {
		i.activator.SkipWaiting(w)
	}
	return report, nil
}

func (i *Installer) installEntry(ctx context.Context, target storage.Partition, entry manifest.Entry) error {
	u, err := manifest.Resolve(i.base, entry.URL)
	if err != nil {
		return err
	}
	req := exchange.NewGet(u)
	resp, err := i.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !exchange.Cacheable(resp, i.storeAnyOK) {
		return fmt.Errorf("lifecycle: %s answered %d", u.Redacted(), resp.Status)
	}
	snapshot := resp.Clone()
	snapshot.StoredAt = time.Now().UTC()
	return target.Put(ctx, req.Key(), snapshot)
}
