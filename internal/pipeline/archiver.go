// Package pipeline runs background jobs that move ledger data out of the
// node.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/shootperps/internal/domain"
)

// Resumer reports where a previous archive run stopped.
type Resumer interface {
	Resume(ctx context.Context) (uint64, error)
}

// Archiver copies ledger events to cold storage on a fixed interval. The
// ledger keeps its events; the archive is a copy for audit and replay.
type Archiver struct {
	blob    domain.Archiver
	resumer Resumer
	logger  *slog.Logger
	cursor  atomic.Uint64
}

// NewArchiver creates an Archiver. resumer may be nil, in which case
// archiving starts at the first event.
func NewArchiver(blob domain.Archiver, resumer Resumer, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:    blob,
		resumer: resumer,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// Cursor is the last archived event sequence.
func (a *Archiver) Cursor() uint64 { return a.cursor.Load() }

// RunOnce archives every event after the cursor.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	from := a.cursor.Load()
	last, n, err := a.blob.ArchiveEvents(ctx, from)
	if last > from {
		a.cursor.Store(last)
	}
	if err != nil {
		return n, fmt.Errorf("pipeline: archive events after %d: %w", from, err)
	}
	if n > 0 {
		a.logger.InfoContext(ctx, "archived events",
			slog.Int("count", n),
			slog.Uint64("from_seq", from+1),
			slog.Uint64("to_seq", last),
		)
	}
	return n, nil
}

// Run resumes from storage, then archives every interval until ctx is
// cancelled. Failed runs are logged and retried on the next tick.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) error {
	if a.resumer != nil {
		from, err := a.resumer.Resume(ctx)
		if err != nil {
			return fmt.Errorf("pipeline: resume archive: %w", err)
		}
		a.cursor.Store(from)
		a.logger.InfoContext(ctx, "archiver started",
			slog.Uint64("resume_seq", from),
			slog.Duration("interval", interval),
		)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
