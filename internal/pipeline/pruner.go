package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"photomarket/internal/blob"
	"photomarket/internal/models"
)

// PrunerStore is the slice of the photo record store the orphan sweep uses.
type PrunerStore interface {
	ListOrphans(ctx context.Context, cutoff time.Time) ([]models.OrphanPhoto, error)
	DeletePhoto(ctx context.Context, id string) error
}

// Pruner removes photos that were uploaded but never attached to an album
// within the retention window, blob first, row second.
type Pruner struct {
	store  PrunerStore
	blobs  blob.Store
	logger *slog.Logger
}

func NewPruner(store PrunerStore, blobs blob.Store) *Pruner {
	return &Pruner{
		store:  store,
		blobs:  blobs,
		logger: slog.Default().With(slog.String("component", "pruner")),
	}
}

// Run sweeps orphans older than the retention window. A record is only deleted
// after its blob deletion succeeded in this same run; on blob failure the row
// stays for the next sweep.
func (p *Pruner) Run(ctx context.Context, retentionDays int) (models.PruneReport, error) {
	const op = "pipeline.Pruner.Run"

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	report := models.PruneReport{Days: retentionDays}

	orphans, err := p.store.ListOrphans(ctx, cutoff)
	if err != nil {
		return report, fmt.Errorf("%s: %v", op, err)
	}
	report.Scanned = len(orphans)

	for _, orphan := range orphans {
		if err := p.blobs.Delete(ctx, orphan.URL); err != nil {
			p.logger.Warn("blob delete failed, keeping record for next sweep",
				slog.String("photo_id", orphan.ID),
				slog.String("err", err.Error()))
			continue
		}
		if err := p.store.DeletePhoto(ctx, orphan.ID); err != nil {
			p.logger.Error("db delete failed after blob delete",
				slog.String("photo_id", orphan.ID),
				slog.String("err", err.Error()))
			continue
		}
		report.Pruned++
	}

	p.logger.Info("orphan sweep finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("pruned", report.Pruned),
		slog.Int("days", report.Days))
	return report, nil
}
