// Package pipeline holds the asynchronous photo post-processing core: claiming
// batches of freshly attached photos, deriving their watermark and thumbnail
// variants, and converging every record to DONE or FAILED.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"photomarket/internal/blob"
	"photomarket/internal/models"
	"photomarket/internal/transform"
)

// Store is the slice of the photo record store the worker loop mutates. All
// lease and status writes go through these three calls.
type Store interface {
	ClaimBatch(ctx context.Context, limit int) ([]models.ClaimedPhoto, error)
	MarkProcessed(ctx context.Context, id, watermarkURL, thumbURL string) error
	MarkFailed(ctx context.Context, id string, attempts int, status models.PhotoStatus) error
}

type Pipeline struct {
	store     Store
	blobs     blob.Store
	fetcher   blob.Fetcher
	transform transform.Transformer

	batchSize   int
	maxAttempts int
	callTimeout time.Duration

	logger *slog.Logger
}

func New(cfg *models.Config, store Store, blobs blob.Store, fetcher blob.Fetcher, tr transform.Transformer) *Pipeline {
	return &Pipeline{
		store:       store,
		blobs:       blobs,
		fetcher:     fetcher,
		transform:   tr,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		callTimeout: cfg.CallTimeout(),
		logger:      slog.Default().With(slog.String("component", "pipeline")),
	}
}

// Run performs one trigger invocation: claim a batch, process each record
// independently, report exclusive per-record counts. A failure on one record
// never aborts the rest of the batch.
func (p *Pipeline) Run(ctx context.Context) (models.RunReport, error) {
	const op = "pipeline.Run"

	var report models.RunReport

	claimed, err := p.store.ClaimBatch(ctx, p.batchSize)
	if err != nil {
		return report, fmt.Errorf("%s: %v", op, err)
	}
	if len(claimed) == 0 {
		return report, nil
	}

	for _, photo := range claimed {
		if p.processOne(ctx, photo) {
			report.Successful++
		} else {
			report.Failed++
		}
	}

	p.logger.Info("pipeline run finished",
		slog.Int("claimed", len(claimed)),
		slog.Int("successful", report.Successful),
		slog.Int("failed", report.Failed))
	return report, nil
}

// processOne drives a single claimed record to a terminal write. Every exit
// path clears the lease, including panics out of the transform or upload code.
func (p *Pipeline) processOne(ctx context.Context, photo models.ClaimedPhoto) (ok bool) {
	log := p.logger.With(slog.String("photo_id", photo.ID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing photo", slog.Any("panic", r))
			p.failAttempt(ctx, log, photo)
			ok = false
		}
	}()

	original, err := p.fetchOriginal(ctx, photo.URL)
	if err != nil {
		log.Error("failed to fetch original blob", slog.String("err", err.Error()))
		p.failAttempt(ctx, log, photo)
		return false
	}

	watermarked, thumbnail, err := p.deriveVariants(ctx, original)
	if err != nil {
		log.Error("failed to derive variants", slog.String("err", err.Error()))
		p.failAttempt(ctx, log, photo)
		return false
	}

	prefix := "albums/" + photo.AlbumID + "/"
	watermarkURL, thumbURL, err := p.uploadVariants(ctx, watermarked, thumbnail, prefix)
	if err != nil {
		log.Error("failed to upload variants", slog.String("err", err.Error()))
		p.failAttempt(ctx, log, photo)
		return false
	}

	if err := p.store.MarkProcessed(ctx, photo.ID, watermarkURL, thumbURL); err != nil {
		log.Error("failed to finalize photo", slog.String("err", err.Error()))
		p.failAttempt(ctx, log, photo)
		return false
	}

	log.Info("photo processed")
	return true
}

func (p *Pipeline) fetchOriginal(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.fetcher.Fetch(ctx, url)
}

// deriveVariants invokes the transform service for both outputs concurrently
// and joins before returning; either failure fails the pair.
func (p *Pipeline) deriveVariants(ctx context.Context, original []byte) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var (
		wg          sync.WaitGroup
		watermarked []byte
		thumbnail   []byte
		wmErr       error
		thErr       error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverToErr(&wmErr)
		watermarked, wmErr = p.transform.Watermark(ctx, original)
	}()
	go func() {
		defer wg.Done()
		defer recoverToErr(&thErr)
		thumbnail, thErr = p.transform.Thumbnail(ctx, original)
	}()
	wg.Wait()

	if wmErr != nil {
		return nil, nil, wmErr
	}
	if thErr != nil {
		return nil, nil, thErr
	}
	return watermarked, thumbnail, nil
}

func (p *Pipeline) uploadVariants(ctx context.Context, watermarked, thumbnail []byte, prefix string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	var (
		wg           sync.WaitGroup
		watermarkURL string
		thumbURL     string
		wmErr        error
		thErr        error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		defer recoverToErr(&wmErr)
		watermarkURL, wmErr = p.blobs.Put(ctx, watermarked, prefix)
	}()
	go func() {
		defer wg.Done()
		defer recoverToErr(&thErr)
		thumbURL, thErr = p.blobs.Put(ctx, thumbnail, prefix)
	}()
	wg.Wait()

	if wmErr != nil {
		return "", "", wmErr
	}
	if thErr != nil {
		return "", "", thErr
	}
	return watermarkURL, thumbURL, nil
}

// recoverToErr turns a panic in a fan-out goroutine into a plain error so the
// record takes the normal failure path instead of killing the process.
func recoverToErr(errp *error) {
	if r := recover(); r != nil {
		*errp = fmt.Errorf("panic: %v", r)
	}
}

// failAttempt books one failed attempt: NEW for a future retry, FAILED once the
// budget is exhausted, lease cleared in the same write.
func (p *Pipeline) failAttempt(ctx context.Context, log *slog.Logger, photo models.ClaimedPhoto) {
	attempts := photo.Attempts + 1
	status := models.StatusNew
	if attempts >= p.maxAttempts {
		status = models.StatusFailed
	}

	if err := p.store.MarkFailed(ctx, photo.ID, attempts, status); err != nil {
		log.Error("failed to record processing failure", slog.String("err", err.Error()))
		return
	}
	if status == models.StatusFailed {
		log.Error("photo failed permanently", slog.Int("attempts", attempts))
	}
}
