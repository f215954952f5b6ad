package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"photomarket/internal/models"
)

var (
	ErrNotFound   = errors.New("record not found")
	ErrLostUpdate = errors.New("finalize update matched no row")
)

type Storage struct {
	pool *pgxpool.Pool
	db   *sql.DB // for migrations
}

func NewStorage(dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := runMigrations(db); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	return &Storage{pool: pool, db: db}, nil
}

func (s *Storage) Close() {
	s.db.Close()
	s.pool.Close()
}

func (s *Storage) CreateAlbum(ctx context.Context, album *models.Album) error {
	const op = "storage.CreateAlbum"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO albums (id, title) VALUES ($1, $2)`,
		album.ID, album.Title)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) AlbumExists(ctx context.Context, id string) (bool, error) {
	const op = "storage.AlbumExists"
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM albums WHERE id = $1`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%s: %v", op, err)
	}
	return count > 0, nil
}

func (s *Storage) CreatePhoto(ctx context.Context, p *models.Photo) error {
	const op = "storage.CreatePhoto"
	_, err := s.pool.Exec(ctx,
		`INSERT INTO photos (id, url, status, album_id, size_bytes, original_name)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.URL, models.StatusNew, p.AlbumID, p.SizeBytes, p.OriginalName)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (s *Storage) PhotoExists(ctx context.Context, id string) (bool, error) {
	const op = "storage.PhotoExists"
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM photos WHERE id = $1`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("%s: %v", op, err)
	}
	return count > 0, nil
}

func (s *Storage) GetPhoto(ctx context.Context, id string) (*models.Photo, error) {
	const op = "storage.GetPhoto"
	var p models.Photo
	err := s.pool.QueryRow(ctx,
		`SELECT id, url, url_watermark, url_thumb, status, processing_at, attempts,
		        album_id, size_bytes, original_name, created_at, deleted_at
		 FROM photos WHERE id = $1`, id).
		Scan(&p.ID, &p.URL, &p.URLWatermark, &p.URLThumb, &p.Status, &p.ProcessingAt,
			&p.Attempts, &p.AlbumID, &p.SizeBytes, &p.OriginalName, &p.CreatedAt, &p.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &p, nil
}

// AttachPhotos inserts a batch of uploaded photos already bound to an album,
// making them eligible for the next claim.
func (s *Storage) AttachPhotos(ctx context.Context, albumID string, photos []models.Photo) error {
	const op = "storage.AttachPhotos"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	defer tx.Rollback(ctx)

	for _, p := range photos {
		_, err := tx.Exec(ctx,
			`INSERT INTO photos (id, url, status, album_id, size_bytes, original_name)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.URL, models.StatusNew, albumID, p.SizeBytes, p.OriginalName)
		if err != nil {
			return fmt.Errorf("%s: %v", op, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// ClaimBatch reserves up to limit eligible photos for processing. Selection and
// lease write happen in one transaction; SKIP LOCKED keeps overlapping claimers
// from ever returning the same row.
func (s *Storage) ClaimBatch(ctx context.Context, limit int) ([]models.ClaimedPhoto, error) {
	const op = "storage.ClaimBatch"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, album_id, url, attempts FROM photos
		 WHERE album_id IS NOT NULL AND status = $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		models.StatusNew, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	var claimed []models.ClaimedPhoto
	ids := make([]string, 0, limit)
	for rows.Next() {
		var c models.ClaimedPhoto
		if err := rows.Scan(&c.ID, &c.AlbumID, &c.URL, &c.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		claimed = append(claimed, c)
		ids = append(ids, c.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	if len(claimed) == 0 {
		return nil, tx.Commit(ctx)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE photos SET processing_at = now() WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	if int(tag.RowsAffected()) != len(ids) {
		return nil, fmt.Errorf("%s: claimed %d rows but marked %d", op, len(ids), tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return claimed, nil
}

// MarkProcessed finalizes a successful record: both derived urls, DONE, lease
// cleared, in one update.
func (s *Storage) MarkProcessed(ctx context.Context, id, watermarkURL, thumbURL string) error {
	const op = "storage.MarkProcessed"
	tag, err := s.pool.Exec(ctx,
		`UPDATE photos
		 SET url_watermark = $2, url_thumb = $3, status = $4, processing_at = NULL
		 WHERE id = $1`,
		id, watermarkURL, thumbURL, models.StatusDone)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrLostUpdate)
	}
	return nil
}

// MarkFailed records one failed attempt: bumped counter, NEW for retry or
// FAILED when the caller has exhausted the budget, lease cleared either way.
func (s *Storage) MarkFailed(ctx context.Context, id string, attempts int, status models.PhotoStatus) error {
	const op = "storage.MarkFailed"
	tag, err := s.pool.Exec(ctx,
		`UPDATE photos SET attempts = $2, status = $3, processing_at = NULL WHERE id = $1`,
		id, attempts, status)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrLostUpdate)
	}
	return nil
}

func (s *Storage) ListOrphans(ctx context.Context, cutoff time.Time) ([]models.OrphanPhoto, error) {
	const op = "storage.ListOrphans"
	rows, err := s.pool.Query(ctx,
		`SELECT id, url FROM photos WHERE album_id IS NULL AND created_at < $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer rows.Close()

	var orphans []models.OrphanPhoto
	for rows.Next() {
		var o models.OrphanPhoto
		if err := rows.Scan(&o.ID, &o.URL); err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
		orphans = append(orphans, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return orphans, nil
}

func (s *Storage) DeletePhoto(ctx context.Context, id string) error {
	const op = "storage.DeletePhoto"
	_, err := s.pool.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

// RemovedPhoto reports what a user-initiated deletion did: which blob urls are
// now unreferenced and whether the row was kept as a soft delete.
type RemovedPhoto struct {
	URLs []string
	Soft bool
}

// RemovePhoto handles explicit user deletion. Sold photos are soft-deleted so
// order history keeps resolving; unsold ones are removed outright. The album
// cover reference is cleared when it pointed at this photo. Blob cleanup is the
// caller's job, after the transaction commits.
func (s *Storage) RemovePhoto(ctx context.Context, id string) (*RemovedPhoto, error) {
	const op = "storage.RemovePhoto"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer tx.Rollback(ctx)

	var p models.Photo
	err = tx.QueryRow(ctx,
		`SELECT id, url, url_watermark, url_thumb, album_id FROM photos WHERE id = $1`, id).
		Scan(&p.ID, &p.URL, &p.URLWatermark, &p.URLThumb, &p.AlbumID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	if p.AlbumID != nil {
		_, err = tx.Exec(ctx,
			`UPDATE albums SET cover_photo_url = NULL WHERE id = $1 AND cover_photo_url = $2`,
			*p.AlbumID, p.URL)
		if err != nil {
			return nil, fmt.Errorf("%s: %v", op, err)
		}
	}

	var sales int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM order_items WHERE photo_id = $1`, id).Scan(&sales); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	removed := &RemovedPhoto{Soft: sales > 0}
	if removed.Soft {
		_, err = tx.Exec(ctx, `UPDATE photos SET deleted_at = now() WHERE id = $1`, id)
	} else {
		_, err = tx.Exec(ctx, `DELETE FROM photos WHERE id = $1`, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}

	for _, u := range []*string{&p.URL, p.URLWatermark, p.URLThumb} {
		if u != nil && *u != "" {
			removed.URLs = append(removed.URLs, *u)
		}
	}
	return removed, nil
}
