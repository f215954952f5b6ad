package models

import "time"

type PhotoStatus string

const (
	StatusNew    PhotoStatus = "NEW"
	StatusDone   PhotoStatus = "DONE"
	StatusFailed PhotoStatus = "FAILED"
)

// Photo is a row in the photos table. IDs are chosen by the uploading client
// before the upload completes, so a re-sent association request maps onto the
// same record.
type Photo struct {
	ID           string      `db:"id" json:"id"`
	URL          string      `db:"url" json:"url"`
	URLWatermark *string     `db:"url_watermark" json:"urlWatermark"`
	URLThumb     *string     `db:"url_thumb" json:"urlThumb"`
	Status       PhotoStatus `db:"status" json:"status"`
	ProcessingAt *time.Time  `db:"processing_at" json:"processingAt"`
	Attempts     int         `db:"attempts" json:"attempts"`
	AlbumID      *string     `db:"album_id" json:"albumId"`
	SizeBytes    *int64      `db:"size_bytes" json:"sizeBytes"`
	OriginalName *string     `db:"original_name" json:"originalName"`
	CreatedAt    time.Time   `db:"created_at" json:"createdAt"`
	DeletedAt    *time.Time  `db:"deleted_at" json:"deletedAt"`
}

type Album struct {
	ID            string    `db:"id" json:"id"`
	Title         string    `db:"title" json:"title"`
	CoverPhotoURL *string   `db:"cover_photo_url" json:"coverPhotoUrl"`
	CreatedAt     time.Time `db:"created_at" json:"createdAt"`
}

// ClaimedPhoto is the slice of a photo row the worker loop needs while it
// holds the lease.
type ClaimedPhoto struct {
	ID       string
	AlbumID  string
	URL      string
	Attempts int
}

// OrphanPhoto is a photo that was uploaded but never attached to an album.
type OrphanPhoto struct {
	ID  string
	URL string
}

// RunReport summarizes one pipeline invocation for the caller.
type RunReport struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// PruneReport summarizes one orphan sweep.
type PruneReport struct {
	Pruned  int `json:"pruned"`
	Scanned int `json:"scanned"`
	Days    int `json:"days"`
}
