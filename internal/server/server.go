package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"photomarket/internal/models"
	"photomarket/internal/storage"
)

// Store is what the handlers need from the photo record store.
type Store interface {
	CreateAlbum(ctx context.Context, album *models.Album) error
	AlbumExists(ctx context.Context, id string) (bool, error)
	CreatePhoto(ctx context.Context, p *models.Photo) error
	PhotoExists(ctx context.Context, id string) (bool, error)
	GetPhoto(ctx context.Context, id string) (*models.Photo, error)
	AttachPhotos(ctx context.Context, albumID string, photos []models.Photo) error
	RemovePhoto(ctx context.Context, id string) (*storage.RemovedPhoto, error)
}

// Runner is one trigger invocation of the processing pipeline.
type Runner interface {
	Run(ctx context.Context) (models.RunReport, error)
}

// Sweeper is one orphan prune pass.
type Sweeper interface {
	Run(ctx context.Context, retentionDays int) (models.PruneReport, error)
}

// BlobDeleter cleans up blobs after a user deletes a photo.
type BlobDeleter interface {
	Delete(ctx context.Context, blobURL string) error
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	store    Store
	pipeline Runner
	pruner   Sweeper
	blobs    BlobDeleter
	notifier Notifier
	logger   *slog.Logger
}

func NewServer(cfg *models.Config, store Store, pipeline Runner, pruner Sweeper, blobs BlobDeleter, notifier Notifier) *Server {
	r := gin.Default()

	s := &Server{
		cfg:      cfg,
		router:   r,
		store:    store,
		pipeline: pipeline,
		pruner:   pruner,
		blobs:    blobs,
		notifier: notifier,
		logger:   slog.Default().With(slog.String("component", "server")),
	}

	r.POST("/api/albums", s.handleCreateAlbum)
	r.POST("/api/albums/:id/upload", s.handleUploadAdmission)
	r.POST("/api/albums/:id/photos", s.handleAttachPhotos)
	r.POST("/api/photos", s.handleCreatePhoto)
	r.GET("/api/photos/:id", s.handleGetPhoto)
	r.DELETE("/api/photos/:id", s.handleDeletePhoto)
	r.GET("/api/cron/process-photos", s.handleProcessPhotos)
	r.GET("/api/cron/prune-photos", s.handlePrunePhotos)

	return s
}

func (s *Server) Start() error {
	return s.router.Run(s.cfg.ServerAddr)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleCreateAlbum(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	album := models.Album{ID: uuid.NewString(), Title: req.Title}
	if err := s.store.CreateAlbum(c.Request.Context(), &album); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": album.ID, "title": album.Title})
}

// handleUploadAdmission gates client uploads: the declared storage path must
// match the album's raw-upload shape and the client-chosen photo id must be
// unused. Nothing is persisted here.
func (s *Server) handleUploadAdmission(c *gin.Context) {
	albumID := c.Param("id")

	exists, err := s.store.AlbumExists(c.Request.Context(), albumID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "album not found"})
		return
	}

	var req struct {
		DeclaredPath  string `json:"declaredPath" binding:"required"`
		ClientPhotoID string `json:"clientPhotoId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.admitUpload(c.Request.Context(), albumID, req.DeclaredPath, req.ClientPhotoID); err != nil {
		switch {
		case errors.Is(err, ErrPathMismatch), errors.Is(err, ErrIDCollision):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type attachPhotoInput struct {
	ID           string  `json:"id" binding:"required"`
	URL          string  `json:"url" binding:"required"`
	SizeBytes    *int64  `json:"sizeBytes"`
	OriginalName *string `json:"originalName"`
}

// handleAttachPhotos binds a batch of completed uploads to an album, which
// makes them eligible for the claimer, then nudges the pipeline over kafka.
func (s *Server) handleAttachPhotos(c *gin.Context) {
	albumID := c.Param("id")

	exists, err := s.store.AlbumExists(c.Request.Context(), albumID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "album not found"})
		return
	}

	var req struct {
		Photos []attachPhotoInput `json:"photos"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Photos) == 0 {
		c.JSON(http.StatusCreated, gin.H{"photos": []attachPhotoInput{}})
		return
	}

	photos := make([]models.Photo, 0, len(req.Photos))
	for _, in := range req.Photos {
		photos = append(photos, models.Photo{
			ID:           in.ID,
			URL:          in.URL,
			SizeBytes:    in.SizeBytes,
			OriginalName: in.OriginalName,
		})
	}

	if err := s.store.AttachPhotos(c.Request.Context(), albumID, photos); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// best effort: the periodic trigger still picks the batch up if this fails
	if err := s.notifier.PhotosAttached(c.Request.Context(), albumID); err != nil {
		s.logger.Warn("failed to publish attach nudge",
			slog.String("album_id", albumID),
			slog.String("err", err.Error()))
	}

	c.JSON(http.StatusCreated, gin.H{"photos": req.Photos})
}

// handleCreatePhoto records an uploaded-but-unattached photo (an orphan until
// it is attached or pruned).
func (s *Server) handleCreatePhoto(c *gin.Context) {
	var req attachPhotoInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	photo := models.Photo{
		ID:           req.ID,
		URL:          req.URL,
		SizeBytes:    req.SizeBytes,
		OriginalName: req.OriginalName,
	}
	if err := s.store.CreatePhoto(c.Request.Context(), &photo); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": photo.ID, "url": photo.URL})
}

func (s *Server) handleGetPhoto(c *gin.Context) {
	photo, err := s.store.GetPhoto(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "photo not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, photo)
}

// handleDeletePhoto is explicit user deletion: sold photos become a soft
// delete, unsold ones are removed along with their blobs.
func (s *Server) handleDeletePhoto(c *gin.Context) {
	removed, err := s.store.RemovePhoto(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "photo not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if !removed.Soft {
		for _, u := range removed.URLs {
			if err := s.blobs.Delete(c.Request.Context(), u); err != nil {
				s.logger.Warn("failed to delete blob for removed photo",
					slog.String("url", u),
					slog.String("err", err.Error()))
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleProcessPhotos is the periodic trigger entry point.
func (s *Server) handleProcessPhotos(c *gin.Context) {
	report, err := s.pipeline.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handlePrunePhotos(c *gin.Context) {
	days := s.cfg.PruneDays
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = parsed
	}

	report, err := s.pruner.Run(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
