package server

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrPathMismatch = errors.New("declared path does not match the album upload shape")
	ErrIDCollision  = errors.New("photo id already exists")
)

// buildPathPattern validates the storage path a client declares before upload:
// albums/{albumId}/raw/{21-char nanoid}/{filename}.{jpg|jpeg|png|webp}.
// The filename may not start with a dot and may not contain slashes.
func buildPathPattern(albumID string) *regexp.Regexp {
	aid := regexp.QuoteMeta(albumID)
	return regexp.MustCompile(
		`(?i)^albums/` + aid + `/raw/[A-Za-z0-9_-]{21}/[A-Za-z0-9][A-Za-z0-9 ._-]*\.(jpeg|jpg|png|webp)$`)
}

// admitUpload is the precondition gate in front of photo record creation: the
// declared path must match the expected shape and the client-chosen photo id
// must be unused.
func (s *Server) admitUpload(ctx context.Context, albumID, declaredPath, clientPhotoID string) error {
	const op = "server.admitUpload"

	if !buildPathPattern(albumID).MatchString(declaredPath) {
		return ErrPathMismatch
	}

	exists, err := s.store.PhotoExists(ctx, clientPhotoID)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if exists {
		return ErrIDCollision
	}
	return nil
}
