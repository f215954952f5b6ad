// Package blob wraps the object storage the pipeline writes derived images to
// and the originals it reads back by url.
package blob

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"photomarket/internal/models"
)

// Store is the object storage surface the pipeline and pruner consume.
type Store interface {
	// Put uploads a jpeg under a random key below keyPrefix and returns its url.
	Put(ctx context.Context, data []byte, keyPrefix string) (string, error)
	// Delete removes the object a previous Put (or the upload flow) returned.
	Delete(ctx context.Context, blobURL string) error
}

// Fetcher retrieves original image bytes by their public url.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, error)
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(cfg *models.Config) (*MinioStore, error) {
	const op = "blob.NewMinioStore"

	client, err := minio.New(cfg.BlobEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.BlobAccessKey, cfg.BlobSecretKey, ""),
		Secure: cfg.BlobUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return &MinioStore{client: client, bucket: cfg.BlobBucket}, nil
}

func (m *MinioStore) Put(ctx context.Context, data []byte, keyPrefix string) (string, error) {
	const op = "blob.Put"

	key := randomKey(keyPrefix)
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "image/jpeg"})
	if err != nil {
		return "", fmt.Errorf("%s: %v", op, err)
	}
	return m.client.EndpointURL().JoinPath(m.bucket, key).String(), nil
}

func (m *MinioStore) Delete(ctx context.Context, blobURL string) error {
	const op = "blob.Delete"

	key, err := m.objectKey(blobURL)
	if err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%s: %v", op, err)
	}
	return nil
}

func (m *MinioStore) objectKey(blobURL string) (string, error) {
	u, err := url.Parse(blobURL)
	if err != nil {
		return "", err
	}
	key := strings.TrimPrefix(u.Path, "/"+m.bucket+"/")
	if key == "" || key == u.Path {
		return "", fmt.Errorf("url %q is not in bucket %q", blobURL, m.bucket)
	}
	return key, nil
}

// randomKey builds a 128-bit hex object key, optionally below a prefix such as
// "albums/{id}/".
func randomKey(prefix string) string {
	b := make([]byte, 16)
	rand.Read(b)
	name := hex.EncodeToString(b) + ".jpg"
	if prefix == "" {
		return name
	}
	return prefix + name
}

type HTTPFetcher struct {
	Client *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	const op = "blob.Fetch"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: unexpected status %d for %s", op, resp.StatusCode, rawURL)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %v", op, err)
	}
	return data, nil
}
