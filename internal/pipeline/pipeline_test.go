package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"photomarket/internal/models"
)

// memStore mimics the photo table's claim semantics: eligible means attached
// and NEW, claims set the lease, finalize writes clear it.
type memStore struct {
	mu     sync.Mutex
	photos map[string]*models.Photo
	order  []string
}

func newMemStore() *memStore {
	return &memStore{photos: make(map[string]*models.Photo)}
}

func (m *memStore) add(id, albumID, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var album *string
	if albumID != "" {
		album = &albumID
	}
	m.photos[id] = &models.Photo{ID: id, URL: url, Status: models.StatusNew, AlbumID: album}
	m.order = append(m.order, id)
}

func (m *memStore) ClaimBatch(_ context.Context, limit int) ([]models.ClaimedPhoto, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var claimed []models.ClaimedPhoto
	now := time.Now()
	for _, id := range m.order {
		if len(claimed) == limit {
			break
		}
		p := m.photos[id]
		if p == nil || p.AlbumID == nil || p.Status != models.StatusNew || p.ProcessingAt != nil {
			continue
		}
		p.ProcessingAt = &now
		claimed = append(claimed, models.ClaimedPhoto{ID: p.ID, AlbumID: *p.AlbumID, URL: p.URL, Attempts: p.Attempts})
	}
	return claimed, nil
}

func (m *memStore) MarkProcessed(_ context.Context, id, watermarkURL, thumbURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return errors.New("no such photo")
	}
	p.URLWatermark = &watermarkURL
	p.URLThumb = &thumbURL
	p.Status = models.StatusDone
	p.ProcessingAt = nil
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, attempts int, status models.PhotoStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.photos[id]
	if !ok {
		return errors.New("no such photo")
	}
	p.Attempts = attempts
	p.Status = status
	p.ProcessingAt = nil
	return nil
}

func (m *memStore) get(id string) models.Photo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.photos[id]
}

type fakeFetcher struct {
	failURLs map[string]bool
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if f.failURLs[url] {
		return nil, errors.New("unexpected status 404")
	}
	return []byte("original:" + url), nil
}

type fakeTransformer struct {
	watermarkErr error
	panicOn      bool
}

func (t *fakeTransformer) Watermark(_ context.Context, src []byte) ([]byte, error) {
	if t.panicOn {
		panic("decoder blew up")
	}
	if t.watermarkErr != nil {
		return nil, t.watermarkErr
	}
	return append([]byte("wm:"), src...), nil
}

func (t *fakeTransformer) Thumbnail(_ context.Context, src []byte) ([]byte, error) {
	return append([]byte("th:"), src...), nil
}

type fakeBlobStore struct {
	mu     sync.Mutex
	puts   int
	failed bool
}

func (b *fakeBlobStore) Put(_ context.Context, data []byte, keyPrefix string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failed {
		return "", errors.New("put refused")
	}
	b.puts++
	return fmt.Sprintf("https://blobs.test/%s%d.jpg", keyPrefix, b.puts), nil
}

func (b *fakeBlobStore) Delete(_ context.Context, _ string) error { return nil }

func testConfig() *models.Config {
	return &models.Config{BatchSize: 10, MaxAttempts: 3, CallTimeoutSeconds: 5}
}

func TestRunProcessesBatch(t *testing.T) {
	store := newMemStore()
	store.add("p1", "a1", "https://blobs.test/p1.jpg")
	store.add("p2", "a1", "https://blobs.test/p2.jpg")
	store.add("p3", "a1", "https://blobs.test/p3.jpg")

	p := New(testConfig(), store, &fakeBlobStore{}, &fakeFetcher{}, &fakeTransformer{})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Successful != 3 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 3 successful, 0 failed", report)
	}

	for _, id := range []string{"p1", "p2", "p3"} {
		photo := store.get(id)
		if photo.Status != models.StatusDone {
			t.Errorf("photo %s status = %s, want DONE", id, photo.Status)
		}
		if photo.URLWatermark == nil || photo.URLThumb == nil {
			t.Errorf("photo %s missing derived urls after DONE", id)
		}
		if photo.ProcessingAt != nil {
			t.Errorf("photo %s lease not cleared", id)
		}
	}
}

func TestRunEmptyClaim(t *testing.T) {
	store := newMemStore()
	store.add("orphan", "", "https://blobs.test/orphan.jpg")

	p := New(testConfig(), store, &fakeBlobStore{}, &fakeFetcher{}, &fakeTransformer{})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Successful != 0 || report.Failed != 0 {
		t.Fatalf("report = %+v, want empty", report)
	}
	if got := store.get("orphan"); got.ProcessingAt != nil {
		t.Fatalf("orphan photo must not be claimed")
	}
}

func TestRunBoundedRetries(t *testing.T) {
	store := newMemStore()
	store.add("p1", "a1", "https://blobs.test/p1.jpg")

	fetcher := &fakeFetcher{failURLs: map[string]bool{"https://blobs.test/p1.jpg": true}}
	p := New(testConfig(), store, &fakeBlobStore{}, fetcher, &fakeTransformer{})

	for run := 1; run <= 3; run++ {
		report, err := p.Run(context.Background())
		if err != nil {
			t.Fatalf("run %d: unexpected error: %v", run, err)
		}
		if report.Failed != 1 || report.Successful != 0 {
			t.Fatalf("run %d: report = %+v, want 1 failed", run, report)
		}

		photo := store.get("p1")
		if photo.Attempts != run {
			t.Fatalf("run %d: attempts = %d, want %d", run, photo.Attempts, run)
		}
		if photo.ProcessingAt != nil {
			t.Fatalf("run %d: lease not cleared", run)
		}
		wantStatus := models.StatusNew
		if run == 3 {
			wantStatus = models.StatusFailed
		}
		if photo.Status != wantStatus {
			t.Fatalf("run %d: status = %s, want %s", run, photo.Status, wantStatus)
		}
	}

	// terminal: a further run must not re-claim the FAILED record
	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Successful != 0 || report.Failed != 0 {
		t.Fatalf("FAILED record was re-claimed: %+v", report)
	}
	if got := store.get("p1"); got.Status != models.StatusFailed || got.Attempts != 3 {
		t.Fatalf("terminal state changed: %+v", got)
	}
}

func TestRunIsolatesRecordFailures(t *testing.T) {
	store := newMemStore()
	store.add("bad", "a1", "https://blobs.test/bad.jpg")
	store.add("good", "a1", "https://blobs.test/good.jpg")

	fetcher := &fakeFetcher{failURLs: map[string]bool{"https://blobs.test/bad.jpg": true}}
	p := New(testConfig(), store, &fakeBlobStore{}, fetcher, &fakeTransformer{})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Successful != 1 || report.Failed != 1 {
		t.Fatalf("report = %+v, want 1/1", report)
	}
	if got := store.get("good"); got.Status != models.StatusDone {
		t.Fatalf("good photo status = %s, want DONE", got.Status)
	}
	if got := store.get("bad"); got.Status != models.StatusNew || got.Attempts != 1 {
		t.Fatalf("bad photo = %+v, want NEW with 1 attempt", got)
	}
}

func TestRunTransformFailure(t *testing.T) {
	store := newMemStore()
	store.add("p1", "a1", "https://blobs.test/p1.jpg")

	p := New(testConfig(), store, &fakeBlobStore{}, &fakeFetcher{},
		&fakeTransformer{watermarkErr: errors.New("corrupt image")})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}
	if got := store.get("p1"); got.Status != models.StatusNew || got.Attempts != 1 || got.ProcessingAt != nil {
		t.Fatalf("photo = %+v, want NEW, 1 attempt, cleared lease", got)
	}
}

func TestRunUploadFailure(t *testing.T) {
	store := newMemStore()
	store.add("p1", "a1", "https://blobs.test/p1.jpg")

	p := New(testConfig(), store, &fakeBlobStore{failed: true}, &fakeFetcher{}, &fakeTransformer{})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}
	if got := store.get("p1"); got.Status != models.StatusNew || got.Attempts != 1 {
		t.Fatalf("photo = %+v, want NEW with 1 attempt", got)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	store := newMemStore()
	store.add("p1", "a1", "https://blobs.test/p1.jpg")
	store.add("p2", "a1", "https://blobs.test/p2.jpg")

	// the panicking transformer hits every record; both must still finalize
	p := New(testConfig(), store, &fakeBlobStore{}, &fakeFetcher{}, &fakeTransformer{panicOn: true})

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Failed != 2 || report.Successful != 0 {
		t.Fatalf("report = %+v, want 2 failed", report)
	}
	for _, id := range []string{"p1", "p2"} {
		if got := store.get(id); got.ProcessingAt != nil || got.Attempts != 1 {
			t.Fatalf("photo %s = %+v, want cleared lease and 1 attempt", id, got)
		}
	}
}

func TestRunRespectsBatchSize(t *testing.T) {
	store := newMemStore()
	for i := 0; i < 15; i++ {
		store.add(fmt.Sprintf("p%02d", i), "a1", fmt.Sprintf("https://blobs.test/p%02d.jpg", i))
	}

	cfg := testConfig()
	p := New(cfg, store, &fakeBlobStore{}, &fakeFetcher{}, &fakeTransformer{})

	first, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Successful != 10 {
		t.Fatalf("first run processed %d, want 10", first.Successful)
	}

	second, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Successful != 5 {
		t.Fatalf("second run processed %d, want 5", second.Successful)
	}
}
