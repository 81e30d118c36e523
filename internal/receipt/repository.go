package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Repository stores confirmed images and publishes snapshots of the stored
// images and receipts to subscribers after every change.
type Repository struct {
	db DB

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	ch           chan []ImageWithAnalysis
	receiptsOnly bool
}

// NewRepository creates a new Repository backed by db
func NewRepository(db DB) *Repository {
	return &Repository{
		db:   db,
		subs: make(map[*subscription]struct{}),
	}
}

// Images subscribes to all stored images, newest first. The current snapshot
// is delivered immediately and a new one after every change; a slow reader
// only sees the latest. The channel is closed when ctx is done.
func (r *Repository) Images(ctx context.Context) (<-chan []ImageWithAnalysis, error) {
	return r.subscribe(ctx, false)
}

// Receipts subscribes to stored images that have been confirmed as receipts
func (r *Repository) Receipts(ctx context.Context) (<-chan []ImageWithAnalysis, error) {
	return r.subscribe(ctx, true)
}

// ListImages returns all stored images, newest first
func (r *Repository) ListImages(ctx context.Context) ([]ImageWithAnalysis, error) {
	images, err := r.db.ListImages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing images: %w", err)
	}
	return images, nil
}

// ListReceipts returns stored receipts, newest first
func (r *Repository) ListReceipts(ctx context.Context) ([]ImageWithAnalysis, error) {
	images, err := r.ListImages(ctx)
	if err != nil {
		return nil, err
	}
	return receiptsOf(images), nil
}

// GetImage returns a stored image by URI
func (r *Repository) GetImage(ctx context.Context, uri string) (*ImageWithAnalysis, error) {
	img, err := r.db.GetImage(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("getting image: %w", err)
	}
	return img, nil
}

// AddImages upserts images by URI
func (r *Repository) AddImages(ctx context.Context, refs ...ImageReference) error {
	if len(refs) == 0 {
		return nil
	}
	if err := r.db.UpsertImages(ctx, refs); err != nil {
		return fmt.Errorf("adding images: %w", err)
	}
	r.publish(ctx)
	return nil
}

// UpdateAnalysis stores the analysis for a stored image, replacing its line
// items. The image's creation time is left unchanged.
func (r *Repository) UpdateAnalysis(ctx context.Context, uri string, analysis *Analysis) error {
	if err := r.db.UpsertAnalysis(ctx, uri, analysis); err != nil {
		return fmt.Errorf("updating analysis: %w", err)
	}
	r.publish(ctx)
	return nil
}

// RemoveImage deletes an image along with its analysis and line items
func (r *Repository) RemoveImage(ctx context.Context, uri string) error {
	if err := r.db.DeleteImage(ctx, uri); err != nil {
		return fmt.Errorf("removing image: %w", err)
	}
	r.publish(ctx)
	return nil
}

// RemoveAll deletes every stored image
func (r *Repository) RemoveAll(ctx context.Context) error {
	if err := r.db.DeleteAll(ctx); err != nil {
		return fmt.Errorf("removing all images: %w", err)
	}
	r.publish(ctx)
	return nil
}

func (r *Repository) subscribe(ctx context.Context, receiptsOnly bool) (<-chan []ImageWithAnalysis, error) {
	sub := &subscription{
		ch:           make(chan []ImageWithAnalysis, 1),
		receiptsOnly: receiptsOnly,
	}

	// Listing under the lock orders the first snapshot before any publish
	r.mu.Lock()
	images, err := r.db.ListImages(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("listing images: %w", err)
	}
	r.subs[sub] = struct{}{}
	sub.send(images)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs, sub)
		close(sub.ch)
		r.mu.Unlock()
	}()

	return sub.ch, nil
}

// publish sends a fresh snapshot to every subscriber
func (r *Repository) publish(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) == 0 {
		return
	}

	// A cancelled caller still gets its change published
	images, err := r.db.ListImages(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("Failed to publish image snapshot", "error", err)
		return
	}
	for sub := range r.subs {
		sub.send(images)
	}
}

// send delivers a snapshot, replacing any snapshot the reader has not taken yet.
// Callers hold the repository mutex.
func (s *subscription) send(images []ImageWithAnalysis) {
	var snapshot []ImageWithAnalysis
	if s.receiptsOnly {
		snapshot = receiptsOf(images)
	} else {
		snapshot = append(make([]ImageWithAnalysis, 0, len(images)), images...)
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snapshot
}

func receiptsOf(images []ImageWithAnalysis) []ImageWithAnalysis {
	receipts := make([]ImageWithAnalysis, 0, len(images))
	for _, img := range images {
		if img.IsReceipt() {
			receipts = append(receipts, img)
		}
	}
	return receipts
}
