package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/zombor/palbudget/internal/scanning"
)

// DefaultConcurrency is the number of images analyzed at once
const DefaultConcurrency = 3

var (
	// ErrNothingSelected is returned when none of the selected URIs are pending
	ErrNothingSelected = errors.New("no images selected for analysis")
	// ErrAnalysisInProgress is returned when analysis is started while a batch is running
	ErrAnalysisInProgress = errors.New("analysis already in progress")
)

// ImageEncoder turns a stored image into a base64 data URI
type ImageEncoder interface {
	Encode(ctx context.Context, uri string) (string, error)
}

// ReceiptStore persists confirmed receipts
type ReceiptStore interface {
	AddImages(ctx context.Context, refs ...ImageReference) error
	UpdateAnalysis(ctx context.Context, uri string, analysis *Analysis) error
	RemoveImage(ctx context.Context, uri string) error
}

type inboxEntry struct {
	image    ImageReference
	status   Status
	analysis *Analysis
}

// Inbox holds imported images awaiting analysis, newest first, and runs
// analysis over a selection of them with bounded concurrency.
type Inbox struct {
	analyzer    scanning.Analyzer
	encoder     ImageEncoder
	store       ReceiptStore
	notifier    Notifier
	concurrency int

	mu    sync.Mutex
	order []string
	byURI map[string]*inboxEntry

	analyzing atomic.Bool
}

// InboxOption configures an Inbox
type InboxOption func(*Inbox)

// WithConcurrency sets how many images are analyzed at once
func WithConcurrency(n int) InboxOption {
	return func(i *Inbox) {
		if n > 0 {
			i.concurrency = n
		}
	}
}

// NewInbox creates an empty Inbox
func NewInbox(analyzer scanning.Analyzer, encoder ImageEncoder, store ReceiptStore, notifier Notifier, opts ...InboxOption) *Inbox {
	i := &Inbox{
		analyzer:    analyzer,
		encoder:     encoder,
		store:       store,
		notifier:    notifier,
		concurrency: DefaultConcurrency,
		byURI:       make(map[string]*inboxEntry),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// AddImages puts images at the front of the inbox, newest first. An image
// that is already pending is replaced.
func (i *Inbox) AddImages(refs ...ImageReference) {
	if len(refs) == 0 {
		return
	}
	batch := append([]ImageReference(nil), refs...)
	sort.SliceStable(batch, func(a, b int) bool {
		return batch[a].DateCreated > batch[b].DateCreated
	})

	i.mu.Lock()
	defer i.mu.Unlock()

	added := make(map[string]bool, len(batch))
	front := make([]string, 0, len(batch))
	for _, ref := range batch {
		if added[ref.URI] {
			continue
		}
		added[ref.URI] = true
		front = append(front, ref.URI)
		i.byURI[ref.URI] = &inboxEntry{image: ref, status: StatusUnanalyzed}
	}

	rest := make([]string, 0, len(i.order))
	for _, uri := range i.order {
		if !added[uri] {
			rest = append(rest, uri)
		}
	}
	i.order = append(front, rest...)
	slog.Debug("Added images to inbox", "count", len(front), "pending", len(i.order))
}

// RemoveImages drops images from the inbox. Stored receipts are not affected.
func (i *Inbox) RemoveImages(uris ...string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	remove := make(map[string]bool, len(uris))
	for _, uri := range uris {
		remove[uri] = true
		delete(i.byURI, uri)
	}
	kept := i.order[:0]
	for _, uri := range i.order {
		if !remove[uri] {
			kept = append(kept, uri)
		}
	}
	i.order = kept
}

// RemoveAll empties the inbox and returns the images it held
func (i *Inbox) RemoveAll() []ImageReference {
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := make([]ImageReference, 0, len(i.order))
	for _, uri := range i.order {
		removed = append(removed, i.byURI[uri].image)
	}
	i.order = nil
	i.byURI = make(map[string]*inboxEntry)
	return removed
}

// Entries returns a snapshot of the inbox, newest first
func (i *Inbox) Entries() []ImageWithAnalysis {
	i.mu.Lock()
	defer i.mu.Unlock()

	entries := make([]ImageWithAnalysis, 0, len(i.order))
	for _, uri := range i.order {
		e := i.byURI[uri]
		entries = append(entries, ImageWithAnalysis{Image: e.image, Status: e.status, Analysis: e.analysis})
	}
	return entries
}

// Has reports whether uri is pending
func (i *Inbox) Has(uri string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.byURI[uri]
	return ok
}

// IsAnalyzing reports whether a batch is running
func (i *Inbox) IsAnalyzing() bool {
	return i.analyzing.Load()
}

// AnalyzeSelected analyzes the selected pending images and blocks until every
// chunk has finished. Per-image failures are reported through the notifier
// and leave the image unanalyzed.
func (i *Inbox) AnalyzeSelected(ctx context.Context, uris []string) error {
	selected, err := i.begin(uris)
	if err != nil {
		return err
	}
	i.run(ctx, selected)
	return nil
}

// StartAnalysis is AnalyzeSelected run in the background. The returned
// channel is closed once the batch has finished.
func (i *Inbox) StartAnalysis(ctx context.Context, uris []string) (<-chan struct{}, error) {
	selected, err := i.begin(uris)
	if err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		i.run(ctx, selected)
	}()
	return done, nil
}

// begin resolves the selection in inbox order and claims the analyzing flag
func (i *Inbox) begin(uris []string) ([]*inboxEntry, error) {
	wanted := make(map[string]bool, len(uris))
	for _, uri := range uris {
		wanted[uri] = true
	}

	i.mu.Lock()
	selected := make([]*inboxEntry, 0, len(uris))
	for _, uri := range i.order {
		if wanted[uri] {
			selected = append(selected, i.byURI[uri])
		}
	}
	i.mu.Unlock()

	if len(selected) == 0 {
		i.notifier.Info("No images selected for analysis")
		return nil, ErrNothingSelected
	}
	if !i.analyzing.CompareAndSwap(false, true) {
		return nil, ErrAnalysisInProgress
	}
	return selected, nil
}

func (i *Inbox) run(ctx context.Context, selected []*inboxEntry) {
	defer i.analyzing.Store(false)

	slog.Info("Analyzing images", "count", len(selected), "concurrency", i.concurrency)
	i.notifier.Info(fmt.Sprintf("Analyzing %d image(s)...", len(selected)))

	for start := 0; start < len(selected); start += i.concurrency {
		if err := ctx.Err(); err != nil {
			slog.Warn("Analysis cancelled", "remaining", len(selected)-start, "error", err)
			return
		}
		end := min(start+i.concurrency, len(selected))

		// Each chunk is a barrier; the next starts once all of these have finished
		var g errgroup.Group
		for _, e := range selected[start:end] {
			g.Go(func() error {
				i.analyzeOne(ctx, e)
				return nil
			})
		}
		g.Wait()
	}
	slog.Info("Analysis finished", "count", len(selected))
}

// analyzeOne sends a single image to the analyzer and reconciles the result
func (i *Inbox) analyzeOne(ctx context.Context, e *inboxEntry) {
	uri := e.image.URI

	image, err := i.encoder.Encode(ctx, uri)
	if err != nil {
		slog.Error("Failed to encode image", "uri", uri, "error", err)
		i.fail(ctx, fmt.Sprintf("Analysis failed for %s: %v", uri, err))
		return
	}

	results, err := i.analyzer.AnalyzeReceipts(ctx, []string{image}, []string{uri})
	if err != nil {
		slog.Error("Failed to analyze image", "uri", uri, "error", err)
		i.fail(ctx, fmt.Sprintf("Analysis failed: %v", err))
		return
	}

	result, ok := firstResult(uri, results)
	if !ok {
		slog.Error("Analyzer returned no result for image", "uri", uri, "results", len(results))
		i.fail(ctx, fmt.Sprintf("Analysis failed for %s: no result for image", uri))
		return
	}

	if ctx.Err() != nil {
		slog.Debug("Dropping result for cancelled analysis", "uri", uri)
		return
	}
	i.reconcile(ctx, e, result)
}

func (i *Inbox) fail(ctx context.Context, message string) {
	if ctx.Err() != nil {
		return
	}
	i.notifier.Error(message)
}

// reconcile applies a result to the entry it was produced for, if that entry
// is still in the inbox
func (i *Inbox) reconcile(ctx context.Context, e *inboxEntry, result scanning.ImageAnalysis) {
	i.mu.Lock()
	defer i.mu.Unlock()

	uri := e.image.URI
	if current, ok := i.byURI[uri]; !ok || current != e {
		slog.Debug("Image left the inbox during analysis", "uri", uri)
		return
	}

	switch {
	case result.IsReceipt && result.Analysis != nil:
		analysis := analysisFromScan(result.Analysis)
		if err := i.store.AddImages(ctx, e.image); err != nil {
			slog.Error("Failed to save image", "uri", uri, "error", err)
			i.notifier.Error(fmt.Sprintf("Failed to save receipt %s: %v", uri, err))
			return
		}
		if err := i.store.UpdateAnalysis(ctx, uri, analysis); err != nil {
			slog.Error("Failed to save analysis", "uri", uri, "error", err)
			// The image stays pending, so it must not be listed as stored
			if err := i.store.RemoveImage(ctx, uri); err != nil {
				slog.Error("Failed to remove image without analysis", "uri", uri, "error", err)
			}
			i.notifier.Error(fmt.Sprintf("Failed to save receipt %s: %v", uri, err))
			return
		}
		e.status = StatusConfirmed
		e.analysis = analysis
		slog.Info("Receipt confirmed", "uri", uri, "category", analysis.Category.Name(), "final_price", analysis.FinalPrice)
	case !result.IsReceipt:
		e.status = StatusRejected
		e.analysis = nil
		slog.Info("Image is not a receipt", "uri", uri)
	default:
		slog.Warn("Receipt detected without analysis", "uri", uri)
		i.notifier.Error(fmt.Sprintf("Analysis failed for %s: receipt detected without details", uri))
	}
}

// firstResult picks the result for the only image in a single-image request.
// Some models number images from 1, so a lone result is taken whatever its index.
func firstResult(uri string, results []scanning.ImageAnalysis) (scanning.ImageAnalysis, bool) {
	for _, r := range results {
		if r.ImageIndex == 0 {
			return r, true
		}
	}
	if len(results) == 1 {
		slog.Warn("Analyzer result has unexpected image index", "uri", uri, "image_index", results[0].ImageIndex)
		return results[0], true
	}
	return scanning.ImageAnalysis{}, false
}
