package receipt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// importableTypes are the upload formats the encoder can turn into analyzer input
var importableTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"image/webp",
	"image/heic",
	"image/heif",
	"application/pdf",
}

// ErrUnsupportedImage is returned when an upload is not an importable image
var ErrUnsupportedImage = errors.New("unsupported image format")

// IDGenerator generates unique IDs for imported images
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// defaultIDGenerator generates random UUIDs
type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

// defaultTimeSource provides the current time
type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Service ties image storage, the inbox and stored receipts together
type Service struct {
	repo        *Repository
	inbox       *Inbox
	storage     Storage
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a new Service with default ID generator and time source
func NewService(repo *Repository, inbox *Inbox, storage Storage) *Service {
	return NewServiceWithDeps(repo, inbox, storage, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(repo *Repository, inbox *Inbox, storage Storage, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		repo:        repo,
		inbox:       inbox,
		storage:     storage,
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	repeatedSpaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	base = unsafeFilenameChars.ReplaceAllString(base, "")
	base = repeatedSpaces.ReplaceAllString(base, " ")
	base = strings.TrimSpace(base)
	// Spaces make awkward URIs
	base = strings.ReplaceAll(base, " ", "-")

	// Truncate to reasonable length (50 chars for base, plus extension)
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "image"
	}
	if ext != "" && unsafeFilenameChars.MatchString(ext[1:]) {
		ext = ""
	}
	return base + ext
}

// ImportImage stores an uploaded image and adds it to the inbox
func (s *Service) ImportImage(filename string, data []byte) (*ImageReference, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrUnsupportedImage)
	}
	mt := mimetype.Detect(data)
	if !mimetype.EqualsAny(mt.String(), importableTypes...) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedImage, mt.String())
	}

	key := fmt.Sprintf("%s_%s", s.idGenerator.Generate(), sanitizeFilename(filename))
	savedPath, err := s.storage.Save(key, data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	ref := ImageReference{URI: savedPath, DateCreated: s.timeSource.Now().UnixMilli()}
	s.inbox.AddImages(ref)
	slog.Info("Imported image", "uri", ref.URI, "filename", filename, "content_type", mt.String(), "size", len(data))
	return &ref, nil
}

// ImageFile returns the stored bytes of an image and their content type
func (s *Service) ImageFile(uri string) ([]byte, string, error) {
	data, err := s.storage.Get(uri)
	if err != nil {
		return nil, "", fmt.Errorf("getting image file: %w", err)
	}
	return data, mimetype.Detect(data).String(), nil
}

// Inbox returns the pending images and whether analysis is running
func (s *Service) Inbox() ([]ImageWithAnalysis, bool) {
	return s.inbox.Entries(), s.inbox.IsAnalyzing()
}

// AnalyzeInbox starts analysis of the selected pending images in the background
func (s *Service) AnalyzeInbox(ctx context.Context, uris []string) error {
	if _, err := s.inbox.StartAnalysis(ctx, uris); err != nil {
		return fmt.Errorf("starting analysis: %w", err)
	}
	return nil
}

// RemoveFromInbox drops pending images. Files of images that were never
// stored as receipts are deleted.
func (s *Service) RemoveFromInbox(ctx context.Context, uris []string) error {
	s.inbox.RemoveImages(uris...)
	return s.deleteUnreferenced(ctx, uris)
}

// ClearInbox drops every pending image
func (s *Service) ClearInbox(ctx context.Context) error {
	removed := s.inbox.RemoveAll()
	uris := make([]string, 0, len(removed))
	for _, ref := range removed {
		uris = append(uris, ref.URI)
	}
	return s.deleteUnreferenced(ctx, uris)
}

// ListImages returns all stored images
func (s *Service) ListImages(ctx context.Context) ([]ImageWithAnalysis, error) {
	return s.repo.ListImages(ctx)
}

// ListReceipts returns stored receipts, newest first
func (s *Service) ListReceipts(ctx context.Context) ([]ImageWithAnalysis, error) {
	return s.repo.ListReceipts(ctx)
}

// WatchImages streams snapshots of all stored images until ctx is done
func (s *Service) WatchImages(ctx context.Context) (<-chan []ImageWithAnalysis, error) {
	return s.repo.Images(ctx)
}

// WatchReceipts streams snapshots of stored receipts until ctx is done
func (s *Service) WatchReceipts(ctx context.Context) (<-chan []ImageWithAnalysis, error) {
	return s.repo.Receipts(ctx)
}

// RemoveReceipts deletes stored receipts. Files still pending in the inbox are kept.
func (s *Service) RemoveReceipts(ctx context.Context, uris []string) error {
	for _, uri := range uris {
		if err := s.repo.RemoveImage(ctx, uri); err != nil {
			return fmt.Errorf("removing receipt %s: %w", uri, err)
		}
		s.deleteFileUnlessPending(uri)
	}
	return nil
}

// RemoveAllReceipts deletes every stored image
func (s *Service) RemoveAllReceipts(ctx context.Context) error {
	images, err := s.repo.ListImages(ctx)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveAll(ctx); err != nil {
		return err
	}
	for _, img := range images {
		s.deleteFileUnlessPending(img.Image.URI)
	}
	return nil
}

// Summary groups stored receipts by period and category
func (s *Service) Summary(ctx context.Context) (*Summary, error) {
	receipts, err := s.repo.ListReceipts(ctx)
	if err != nil {
		return nil, err
	}
	summary := BuildSummary(receipts, s.timeSource.Now())
	return &summary, nil
}

// Export writes stored receipts as an XLSX workbook
func (s *Service) Export(ctx context.Context, w io.Writer) error {
	receipts, err := s.repo.ListReceipts(ctx)
	if err != nil {
		return err
	}
	if err := WriteXLSX(w, receipts); err != nil {
		return fmt.Errorf("exporting receipts: %w", err)
	}
	return nil
}

// deleteUnreferenced deletes files that are not stored in the repository
func (s *Service) deleteUnreferenced(ctx context.Context, uris []string) error {
	for _, uri := range uris {
		_, err := s.repo.GetImage(ctx, uri)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrImageNotFound) {
			return err
		}
		if err := s.storage.Delete(uri); err != nil {
			// Log error but keep going
			slog.Warn("Failed to delete file", "uri", uri, "error", err)
		}
	}
	return nil
}

func (s *Service) deleteFileUnlessPending(uri string) {
	if s.inbox.Has(uri) {
		return
	}
	if err := s.storage.Delete(uri); err != nil {
		slog.Warn("Failed to delete file", "uri", uri, "error", err)
	}
}
