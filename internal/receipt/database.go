package receipt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	imagesBucketName   = "images"
	analysesBucketName = "analyses"
	itemsBucketName    = "items"
)

// ErrImageNotFound is returned when an operation targets an image that is not stored
var ErrImageNotFound = errors.New("image not found")

// DB defines the interface for database operations
type DB interface {
	// UpsertImages inserts images, replacing any stored image with the same URI.
	// Existing analyses are kept.
	UpsertImages(ctx context.Context, images []ImageReference) error

	// UpsertAnalysis stores the analysis for uri, replacing its line items.
	// Returns ErrImageNotFound if the image is not stored.
	UpsertAnalysis(ctx context.Context, uri string, analysis *Analysis) error

	// GetImage retrieves an image and its analysis by URI
	GetImage(ctx context.Context, uri string) (*ImageWithAnalysis, error)

	// ListImages returns all images, newest first
	ListImages(ctx context.Context) ([]ImageWithAnalysis, error)

	// DeleteImage removes an image with its analysis and line items
	DeleteImage(ctx context.Context, uri string) error

	// DeleteAll removes every image, analysis and line item
	DeleteAll(ctx context.Context) error

	// Close closes the database connection
	Close() error
}

// storedAnalysis is the analysis record without its line items
type storedAnalysis struct {
	Category   string  `json:"category"`
	FinalPrice int     `json:"final_price"`
	Date       *string `json:"date"`
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	// Create buckets if they don't exist
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{imagesBucketName, analysesBucketName, itemsBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// UpsertImages saves images to the database
func (b *BoltDB) UpsertImages(ctx context.Context, images []ImageReference) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(imagesBucketName))
		for _, img := range images {
			data, err := json.Marshal(img)
			if err != nil {
				return fmt.Errorf("marshaling image: %w", err)
			}
			if err := bucket.Put([]byte(img.URI), data); err != nil {
				return fmt.Errorf("saving image %s: %w", img.URI, err)
			}
		}
		return nil
	})
}

// UpsertAnalysis saves an analysis and its line items in one transaction
func (b *BoltDB) UpsertAnalysis(ctx context.Context, uri string, analysis *Analysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if analysis == nil {
		return errors.New("analysis is required")
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(imagesBucketName)).Get([]byte(uri)) == nil {
			return fmt.Errorf("%w: %s", ErrImageNotFound, uri)
		}

		data, err := json.Marshal(storedAnalysis{
			Category:   analysis.Category.Name(),
			FinalPrice: analysis.FinalPrice,
			Date:       analysis.Date,
		})
		if err != nil {
			return fmt.Errorf("marshaling analysis: %w", err)
		}
		if err := tx.Bucket([]byte(analysesBucketName)).Put([]byte(uri), data); err != nil {
			return fmt.Errorf("saving analysis: %w", err)
		}

		// Replace the full item set
		items := tx.Bucket([]byte(itemsBucketName))
		if items.Bucket([]byte(uri)) != nil {
			if err := items.DeleteBucket([]byte(uri)); err != nil {
				return fmt.Errorf("clearing line items: %w", err)
			}
		}
		itemBucket, err := items.CreateBucket([]byte(uri))
		if err != nil {
			return fmt.Errorf("creating line item bucket: %w", err)
		}
		for _, item := range analysis.Items {
			id, err := itemBucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating line item id: %w", err)
			}
			data, err := json.Marshal(item)
			if err != nil {
				return fmt.Errorf("marshaling line item: %w", err)
			}
			if err := itemBucket.Put(sequenceKey(id), data); err != nil {
				return fmt.Errorf("saving line item: %w", err)
			}
		}
		return nil
	})
}

// GetImage retrieves an image by URI
func (b *BoltDB) GetImage(ctx context.Context, uri string) (*ImageWithAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result *ImageWithAnalysis
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(imagesBucketName)).Get([]byte(uri))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrImageNotFound, uri)
		}
		img, err := readImage(tx, data)
		if err != nil {
			return err
		}
		result = &img
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListImages returns all images
func (b *BoltDB) ListImages(ctx context.Context) ([]ImageWithAnalysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	images := make([]ImageWithAnalysis, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(imagesBucketName)).ForEach(func(k, v []byte) error {
			img, err := readImage(tx, v)
			if err != nil {
				return err
			}
			images = append(images, img)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortImages(images)
	return images, nil
}

// DeleteImage removes an image from the database
func (b *BoltDB) DeleteImage(ctx context.Context, uri string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deleteImage(tx, []byte(uri))
	})
}

// DeleteAll removes all images from the database
func (b *BoltDB) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{imagesBucketName, analysesBucketName, itemsBucketName} {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return fmt.Errorf("deleting bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

func deleteImage(tx *bbolt.Tx, uri []byte) error {
	if err := tx.Bucket([]byte(imagesBucketName)).Delete(uri); err != nil {
		return fmt.Errorf("deleting image: %w", err)
	}
	if err := tx.Bucket([]byte(analysesBucketName)).Delete(uri); err != nil {
		return fmt.Errorf("deleting analysis: %w", err)
	}
	items := tx.Bucket([]byte(itemsBucketName))
	if items.Bucket(uri) != nil {
		if err := items.DeleteBucket(uri); err != nil {
			return fmt.Errorf("deleting line items: %w", err)
		}
	}
	return nil
}

// readImage joins a stored image record with its analysis and items
func readImage(tx *bbolt.Tx, data []byte) (ImageWithAnalysis, error) {
	var ref ImageReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return ImageWithAnalysis{}, fmt.Errorf("unmarshaling image: %w", err)
	}
	img := ImageWithAnalysis{Image: ref, Status: StatusUnanalyzed}

	analysisData := tx.Bucket([]byte(analysesBucketName)).Get([]byte(ref.URI))
	if analysisData == nil {
		return img, nil
	}
	var stored storedAnalysis
	if err := json.Unmarshal(analysisData, &stored); err != nil {
		return ImageWithAnalysis{}, fmt.Errorf("unmarshaling analysis: %w", err)
	}

	items := make([]LineItem, 0)
	if itemBucket := tx.Bucket([]byte(itemsBucketName)).Bucket([]byte(ref.URI)); itemBucket != nil {
		err := itemBucket.ForEach(func(k, v []byte) error {
			var item LineItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling line item: %w", err)
			}
			items = append(items, item)
			return nil
		})
		if err != nil {
			return ImageWithAnalysis{}, err
		}
	}

	img.Status = StatusConfirmed
	img.Analysis = &Analysis{
		Items:      items,
		Category:   ParseCategory(stored.Category),
		FinalPrice: stored.FinalPrice,
		Date:       stored.Date,
	}
	return img, nil
}

// sequenceKey encodes a bucket sequence big-endian so keys iterate in insertion order
func sequenceKey(id uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, id)
	return key
}

// sortImages orders images newest first, breaking ties by URI
func sortImages(images []ImageWithAnalysis) {
	sort.SliceStable(images, func(i, j int) bool {
		if images[i].Image.DateCreated != images[j].Image.DateCreated {
			return images[i].Image.DateCreated > images[j].Image.DateCreated
		}
		return images[i].Image.URI < images[j].Image.URI
	})
}
