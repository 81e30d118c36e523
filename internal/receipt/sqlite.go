package receipt

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationTable = "schema_migrations"

// SQLiteDB implements the DB interface using SQLite
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB opens a SQLite database and applies the embedded migrations
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite: %w", err)
	}
	if err := applyMigrations(db, migrationsFS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

// applyMigrations runs each embedded migration at most once
func applyMigrations(db *sql.DB, migrations fs.FS) error {
	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
		name TEXT PRIMARY KEY,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := db.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrations, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", file, err)
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upMigration(string(content))); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", file, err)
		}
		if _, err := tx.Exec("INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)", file, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", file, err)
		}
	}
	return nil
}

// upMigration returns the SQL between the Up and Down markers
func upMigration(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	if i := strings.Index(content, up); i >= 0 {
		content = content[i+len(up):]
	}
	if i := strings.Index(content, down); i >= 0 {
		content = content[:i]
	}
	return content
}

// UpsertImages saves images, keeping any existing analysis
func (s *SQLiteDB) UpsertImages(ctx context.Context, images []ImageReference) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, img := range images {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO images (uri, date_created) VALUES (?, ?)
				 ON CONFLICT(uri) DO UPDATE SET date_created = excluded.date_created`,
				img.URI, img.DateCreated,
			)
			if err != nil {
				return fmt.Errorf("saving image %s: %w", img.URI, err)
			}
		}
		return nil
	})
}

// UpsertAnalysis saves an analysis and replaces its line items
func (s *SQLiteDB) UpsertAnalysis(ctx context.Context, uri string, analysis *Analysis) error {
	if analysis == nil {
		return errors.New("analysis is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var found int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM images WHERE uri = ?`, uri).Scan(&found)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrImageNotFound, uri)
		}
		if err != nil {
			return fmt.Errorf("checking image: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO receipt_analysis (image_uri, category, final_price, date) VALUES (?, ?, ?, ?)
			 ON CONFLICT(image_uri) DO UPDATE SET
			   category = excluded.category,
			   final_price = excluded.final_price,
			   date = excluded.date`,
			uri, analysis.Category.Name(), analysis.FinalPrice, nullString(analysis.Date),
		)
		if err != nil {
			return fmt.Errorf("saving analysis: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM receipt_items WHERE image_uri = ?`, uri); err != nil {
			return fmt.Errorf("clearing line items: %w", err)
		}
		for _, item := range analysis.Items {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO receipt_items (image_uri, name, price) VALUES (?, ?, ?)`,
				uri, item.Name, item.Price,
			)
			if err != nil {
				return fmt.Errorf("saving line item: %w", err)
			}
		}
		return nil
	})
}

// GetImage retrieves an image by URI
func (s *SQLiteDB) GetImage(ctx context.Context, uri string) (*ImageWithAnalysis, error) {
	images, err := s.queryImages(ctx, `WHERE i.uri = ?`, uri)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrImageNotFound, uri)
	}
	return &images[0], nil
}

// ListImages returns all images
func (s *SQLiteDB) ListImages(ctx context.Context) ([]ImageWithAnalysis, error) {
	return s.queryImages(ctx, "")
}

// DeleteImage removes an image; analysis and line items cascade
func (s *SQLiteDB) DeleteImage(ctx context.Context, uri string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE uri = ?`, uri); err != nil {
		return fmt.Errorf("deleting image: %w", err)
	}
	return nil
}

// DeleteAll removes all images; analyses and line items cascade
func (s *SQLiteDB) DeleteAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM images`); err != nil {
		return fmt.Errorf("deleting images: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// queryImages reads images joined with their analyses and line items in one
// read transaction. where is an optional clause on the images table alias i.
func (s *SQLiteDB) queryImages(ctx context.Context, where string, args ...any) ([]ImageWithAnalysis, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT i.uri, i.date_created, a.category, a.final_price, a.date
		 FROM images i
		 LEFT JOIN receipt_analysis a ON a.image_uri = i.uri `+where+`
		 ORDER BY i.date_created DESC, i.uri ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}

	images := make([]ImageWithAnalysis, 0)
	index := make(map[string]int)
	for rows.Next() {
		var (
			img        ImageWithAnalysis
			category   sql.NullString
			finalPrice sql.NullInt64
			date       sql.NullString
		)
		if err := rows.Scan(&img.Image.URI, &img.Image.DateCreated, &category, &finalPrice, &date); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning image: %w", err)
		}
		if category.Valid {
			img.Status = StatusConfirmed
			img.Analysis = &Analysis{
				Items:      make([]LineItem, 0),
				Category:   ParseCategory(category.String),
				FinalPrice: int(finalPrice.Int64),
			}
			if date.Valid {
				d := date.String
				img.Analysis.Date = &d
			}
		}
		index[img.Image.URI] = len(images)
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating images: %w", err)
	}
	rows.Close()

	itemRows, err := tx.QueryContext(ctx, `SELECT image_uri, name, price FROM receipt_items ORDER BY image_uri, id`)
	if err != nil {
		return nil, fmt.Errorf("querying line items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var (
			uri  string
			item LineItem
		)
		if err := itemRows.Scan(&uri, &item.Name, &item.Price); err != nil {
			return nil, fmt.Errorf("scanning line item: %w", err)
		}
		i, ok := index[uri]
		if !ok || images[i].Analysis == nil {
			continue
		}
		images[i].Analysis.Items = append(images[i].Analysis.Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating line items: %w", err)
	}
	return images, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
