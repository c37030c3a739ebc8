package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/crawlchain/internal/domain"
)

// ErrNotFound is returned when no crawl status exists for a URL.
var ErrNotFound = errors.New("not_found")

//go:embed schema.sql
var schema string

// PostgresStore handles interactions with the PostgreSQL database.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Migrate creates the tables if they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// SaveData saves extracted page data within a single transaction.
func (s *PostgresStore) SaveData(ctx context.Context, data *domain.PageData) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var pageID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO crawled_pages (url, title, status, status_code, fail_reason)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (url) DO UPDATE SET
		   title = EXCLUDED.title, status = EXCLUDED.status, status_code = EXCLUDED.status_code,
		   fail_reason = EXCLUDED.fail_reason, updated_at = NOW()
		 RETURNING id`,
		data.URL, data.Title, data.Status, data.StatusCode, data.FailReason,
	).Scan(&pageID)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}

	if data.Content != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO page_content (page_id, content) VALUES ($1, $2)
			 ON CONFLICT (page_id) DO UPDATE SET content = EXCLUDED.content`,
			pageID, data.Content)
		if err != nil {
			return fmt.Errorf("save content: %w", err)
		}
	}

	batch := &pgx.Batch{}
	for key, value := range data.MetaTags {
		batch.Queue(`INSERT INTO page_metadata (page_id, meta_key, meta_value) VALUES ($1, $2, $3)
		             ON CONFLICT (page_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value`,
			pageID, key, value)
	}
	if len(data.Headers) > 0 {
		batch.Queue(`DELETE FROM page_headings WHERE page_id = $1`, pageID)
		for i, h := range data.Headers {
			batch.Queue(`INSERT INTO page_headings (page_id, position, heading) VALUES ($1, $2, $3)`, pageID, i, h)
		}
	}
	if len(data.Images) > 0 {
		batch.Queue(`DELETE FROM page_images WHERE page_id = $1`, pageID)
		for i, src := range data.Images {
			batch.Queue(`INSERT INTO page_images (page_id, position, src) VALUES ($1, $2, $3)`, pageID, i, src)
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save page details: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SaveItem stores a scraped item as JSON.
func (s *PostgresStore) SaveItem(ctx context.Context, spider string, item domain.Item) error {
	_, err := s.db.Exec(ctx, `INSERT INTO scraped_items (spider, data) VALUES ($1, $2)`, spider, map[string]any(item))
	if err != nil {
		return fmt.Errorf("save item: %w", err)
	}
	return nil
}

// GetCrawlStatus retrieves the current status of a URL.
func (s *PostgresStore) GetCrawlStatus(ctx context.Context, url string) (*domain.CrawlStatusResponse, error) {
	var status domain.CrawlStatusResponse
	err := s.db.QueryRow(ctx,
		`SELECT url, status, fail_reason, updated_at FROM crawled_pages WHERE url = $1`,
		url,
	).Scan(&status.URL, &status.Status, &status.FailReason, &status.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}
