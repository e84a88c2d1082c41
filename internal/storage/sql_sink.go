package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"shopcrawler/internal/config"
	"shopcrawler/pkg/types"
)

// SQLSink persists records into a relational products table. Postgres
// (lib/pq) and sqlite (modernc.org/sqlite) are supported; the schema and
// upsert below are written in the dialect subset both accept.
type SQLSink struct {
	db          *sql.DB
	driver      string
	autoMigrate bool
}

// NewSQLSink initialises a SQLSink from configuration.
func NewSQLSink(cfg config.SQLConfig) (*SQLSink, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "postgres":
	case "sqlite", "sqlite3":
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported db driver %q (want postgres or sqlite)", cfg.Driver)
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime.Duration > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	sink := &SQLSink{
		db:          db,
		driver:      driver,
		autoMigrate: cfg.AutoMigrate,
	}
	if cfg.AutoMigrate {
		if err := sink.ensureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return sink, nil
}

// Write upserts the record keyed by shop/product id (falling back to the
// record url for spiders that have no numeric id).
func (s *SQLSink) Write(ctx context.Context, record types.Product) error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.upsert(ctx, record); err != nil {
		if s.autoMigrate && isUndefinedTableErr(err) {
			if schemaErr := s.ensureSchema(ctx); schemaErr != nil {
				return fmt.Errorf("ensure schema: %w", schemaErr)
			}
			if retryErr := s.upsert(ctx, record); retryErr != nil {
				return fmt.Errorf("insert product: %w", retryErr)
			}
			return nil
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (s *SQLSink) upsert(ctx context.Context, record types.Product) error {
	key := record.URL
	if record.ProductID != 0 {
		key = fmt.Sprintf("%s#%d", record.Shop, record.ProductID)
	}

	query := `
        INSERT INTO products (
            dedupe_key, shop, product_id, title, price, currency, url,
            image_url, in_stock, fully_out_of_stock, variant_out_of_stock,
            tags, product_type, fetched_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        ON CONFLICT (dedupe_key) DO UPDATE SET
            title = excluded.title,
            price = excluded.price,
            currency = excluded.currency,
            url = excluded.url,
            image_url = excluded.image_url,
            in_stock = excluded.in_stock,
            fully_out_of_stock = excluded.fully_out_of_stock,
            variant_out_of_stock = excluded.variant_out_of_stock,
            tags = excluded.tags,
            product_type = excluded.product_type,
            fetched_at = excluded.fetched_at
    `
	_, err := s.db.ExecContext(ctx, query,
		key,
		record.Shop,
		record.ProductID,
		record.Title,
		record.Price,
		record.Currency,
		record.URL,
		record.ImageURL,
		record.Availability.InStock,
		record.Availability.FullyOutOfStock,
		record.Availability.VariantOutOfStock,
		strings.Join(record.Tags, ","),
		record.ProductType,
		record.FetchedAt,
	)
	return err
}

// Close closes the underlying DB connection.
func (s *SQLSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLSink) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil || !s.autoMigrate {
		return nil
	}
	schemaCtx := ctx
	if schemaCtx == nil || schemaCtx.Err() != nil {
		schemaCtx = context.Background()
	}
	schemaCtx, cancel := context.WithTimeout(schemaCtx, 10*time.Second)
	defer cancel()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS products (
		    dedupe_key TEXT PRIMARY KEY,
		    shop TEXT,
		    product_id BIGINT,
		    title TEXT NOT NULL,
		    price TEXT,
		    currency TEXT,
		    url TEXT NOT NULL,
		    image_url TEXT,
		    in_stock BOOLEAN,
		    fully_out_of_stock BOOLEAN,
		    variant_out_of_stock BOOLEAN,
		    tags TEXT,
		    product_type TEXT,
		    fetched_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_products_shop ON products (shop)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(schemaCtx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func isUndefinedTableErr(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P01"
	}
	return strings.Contains(strings.ToLower(err.Error()), "no such table")
}
