package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"merch-service/internal/models"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{
		MigrationsTable: "merch_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database reachability
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProductByExternalID retrieves a product by its provider id, nil when absent
func (s *Store) GetProductByExternalID(ctx context.Context, externalID string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE external_id = $1", externalID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductsByExternalIDs retrieves products matching any of the provider ids
func (s *Store) GetProductsByExternalIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE external_id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

// UpsertProduct inserts a new unpublished product or overwrites the mutable
// fields of an existing one. It reports whether a row was created.
// Price, category and publication are only set on insert.
func (s *Store) UpsertProduct(ctx context.Context, product *models.Product) (bool, error) {
	query := `
		INSERT INTO products (external_id, title, description, base_price, category, images, variants, active, published)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (external_id) DO UPDATE SET
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			images = EXCLUDED.images,
			variants = EXCLUDED.variants,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, base_price, category, published, association_ref, created_at, updated_at, (xmax = 0) AS inserted`

	var row struct {
		ID             int64     `db:"id"`
		BasePrice      int64     `db:"base_price"`
		Category       string    `db:"category"`
		Published      bool      `db:"published"`
		AssociationRef *string   `db:"association_ref"`
		CreatedAt      time.Time `db:"created_at"`
		UpdatedAt      time.Time `db:"updated_at"`
		Inserted       bool      `db:"inserted"`
	}

	err := s.db.GetContext(ctx, &row, query,
		product.ExternalID, product.Title, product.Description, product.BasePrice,
		product.Category, product.Images, product.Variants, product.Active)
	if err != nil {
		return false, fmt.Errorf("failed to upsert product %s: %w", product.ExternalID, err)
	}

	product.ID = row.ID
	product.BasePrice = row.BasePrice
	product.Category = row.Category
	product.Published = row.Published
	product.AssociationReference = row.AssociationRef
	product.CreatedAt = row.CreatedAt
	product.UpdatedAt = row.UpdatedAt
	return row.Inserted, nil
}

// ListUnassociatedProducts returns products that were discovered but never published
func (s *Store) ListUnassociatedProducts(ctx context.Context, limit int) ([]models.Product, error) {
	products := []models.Product{}
	err := s.db.SelectContext(ctx, &products,
		"SELECT * FROM products WHERE published = FALSE ORDER BY created_at LIMIT $1", limit)
	return products, err
}

// AssociateProduct attaches storefront content and publishes the product, nil when absent
func (s *Store) AssociateProduct(ctx context.Context, externalID, reference string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, `
		UPDATE products SET association_ref = $2, published = TRUE, updated_at = NOW()
		WHERE external_id = $1
		RETURNING *`, externalID, reference)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// CountProducts returns the number of catalog rows
func (s *Store) CountProducts(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM products")
	return n, err
}
