// Package catalogpg is a PostgreSQL backed catalog.Store.
package catalogpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mblsha/appforge/internal/catalog"
)

var _ catalog.Store = (*Store)(nil)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Store struct {
	db Querier // required
}

func NewStore(db Querier) *Store {
	return &Store{db: db}
}

func (s *Store) ListApps(ctx context.Context) ([]string, error) {
	rows, _ := s.db.Query(ctx, `SELECT DISTINCT app FROM flavor_configs ORDER BY app`)
	apps, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list apps: %w", err)
	}
	return apps, nil
}

func (s *Store) ListFlavors(ctx context.Context, app string) ([]string, error) {
	rows, _ := s.db.Query(ctx, `SELECT flavor FROM flavor_configs WHERE app = $1 ORDER BY flavor`, app)
	flavors, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list flavors: %w", err)
	}
	return flavors, nil
}

func (s *Store) GetConfig(ctx context.Context, app, flavor string) (catalog.ConfigRecord, error) {
	query := `
		SELECT app, flavor, config, updated_at
		FROM flavor_configs
		WHERE app = $1 AND flavor = $2
	`
	rows, _ := s.db.Query(ctx, query, app, flavor)
	rec, err := pgx.CollectExactlyOneRow(rows, rowToConfig)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.ConfigRecord{}, fmt.Errorf("%w: config %s/%s", catalog.ErrNotFound, app, flavor)
	} else if err != nil {
		return catalog.ConfigRecord{}, fmt.Errorf("get config: %w", err)
	}
	return rec, nil
}

func (s *Store) PutConfig(ctx context.Context, rec catalog.ConfigRecord) (catalog.ConfigRecord, error) {
	rec, err := catalog.ValidateConfig(rec)
	if err != nil {
		return catalog.ConfigRecord{}, err
	}
	query := `
		INSERT INTO flavor_configs (app, flavor, config)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (app, flavor) DO UPDATE SET config = EXCLUDED.config, updated_at = now()
		RETURNING app, flavor, config, updated_at
	`
	rows, _ := s.db.Query(ctx, query, rec.App, rec.Flavor, string(rec.Config))
	out, err := pgx.CollectExactlyOneRow(rows, rowToConfig)
	if err != nil {
		return catalog.ConfigRecord{}, fmt.Errorf("put config: %w", err)
	}
	return out, nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]catalog.TemplateRecord, error) {
	rows, _ := s.db.Query(ctx, `SELECT name, config, created_at FROM config_templates ORDER BY name`)
	out, err := pgx.CollectRows(rows, rowToTemplate)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return out, nil
}

func (s *Store) GetTemplate(ctx context.Context, name string) (catalog.TemplateRecord, error) {
	rows, _ := s.db.Query(ctx, `SELECT name, config, created_at FROM config_templates WHERE name = $1`, name)
	rec, err := pgx.CollectExactlyOneRow(rows, rowToTemplate)
	if errors.Is(err, pgx.ErrNoRows) {
		return catalog.TemplateRecord{}, fmt.Errorf("%w: template %s", catalog.ErrNotFound, name)
	} else if err != nil {
		return catalog.TemplateRecord{}, fmt.Errorf("get template: %w", err)
	}
	return rec, nil
}

func (s *Store) CreateTemplate(ctx context.Context, rec catalog.TemplateRecord) (catalog.TemplateRecord, error) {
	rec, err := catalog.ValidateTemplate(rec)
	if err != nil {
		return catalog.TemplateRecord{}, err
	}
	query := `
		INSERT INTO config_templates (name, config)
		VALUES ($1, $2::jsonb)
		RETURNING name, config, created_at
	`
	rows, _ := s.db.Query(ctx, query, rec.Name, string(rec.Config))
	out, err := pgx.CollectExactlyOneRow(rows, rowToTemplate)
	if pgErr := (*pgconn.PgError)(nil); errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
		return catalog.TemplateRecord{}, fmt.Errorf("%w: %s", catalog.ErrTemplateExists, rec.Name)
	} else if err != nil {
		return catalog.TemplateRecord{}, fmt.Errorf("create template: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteTemplate(ctx context.Context, name string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM config_templates WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: template %s", catalog.ErrNotFound, name)
	}
	return nil
}

func rowToConfig(collectable pgx.CollectableRow) (catalog.ConfigRecord, error) {
	var (
		rec  catalog.ConfigRecord
		blob []byte
		at   time.Time
	)
	if err := collectable.Scan(&rec.App, &rec.Flavor, &blob, &at); err != nil {
		return catalog.ConfigRecord{}, err
	}
	rec.Config = json.RawMessage(blob)
	rec.UpdatedAt = at.UTC()
	return rec, nil
}

func rowToTemplate(collectable pgx.CollectableRow) (catalog.TemplateRecord, error) {
	var (
		rec  catalog.TemplateRecord
		blob []byte
		at   time.Time
	)
	if err := collectable.Scan(&rec.Name, &blob, &at); err != nil {
		return catalog.TemplateRecord{}, err
	}
	rec.Config = json.RawMessage(blob)
	rec.CreatedAt = at.UTC()
	return rec, nil
}
