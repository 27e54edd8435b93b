package gateway

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"

	"github.com/cartsync/cartsync/internal/core/models"
)

// PostgresGateway implements the backend contract directly against a
// Postgres table. Used by self-hosted deployments and integration tests
// where the hosted service is replaced by a local database.
type PostgresGateway struct {
	db *sql.DB
}

var _ Gateway = (*PostgresGateway)(nil)

const createItemsTable = `
CREATE TABLE IF NOT EXISTS items (
	id     TEXT PRIMARY KEY,
	fields JSONB NOT NULL DEFAULT '{}'::jsonb
)`

// OpenPostgres connects, pings and prepares the items table. A failed ping
// is reported as ErrUnavailable so the engine stages offline instead of
// hard-failing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresGateway, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(ErrUnavailable, err.Error())
	}
	if _, err = db.ExecContext(ctx, createItemsTable); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "prepare items table")
	}
	return &PostgresGateway{db: db}, nil
}

// NewPostgres wraps an existing connection pool. The items table must exist.
func NewPostgres(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

func (g *PostgresGateway) Create(ctx context.Context, fields models.Fields) Result {
	raw, err := json.Marshal(fields)
	if err != nil {
		return Fail(errors.Wrap(err, "encode fields"))
	}
	id := uuid.NewString()
	if _, err = g.db.ExecContext(ctx,
		`INSERT INTO items (id, fields) VALUES ($1, $2)`, id, raw); err != nil {
		return Fail(g.mapError(err))
	}
	return Ok(models.Item{ID: id, Fields: fields.Clone()})
}

func (g *PostgresGateway) Update(ctx context.Context, id string, patch models.Fields) Result {
	raw, err := json.Marshal(patch)
	if err != nil {
		return Fail(errors.Wrap(err, "encode patch"))
	}
	row := g.db.QueryRowContext(ctx,
		`UPDATE items SET fields = fields || $2::jsonb WHERE id = $1 RETURNING fields`, id, raw)

	var updated []byte
	if err = row.Scan(&updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fail(ErrNotFound)
		}
		return Fail(g.mapError(err))
	}
	var fields models.Fields
	if err = json.Unmarshal(updated, &fields); err != nil {
		return Fail(errors.Wrap(err, "decode stored fields"))
	}
	return Ok(models.Item{ID: id, Fields: fields})
}

func (g *PostgresGateway) Delete(ctx context.Context, id string) Result {
	res, err := g.db.ExecContext(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return Fail(g.mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Fail(ErrNotFound)
	}
	return Result{}
}

func (g *PostgresGateway) ListAll(ctx context.Context) ([]models.Item, error) {
	rows, err := g.db.QueryContext(ctx, `SELECT id, fields FROM items ORDER BY id`)
	if err != nil {
		return nil, g.mapError(err)
	}
	defer func() { _ = rows.Close() }()

	var items []models.Item
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err = rows.Scan(&id, &raw); err != nil {
			return nil, errors.Wrap(err, "scan item")
		}
		var fields models.Fields
		if err = json.Unmarshal(raw, &fields); err != nil {
			return nil, errors.Wrap(err, "decode stored fields")
		}
		items = append(items, models.Item{ID: id, Fields: fields})
	}
	return items, rows.Err()
}

func (g *PostgresGateway) Close() error {
	return g.db.Close()
}

// mapError converts driver-level failures into the gateway error contract.
// Connection loss becomes ErrUnavailable, anything else a backend Error.
func (g *PostgresGateway) mapError(err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrUnavailable, err.Error())
	}
	return &Error{Code: "postgres", Message: err.Error()}
}
