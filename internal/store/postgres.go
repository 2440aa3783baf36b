package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stocktrader/engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the schema if it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instruments (id, symbol, name, current_price, previous_price, last_updated)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)`,
		inst.ID, inst.Symbol, inst.Name,
		inst.CurrentPrice.String(), inst.PreviousPrice.String(),
		inst.LastUpdated,
	)
	return conflict(err)
}

func (s *PostgresStore) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, current_price::TEXT, previous_price::TEXT, last_updated
		 FROM instruments WHERE id = $1`, id)
	inst, err := scanInstrument(row)
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", id, notFound(err))
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, current_price::TEXT, previous_price::TEXT, last_updated
		 FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

// ApplyPriceBatch updates every instrument inside one transaction so the
// whole tick commits or none of it does.
func (s *PostgresStore) ApplyPriceBatch(ctx context.Context, prices []model.Instrument) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, p := range prices {
			batch.Queue(
				`UPDATE instruments
				 SET current_price = $2::NUMERIC, previous_price = $3::NUMERIC, last_updated = $4
				 WHERE id = $1`,
				p.ID, p.CurrentPrice.String(), p.PreviousPrice.String(), p.LastUpdated,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for _, p := range prices {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return fmt.Errorf("update price %s: %w", p.ID, err)
			}
			if tag.RowsAffected() == 0 {
				br.Close()
				return fmt.Errorf("update price %s: %w", p.ID, ErrNotFound)
			}
		}
		return br.Close()
	})
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Username, u.Balance.String(), u.CreatedAt,
	)
	return conflict(err)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := s.pool.QueryRow(ctx,
		`SELECT id, username, balance::TEXT, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Username, &balance, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, notFound(err))
	}
	u.Balance, _ = decimal.NewFromString(balance)
	return &u, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, instrumentID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT user_id, instrument_id, quantity, average_cost::TEXT, last_updated
		 FROM positions WHERE user_id = $1 AND instrument_id = $2`, userID, instrumentID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, instrumentID, notFound(err))
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, instrument_id, quantity, average_cost::TEXT, last_updated
		 FROM positions WHERE user_id = $1 ORDER BY instrument_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, instrument_id, side, quantity,
		        price::TEXT, total_amount::TEXT, created_at
		 FROM trades WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, price, total string
		if err := rows.Scan(&t.ID, &t.UserID, &t.InstrumentID, &side, &t.Quantity,
			&price, &total, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		t.Price, _ = decimal.NewFromString(price)
		t.TotalAmount, _ = decimal.NewFromString(total)
		out = append(out, t)
	}
	return out, rows.Err()
}

// CommitTrade runs the balance update, position write and trade insert in
// one transaction.
func (s *PostgresStore) CommitTrade(ctx context.Context, c *TradeCommit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET balance = $2::NUMERIC WHERE id = $1`,
			c.UserID, c.NewBalance.String())
		if err != nil {
			return fmt.Errorf("update balance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update balance %s: %w", c.UserID, ErrNotFound)
		}

		switch {
		case c.DeletePosition:
			if _, err := tx.Exec(ctx,
				`DELETE FROM positions WHERE user_id = $1 AND instrument_id = $2`,
				c.UserID, c.InstrumentID); err != nil {
				return fmt.Errorf("delete position: %w", err)
			}
		case c.Position != nil:
			p := c.Position
			if _, err := tx.Exec(ctx,
				`INSERT INTO positions (user_id, instrument_id, quantity, average_cost, last_updated)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5)
				 ON CONFLICT (user_id, instrument_id)
				 DO UPDATE SET quantity = EXCLUDED.quantity,
				               average_cost = EXCLUDED.average_cost,
				               last_updated = EXCLUDED.last_updated`,
				p.UserID, p.InstrumentID, p.Quantity, p.AverageCost.String(), p.LastUpdated); err != nil {
				return fmt.Errorf("upsert position: %w", err)
			}
		}

		t := c.Trade
		if _, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, instrument_id, side, quantity, price, total_amount, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8)`,
			t.ID, t.UserID, t.InstrumentID, string(t.Side), t.Quantity,
			t.Price.String(), t.TotalAmount.String(), t.CreatedAt); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		return nil
	})
}

// notFound maps pgx.ErrNoRows onto the package sentinel.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// conflict maps a unique_violation onto ErrConflict.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

func scanInstrument(row pgx.Row) (*model.Instrument, error) {
	var inst model.Instrument
	var cur, prev string
	if err := row.Scan(&inst.ID, &inst.Symbol, &inst.Name, &cur, &prev, &inst.LastUpdated); err != nil {
		return nil, err
	}
	inst.CurrentPrice, _ = decimal.NewFromString(cur)
	inst.PreviousPrice, _ = decimal.NewFromString(prev)
	return &inst, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var avg string
	if err := row.Scan(&p.UserID, &p.InstrumentID, &p.Quantity, &avg, &p.LastUpdated); err != nil {
		return nil, err
	}
	p.AverageCost, _ = decimal.NewFromString(avg)
	return &p, nil
}
