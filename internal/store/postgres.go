package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/paper-engine/internal/model"
)

// serializationFailure is the SQLSTATE Postgres reports when a serializable
// transaction loses a conflict and must be retried.
const serializationFailure = "40001"

const maxAttempts = 3

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Atomic runs fn inside a serializable transaction, retrying serialization
// failures. fn must be safe to run more than once.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, func(tx pgx.Tx) error {
			return fn(&pgTx{q: tx})
		})
		if !isSerializationFailure(err) {
			return err
		}
		slog.Warn("serialization conflict, retrying", "attempt", attempt)
		time.Sleep(time.Duration(attempt) * 10 * time.Millisecond)
	}
	return err
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return (&pgTx{q: s.pool}).GetAccount(ctx, id)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, instrument, COALESCE(position_id, ''), type,
		        quantity::TEXT, price::TEXT, amount::TEXT, realized_pnl::TEXT,
		        margin_delta::TEXT, secured, timestamp
		 FROM transactions WHERE account_id = $1
		 ORDER BY timestamp DESC, id DESC LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var qty, price, amount, pnl, delta string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Instrument, &t.PositionID, &t.Type,
			&qty, &price, &amount, &pnl, &delta, &t.Secured, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Amount, _ = decimal.NewFromString(amount)
		t.RealizedPnL, _ = decimal.NewFromString(pnl)
		t.MarginDelta, _ = decimal.NewFromString(delta)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) ListMarginCalls(ctx context.Context, accountID string) ([]model.MarginCall, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount::TEXT, reason, status, created_at, resolved_at
		 FROM margin_calls WHERE account_id = $1
		 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMarginCalls(rows)
}

func (s *PostgresStore) ListExpiredOptionPositions(ctx context.Context, before time.Time) ([]model.OptionPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM option_positions
		 WHERE status = 'open' AND expiration < $1
		 ORDER BY opened_at, id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListAccountsWithNakedShorts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT account_id FROM option_positions
		 WHERE status = 'open' AND side = 'short' AND NOT secured
		 ORDER BY account_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTx struct {
	q querier
}

const accountColumns = `id, cash::TEXT, margin_balance::TEXT, margin_used::TEXT, restricted, created_at, updated_at`

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var cash, balance, used string
	if err := row.Scan(&a.ID, &cash, &balance, &used, &a.Restricted, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Cash, _ = decimal.NewFromString(cash)
	a.MarginBalance, _ = decimal.NewFromString(balance)
	a.MarginUsed, _ = decimal.NewFromString(used)
	return &a, nil
}

func (t *pgTx) GetOrCreateAccount(ctx context.Context, id string, initialCash decimal.Decimal) (*model.Account, error) {
	if _, err := t.q.Exec(ctx,
		`INSERT INTO accounts (id, cash, margin_balance, margin_used, restricted, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, 0, 0, FALSE, NOW(), NOW())
		 ON CONFLICT (id) DO NOTHING`, id, initialCash.String()); err != nil {
		return nil, fmt.Errorf("create account %s: %w", id, err)
	}
	a, err := scanAccount(t.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, fmt.Errorf("lock account %s: %w", id, err)
	}
	return a, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanAccount(t.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

func (t *pgTx) UpdateCash(ctx context.Context, id string, cash decimal.Decimal) error {
	return t.execOne(ctx, "account "+id,
		`UPDATE accounts SET cash = $2::NUMERIC, updated_at = NOW() WHERE id = $1`,
		id, cash.String())
}

func (t *pgTx) UpdateMargin(ctx context.Context, id string, balance, used decimal.Decimal, restricted bool) error {
	return t.execOne(ctx, "account "+id,
		`UPDATE accounts
		 SET margin_balance = $2::NUMERIC, margin_used = $3::NUMERIC, restricted = $4, updated_at = NOW()
		 WHERE id = $1`,
		id, balance.String(), used.String(), restricted)
}

func (t *pgTx) execOne(ctx context.Context, what, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetHolding(ctx context.Context, accountID string, inst model.Instrument) (*model.Holding, error) {
	var h model.Holding
	var qty, avg string
	err := t.q.QueryRow(ctx,
		`SELECT account_id, symbol, asset_class, quantity::TEXT, avg_cost::TEXT, updated_at
		 FROM holdings WHERE account_id = $1 AND symbol = $2 AND asset_class = $3`,
		accountID, inst.Symbol, inst.Class).
		Scan(&h.AccountID, &h.Instrument.Symbol, &h.Instrument.Class, &qty, &avg, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("holding %s/%s: %w", accountID, inst, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get holding %s/%s: %w", accountID, inst, err)
	}
	h.Quantity, _ = decimal.NewFromString(qty)
	h.AvgCost, _ = decimal.NewFromString(avg)
	return &h, nil
}

func (t *pgTx) ListHoldings(ctx context.Context, accountID string) ([]model.Holding, error) {
	rows, err := t.q.Query(ctx,
		`SELECT account_id, symbol, asset_class, quantity::TEXT, avg_cost::TEXT, updated_at
		 FROM holdings WHERE account_id = $1
		 ORDER BY asset_class, symbol`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []model.Holding
	for rows.Next() {
		var h model.Holding
		var qty, avg string
		if err := rows.Scan(&h.AccountID, &h.Instrument.Symbol, &h.Instrument.Class, &qty, &avg, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Quantity, _ = decimal.NewFromString(qty)
		h.AvgCost, _ = decimal.NewFromString(avg)
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func (t *pgTx) SaveHolding(ctx context.Context, h *model.Holding) error {
	if !h.Quantity.IsPositive() {
		_, err := t.q.Exec(ctx,
			`DELETE FROM holdings WHERE account_id = $1 AND symbol = $2 AND asset_class = $3`,
			h.AccountID, h.Instrument.Symbol, h.Instrument.Class)
		return err
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO holdings (account_id, symbol, asset_class, quantity, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, NOW())
		 ON CONFLICT (account_id, symbol, asset_class)
		 DO UPDATE SET quantity = EXCLUDED.quantity, avg_cost = EXCLUDED.avg_cost, updated_at = NOW()`,
		h.AccountID, h.Instrument.Symbol, h.Instrument.Class, h.Quantity.String(), h.AvgCost.String())
	return err
}

const positionColumns = `id, account_id, underlying, kind, side, strike::TEXT, expiration, quantity,
		        entry_price::TEXT, margin_required::TEXT, secured, status, opened_at, closed_at`

func scanPosition(row pgx.Row) (*model.OptionPosition, error) {
	var p model.OptionPosition
	var strike, entry, margin string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Underlying, &p.Kind, &p.Side, &strike, &p.Expiration,
		&p.Quantity, &entry, &margin, &p.Secured, &p.Status, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Strike, _ = decimal.NewFromString(strike)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.MarginRequired, _ = decimal.NewFromString(margin)
	p.Expiration = p.Expiration.UTC()
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.OptionPosition, error) {
	var positions []model.OptionPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (t *pgTx) GetOptionPosition(ctx context.Context, id string) (*model.OptionPosition, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM option_positions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("option position %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get option position %s: %w", id, err)
	}
	return p, nil
}

func (t *pgTx) ListOptionPositions(ctx context.Context, accountID string, status model.PositionStatus) ([]model.OptionPosition, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM option_positions
		 WHERE account_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY opened_at, id`, accountID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *pgTx) FindOpenOptionPosition(ctx context.Context, key model.PositionKey) (*model.OptionPosition, error) {
	p, err := scanPosition(t.q.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM option_positions
		 WHERE account_id = $1 AND underlying = $2 AND kind = $3 AND side = $4
		   AND strike = $5::NUMERIC AND expiration = $6::DATE AND secured = $7
		   AND status = 'open'
		 ORDER BY opened_at, id
		 LIMIT 1 FOR UPDATE`,
		key.AccountID, key.Underlying, key.Kind, key.Side, key.Strike, key.Expiration, key.Secured))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("open position %+v: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find open position: %w", err)
	}
	return p, nil
}

func (t *pgTx) CreateOptionPosition(ctx context.Context, p *model.OptionPosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO option_positions (id, account_id, underlying, kind, side, strike, expiration, quantity,
		                               entry_price, margin_required, secured, status, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::DATE, $8, $9::NUMERIC, $10::NUMERIC, $11, $12, $13, $14)`,
		p.ID, p.AccountID, p.Underlying, p.Kind, p.Side, p.Strike.String(),
		p.Expiration.Format(model.DateLayout), p.Quantity,
		p.EntryPrice.String(), p.MarginRequired.String(), p.Secured, p.Status, p.OpenedAt, p.ClosedAt,
	)
	return err
}

func (t *pgTx) UpdateOptionPosition(ctx context.Context, p *model.OptionPosition) error {
	return t.execOne(ctx, "option position "+p.ID,
		`UPDATE option_positions
		 SET quantity = $2, entry_price = $3::NUMERIC, margin_required = $4::NUMERIC,
		     secured = $5, status = $6, closed_at = $7
		 WHERE id = $1`,
		p.ID, p.Quantity, p.EntryPrice.String(), p.MarginRequired.String(), p.Secured, p.Status, p.ClosedAt)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	var positionID *string
	if tr.PositionID != "" {
		positionID = &tr.PositionID
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, account_id, instrument, position_id, type, quantity, price, amount,
		                           realized_pnl, margin_delta, secured, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12)`,
		tr.ID, tr.AccountID, tr.Instrument, positionID, tr.Type,
		tr.Quantity.String(), tr.Price.String(), tr.Amount.String(),
		tr.RealizedPnL.String(), tr.MarginDelta.String(), tr.Secured, tr.Timestamp,
	)
	return err
}

func (t *pgTx) CreateMarginCall(ctx context.Context, mc *model.MarginCall) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO margin_calls (id, account_id, amount, reason, status, created_at, resolved_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		mc.ID, mc.AccountID, mc.Amount.String(), mc.Reason, mc.Status, mc.CreatedAt, mc.ResolvedAt,
	)
	return err
}

func (t *pgTx) ListMarginCalls(ctx context.Context, accountID string, status model.MarginCallStatus) ([]model.MarginCall, error) {
	rows, err := t.q.Query(ctx,
		`SELECT id, account_id, amount::TEXT, reason, status, created_at, resolved_at
		 FROM margin_calls
		 WHERE account_id = $1 AND ($2 = '' OR status = $2)
		 ORDER BY created_at, id`, accountID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMarginCalls(rows)
}

func (t *pgTx) ResolveMarginCall(ctx context.Context, accountID, id string, status model.MarginCallStatus, at time.Time) error {
	return t.execOne(ctx, "margin call "+id,
		`UPDATE margin_calls SET status = $3, resolved_at = $4 WHERE id = $2 AND account_id = $1`,
		accountID, id, status, at)
}

func scanMarginCalls(rows pgx.Rows) ([]model.MarginCall, error) {
	var calls []model.MarginCall
	for rows.Next() {
		var mc model.MarginCall
		var amount string
		if err := rows.Scan(&mc.ID, &mc.AccountID, &amount, &mc.Reason, &mc.Status,
			&mc.CreatedAt, &mc.ResolvedAt); err != nil {
			return nil, err
		}
		mc.Amount, _ = decimal.NewFromString(amount)
		calls = append(calls, mc)
	}
	return calls, rows.Err()
}
