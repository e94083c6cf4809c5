// Package persistence implements the four-table MySQL store and the sink
// that drains the persistence and filler channels into it.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"clobengine/internal/asset"
	"clobengine/internal/model"
)

// Store wraps *sql.DB with the prepared statements for the four logical
// tables in §6.3: users, orders, trades, cancels. All decimals are stored
// as text so no precision is lost round-tripping through the database.
type Store struct {
	db *sql.DB

	insertOrderStmt     *sql.Stmt
	updateOrderStmt     *sql.Stmt
	insertCancelStmt    *sql.Stmt
	insertTradeStmt     *sql.Stmt
	upsertUserStmt      *sql.Stmt
	selectUsersStmt     *sql.Stmt
	selectOrdersWindow  *sql.Stmt
	countOrdersBySymbol *sql.Stmt
	countTradesBySymbol *sql.Stmt
}

// Open connects to db and prepares every statement Store needs.
func Open(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		return nil, fmt.Errorf("persistence: create schema: %w", err)
	}
	if err := s.prepare(); err != nil {
		return nil, fmt.Errorf("persistence: prepare statements: %w", err)
	}
	return s, nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT UNSIGNED NOT NULL,
			asset VARCHAR(16) NOT NULL,
			balance VARCHAR(64) NOT NULL,
			locked_balance VARCHAR(64) NOT NULL,
			PRIMARY KEY (id, asset)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id BIGINT UNSIGNED NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			user_id BIGINT UNSIGNED NOT NULL,
			price VARCHAR(64) NOT NULL,
			initial_quantity VARCHAR(64) NOT NULL,
			filled_quantity VARCHAR(64) NOT NULL,
			quote_quantity VARCHAR(64) NOT NULL,
			filled_quote_quantity VARCHAR(64) NOT NULL,
			order_type VARCHAR(16) NOT NULL,
			order_side VARCHAR(8) NOT NULL,
			order_status VARCHAR(20) NOT NULL,
			timestamp BIGINT NOT NULL,
			PRIMARY KEY (id, symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGINT UNSIGNED PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			quantity VARCHAR(64) NOT NULL,
			quote_quantity VARCHAR(64) NOT NULL,
			is_buyer_maker BOOLEAN NOT NULL,
			price VARCHAR(64) NOT NULL,
			timestamp BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cancels (
			id BIGINT UNSIGNED AUTO_INCREMENT PRIMARY KEY,
			order_id BIGINT UNSIGNED NOT NULL,
			user_id BIGINT UNSIGNED NOT NULL,
			order_side VARCHAR(8) NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			price VARCHAR(64) NOT NULL,
			timestamp BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) prepare() error {
	var err error

	// users has a composite (id, asset) key; MySQL's multi-PK declaration
	// above collapses to that, so upsert is a plain REPLACE.
	s.upsertUserStmt, err = s.db.Prepare(`
		REPLACE INTO users (id, asset, balance, locked_balance) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.selectUsersStmt, err = s.db.Prepare(`SELECT id, asset, balance, locked_balance FROM users`)
	if err != nil {
		return err
	}

	s.insertOrderStmt, err = s.db.Prepare(`
		REPLACE INTO orders (
			id, symbol, user_id, price, initial_quantity, filled_quantity,
			quote_quantity, filled_quote_quantity, order_type, order_side,
			order_status, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.updateOrderStmt, err = s.db.Prepare(`
		UPDATE orders SET filled_quantity = ?, filled_quote_quantity = ?, order_status = ?
		WHERE id = ? AND symbol = ?
	`)
	if err != nil {
		return err
	}

	s.insertCancelStmt, err = s.db.Prepare(`
		INSERT INTO cancels (order_id, user_id, order_side, symbol, price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.insertTradeStmt, err = s.db.Prepare(`
		INSERT INTO trades (id, symbol, quantity, quote_quantity, is_buyer_maker, price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}

	s.selectOrdersWindow, err = s.db.Prepare(`
		SELECT id, symbol, user_id, price, initial_quantity, filled_quantity,
		       quote_quantity, filled_quote_quantity, order_type, order_side,
		       order_status, timestamp
		FROM orders WHERE symbol = ? AND timestamp >= ? ORDER BY timestamp ASC
	`)
	if err != nil {
		return err
	}

	s.countOrdersBySymbol, err = s.db.Prepare(`SELECT COUNT(*) FROM orders WHERE symbol = ?`)
	if err != nil {
		return err
	}

	s.countTradesBySymbol, err = s.db.Prepare(`SELECT COUNT(*) FROM trades WHERE symbol = ?`)
	if err != nil {
		return err
	}

	return nil
}

// Close releases every prepared statement.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.insertOrderStmt, s.updateOrderStmt, s.insertCancelStmt, s.insertTradeStmt,
		s.upsertUserStmt, s.selectUsersStmt, s.selectOrdersWindow,
		s.countOrdersBySymbol, s.countTradesBySymbol,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// UserRow is one (user, asset) balance pair loaded during recovery.
type UserRow struct {
	UserID  uint64
	Asset   asset.Asset
	Balance decimal.Decimal
	Locked  decimal.Decimal
}

// LoadUsers returns every persisted (user, asset) balance row.
func (s *Store) LoadUsers(ctx context.Context) ([]UserRow, error) {
	rows, err := s.selectUsersStmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserRow
	for rows.Next() {
		var (
			id                    uint64
			assetStr, bal, locked string
		)
		if err := rows.Scan(&id, &assetStr, &bal, &locked); err != nil {
			return nil, err
		}
		a, ok := asset.Parse(assetStr)
		if !ok {
			return nil, fmt.Errorf("persistence: unknown asset %q for user %d", assetStr, id)
		}
		balDec, err := decimal.NewFromString(bal)
		if err != nil {
			return nil, err
		}
		lockedDec, err := decimal.NewFromString(locked)
		if err != nil {
			return nil, err
		}
		out = append(out, UserRow{UserID: id, Asset: a, Balance: balDec, Locked: lockedDec})
	}
	return out, rows.Err()
}

// UpsertUserBalance writes the current (balance, locked) pair for one user's
// asset, replacing any prior row.
func (s *Store) UpsertUserBalance(ctx context.Context, userID uint64, a asset.Asset, balance, locked decimal.Decimal) error {
	_, err := s.upsertUserStmt.ExecContext(ctx, userID, string(a), balance.String(), locked.String())
	return err
}

// InsertOrder writes a newly admitted order row (the "Save" batch member).
func (s *Store) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.insertOrderStmt.ExecContext(ctx,
		o.ID, string(o.Symbol), o.UserID, o.Price.String(),
		o.InitialQuantity.String(), o.Filled().String(),
		o.InitialQuantity.Mul(o.Price).String(), o.FilledQuoteQty.String(),
		string(o.Type), string(o.Side), string(o.Status), o.Timestamp,
	)
	return err
}

// UpdateOrderStatus reflects a fill or cancellation onto an existing row.
func (s *Store) UpdateOrderStatus(ctx context.Context, o *model.Order) error {
	_, err := s.updateOrderStmt.ExecContext(ctx,
		o.Filled().String(), o.FilledQuoteQty.String(), string(o.Status),
		o.ID, string(o.Symbol),
	)
	return err
}

// ApplyFill increments an order row's filled quantity/quote-quantity by the
// amount executed in one fill and sets its new status. Decimals are stored
// as text, so the increment is a read-modify-write rather than SQL
// arithmetic; this is safe because the fill channel has exactly one
// consumer goroutine, so no other writer can race this order's row.
func (s *Store) ApplyFill(ctx context.Context, orderID uint64, symbol asset.Symbol, deltaQty, deltaQuoteQty decimal.Decimal, status model.Status) error {
	var filledQty, filledQuoteQty string
	row := s.db.QueryRowContext(ctx,
		`SELECT filled_quantity, filled_quote_quantity FROM orders WHERE id = ? AND symbol = ?`,
		orderID, string(symbol))
	if err := row.Scan(&filledQty, &filledQuoteQty); err != nil {
		return err
	}
	curQty, err := decimal.NewFromString(filledQty)
	if err != nil {
		return err
	}
	curQuoteQty, err := decimal.NewFromString(filledQuoteQty)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE orders SET filled_quantity = ?, filled_quote_quantity = ?, order_status = ? WHERE id = ? AND symbol = ?`,
		curQty.Add(deltaQty).String(), curQuoteQty.Add(deltaQuoteQty).String(), string(status), orderID, string(symbol))
	return err
}

// InsertCancel writes one cancel-row (the "Cancel"/"CancelAll" batch member).
func (s *Store) InsertCancel(ctx context.Context, orderID, userID uint64, side model.Side, symbol asset.Symbol, price decimal.Decimal, timestamp int64) error {
	_, err := s.insertCancelStmt.ExecContext(ctx, orderID, userID, string(side), string(symbol), price.String(), timestamp)
	return err
}

// InsertTrade writes one trade row (the fill batch's trade member).
func (s *Store) InsertTrade(ctx context.Context, t model.Trade) error {
	_, err := s.insertTradeStmt.ExecContext(ctx,
		t.ID, string(t.Symbol), t.Quantity.String(), t.QuoteQuantity.String(),
		t.IsBuyerMaker, t.Price.String(), t.Timestamp,
	)
	return err
}

// OrderRow is one replay-window order row.
type OrderRow struct {
	Order     *model.Order
	Timestamp int64
}

// LoadOrdersSince returns every order row for symbol with timestamp >= since,
// ascending, used to rebuild the book on cold start.
func (s *Store) LoadOrdersSince(ctx context.Context, symbol asset.Symbol, since int64) ([]*model.Order, error) {
	rows, err := s.selectOrdersWindow.QueryContext(ctx, string(symbol), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Order
	for rows.Next() {
		o := &model.Order{}
		var priceStr, initQty, filledQty, quoteQty, filledQuoteQty string
		var symbolStr, orderType, orderSide, orderStatus string
		if err := rows.Scan(&o.ID, &symbolStr, &o.UserID, &priceStr, &initQty, &filledQty,
			&quoteQty, &filledQuoteQty, &orderType, &orderSide, &orderStatus, &o.Timestamp); err != nil {
			return nil, err
		}
		o.Symbol = asset.Symbol(symbolStr)
		o.Type = model.Type(orderType)
		o.Side = model.Side(orderSide)
		o.Status = model.Status(orderStatus)
		if o.Price, err = decimal.NewFromString(priceStr); err != nil {
			return nil, err
		}
		if o.InitialQuantity, err = decimal.NewFromString(initQty); err != nil {
			return nil, err
		}
		filled, err := decimal.NewFromString(filledQty)
		if err != nil {
			return nil, err
		}
		o.RemainingQuantity = o.InitialQuantity.Sub(filled)
		if o.FilledQuoteQty, err = decimal.NewFromString(filledQuoteQty); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MaxUserID returns the highest persisted user id, used to seed the user
// worker's id counter on cold start so NewUser never reassigns an id.
func (s *Store) MaxUserID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM users`).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// CountOrders returns the number of persisted order rows for symbol, an
// upper bound used to recover the order_id counter on cold start.
func (s *Store) CountOrders(ctx context.Context, symbol asset.Symbol) (uint64, error) {
	var n uint64
	err := s.countOrdersBySymbol.QueryRowContext(ctx, string(symbol)).Scan(&n)
	return n, err
}

// CountTrades returns the number of persisted trade rows for symbol, an
// upper bound used to recover the trade_id counter on cold start.
func (s *Store) CountTrades(ctx context.Context, symbol asset.Symbol) (uint64, error) {
	var n uint64
	err := s.countTradesBySymbol.QueryRowContext(ctx, string(symbol)).Scan(&n)
	return n, err
}
