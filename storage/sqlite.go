package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"github.com/venoajie/ws-streamer/internal/symbols"
	"github.com/venoajie/ws-streamer/logger"
	"github.com/venoajie/ws-streamer/models"
)

// Store wraps the sqlite database holding candle tables and the trading
// journal consumed by the active-trades view.
type Store struct {
	db  *sql.DB
	log *logger.Log
}

// Open opens (or creates) the database at path and switches it to WAL mode
// so the dispatcher's writes do not block concurrent readers.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	return &Store{db: db, log: logger.GetLogger()}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates one candle table per currency and resolution, the
// trading journal and the active-trades view when missing.
func (s *Store) EnsureSchema(ctx context.Context, currencies, resolutions []string) error {
	for _, currency := range currencies {
		for _, resolution := range resolutions {
			table := symbols.OHLCTable(resolution, currency)
			stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				tick INTEGER UNIQUE,
				data TEXT,
				open_interest REAL
			)`, table)
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", table, err)
			}
		}
	}

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS my_trades_all_json (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument_name TEXT,
		label TEXT,
		is_open INTEGER DEFAULT 1,
		data TEXT
	)`); err != nil {
		return fmt.Errorf("create trading journal: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `CREATE VIEW IF NOT EXISTS v_trading_all_active AS
		SELECT id, instrument_name, label, data
		FROM my_trades_all_json
		WHERE is_open = 1`); err != nil {
		return fmt.Errorf("create active trades view: %w", err)
	}

	s.log.WithComponent("storage").WithFields(logger.Fields{
		"currencies":  currencies,
		"resolutions": resolutions,
	}).Info("sqlite schema ensured")
	return nil
}

// MaxTick returns the highest persisted bar open time in the table, or zero
// when the table is empty.
func (s *Store) MaxTick(ctx context.Context, table string) (int64, error) {
	var tick sql.NullInt64
	query := fmt.Sprintf("SELECT MAX (tick) FROM %s", table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&tick); err != nil {
		return 0, fmt.Errorf("query max tick of %s: %w", table, err)
	}
	if !tick.Valid {
		return 0, nil
	}
	return tick.Int64, nil
}

// SelectCandle loads the bar stored at tick. The second return value reports
// whether a row existed.
func (s *Store) SelectCandle(ctx context.Context, table string, tick int64) (models.Candle, bool, error) {
	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE tick = ?", table)
	err := s.db.QueryRowContext(ctx, query, tick).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Candle{}, false, nil
	}
	if err != nil {
		return models.Candle{}, false, fmt.Errorf("select candle %d from %s: %w", tick, table, err)
	}
	var candle models.Candle
	if err := json.Unmarshal([]byte(data), &candle); err != nil {
		return models.Candle{}, false, fmt.Errorf("decode candle %d from %s: %w", tick, table, err)
	}
	return candle, true, nil
}

// InsertCandle appends a bar, silently ignoring duplicates of the same tick
// so repeated backfills stay idempotent.
func (s *Store) InsertCandle(ctx context.Context, table string, candle models.Candle) error {
	body, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("encode candle %d: %w", candle.Tick, err)
	}
	query := fmt.Sprintf("INSERT OR IGNORE INTO %s (tick, data) VALUES (?, json(?))", table)
	if _, err := s.db.ExecContext(ctx, query, candle.Tick, string(body)); err != nil {
		return fmt.Errorf("insert candle %d into %s: %w", candle.Tick, table, err)
	}
	return nil
}

// UpdateCandle replaces the JSON body of the bar stored at the candle's tick.
func (s *Store) UpdateCandle(ctx context.Context, table string, candle models.Candle) error {
	body, err := json.Marshal(candle)
	if err != nil {
		return fmt.Errorf("encode candle %d: %w", candle.Tick, err)
	}
	query := fmt.Sprintf("UPDATE %s SET data = json(?) WHERE tick = ?", table)
	if _, err := s.db.ExecContext(ctx, query, string(body), candle.Tick); err != nil {
		return fmt.Errorf("update candle %d in %s: %w", candle.Tick, table, err)
	}
	return nil
}

// UpdateOpenInterest patches the open_interest column of the bar at tick.
func (s *Store) UpdateOpenInterest(ctx context.Context, table string, tick int64, openInterest float64) error {
	query := fmt.Sprintf("UPDATE %s SET open_interest = ? WHERE tick = ?", table)
	if _, err := s.db.ExecContext(ctx, query, openInterest, tick); err != nil {
		return fmt.Errorf("update open interest at %d in %s: %w", tick, table, err)
	}
	return nil
}

// ActiveTrades reads the active-trades view and returns the decoded rows.
func (s *Store) ActiveTrades(ctx context.Context) ([]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT data FROM v_trading_all_active")
	if err != nil {
		return nil, fmt.Errorf("query active trades: %w", err)
	}
	defer rows.Close()

	trades := make([]map[string]interface{}, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan active trade: %w", err)
		}
		var trade map[string]interface{}
		if err := json.Unmarshal([]byte(data), &trade); err != nil {
			return nil, fmt.Errorf("decode active trade: %w", err)
		}
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}

// InsertJournalTrade records a fill in the trading journal backing the
// active-trades view.
func (s *Store) InsertJournalTrade(ctx context.Context, trade models.Trade) error {
	body, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("encode trade %s: %w", trade.TradeID, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO my_trades_all_json (instrument_name, label, data) VALUES (?, ?, json(?))",
		trade.InstrumentName, trade.Label, string(body))
	if err != nil {
		return fmt.Errorf("insert journal trade %s: %w", trade.TradeID, err)
	}
	return nil
}
