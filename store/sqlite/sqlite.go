/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.Store and booking.UnitOfWork using SQLite. The Postgres
  store (store/postgres) follows the same schema; only dialect details differ.

INTERFACES IMPLEMENTED:
  ledger.BalanceStore: Materialized balance rows
  ledger.EventStore:   Append-only ledger events
  booking.Store:       Reservation rows
  ledger.UnitOfWork / booking.UnitOfWork: Transactions spanning all three

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on ledger_events
  - No DELETE statements on ledger_events
  - Corrections via ADJUST events only

KEY TABLES:
  balances:      One row per account, CHECK (balance >= 0)
  ledger_events: Immutable log, seq gives append order
  reservations:  Booked slots and their settlement

INDEXES:
  - idx_events_external_payment: One credit per provider payment id
  - idx_events_reserve_once:     One RESERVE per reservation
  - idx_events_settle_once:      One RELEASE or CONSUME per reservation
  - idx_events_account:          History and audit (hot path)
  - idx_events_reservation_type: Reserve and settlement lookups

CONCURRENCY:
  The pool holds a single connection. Transactions serialize on it, so the
  conditional decrement and the unique indexes are evaluated one writer at a
  time. This also keeps ":memory:" databases shared across calls.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - ledger/store.go: Interface definitions
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS balances (
		account_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		updated_at TEXT NOT NULL
	);

	-- Ledger events (append-only)
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		account_id TEXT NOT NULL,
		reservation_id TEXT,
		type TEXT NOT NULL CHECK (type IN ('CREDIT', 'RESERVE', 'RELEASE', 'CONSUME', 'ADJUST')),
		delta INTEGER NOT NULL,
		external_payment_id TEXT,
		meta_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_external_payment
		ON ledger_events(external_payment_id) WHERE external_payment_id IS NOT NULL;

	-- A reservation is debited once and settled once
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_reserve_once
		ON ledger_events(reservation_id) WHERE type = 'RESERVE';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_settle_once
		ON ledger_events(reservation_id) WHERE type IN ('RELEASE', 'CONSUME');

	CREATE INDEX IF NOT EXISTS idx_events_account
		ON ledger_events(account_id, seq);
	CREATE INDEX IF NOT EXISTS idx_events_reservation_type
		ON ledger_events(reservation_id, type) WHERE reservation_id IS NOT NULL;

	-- Reservations
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		professor_id TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'booked',
		settlement TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_due
		ON reservations(status, ends_at);
	CREATE INDEX IF NOT EXISTS idx_reservations_account
		ON reservations(account_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (ledger.UnitOfWork / booking.UnitOfWork)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.WithBookingTx(ctx, func(tx booking.Tx) error { return fn(tx) })
}

// WithBookingTx executes a function within a database transaction that can
// also write reservations.
func (s *Store) WithBookingTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: queries{q: sqlTx, now: s.now}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	q queries
}

func (ts *txStore) Balances() ledger.BalanceStore { return ts.q }
func (ts *txStore) Events() ledger.EventStore     { return ts.q }
func (ts *txStore) Reservations() booking.Store   { return ts.q }

func (s *Store) Balances() ledger.BalanceStore { return s.queries() }
func (s *Store) Events() ledger.EventStore     { return s.queries() }
func (s *Store) Reservations() booking.Store   { return s.queries() }

func (s *Store) queries() queries {
	return queries{q: s.db, now: s.now}
}

// queries runs every statement against either the pool or an open transaction.
type queries struct {
	q   querier
	now func() time.Time
}

// =============================================================================
// BALANCES (ledger.BalanceStore)
// =============================================================================

func (qs queries) EnsureRow(ctx context.Context, account ledger.AccountID) error {
	_, err := qs.q.ExecContext(ctx,
		"INSERT INTO balances (account_id, balance, updated_at) VALUES (?, 0, ?) ON CONFLICT(account_id) DO NOTHING",
		account, formatTime(qs.now()),
	)
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

func (qs queries) GetBalance(ctx context.Context, account ledger.AccountID) (int64, error) {
	var balance int64
	err := qs.q.QueryRowContext(ctx, "SELECT balance FROM balances WHERE account_id = ?", account).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Increment creates a missing row and retries once.
func (qs queries) Increment(ctx context.Context, account ledger.AccountID, amount int64) (int64, error) {
	balance, found, err := qs.increment(ctx, account, amount)
	if err != nil || found {
		return balance, err
	}
	if err := qs.EnsureRow(ctx, account); err != nil {
		return 0, err
	}
	balance, found, err = qs.increment(ctx, account, amount)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("no balance row for account %s", account)
	}
	return balance, nil
}

func (qs queries) increment(ctx context.Context, account ledger.AccountID, amount int64) (int64, bool, error) {
	var balance int64
	err := qs.q.QueryRowContext(ctx,
		"UPDATE balances SET balance = balance + ?, updated_at = ? WHERE account_id = ? RETURNING balance",
		amount, formatTime(qs.now()), account,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment balance: %w", err)
	}
	return balance, true, nil
}

func (qs queries) DecrementIfEnough(ctx context.Context, account ledger.AccountID, amount int64) (int64, bool, error) {
	var balance int64
	err := qs.q.QueryRowContext(ctx,
		"UPDATE balances SET balance = balance - ?, updated_at = ? WHERE account_id = ? AND balance >= ? RETURNING balance",
		amount, formatTime(qs.now()), account, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to decrement balance: %w", err)
	}
	return balance, true, nil
}

// =============================================================================
// EVENTS (ledger.EventStore)
// =============================================================================

const eventColumns = `id, account_id, reservation_id, type, delta, external_payment_id, meta_json, created_at`

// Append adds an event to the ledger.
func (qs queries) Append(ctx context.Context, e ledger.Event) error {
	var metaJSON sql.NullString
	if len(e.Meta) > 0 {
		raw, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode event meta: %w", err)
		}
		metaJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO ledger_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.AccountID,
		nullString(string(e.ReservationID)),
		e.Type,
		e.Delta,
		nullString(e.ExternalPaymentID),
		metaJSON,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if mapped := uniqueViolation(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (qs queries) ExistsExternalPaymentID(ctx context.Context, externalPaymentID string) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_events WHERE external_payment_id = ?",
		externalPaymentID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check external payment id: %w", err)
	}
	return count > 0, nil
}

func (qs queries) FindByReservation(ctx context.Context, reservation ledger.ReservationID, types ...ledger.EventType) (*ledger.Event, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ")
	args := []any{reservation}
	for _, t := range types {
		args = append(args, t)
	}

	events, err := qs.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM ledger_events
		 WHERE reservation_id = ? AND type IN (`+placeholders+`)
		 ORDER BY seq ASC LIMIT 1`,
		args...,
	)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return &events[0], nil
}

func (qs queries) ListByAccount(ctx context.Context, account ledger.AccountID) ([]ledger.Event, error) {
	return qs.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM ledger_events WHERE account_id = ? ORDER BY seq ASC`,
		account,
	)
}

func (qs queries) SumDeltas(ctx context.Context, account ledger.AccountID) (int64, int, error) {
	var sum int64
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(delta), 0), COUNT(*) FROM ledger_events WHERE account_id = ?",
		account,
	).Scan(&sum, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum deltas: %w", err)
	}
	return sum, count, nil
}

func (qs queries) queryEvents(ctx context.Context, query string, args ...any) ([]ledger.Event, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []ledger.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(rows *sql.Rows) (ledger.Event, error) {
	var (
		e                 ledger.Event
		reservationID     sql.NullString
		externalPaymentID sql.NullString
		metaJSON          sql.NullString
		createdAt         string
	)

	err := rows.Scan(&e.ID, &e.AccountID, &reservationID, &e.Type, &e.Delta,
		&externalPaymentID, &metaJSON, &createdAt)
	if err != nil {
		return e, fmt.Errorf("failed to scan event: %w", err)
	}

	e.ReservationID = ledger.ReservationID(reservationID.String)
	e.ExternalPaymentID = externalPaymentID.String
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return e, fmt.Errorf("failed to decode created_at for event %s: %w", e.ID, err)
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Meta); err != nil {
			return e, fmt.Errorf("failed to decode meta for event %s: %w", e.ID, err)
		}
	}
	return e, nil
}

// =============================================================================
// RESERVATIONS (booking.Store)
// =============================================================================

const reservationColumns = `id, account_id, professor_id, starts_at, ends_at, status, settlement, created_at, updated_at`

func (qs queries) Insert(ctx context.Context, r booking.Reservation) error {
	_, err := qs.q.ExecContext(ctx,
		`INSERT INTO reservations (`+reservationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AccountID, r.ProfessorID,
		formatTime(r.StartsAt), formatTime(r.EndsAt),
		r.Status, r.Settlement,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return booking.ErrDuplicateReservation
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (qs queries) Get(ctx context.Context, id ledger.ReservationID) (*booking.Reservation, error) {
	list, err := qs.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[0], nil
}

func (qs queries) Transition(ctx context.Context, t booking.Transition) (bool, error) {
	res, err := qs.q.ExecContext(ctx,
		"UPDATE reservations SET status = ?, settlement = ?, updated_at = ? WHERE id = ? AND status = ?",
		t.To, t.Settlement, formatTime(t.At), t.ID, t.From,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (qs queries) ListDue(ctx context.Context, before time.Time, limit int) ([]booking.Reservation, error) {
	if limit <= 0 {
		limit = -1
	}
	return qs.queryReservations(ctx,
		`SELECT `+reservationColumns+` FROM reservations
		 WHERE status = ? AND ends_at <= ?
		 ORDER BY ends_at ASC LIMIT ?`,
		booking.StatusBooked, formatTime(before), limit,
	)
}

func (qs queries) queryReservations(ctx context.Context, query string, args ...any) ([]booking.Reservation, error) {
	rows, err := qs.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var list []booking.Reservation
	for rows.Next() {
		var r booking.Reservation
		var startsAt, endsAt, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.AccountID, &r.ProfessorID, &startsAt, &endsAt,
			&r.Status, &r.Settlement, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		for _, f := range []struct {
			dst *time.Time
			raw string
		}{
			{&r.StartsAt, startsAt},
			{&r.EndsAt, endsAt},
			{&r.CreatedAt, createdAt},
			{&r.UpdatedAt, updatedAt},
		} {
			t, err := parseTime(f.raw)
			if err != nil {
				return nil, fmt.Errorf("failed to decode timestamps for reservation %s: %w", r.ID, err)
			}
			*f.dst = t
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	for _, table := range []string{"ledger_events", "balances", "reservations"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// uniqueViolation maps a ledger_events unique violation to its sentinel.
// SQLite names the offending column: "UNIQUE constraint failed: ledger_events.reservation_id".
func uniqueViolation(err error) error {
	if !isUniqueConstraintError(err) {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "external_payment_id"):
		return ledger.ErrDuplicateExternalPayment
	case strings.Contains(msg, "reservation_id"):
		return ledger.ErrDuplicateReservationEvent
	}
	return nil
}
