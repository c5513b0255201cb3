// Package postgres implements ledger.Store and booking.UnitOfWork on
// PostgreSQL with gorm.
//
// Balance mutations are single UPDATE ... RETURNING statements, so the
// conditional decrement is atomic under READ COMMITTED without explicit row
// locks. Duplicate-key errors are translated by gorm (TranslateError) and
// mapped to the ledger and booking sentinels.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/warp/lesson-ledger/booking"
	"github.com/warp/lesson-ledger/ledger"
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db  *gorm.DB
	log logrus.FieldLogger
	now func() time.Time
}

// Open connects, migrates the schema and returns a ready store.
func Open(dsn string, opts Options, log logrus.FieldLogger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), GormConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = time.Hour
	}
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	s := New(db, log)
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	log.WithField("max_open_conns", opts.MaxOpenConns).Info("connected to PostgreSQL")
	return s, nil
}

// GormConfig is the gorm configuration used by Open.
func GormConfig() *gorm.Config {
	return &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Warn),
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}
}

// New wraps an existing gorm handle without migrating.
func New(db *gorm.DB, log logrus.FieldLogger) *Store {
	return &Store{db: db, log: log, now: time.Now}
}

// Migrate creates tables and the raw indexes.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&BalanceRow{}, &EventRow{}, &ReservationRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	for _, stmt := range rawIndexes {
		if err := s.db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.WithBookingTx(ctx, func(tx booking.Tx) error { return fn(tx) })
}

func (s *Store) WithBookingTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&txRepo{r: repo{db: tx, now: s.now}})
	})
}

type txRepo struct {
	r repo
}

func (t *txRepo) Balances() ledger.BalanceStore { return t.r }
func (t *txRepo) Events() ledger.EventStore     { return t.r }
func (t *txRepo) Reservations() booking.Store   { return t.r }

func (s *Store) Balances() ledger.BalanceStore { return s.repo() }
func (s *Store) Events() ledger.EventStore     { return s.repo() }
func (s *Store) Reservations() booking.Store   { return s.repo() }

func (s *Store) repo() repo {
	return repo{db: s.db, now: s.now}
}

// repo runs queries on either the pool or a transaction handle.
type repo struct {
	db  *gorm.DB
	now func() time.Time
}

// =============================================================================
// BALANCES
// =============================================================================

type balanceResult struct {
	Balance int64
}

func (r repo) EnsureRow(ctx context.Context, account ledger.AccountID) error {
	row := BalanceRow{AccountID: string(account), UpdatedAt: r.now().UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to ensure balance row: %w", err)
	}
	return nil
}

func (r repo) GetBalance(ctx context.Context, account ledger.AccountID) (int64, error) {
	var out balanceResult
	res := r.db.WithContext(ctx).Raw("SELECT balance FROM balances WHERE account_id = ?", string(account)).Scan(&out)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to read balance: %w", res.Error)
	}
	return out.Balance, nil
}

// Increment creates a missing row and retries once.
func (r repo) Increment(ctx context.Context, account ledger.AccountID, amount int64) (int64, error) {
	balance, found, err := r.increment(ctx, account, amount)
	if err != nil || found {
		return balance, err
	}
	if err := r.EnsureRow(ctx, account); err != nil {
		return 0, err
	}
	balance, found, err = r.increment(ctx, account, amount)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("no balance row for account %s", account)
	}
	return balance, nil
}

func (r repo) increment(ctx context.Context, account ledger.AccountID, amount int64) (int64, bool, error) {
	var out balanceResult
	res := r.db.WithContext(ctx).Raw(
		"UPDATE balances SET balance = balance + ?, updated_at = ? WHERE account_id = ? RETURNING balance",
		amount, r.now().UTC(), string(account),
	).Scan(&out)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to increment balance: %w", res.Error)
	}
	return out.Balance, res.RowsAffected > 0, nil
}

func (r repo) DecrementIfEnough(ctx context.Context, account ledger.AccountID, amount int64) (int64, bool, error) {
	var out balanceResult
	res := r.db.WithContext(ctx).Raw(
		"UPDATE balances SET balance = balance - ?, updated_at = ? WHERE account_id = ? AND balance >= ? RETURNING balance",
		amount, r.now().UTC(), string(account), amount,
	).Scan(&out)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to decrement balance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, false, nil
	}
	return out.Balance, true, nil
}

// =============================================================================
// EVENTS
// =============================================================================

func (r repo) Append(ctx context.Context, e ledger.Event) error {
	row := toEventRow(e)
	err := r.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// gorm drops the constraint name; the event shape tells which index fired.
		if e.ExternalPaymentID != "" {
			return ledger.ErrDuplicateExternalPayment
		}
		if e.ReservationID != "" {
			return ledger.ErrDuplicateReservationEvent
		}
	}
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r repo) ExistsExternalPaymentID(ctx context.Context, externalPaymentID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&EventRow{}).
		Where("external_payment_id = ?", externalPaymentID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check external payment id: %w", err)
	}
	return count > 0, nil
}

func (r repo) FindByReservation(ctx context.Context, reservation ledger.ReservationID, types ...ledger.EventType) (*ledger.Event, error) {
	if len(types) == 0 {
		return nil, nil
	}
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	var rows []EventRow
	err := r.db.WithContext(ctx).
		Where("reservation_id = ? AND type IN ?", string(reservation), names).
		Order("seq ASC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation event: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	e := rows[0].toEvent()
	return &e, nil
}

func (r repo) ListByAccount(ctx context.Context, account ledger.AccountID) ([]ledger.Event, error) {
	var rows []EventRow
	err := r.db.WithContext(ctx).
		Where("account_id = ?", string(account)).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	events := make([]ledger.Event, len(rows))
	for i, row := range rows {
		events[i] = row.toEvent()
	}
	return events, nil
}

func (r repo) SumDeltas(ctx context.Context, account ledger.AccountID) (int64, int, error) {
	var agg struct {
		Sum   int64
		Count int
	}
	err := r.db.WithContext(ctx).Raw(
		"SELECT COALESCE(SUM(delta), 0) AS sum, COUNT(*) AS count FROM ledger_events WHERE account_id = ?",
		string(account),
	).Scan(&agg).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum deltas: %w", err)
	}
	return agg.Sum, agg.Count, nil
}

// =============================================================================
// RESERVATIONS
// =============================================================================

func (r repo) Insert(ctx context.Context, res booking.Reservation) error {
	row := toReservationRow(res)
	err := r.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return booking.ErrDuplicateReservation
	}
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (r repo) Get(ctx context.Context, id ledger.ReservationID) (*booking.Reservation, error) {
	var rows []ReservationRow
	err := r.db.WithContext(ctx).Where("id = ?", string(id)).Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := rows[0].toReservation()
	return &out, nil
}

func (r repo) Transition(ctx context.Context, t booking.Transition) (bool, error) {
	res := r.db.WithContext(ctx).Model(&ReservationRow{}).
		Where("id = ? AND status = ?", string(t.ID), string(t.From)).
		Updates(map[string]any{
			"status":     string(t.To),
			"settlement": string(t.Settlement),
			"updated_at": t.At.UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to transition reservation: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r repo) ListDue(ctx context.Context, before time.Time, limit int) ([]booking.Reservation, error) {
	q := r.db.WithContext(ctx).
		Where("status = ? AND ends_at <= ?", string(booking.StatusBooked), before.UTC()).
		Order("ends_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []ReservationRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list due reservations: %w", err)
	}
	out := make([]booking.Reservation, len(rows))
	for i, row := range rows {
		out[i] = row.toReservation()
	}
	return out, nil
}
