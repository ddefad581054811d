package fraud

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cognativeshield/fraudguard/internal/pagination"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// pgUniqueViolation is the SQLSTATE for a primary key conflict.
const pgUniqueViolation = "23505"

// PostgresStore persists profiles and scored transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the tables if they don't exist. Production deployments
// use cmd/migrate; this is for development and tests.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id               BIGINT PRIMARY KEY,
			avg_amount            DOUBLE PRECISION NOT NULL DEFAULT 0,
			transaction_count     BIGINT NOT NULL DEFAULT 0 CHECK (transaction_count >= 0),
			usual_location        TEXT NOT NULL DEFAULT '',
			devices_seen          TEXT[] NOT NULL DEFAULT '{}',
			locations_seen        TEXT[] NOT NULL DEFAULT '{}',
			merchants_seen        TEXT[] NOT NULL DEFAULT '{}',
			last_transaction_time TIMESTAMPTZ,
			updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS transactions (
			transaction_id    VARCHAR(64) PRIMARY KEY,
			user_id           BIGINT NOT NULL,
			amount            NUMERIC(18,4) NOT NULL CHECK (amount > 0),
			hour              SMALLINT NOT NULL CHECK (hour BETWEEN 0 AND 23),
			location          TEXT NOT NULL,
			device_id         TEXT NOT NULL,
			merchant_id       TEXT NOT NULL,
			occurred_at       TIMESTAMPTZ NOT NULL,
			fraud_probability DOUBLE PRECISION NOT NULL CHECK (fraud_probability >= 0 AND fraud_probability <= 1),
			risk_label        VARCHAR(10) NOT NULL CHECK (risk_label IN ('HIGH_RISK', 'LOW_RISK')),
			explanations      TEXT[] NOT NULL DEFAULT '{}',
			features          DOUBLE PRECISION[] NOT NULL,
			model_version     TEXT NOT NULL DEFAULT '',
			scored_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_user_time
			ON transactions (user_id, occurred_at DESC);

		CREATE INDEX IF NOT EXISTS idx_transactions_scored
			ON transactions (scored_at DESC, transaction_id DESC);

		CREATE INDEX IF NOT EXISTS idx_transactions_alerts
			ON transactions (scored_at DESC, transaction_id DESC) WHERE risk_label = 'HIGH_RISK';
	`)
	return err
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID int64) (*UserProfile, error) {
	var (
		p                          UserProfile
		devices, locations, merchs []string
		last                       sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, avg_amount, transaction_count, usual_location,
		       devices_seen, locations_seen, merchants_seen, last_transaction_time
		FROM user_profiles
		WHERE user_id = $1
	`, userID).Scan(
		&p.UserID, &p.AvgAmount, &p.TransactionCount, &p.UsualLocation,
		pq.Array(&devices), pq.Array(&locations), pq.Array(&merchs), &last,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.DevicesSeen = NewStringSet(devices...)
	p.LocationsSeen = NewStringSet(locations...)
	p.MerchantsSeen = NewStringSet(merchs...)
	if last.Valid {
		p.LastTransactionTime = last.Time
	}
	return &p, nil
}

func (s *PostgresStore) SaveProfile(ctx context.Context, profile *UserProfile) error {
	return upsertProfile(ctx, s.db, profile)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertProfile(ctx context.Context, db execer, profile *UserProfile) error {
	var last sql.NullTime
	if !profile.LastTransactionTime.IsZero() {
		last = sql.NullTime{Time: profile.LastTransactionTime, Valid: true}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO user_profiles (
			user_id, avg_amount, transaction_count, usual_location,
			devices_seen, locations_seen, merchants_seen, last_transaction_time, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			avg_amount            = EXCLUDED.avg_amount,
			transaction_count     = EXCLUDED.transaction_count,
			usual_location        = EXCLUDED.usual_location,
			devices_seen          = EXCLUDED.devices_seen,
			locations_seen        = EXCLUDED.locations_seen,
			merchants_seen        = EXCLUDED.merchants_seen,
			last_transaction_time = EXCLUDED.last_transaction_time,
			updated_at            = NOW()
	`,
		profile.UserID,
		profile.AvgAmount,
		profile.TransactionCount,
		profile.UsualLocation,
		pq.Array(profile.DevicesSeen.Sorted()),
		pq.Array(profile.LocationsSeen.Sorted()),
		pq.Array(profile.MerchantsSeen.Sorted()),
		last,
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecentTransactions(ctx context.Context, userID int64, since time.Time) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, user_id, amount, occurred_at, hour, location, device_id, merchant_id
		FROM transactions
		WHERE user_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		var tx Transaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Timestamp, &tx.Hour,
			&tx.Location, &tx.DeviceID, &tx.MerchantID); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		result = append(result, &tx)
	}
	return result, rows.Err()
}

func (s *PostgresStore) SaveTransactionAndResult(ctx context.Context, tx *Transaction, result *PredictionResult) error {
	return insertScored(ctx, s.db, tx, result)
}

// CommitTransaction writes the scored transaction and the next profile in
// one database transaction.
func (s *PostgresStore) CommitTransaction(ctx context.Context, tx *Transaction, result *PredictionResult, next *UserProfile) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit: %w", err)
	}
	defer dbtx.Rollback() //nolint:errcheck

	if err := insertScored(ctx, dbtx, tx, result); err != nil {
		return err
	}
	if err := upsertProfile(ctx, dbtx, next); err != nil {
		return err
	}
	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", tx.ID, err)
	}
	return nil
}

func insertScored(ctx context.Context, db execer, tx *Transaction, result *PredictionResult) error {
	features := make([]float64, len(result.Features))
	copy(features, result.Features[:])

	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions (
			transaction_id, user_id, amount, hour, location, device_id, merchant_id, occurred_at,
			fraud_probability, risk_label, explanations, features, model_version, scored_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		tx.ID,
		tx.UserID,
		tx.Amount,
		tx.Hour,
		tx.Location,
		tx.DeviceID,
		tx.MerchantID,
		tx.Timestamp,
		result.FraudProbability,
		string(result.RiskLabel),
		pq.Array(result.Explanations),
		pq.Array(features),
		result.ModelVersion,
		result.ScoredAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
			return ErrDuplicateTransaction
		}
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE transactions, user_profiles`); err != nil {
		return fmt.Errorf("failed to clear data: %w", err)
	}
	return nil
}

const scoredColumns = `
	transaction_id, user_id, amount, occurred_at, hour, location, device_id, merchant_id,
	fraud_probability, risk_label, explanations, features, model_version, scored_at`

func (s *PostgresStore) ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error) {
	return s.listScored(ctx, "", limit, before)
}

func (s *PostgresStore) ListAlerts(ctx context.Context, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error) {
	return s.listScored(ctx, "risk_label = 'HIGH_RISK'", limit, before)
}

// listScored pages newest first using the (scored_at, transaction_id) index.
func (s *PostgresStore) listScored(ctx context.Context, filter string, limit int, before *pagination.Cursor) ([]*ScoredTransaction, error) {
	var conds []string
	args := []any{limit}
	if filter != "" {
		conds = append(conds, filter)
	}
	if before != nil {
		conds = append(conds, "(scored_at, transaction_id) < ($2, $3)")
		args = append(args, before.ScoredAt, before.ID)
	}
	query := `SELECT ` + scoredColumns + ` FROM transactions`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY scored_at DESC, transaction_id DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*ScoredTransaction{}
	for rows.Next() {
		var (
			tx           Transaction
			r            PredictionResult
			label        string
			explanations []string
			features     []float64
		)
		if err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Amount, &tx.Timestamp, &tx.Hour, &tx.Location, &tx.DeviceID, &tx.MerchantID,
			&r.FraudProbability, &label, pq.Array(&explanations), pq.Array(&features), &r.ModelVersion, &r.ScoredAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		r.TransactionID = tx.ID
		r.UserID = tx.UserID
		r.RiskLabel = RiskLabel(label)
		r.Explanations = explanations
		if r.Explanations == nil {
			r.Explanations = []string{}
		}
		copy(r.Features[:], features)
		result = append(result, &ScoredTransaction{Transaction: &tx, Result: &r})
	}
	return result, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE risk_label = 'HIGH_RISK'),
			COALESCE(AVG(fraud_probability), 0),
			COALESCE(AVG(fraud_probability) FILTER (WHERE risk_label = 'HIGH_RISK'), 0)
		FROM transactions
	`).Scan(&stats.TotalTransactions, &stats.HighRiskCount, &stats.AvgProbability, &stats.AvgFraudProbability)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}
	if stats.TotalTransactions > 0 {
		stats.FraudRate = float64(stats.HighRiskCount) / float64(stats.TotalTransactions) * 100
	}
	return &stats, nil
}

func (s *PostgresStore) HourlyDistribution(ctx context.Context) ([]HourlyBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hour, COUNT(*), COUNT(*) FILTER (WHERE risk_label = 'HIGH_RISK')
		FROM transactions
		GROUP BY hour
		ORDER BY hour
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query hourly distribution: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []HourlyBucket{}
	for rows.Next() {
		var b HourlyBucket
		if err := rows.Scan(&b.Hour, &b.Total, &b.FraudCount); err != nil {
			return nil, fmt.Errorf("failed to scan hourly bucket: %w", err)
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (s *PostgresStore) UserRiskSummary(ctx context.Context, limit int) ([]UserRiskSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*), AVG(fraud_probability), COUNT(*) FILTER (WHERE risk_label = 'HIGH_RISK')
		FROM transactions
		GROUP BY user_id
		ORDER BY AVG(fraud_probability) DESC, user_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query user risk summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []UserRiskSummary{}
	for rows.Next() {
		var u UserRiskSummary
		if err := rows.Scan(&u.UserID, &u.TotalTransactions, &u.AvgRisk, &u.FraudCount); err != nil {
			return nil, fmt.Errorf("failed to scan user risk summary: %w", err)
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// TotalVolume returns the sum of all stored transaction amounts.
func (s *PostgresStore) TotalVolume(ctx context.Context) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions`).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transaction volume: %w", err)
	}
	return total, nil
}
