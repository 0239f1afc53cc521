package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"signal-trading-bot/config"
)

// Postgres is the durable Ledger implementation backed by a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ Ledger = (*Postgres)(nil)

// NewPostgres connects to PostgreSQL and verifies the connection.
func NewPostgres(cfg config.DatabaseConfig, logger zerolog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "ledger").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL ledger")

	return &Postgres{pool: pool, log: log}, nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	if p.pool != nil {
		p.pool.Close()
		p.log.Info().Msg("Ledger connection closed")
	}
}

// HealthCheck pings the database.
func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Migrate creates the ledger schema. Statements are idempotent so the runner
// can execute on every boot.
func (p *Postgres) Migrate(ctx context.Context) error {
	p.log.Info().Msg("Running ledger migrations...")

	migrations := []string{
		// Message idempotency state, one row per chat/message.
		`CREATE TABLE IF NOT EXISTS message_state (
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			last_hash VARCHAR(64) NOT NULL,
			latest_version INT NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			PRIMARY KEY(chat_id, message_id)
		)`,

		// Every distinct text a message carried, including edits.
		`CREATE TABLE IF NOT EXISTS message_versions (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			version INT NOT NULL,
			is_edit BOOLEAN NOT NULL,
			text_hash VARCHAR(64) NOT NULL,
			text TEXT,
			event_time TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(chat_id, message_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_versions_msg ON message_versions(chat_id, message_id)`,

		// Validated signals tied back to their message version.
		`CREATE TABLE IF NOT EXISTS parsed_signals (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			message_id BIGINT NOT NULL,
			version INT NOT NULL,
			signal_type VARCHAR(30) NOT NULL,
			symbol VARCHAR(20),
			side VARCHAR(5),
			parse_source VARCHAR(20),
			confidence DOUBLE PRECISION,
			payload_json JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_parsed_signals_msg ON parsed_signals(chat_id, message_id)`,
		`CREATE INDEX IF NOT EXISTS idx_parsed_signals_symbol ON parsed_signals(symbol)`,

		// The decision ledger: one row per accept/reject/dry-run decision.
		`CREATE TABLE IF NOT EXISTS executions (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL DEFAULT 0,
			message_id BIGINT NOT NULL DEFAULT 0,
			version INT NOT NULL DEFAULT 1,
			signal_id VARCHAR(64),
			action_type VARCHAR(30) NOT NULL,
			symbol VARCHAR(20),
			side VARCHAR(5),
			status VARCHAR(30) NOT NULL,
			reason TEXT,
			intent_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_cooldown ON executions(symbol, side, status, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_signal ON executions(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created ON executions(created_at DESC)`,

		// Exchange acknowledgements; status changes append new rows.
		`CREATE TABLE IF NOT EXISTS order_receipts (
			id BIGSERIAL PRIMARY KEY,
			execution_id BIGINT REFERENCES executions(id) ON DELETE SET NULL,
			symbol VARCHAR(20) NOT NULL,
			purpose VARCHAR(15) NOT NULL,
			exchange_order_id VARCHAR(40),
			client_order_id VARCHAR(60),
			status VARCHAR(30) NOT NULL,
			payload_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_receipts_symbol ON order_receipts(symbol, purpose, id DESC)`,

		// Repairs and observations from the reconciler and risk daemon.
		`CREATE TABLE IF NOT EXISTS reconciler_actions (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20),
			order_id VARCHAR(40),
			client_order_id VARCHAR(60),
			action VARCHAR(40) NOT NULL,
			reason TEXT,
			payload_json JSONB,
			trace_id VARCHAR(32),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciler_actions_symbol ON reconciler_actions(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_reconciler_actions_created ON reconciler_actions(created_at DESC)`,

		// Audited alerts keyed by trace ID, including safety transitions.
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			trace_id VARCHAR(32) NOT NULL,
			level VARCHAR(10) NOT NULL,
			event_type VARCHAR(50) NOT NULL,
			message TEXT,
			payload_json JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at DESC)`,

		// Broken safety invariants and forced protective actions.
		`CREATE TABLE IF NOT EXISTS invariant_violations (
			id BIGSERIAL PRIMARY KEY,
			invariant VARCHAR(50) NOT NULL,
			symbol VARCHAR(20),
			reason TEXT,
			payload_json JSONB,
			trace_id VARCHAR(32),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invariant_violations_symbol ON invariant_violations(symbol)`,

		// Equity history for drawdown audit.
		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id BIGSERIAL PRIMARY KEY,
			equity DECIMAL(20, 8) NOT NULL,
			available DECIMAL(20, 8) NOT NULL,
			margin_used DECIMAL(20, 8) NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_snapshots_taken ON equity_snapshots(taken_at DESC)`,

		// Mutable operator slots, e.g. the stored kill-switch.
		`CREATE TABLE IF NOT EXISTS system_flags (
			key VARCHAR(50) PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := p.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("ledger migration %d failed: %w", i+1, err)
		}
	}

	p.log.Info().Msg("Ledger migrations completed")
	return nil
}

// ============================================================================
// MESSAGES
// ============================================================================

// RecordMessage runs the idempotency protocol inside one transaction so
// concurrent deliveries of the same message serialize on the state row.
func (p *Postgres) RecordMessage(ctx context.Context, chatID, messageID int64, text string, isEdit bool, eventTime time.Time) (MessageRecord, error) {
	textHash := HashText(text)
	now := time.Now().UTC()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return MessageRecord{}, err
	}
	defer tx.Rollback(ctx)

	var lastHash string
	var latestVersion int
	err = tx.QueryRow(ctx,
		`SELECT last_hash, latest_version FROM message_state WHERE chat_id=$1 AND message_id=$2 FOR UPDATE`,
		chatID, messageID,
	).Scan(&lastHash, &latestVersion)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx,
			`INSERT INTO message_state(chat_id, message_id, last_hash, latest_version, first_seen, last_seen)
			 VALUES($1,$2,$3,$4,$5,$5)`,
			chatID, messageID, textHash, 1, now,
		); err != nil {
			return MessageRecord{}, err
		}
		if err := insertMessageVersion(ctx, tx, chatID, messageID, 1, isEdit, textHash, text, eventTime); err != nil {
			return MessageRecord{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return MessageRecord{}, err
		}
		return MessageRecord{Duplicate: false, Version: 1, TextChanged: true, TextHash: textHash}, nil

	case err != nil:
		return MessageRecord{}, err

	case lastHash == textHash:
		if _, err := tx.Exec(ctx,
			`UPDATE message_state SET last_seen=$1 WHERE chat_id=$2 AND message_id=$3`,
			now, chatID, messageID,
		); err != nil {
			return MessageRecord{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return MessageRecord{}, err
		}
		return MessageRecord{Duplicate: true, Version: latestVersion, TextChanged: false, TextHash: textHash}, nil
	}

	version := latestVersion + 1
	if _, err := tx.Exec(ctx,
		`UPDATE message_state SET last_hash=$1, latest_version=$2, last_seen=$3 WHERE chat_id=$4 AND message_id=$5`,
		textHash, version, now, chatID, messageID,
	); err != nil {
		return MessageRecord{}, err
	}
	if err := insertMessageVersion(ctx, tx, chatID, messageID, version, isEdit, textHash, text, eventTime); err != nil {
		return MessageRecord{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return MessageRecord{}, err
	}
	return MessageRecord{Duplicate: false, Version: version, TextChanged: true, TextHash: textHash}, nil
}

func insertMessageVersion(ctx context.Context, tx pgx.Tx, chatID, messageID int64, version int, isEdit bool, textHash, text string, eventTime time.Time) error {
	var eventAt *time.Time
	if !eventTime.IsZero() {
		eventAt = &eventTime
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO message_versions(chat_id, message_id, version, is_edit, text_hash, text, event_time)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		chatID, messageID, version, isEdit, textHash, text, eventAt,
	)
	return err
}

// ============================================================================
// SIGNALS AND DECISIONS
// ============================================================================

// RecordParsedSignal appends a validated signal payload.
func (p *Postgres) RecordParsedSignal(ctx context.Context, rec ParsedSignal) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal parsed signal payload: %w", err)
	}
	if payload == nil {
		payload = []byte("{}")
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO parsed_signals(chat_id, message_id, version, signal_type, symbol, side, parse_source, confidence, payload_json)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ChatID, rec.MessageID, rec.Version, rec.SignalType,
		nullIfEmpty(rec.Symbol), nullIfEmpty(rec.Side), nullIfEmpty(rec.Source), rec.Confidence, payload,
	)
	return err
}

// RecordExecution appends a decision record and returns its ID.
func (p *Postgres) RecordExecution(ctx context.Context, rec Execution) (int64, error) {
	intent, err := marshalPayload(rec.Intent)
	if err != nil {
		return 0, fmt.Errorf("marshal execution intent: %w", err)
	}
	var id int64
	err = p.pool.QueryRow(ctx,
		`INSERT INTO executions(chat_id, message_id, version, signal_id, action_type, symbol, side, status, reason, intent_json)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 RETURNING id`,
		rec.ChatID, rec.MessageID, rec.Version, nullIfEmpty(rec.SignalID), rec.ActionType,
		nullIfEmpty(rec.Symbol), nullIfEmpty(rec.Side), rec.Status, nullIfEmpty(rec.Reason), intent,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecordOrderReceipt appends an exchange acknowledgement.
func (p *Postgres) RecordOrderReceipt(ctx context.Context, rec OrderReceipt) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal order receipt payload: %w", err)
	}
	var execID *int64
	if rec.ExecutionID > 0 {
		execID = &rec.ExecutionID
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO order_receipts(execution_id, symbol, purpose, exchange_order_id, client_order_id, status, payload_json)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		execID, rec.Symbol, rec.Purpose,
		nullIfEmpty(rec.ExchangeOrderID), nullIfEmpty(rec.ClientOrderID), rec.Status, payload,
	)
	return err
}

// RecordReconcilerAction appends a repair or observation record.
func (p *Postgres) RecordReconcilerAction(ctx context.Context, rec ReconcilerAction) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal reconciler payload: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO reconciler_actions(symbol, order_id, client_order_id, action, reason, payload_json, trace_id)
		 VALUES($1,$2,$3,$4,$5,$6,$7)`,
		nullIfEmpty(rec.Symbol), nullIfEmpty(rec.OrderID), nullIfEmpty(rec.ClientOrderID),
		rec.Action, nullIfEmpty(rec.Reason), payload, nullIfEmpty(rec.TraceID),
	)
	return err
}

// RecordInvariantViolation appends a broken-invariant record.
func (p *Postgres) RecordInvariantViolation(ctx context.Context, rec InvariantViolation) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal violation payload: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO invariant_violations(invariant, symbol, reason, payload_json, trace_id)
		 VALUES($1,$2,$3,$4,$5)`,
		rec.Invariant, nullIfEmpty(rec.Symbol), nullIfEmpty(rec.Reason), payload, nullIfEmpty(rec.TraceID),
	)
	return err
}

// RecordEvent appends an audited alert.
func (p *Postgres) RecordEvent(ctx context.Context, rec Event) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO events(trace_id, level, event_type, message, payload_json)
		 VALUES($1,$2,$3,$4,$5)`,
		rec.TraceID, rec.Level, rec.EventType, nullIfEmpty(rec.Message), payload,
	)
	return err
}

// RecordEquitySnapshot appends one equity observation.
func (p *Postgres) RecordEquitySnapshot(ctx context.Context, equity, available, marginUsed float64, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO equity_snapshots(equity, available, margin_used, taken_at)
		 VALUES($1,$2,$3,$4)`,
		equity, available, marginUsed, at.UTC(),
	)
	return err
}

// ============================================================================
// POINT LOOKUPS
// ============================================================================

// WithinCooldown checks the latest executed entry for symbol+side against
// the cooldown window.
func (p *Postgres) WithinCooldown(ctx context.Context, symbol, side string, window time.Duration, now time.Time) (bool, error) {
	var lastAt time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT created_at FROM executions
		 WHERE symbol=$1 AND side=$2 AND status IN ($3, $4)
		 ORDER BY id DESC LIMIT 1`,
		symbol, side, StatusExecuted, StatusDryRun,
	).Scan(&lastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return now.Sub(lastAt) < window, nil
}

// HasExecutionForSignal reports whether the signal ID already produced a
// decision record.
func (p *Postgres) HasExecutionForSignal(ctx context.Context, signalID string) (bool, error) {
	if signalID == "" {
		return false, nil
	}
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM executions WHERE signal_id=$1)`, signalID,
	).Scan(&exists)
	return exists, err
}

// HasProtectiveOrder checks the latest stop-loss or local-guard receipt for
// the symbol.
func (p *Postgres) HasProtectiveOrder(ctx context.Context, symbol string) (bool, error) {
	var status string
	err := p.pool.QueryRow(ctx,
		`SELECT status FROM order_receipts
		 WHERE symbol=$1 AND purpose IN ($2, $3)
		 ORDER BY id DESC LIMIT 1`,
		symbol, PurposeStopLoss, PurposeLocalGuard,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return protectiveLive(status), nil
}

// LastEntrySymbol returns the chat's most recent entry-signal symbol.
func (p *Postgres) LastEntrySymbol(ctx context.Context, chatID int64) (string, error) {
	var symbol string
	err := p.pool.QueryRow(ctx,
		`SELECT symbol FROM parsed_signals
		 WHERE chat_id=$1 AND signal_type=$2 AND symbol IS NOT NULL
		 ORDER BY id DESC LIMIT 1`,
		chatID, "ENTRY_SIGNAL",
	).Scan(&symbol)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return symbol, nil
}

// RecentExecutions returns the newest decision records for the status API.
func (p *Postgres) RecentExecutions(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, chat_id, message_id, version, COALESCE(signal_id, ''), action_type,
		        COALESCE(symbol, ''), COALESCE(side, ''), status, COALESCE(reason, ''), created_at
		 FROM executions ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		var rec Execution
		if err := rows.Scan(
			&rec.ID, &rec.ChatID, &rec.MessageID, &rec.Version, &rec.SignalID, &rec.ActionType,
			&rec.Symbol, &rec.Side, &rec.Status, &rec.Reason, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentEvents returns the newest audited alerts for the status API.
func (p *Postgres) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx,
		`SELECT trace_id, level, event_type, COALESCE(message, ''), created_at
		 FROM events ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var rec Event
		if err := rows.Scan(&rec.TraceID, &rec.Level, &rec.EventType, &rec.Message, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ============================================================================
// SYSTEM FLAGS
// ============================================================================

// SetSystemFlag upserts a mutable operator slot.
func (p *Postgres) SetSystemFlag(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO system_flags(key, value, updated_at) VALUES($1,$2,NOW())
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`,
		key, value,
	)
	return err
}

// GetSystemFlag reads a flag, empty string when unset.
func (p *Postgres) GetSystemFlag(ctx context.Context, key string) (string, error) {
	var value string
	err := p.pool.QueryRow(ctx, `SELECT value FROM system_flags WHERE key=$1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
