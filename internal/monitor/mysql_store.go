package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/go-sql-driver/mysql"

	xerrors "XCMFlow/internal/errors"
	"XCMFlow/internal/xcm"
)

// MySQLConfig describes the durable transaction store connection.
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore persists transactions in MySQL. It is the durable alternative
// to MemoryStore for deployments that must survive restarts.
type MySQLStore struct {
	db *sql.DB
}

const transactionsSchema = `CREATE TABLE IF NOT EXISTS xcm_transactions (
	id VARCHAR(64) NOT NULL PRIMARY KEY,
	message_hash VARCHAR(66) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL,
	route_id VARCHAR(191) NOT NULL DEFAULT '',
	message_kind VARCHAR(64) NOT NULL DEFAULT '',
	source_chain VARCHAR(64) NOT NULL,
	destination_chain VARCHAR(64) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT,
	block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
	block_hash VARCHAR(66) NOT NULL DEFAULT '',
	params JSON NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	submitted_at BIGINT NOT NULL DEFAULT 0,
	finalized_at BIGINT NOT NULL DEFAULT 0,
	completed_at BIGINT NOT NULL DEFAULT 0,
	next_retry_at BIGINT NOT NULL DEFAULT 0,
	terminal TINYINT(1) NOT NULL DEFAULT 0,
	INDEX idx_terminal_status (terminal, status),
	INDEX idx_message_hash (message_hash)
)`

// NewMySQLStore opens the connection pool and bootstraps the schema.
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInitFailure, "mysql dsn is required")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open mysql")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping mysql")
	}
	if _, err := db.ExecContext(ctx, transactionsSchema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "bootstrap transactions table")
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Insert(ctx context.Context, tx *Transaction) error {
	params, err := json.Marshal(tx.Params)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode params")
	}
	const query = `INSERT INTO xcm_transactions
		(id, message_hash, status, route_id, message_kind, source_chain, destination_chain,
		 retry_count, last_error, block_number, block_hash, params,
		 created_at, updated_at, submitted_at, finalized_at, completed_at, next_retry_at, terminal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		tx.ID, tx.MessageHash.Hex(), string(tx.Status), tx.RouteID, string(tx.MessageKind),
		tx.Params.SourceChain, tx.Params.DestinationChain,
		tx.RetryCount, tx.LastError, tx.BlockNumber, tx.BlockHash.Hex(), params,
		unixOrZero(tx.CreatedAt), unixOrZero(tx.UpdatedAt), unixOrZero(tx.SubmittedAt),
		unixOrZero(tx.FinalizedAt), unixOrZero(tx.CompletedAt), unixOrZero(tx.NextRetryAt),
		boolToInt(tx.Status.Terminal()))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert transaction",
			xerrors.WithMetadata("transaction_id", tx.ID))
	}
	return nil
}

func (s *MySQLStore) Update(ctx context.Context, tx *Transaction) error {
	const query = `UPDATE xcm_transactions SET
		message_hash = ?, status = ?, message_kind = ?, retry_count = ?, last_error = ?,
		block_number = ?, block_hash = ?, updated_at = ?, submitted_at = ?,
		finalized_at = ?, completed_at = ?, next_retry_at = ?, terminal = ?
		WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query,
		tx.MessageHash.Hex(), string(tx.Status), string(tx.MessageKind), tx.RetryCount, tx.LastError,
		tx.BlockNumber, tx.BlockHash.Hex(), unixOrZero(tx.UpdatedAt), unixOrZero(tx.SubmittedAt),
		unixOrZero(tx.FinalizedAt), unixOrZero(tx.CompletedAt), unixOrZero(tx.NextRetryAt),
		boolToInt(tx.Status.Terminal()), tx.ID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update transaction",
			xerrors.WithMetadata("transaction_id", tx.ID))
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return xerrors.New(xerrors.CodeNotFound, "transaction not found",
			xerrors.WithMetadata("transaction_id", tx.ID))
	}
	return nil
}

func (s *MySQLStore) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.queryOne(ctx, `WHERE id = ?`, id)
}

func (s *MySQLStore) GetByMessageHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	// Unsubmitted rows carry the zero hash; it must never match.
	if hash == (common.Hash{}) {
		return nil, xerrors.New(xerrors.CodeNotFound, "message hash is unset")
	}
	return s.queryOne(ctx, `WHERE message_hash = ?`, hash.Hex())
}

func (s *MySQLStore) Active(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	return s.queryMany(ctx, false, opts)
}

func (s *MySQLStore) Completed(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	return s.queryMany(ctx, true, opts)
}

// Complete persists the terminal row; active/completed separation is the
// terminal flag, so this is just an update.
func (s *MySQLStore) Complete(ctx context.Context, tx *Transaction) error {
	return s.Update(ctx, tx)
}

func (s *MySQLStore) PruneCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM xcm_transactions WHERE terminal = 1 AND completed_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "prune completed transactions")
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const transactionColumns = `id, message_hash, status, route_id, message_kind,
	retry_count, last_error, block_number, block_hash, params,
	created_at, updated_at, submitted_at, finalized_at, completed_at, next_retry_at`

func (s *MySQLStore) queryOne(ctx context.Context, where string, args ...any) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM xcm_transactions `+where+` LIMIT 1`, args...)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "transaction not found")
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query transaction")
	}
	return tx, nil
}

func (s *MySQLStore) queryMany(ctx context.Context, terminal bool, opts ListOptions) ([]*Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM xcm_transactions WHERE terminal = ?`
	args := []any{boolToInt(terminal)}
	if opts.SourceChain != "" {
		query += ` AND source_chain = ?`
		args = append(args, opts.SourceChain)
	}
	if opts.DestinationChain != "" {
		query += ` AND destination_chain = ?`
		args = append(args, opts.DestinationChain)
	}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	query += ` ORDER BY created_at ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list transactions")
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan transaction")
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate transactions")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx                     Transaction
		messageHash, blockHash string
		status, kind           string
		lastError              sql.NullString
		params                 []byte
		created, updated       int64
		submitted, finalized   int64
		completed, nextRetry   int64
	)
	if err := row.Scan(&tx.ID, &messageHash, &status, &tx.RouteID, &kind,
		&tx.RetryCount, &lastError, &tx.BlockNumber, &blockHash, &params,
		&created, &updated, &submitted, &finalized, &completed, &nextRetry); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &tx.Params); err != nil {
		return nil, err
	}
	tx.MessageHash = common.HexToHash(messageHash)
	tx.BlockHash = common.HexToHash(blockHash)
	tx.Status = Status(status)
	tx.MessageKind = xcm.Kind(kind)
	tx.LastError = lastError.String
	tx.CreatedAt = timeOrZero(created)
	tx.UpdatedAt = timeOrZero(updated)
	tx.SubmittedAt = timeOrZero(submitted)
	tx.FinalizedAt = timeOrZero(finalized)
	tx.CompletedAt = timeOrZero(completed)
	tx.NextRetryAt = timeOrZero(nextRetry)
	return &tx, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*MySQLStore)(nil)
