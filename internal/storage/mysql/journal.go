package mysql

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	xerrors "QuestPilot-Chain/internal/errors"
	"QuestPilot-Chain/internal/ledger"
	"QuestPilot-Chain/pkg/logger"
)

const (
	insertJournalSQL = `INSERT INTO tx_journal
    (label, attempt, max_attempts, endpoint, tx_hash, outcome, error_code, error_message, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectJournalSQL = `SELECT label, attempt, max_attempts, endpoint, tx_hash, outcome, error_code, error_message, created_at
    FROM tx_journal ORDER BY created_at DESC, id DESC LIMIT ?`
)

// JournalStore 把每次交易尝试写入 tx_journal 表，实现 ledger.Journal。
type JournalStore struct {
	db *sql.DB
}

// NewJournalStore 连接 MySQL 并执行内置迁移。
func NewJournalStore(ctx context.Context, cfg Config) (*JournalStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化交易流水存储失败")
	}
	store := &JournalStore{db: db}
	applied, err := migrate(ctx, db, embeddedMigrations)
	if err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行数据库迁移失败")
	}
	if len(applied) > 0 {
		logger.Named("storage.mysql").Info("已应用数据库迁移", slog.Any("versions", applied))
	}
	return store, nil
}

// Record 写入一条交易尝试。
func (s *JournalStore) Record(ctx context.Context, entry ledger.JournalEntry) error {
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var message sql.NullString
	if entry.Error != "" {
		message = sql.NullString{String: entry.Error, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertJournalSQL,
		entry.Label, entry.Attempt, entry.MaxAttempts, entry.Endpoint, entry.TxHash,
		entry.Outcome, entry.ErrorCode, message, created.UnixMilli())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易流水失败",
			xerrors.WithMetadata("label", entry.Label))
	}
	return nil
}

// ListLatest 按时间倒序返回最近的交易尝试，实现 ledger.JournalReader。
func (s *JournalStore) ListLatest(ctx context.Context, limit int) ([]ledger.JournalEntry, error) {
	if limit <= 0 {
		limit = ledger.DefaultJournalLimit
	}
	rows, err := s.db.QueryContext(ctx, selectJournalSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易流水失败")
	}
	defer rows.Close()

	var entries []ledger.JournalEntry
	for rows.Next() {
		var (
			e       ledger.JournalEntry
			message sql.NullString
			created int64
		)
		if err := rows.Scan(&e.Label, &e.Attempt, &e.MaxAttempts, &e.Endpoint, &e.TxHash,
			&e.Outcome, &e.ErrorCode, &message, &created); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易流水失败")
		}
		e.Error = message.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易流水失败")
	}
	return entries, nil
}

// Close 关闭连接池。
func (s *JournalStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
