package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/dispute"
	"agentmarket/internal/market"
)

// SQLDisputeStore persists Dispute Module records in MySQL.
type SQLDisputeStore struct {
	db *sql.DB
}

// NewSQLDisputeStore creates the store, running embedded migrations first.
func NewSQLDisputeStore(ctx context.Context, cfg Config) (*SQLDisputeStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLDisputeStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLDisputeStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Get implements dispute.Store.
func (s *SQLDisputeStore) Get(ctx context.Context, taskID uint64) (dispute.Record, error) {
	const query = `SELECT task_id, buyer, opened, resolved, dispute_uri, resolution_uri, outcome
		FROM disputes WHERE task_id = ?`
	row := s.db.QueryRowContext(ctx, query, taskID)
	var r dispute.Record
	var buyer, outcome string
	if err := row.Scan(&r.TaskID, &buyer, &r.Opened, &r.Resolved, &r.DisputeURI, &r.ResolutionURI, &outcome); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return dispute.Record{}, err
		}
		return dispute.Record{}, fmt.Errorf("查询 dispute 记录失败: %w", err)
	}
	r.Buyer = common.HexToAddress(buyer)
	r.Outcome = market.DisputeOutcome(outcome)
	return r, nil
}

// Create implements dispute.Store.
func (s *SQLDisputeStore) Create(ctx context.Context, record dispute.Record) error {
	const query = `INSERT INTO disputes (task_id, buyer, opened, resolved, dispute_uri, resolution_uri, outcome)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		record.TaskID, record.Buyer.Hex(), record.Opened, record.Resolved, record.DisputeURI, record.ResolutionURI, string(record.Outcome))
	if err != nil {
		return fmt.Errorf("创建 dispute 记录失败: %w", err)
	}
	return nil
}

// Update implements dispute.Store.
func (s *SQLDisputeStore) Update(ctx context.Context, record dispute.Record) error {
	const query = `UPDATE disputes SET buyer = ?, opened = ?, resolved = ?, dispute_uri = ?, resolution_uri = ?, outcome = ?
		WHERE task_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		record.Buyer.Hex(), record.Opened, record.Resolved, record.DisputeURI, record.ResolutionURI, string(record.Outcome), record.TaskID)
	if err != nil {
		return fmt.Errorf("更新 dispute 记录失败: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("检查更新结果失败: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
