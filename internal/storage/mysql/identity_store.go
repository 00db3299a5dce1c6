package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/identity"
)

// SQLIdentityStore persists Agent Identity records in MySQL.
type SQLIdentityStore struct {
	db *sql.DB
}

// NewSQLIdentityStore creates the store, running embedded migrations first.
func NewSQLIdentityStore(ctx context.Context, cfg Config) (*SQLIdentityStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLIdentityStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLIdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextID implements identity.Store.
func (s *SQLIdentityStore) NextID(ctx context.Context) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO identity_id_seq () VALUES ()`)
	if err != nil {
		return 0, fmt.Errorf("分配 agent id 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("读取 agent id 失败: %w", err)
	}
	return uint64(id), nil
}

// Create implements identity.Store.
func (s *SQLIdentityStore) Create(ctx context.Context, agent identity.Agent) error {
	const query = `INSERT INTO agents (id, owner, approved, uri) VALUES (?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query, agent.ID, agent.Owner.Hex(), agent.Approved.Hex(), agent.URI)
	if err != nil {
		return fmt.Errorf("创建 agent 失败: %w", err)
	}
	return nil
}

// Get implements identity.Store.
func (s *SQLIdentityStore) Get(ctx context.Context, id uint64) (identity.Agent, error) {
	const query = `SELECT id, owner, approved, uri FROM agents WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	var agent identity.Agent
	var owner, approved string
	if err := row.Scan(&agent.ID, &owner, &approved, &agent.URI); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.Agent{}, err
		}
		return identity.Agent{}, fmt.Errorf("查询 agent 失败: %w", err)
	}
	agent.Owner = common.HexToAddress(owner)
	agent.Approved = common.HexToAddress(approved)
	return agent, nil
}

// Update implements identity.Store.
func (s *SQLIdentityStore) Update(ctx context.Context, agent identity.Agent) error {
	const query = `UPDATE agents SET owner = ?, approved = ?, uri = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, agent.Owner.Hex(), agent.Approved.Hex(), agent.URI, agent.ID)
	if err != nil {
		return fmt.Errorf("更新 agent 失败: %w", err)
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

// SetApprovalForAll implements identity.Store.
func (s *SQLIdentityStore) SetApprovalForAll(ctx context.Context, owner, operator common.Address, approved bool) error {
	if approved {
		const query = `INSERT IGNORE INTO agent_operator_approvals (owner, operator) VALUES (?, ?)`
		_, err := s.db.ExecContext(ctx, query, owner.Hex(), operator.Hex())
		if err != nil {
			return fmt.Errorf("授予运营商权限失败: %w", err)
		}
		return nil
	}
	const query = `DELETE FROM agent_operator_approvals WHERE owner = ? AND operator = ?`
	if _, err := s.db.ExecContext(ctx, query, owner.Hex(), operator.Hex()); err != nil {
		return fmt.Errorf("撤销运营商权限失败: %w", err)
	}
	return nil
}

// IsApprovedForAll implements identity.Store.
func (s *SQLIdentityStore) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	const query = `SELECT 1 FROM agent_operator_approvals WHERE owner = ? AND operator = ?`
	row := s.db.QueryRowContext(ctx, query, owner.Hex(), operator.Hex())
	var flag int
	if err := row.Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("查询运营商权限失败: %w", err)
	}
	return true, nil
}
