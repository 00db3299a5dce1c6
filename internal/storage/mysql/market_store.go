package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/market"
)

// SQLMarketStore persists Task Market records in MySQL.
type SQLMarketStore struct {
	db *sql.DB
}

// NewSQLMarketStore creates the store, running embedded migrations first.
func NewSQLMarketStore(ctx context.Context, cfg Config) (*SQLMarketStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLMarketStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLMarketStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextID implements market.Store.
func (s *SQLMarketStore) NextID(ctx context.Context) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO task_id_seq () VALUES ()`)
	if err != nil {
		return 0, fmt.Errorf("分配 task id 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("读取 task id 失败: %w", err)
	}
	return uint64(id), nil
}

const taskColumns = `id, listing_id, agent_id, buyer, payment_token, task_uri, proposed_units,
	quoted_units, quoted_total_price, quote_expiry, funded_amount, seller_bond, bond_funder, seller,
	artifact_uri, artifact_hash, activated_at, submitted_at, disputed_at, status, settlement_path, settled`

// Create implements market.Store.
func (s *SQLMarketStore) Create(ctx context.Context, task market.Task) error {
	const query = `INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		task.ID, task.ListingID, task.AgentID, task.Buyer.Hex(), task.PaymentToken.Hex(), task.TaskURI, task.ProposedUnits,
		task.QuotedUnits, task.QuotedTotalPrice, task.QuoteExpiry, task.FundedAmount, task.SellerBond, task.BondFunder.Hex(), task.Seller.Hex(),
		task.ArtifactURI, task.ArtifactHash[:], task.ActivatedAt, task.SubmittedAt, task.DisputedAt,
		string(task.Status), string(task.SettlementPath), task.Settled)
	if err != nil {
		return fmt.Errorf("创建 task 失败: %w", err)
	}
	return nil
}

func scanTask(row rowScanner) (market.Task, error) {
	var t market.Task
	var buyer, paymentToken, bondFunder, seller, status, settlementPath string
	var artifactHash []byte
	if err := row.Scan(
		&t.ID, &t.ListingID, &t.AgentID, &buyer, &paymentToken, &t.TaskURI, &t.ProposedUnits,
		&t.QuotedUnits, &t.QuotedTotalPrice, &t.QuoteExpiry, &t.FundedAmount, &t.SellerBond, &bondFunder, &seller,
		&t.ArtifactURI, &artifactHash, &t.ActivatedAt, &t.SubmittedAt, &t.DisputedAt,
		&status, &settlementPath, &t.Settled,
	); err != nil {
		return market.Task{}, err
	}
	t.Buyer = common.HexToAddress(buyer)
	t.PaymentToken = common.HexToAddress(paymentToken)
	t.BondFunder = common.HexToAddress(bondFunder)
	t.Seller = common.HexToAddress(seller)
	t.Status = market.Status(status)
	t.SettlementPath = market.SettlementPath(settlementPath)
	copy(t.ArtifactHash[:], artifactHash)
	return t, nil
}

// rowScanner abstracts over *sql.Row and *sql.Rows for scanTask reuse.
type rowScanner interface {
	Scan(dest ...any) error
}

// Get implements market.Store.
func (s *SQLMarketStore) Get(ctx context.Context, id uint64) (market.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return market.Task{}, err
		}
		return market.Task{}, fmt.Errorf("查询 task 失败: %w", err)
	}
	return task, nil
}

// Update implements market.Store.
func (s *SQLMarketStore) Update(ctx context.Context, task market.Task) error {
	const query = `UPDATE tasks SET
		listing_id = ?, agent_id = ?, buyer = ?, payment_token = ?, task_uri = ?, proposed_units = ?,
		quoted_units = ?, quoted_total_price = ?, quote_expiry = ?, funded_amount = ?, seller_bond = ?,
		bond_funder = ?, seller = ?, artifact_uri = ?, artifact_hash = ?, activated_at = ?, submitted_at = ?,
		disputed_at = ?, status = ?, settlement_path = ?, settled = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query,
		task.ListingID, task.AgentID, task.Buyer.Hex(), task.PaymentToken.Hex(), task.TaskURI, task.ProposedUnits,
		task.QuotedUnits, task.QuotedTotalPrice, task.QuoteExpiry, task.FundedAmount, task.SellerBond,
		task.BondFunder.Hex(), task.Seller.Hex(), task.ArtifactURI, task.ArtifactHash[:], task.ActivatedAt, task.SubmittedAt,
		task.DisputedAt, string(task.Status), string(task.SettlementPath), task.Settled, task.ID)
	if err != nil {
		return fmt.Errorf("更新 task 失败: %w", err)
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

// ListByStatus implements market.Store. Used by the sweeper goroutine to find
// tasks eligible for SettleAfterTimeout / SettleAfterPostDisputeTimeout.
func (s *SQLMarketStore) ListByStatus(ctx context.Context, status market.Status) ([]market.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ?`
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("按状态查询 task 失败: %w", err)
	}
	defer rows.Close()

	var out []market.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("解析 task 失败: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 task 结果失败: %w", err)
	}
	return out, nil
}
