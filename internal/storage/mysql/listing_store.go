package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"agentmarket/internal/listing"
)

// SQLListingStore persists Listing Registry records in MySQL.
type SQLListingStore struct {
	db *sql.DB
}

// NewSQLListingStore creates the store, running embedded migrations first.
func NewSQLListingStore(ctx context.Context, cfg Config) (*SQLListingStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLListingStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLListingStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NextID implements listing.Store.
func (s *SQLListingStore) NextID(ctx context.Context) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO listing_id_seq () VALUES ()`)
	if err != nil {
		return 0, fmt.Errorf("分配 listing id 失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("读取 listing id 失败: %w", err)
	}
	return uint64(id), nil
}

// Create implements listing.Store.
func (s *SQLListingStore) Create(ctx context.Context, l listing.Listing) error {
	const query = `INSERT INTO listings
		(id, agent_id, uri, payment_token, base_price, unit_type, unit_price, min_units, max_units, quote_required,
		 challenge_window_sec, post_dispute_window_sec, delivery_window_sec, seller_bond_bps, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		l.ID, l.AgentID, l.URI, l.Pricing.PaymentToken.Hex(), l.Pricing.BasePrice, l.Pricing.UnitType[:], l.Pricing.UnitPrice,
		l.Pricing.MinUnits, l.Pricing.MaxUnits, l.Pricing.QuoteRequired,
		l.Policy.ChallengeWindowSec, l.Policy.PostDisputeWindowSec, l.Policy.DeliveryWindowSec, l.Policy.SellerBondBps, l.Active)
	if err != nil {
		return fmt.Errorf("创建 listing 失败: %w", err)
	}
	return nil
}

func scanListing(row *sql.Row) (listing.Listing, error) {
	var l listing.Listing
	var paymentToken string
	var unitType []byte
	if err := row.Scan(
		&l.ID, &l.AgentID, &l.URI, &paymentToken, &l.Pricing.BasePrice, &unitType, &l.Pricing.UnitPrice,
		&l.Pricing.MinUnits, &l.Pricing.MaxUnits, &l.Pricing.QuoteRequired,
		&l.Policy.ChallengeWindowSec, &l.Policy.PostDisputeWindowSec, &l.Policy.DeliveryWindowSec, &l.Policy.SellerBondBps, &l.Active,
	); err != nil {
		return listing.Listing{}, err
	}
	l.Pricing.PaymentToken = common.HexToAddress(paymentToken)
	copy(l.Pricing.UnitType[:], unitType)
	return l, nil
}

// Get implements listing.Store.
func (s *SQLListingStore) Get(ctx context.Context, id uint64) (listing.Listing, error) {
	const query = `SELECT id, agent_id, uri, payment_token, base_price, unit_type, unit_price, min_units, max_units,
		quote_required, challenge_window_sec, post_dispute_window_sec, delivery_window_sec, seller_bond_bps, active
		FROM listings WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return listing.Listing{}, err
		}
		return listing.Listing{}, fmt.Errorf("查询 listing 失败: %w", err)
	}
	return l, nil
}

// Update implements listing.Store. Only uri/active are mutable per the
// listing registry's immutability rule; pricing/policy columns are written
// once at creation and never touched again.
func (s *SQLListingStore) Update(ctx context.Context, l listing.Listing) error {
	const query = `UPDATE listings SET uri = ?, active = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, l.URI, l.Active, l.ID)
	if err != nil {
		return fmt.Errorf("更新 listing 失败: %w", err)
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
