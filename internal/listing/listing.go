// Package listing implements the Listing Registry: immutable pricing and
// policy bound to an agent, with authorization delegated to Agent Identity.
package listing

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/events"
)

const maxURILength = 2048

const (
	CodeUnknownListing  xerrors.Code = "LISTING_UNKNOWN"
	CodeNotAuthorized   xerrors.Code = "LISTING_NOT_AUTHORIZED"
	CodeInvalidPricing  xerrors.Code = "LISTING_INVALID_PRICING"
	CodeInvalidPolicy   xerrors.Code = "LISTING_INVALID_POLICY"
	CodeURITooLong      xerrors.Code = "LISTING_URI_TOO_LONG"
	CodeStorageFailure  xerrors.Code = "LISTING_STORAGE_FAILURE"
	CodeListingInactive xerrors.Code = "LISTING_INACTIVE"
)

func init() {
	xerrors.Register(CodeUnknownListing, xerrors.Attributes{Message: "unknown listing", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeNotAuthorized, xerrors.Attributes{Message: "caller not authorized for listing's agent", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeInvalidPricing, xerrors.Attributes{Message: "invalid pricing configuration", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidPolicy, xerrors.Attributes{Message: "invalid policy configuration", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeURITooLong, xerrors.Attributes{Message: "uri exceeds maximum length", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeStorageFailure, xerrors.Attributes{Message: "listing storage failure", Severity: xerrors.SeverityCritical, Retryable: true, Alert: true})
	xerrors.Register(CodeListingInactive, xerrors.Attributes{Message: "listing is not active", Severity: xerrors.SeverityInfo})
}

// Pricing is the immutable price schedule of a listing.
type Pricing struct {
	PaymentToken  common.Address
	BasePrice     uint64
	UnitType      [32]byte
	UnitPrice     uint64
	MinUnits      uint64
	MaxUnits      uint64
	QuoteRequired bool
}

// Policy is the immutable timing/bonding policy of a listing.
type Policy struct {
	ChallengeWindowSec    uint64
	PostDisputeWindowSec  uint64
	DeliveryWindowSec     uint64
	SellerBondBps         uint64
}

// Listing is a single registered listing.
type Listing struct {
	ID      uint64
	AgentID uint64
	URI     string
	Pricing Pricing
	Policy  Policy
	Active  bool
}

// AgentAuthorizer checks whether a caller is authorized to act on behalf of
// an agent, satisfied by identity.Service.
type AgentAuthorizer interface {
	RequireAuthorized(ctx context.Context, agentID uint64, caller common.Address) error
}

// Store persists listings.
type Store interface {
	NextID(ctx context.Context) (uint64, error)
	Create(ctx context.Context, listing Listing) error
	Get(ctx context.Context, id uint64) (Listing, error)
	Update(ctx context.Context, listing Listing) error
}

// ReadCache is the narrow read-through cache collaborator GetListing uses,
// satisfied structurally by *redis.Cache. A cache miss or any cache error is
// treated the same way: fall through to Store and repopulate.
type ReadCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any) error
	Invalidate(ctx context.Context, key string) error
}

// Service implements listing creation/update/lookup.
type Service struct {
	store    Store
	identity AgentAuthorizer
	emitter  events.Emitter
	cache    ReadCache
	mu       sync.Mutex
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithEmitter attaches an events.Emitter for listing mutations.
func WithEmitter(emitter events.Emitter) Option {
	return func(s *Service) { s.emitter = emitter }
}

// WithCache attaches a ReadCache (typically *redis.Cache) fronting
// GetListing/RequireActive, the hot lookup path Task Market exercises on
// every quote and task posting.
func WithCache(cache ReadCache) Option {
	return func(s *Service) { s.cache = cache }
}

// NewService constructs a Service. identity is the Agent Identity
// collaborator used to authorize CreateListing/UpdateListing calls.
func NewService(store Store, identity AgentAuthorizer, opts ...Option) *Service {
	s := &Service{store: store, identity: identity}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func cacheKey(listingID uint64) string {
	return "listing:" + strconv.FormatUint(listingID, 10)
}

func (s *Service) emit(ctx context.Context, name string, listingID, agentID uint64, fields map[string]any) {
	if s.emitter == nil {
		return
	}
	_ = s.emitter.Emit(ctx, events.Event{Name: name, ListingID: listingID, AgentID: agentID, Fields: fields})
}

func validatePricing(p Pricing) error {
	if p.PaymentToken == (common.Address{}) {
		return xerrors.New(CodeInvalidPricing, "payment token cannot be zero address")
	}
	if p.MinUnits == 0 {
		return xerrors.New(CodeInvalidPricing, "min units must be at least 1")
	}
	if p.MaxUnits < p.MinUnits {
		return xerrors.New(CodeInvalidPricing, "max units cannot be less than min units")
	}
	return nil
}

func validatePolicy(p Policy) error {
	if p.ChallengeWindowSec == 0 {
		return xerrors.New(CodeInvalidPolicy, "challenge window must be positive")
	}
	if p.DeliveryWindowSec == 0 {
		return xerrors.New(CodeInvalidPolicy, "delivery window must be positive")
	}
	if p.SellerBondBps > 10000 {
		return xerrors.New(CodeInvalidPolicy, "seller bond bps cannot exceed 10000")
	}
	return nil
}

// CreateListing registers a new listing bound to agentID. caller must be
// authorized for agentID by the Agent Identity collaborator.
func (s *Service) CreateListing(ctx context.Context, agentID uint64, caller common.Address, uri string, pricing Pricing, policy Policy) (uint64, error) {
	if len(uri) > maxURILength {
		return 0, xerrors.New(CodeURITooLong, "listing uri exceeds maximum length")
	}
	if err := validatePricing(pricing); err != nil {
		return 0, err
	}
	if err := validatePolicy(policy); err != nil {
		return 0, err
	}
	if err := s.identity.RequireAuthorized(ctx, agentID, caller); err != nil {
		return 0, xerrors.Wrap(CodeNotAuthorized, err, "caller not authorized for agent")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.store.NextID(ctx)
	if err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "allocate listing id")
	}
	listing := Listing{
		ID:      id,
		AgentID: agentID,
		URI:     strings.TrimSpace(uri),
		Pricing: pricing,
		Policy:  policy,
		Active:  true,
	}
	if err := s.store.Create(ctx, listing); err != nil {
		return 0, xerrors.Wrap(CodeStorageFailure, err, "create listing")
	}
	s.emit(ctx, "ListingCreated", id, agentID, map[string]any{"uri": listing.URI})
	return id, nil
}

// UpdateListing updates the mutable fields (uri, active) of an existing
// listing. Pricing and policy, and the agent binding, are immutable.
func (s *Service) UpdateListing(ctx context.Context, listingID uint64, caller common.Address, uri string, active bool) error {
	if len(uri) > maxURILength {
		return xerrors.New(CodeURITooLong, "listing uri exceeds maximum length")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	listing, err := s.store.Get(ctx, listingID)
	if err != nil {
		return xerrors.Wrap(CodeUnknownListing, err, "lookup listing")
	}
	if err := s.identity.RequireAuthorized(ctx, listing.AgentID, caller); err != nil {
		return xerrors.Wrap(CodeNotAuthorized, err, "caller not authorized for agent")
	}
	listing.URI = strings.TrimSpace(uri)
	listing.Active = active
	if err := s.store.Update(ctx, listing); err != nil {
		return xerrors.Wrap(CodeStorageFailure, err, "update listing")
	}
	if s.cache != nil {
		_ = s.cache.Invalidate(ctx, cacheKey(listingID))
	}
	s.emit(ctx, "ListingUpdated", listingID, listing.AgentID, map[string]any{"uri": listing.URI, "active": active})
	return nil
}

// GetListing returns the full listing record, consulting the read-through
// cache first when one is configured. A cache miss or fault falls through to
// Store transparently and repopulates the cache from the authoritative read.
func (s *Service) GetListing(ctx context.Context, listingID uint64) (Listing, error) {
	key := cacheKey(listingID)
	if s.cache != nil {
		var cached Listing
		if err := s.cache.Get(ctx, key, &cached); err == nil {
			return cached, nil
		}
	}

	listing, err := s.store.Get(ctx, listingID)
	if err != nil {
		return Listing{}, xerrors.Wrap(CodeUnknownListing, err, "lookup listing")
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, listing)
	}
	return listing, nil
}

// RequireActive returns the listing if it is active, or CodeListingInactive
// otherwise. It is the lookup path used by Task Market when posting/quoting
// against a listing.
func (s *Service) RequireActive(ctx context.Context, listingID uint64) (Listing, error) {
	listing, err := s.GetListing(ctx, listingID)
	if err != nil {
		return Listing{}, err
	}
	if !listing.Active {
		return Listing{}, xerrors.New(CodeListingInactive, "listing is not active")
	}
	return listing, nil
}
