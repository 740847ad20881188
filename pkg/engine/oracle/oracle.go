// Package oracle stores reported expiry prices and runs the dispute window
// that gates settlement.
//
// Each (base, quote, expiry) key walks a one-way state machine:
//
//	Unreported -> Reported -> Finalized   (dispute window elapses untouched)
//	                       -> Disputed    (admin overwrite; terminal, final immediately)
package oracle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionvault/params"
	"github.com/uhyunpark/optionvault/pkg/util"
)

var (
	ErrNotAuthorized       = errors.New("oracle: caller not authorized")
	ErrAlreadyReported     = errors.New("oracle: price already reported")
	ErrNotYetReported      = errors.New("oracle: price not yet reported")
	ErrAlreadyDisputed     = errors.New("oracle: price already disputed")
	ErrDisputeWindowClosed = errors.New("oracle: dispute window closed")
	ErrInvalidPeriod       = errors.New("oracle: dispute period exceeds ceiling")
	ErrPriceNotReported    = errors.New("oracle: price not reported")
	ErrSpotNotSet          = errors.New("oracle: no spot price for pair")
)

// Record is the stored price state for one (base, quote, expiry) key.
// Invariant: ReportedAt != 0 implies Reported. Once Disputed the record is
// permanently finalized at its current price.
type Record struct {
	Reported   bool   `json:"reported"`
	ReportedAt int64  `json:"reported_at"` // unix seconds
	Price      uint64 `json:"price"`       // 6-decimal fixed point, quote per base
	Disputed   bool   `json:"disputed"`
}

// Pair identifies a base/quote asset pair
type Pair struct {
	Base  common.Address
	Quote common.Address
}

type expiryKey struct {
	Pair
	Expiry uint64
}

// Oracle is the price oracle with per-pair dispute windows.
// All state mutations happen under the write lock; reads get value snapshots.
type Oracle struct {
	mu sync.RWMutex

	reporter common.Address
	admin    common.Address

	defaultPeriod time.Duration
	periods       map[Pair]time.Duration
	records       map[expiryKey]Record
	spots         map[Pair]uint64

	clock util.Clock
	store *Store // nil = memory only
	log   *zap.SugaredLogger
}

func New(cfg params.Oracle, clock util.Clock, store *Store, log *zap.SugaredLogger) *Oracle {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	o := &Oracle{
		reporter:      cfg.Reporter,
		admin:         cfg.Admin,
		defaultPeriod: cfg.DefaultDisputePeriod,
		periods:       make(map[Pair]time.Duration),
		records:       make(map[expiryKey]Record),
		spots:         make(map[Pair]uint64),
		clock:         clock,
		store:         store,
		log:           log,
	}
	if o.defaultPeriod <= 0 || o.defaultPeriod > params.MaxDisputePeriod {
		o.defaultPeriod = params.MaxDisputePeriod
	}
	if store != nil {
		o.warmFromStore()
	}
	return o
}

// warmFromStore loads persisted records into the in-memory map on startup
func (o *Oracle) warmFromStore() {
	records, err := o.store.LoadAllRecords()
	if err != nil {
		o.log.Warnw("oracle_store_warm_failed", "err", err)
		return
	}
	for k, rec := range records {
		o.records[k] = rec
	}
	if len(records) > 0 {
		o.log.Infow("oracle_store_warmed", "records", len(records))
	}
}

// ReportExpiryPrice records the settlement price for (base, quote) at expiry.
// Only the configured reporter may call; only from the Unreported state.
func (o *Oracle) ReportExpiryPrice(reporter common.Address, base, quote common.Address, expiry uint64, price uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if reporter != o.reporter {
		return fmt.Errorf("%w: %s is not the reporter", ErrNotAuthorized, reporter.Hex())
	}

	key := expiryKey{Pair{base, quote}, expiry}
	if rec := o.records[key]; rec.Reported {
		return ErrAlreadyReported
	}

	rec := Record{
		Reported:   true,
		ReportedAt: o.clock.Now().Unix(),
		Price:      price,
	}
	o.records[key] = rec
	o.persist(key, rec)
	o.log.Infow("expiry_price_reported",
		"base", base.Hex(), "quote", quote.Hex(), "expiry", expiry, "price", price)
	return nil
}

// Dispute overwrites a reported price inside the dispute window.
// Admin only; a disputed record is terminal and immediately final.
func (o *Oracle) Dispute(admin common.Address, base, quote common.Address, expiry uint64, newPrice uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if admin != o.admin {
		return fmt.Errorf("%w: %s is not the admin", ErrNotAuthorized, admin.Hex())
	}

	key := expiryKey{Pair{base, quote}, expiry}
	rec, ok := o.records[key]
	if !ok || !rec.Reported {
		return ErrNotYetReported
	}
	if rec.Disputed {
		return ErrAlreadyDisputed
	}
	if o.clock.Now().Unix() > rec.ReportedAt+int64(o.periodLocked(key.Pair).Seconds()) {
		return ErrDisputeWindowClosed
	}

	oldPrice := rec.Price
	rec.Price = newPrice
	rec.Disputed = true
	o.records[key] = rec
	o.persist(key, rec)
	o.log.Infow("expiry_price_disputed",
		"base", base.Hex(), "quote", quote.Hex(), "expiry", expiry,
		"old_price", oldPrice, "new_price", newPrice)
	return nil
}

// SetDisputePeriod overrides the dispute window for one pair.
// Admin only; the period may never exceed params.MaxDisputePeriod.
func (o *Oracle) SetDisputePeriod(admin common.Address, base, quote common.Address, period time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if admin != o.admin {
		return fmt.Errorf("%w: %s is not the admin", ErrNotAuthorized, admin.Hex())
	}
	if period <= 0 || period > params.MaxDisputePeriod {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, period)
	}

	o.periods[Pair{base, quote}] = period
	o.log.Infow("dispute_period_set", "base", base.Hex(), "quote", quote.Hex(), "period", period)
	return nil
}

// IsFinalized reports whether the price for (base, quote, expiry) may be used
// for settlement. False (not an error) while unreported.
func (o *Oracle) IsFinalized(base, quote common.Address, expiry uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	key := expiryKey{Pair{base, quote}, expiry}
	return o.finalizedLocked(key)
}

// GetPriceAtExpiry returns the reported price and whether it is finalized.
// Errors while unreported.
func (o *Oracle) GetPriceAtExpiry(base, quote common.Address, expiry uint64) (uint64, bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	key := expiryKey{Pair{base, quote}, expiry}
	rec, ok := o.records[key]
	if !ok || !rec.Reported {
		return 0, false, ErrPriceNotReported
	}
	return rec.Price, o.finalizedLocked(key), nil
}

// GetRecord returns a snapshot of the raw record, for the read API
func (o *Oracle) GetRecord(base, quote common.Address, expiry uint64) (Record, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.records[expiryKey{Pair{base, quote}, expiry}]
	return rec, ok
}

// SetSpotPrice updates the live spot price for a pair (reporter only)
func (o *Oracle) SetSpotPrice(reporter common.Address, base, quote common.Address, price uint64) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if reporter != o.reporter {
		return fmt.Errorf("%w: %s is not the reporter", ErrNotAuthorized, reporter.Hex())
	}
	o.spots[Pair{base, quote}] = price
	return nil
}

// GetSpotPrice returns the last pushed spot price for a pair
func (o *Oracle) GetSpotPrice(base, quote common.Address) (uint64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	price, ok := o.spots[Pair{base, quote}]
	if !ok {
		return 0, ErrSpotNotSet
	}
	return price, nil
}

// DisputePeriod returns the effective dispute window for a pair
func (o *Oracle) DisputePeriod(base, quote common.Address) time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.periodLocked(Pair{base, quote})
}

func (o *Oracle) periodLocked(p Pair) time.Duration {
	if period, ok := o.periods[p]; ok {
		return period
	}
	return o.defaultPeriod
}

func (o *Oracle) finalizedLocked(key expiryKey) bool {
	rec, ok := o.records[key]
	if !ok || !rec.Reported {
		return false
	}
	if rec.Disputed {
		return true
	}
	return o.clock.Now().Unix() > rec.ReportedAt+int64(o.periodLocked(key.Pair).Seconds())
}

func (o *Oracle) persist(key expiryKey, rec Record) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRecord(key.Base, key.Quote, key.Expiry, rec); err != nil {
		// In-memory state is authoritative for this call; surface loudly
		o.log.Errorw("oracle_persist_failed",
			"base", key.Base.Hex(), "quote", key.Quote.Hex(), "expiry", key.Expiry, "err", err)
	}
}
