// Package account holds the per-account margin state and the batch action
// dispatcher that mutates it.
package account

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
)

var (
	ErrNoAccess            = errors.New("account: caller not authorized")
	ErrAccountUnderwater   = errors.New("account: collateral below margin requirement")
	ErrWrongCollateralID   = errors.New("account: wrong collateral id")
	ErrAmountUnderflow     = errors.New("account: subtraction underflow")
	ErrAmountOverflow      = errors.New("account: addition overflow")
	ErrWrongShortID        = errors.New("account: option id does not match short position")
	ErrNoShortPosition     = errors.New("account: no short position")
	ErrMergeMismatch       = errors.New("account: merge id mismatch")
	ErrMergeAmountMismatch = errors.New("account: merge amount mismatch")
	ErrSplitAmountMismatch = errors.New("account: split amount mismatch")
	ErrInvalidTokenID      = errors.New("account: invalid option token id")
	ErrUnknownAction       = errors.New("account: unknown action")
)

// MarginAccount is one engine-variant margin account.
//
// Invariants, restored after every committed batch:
//
//	CollateralAmount == 0  <=>  CollateralID == 0
//	ShortAmount == 0       <=>  ShortOptionID == zero
//	at most one distinct short option id at a time
//
// Merges and splits exist precisely to preserve the single-id rule.
type MarginAccount struct {
	ShortOptionID    *uint256.Int `json:"short_option_id"`
	ShortAmount      uint64       `json:"short_amount"` // 6-decimal fixed point
	CollateralID     uint8        `json:"collateral_id"`
	CollateralAmount uint64       `json:"collateral_amount"`
}

func NewMarginAccount() *MarginAccount {
	return &MarginAccount{ShortOptionID: new(uint256.Int)}
}

// Clone returns an independent copy; batches mutate clones and commit on success
func (a *MarginAccount) Clone() *MarginAccount {
	return &MarginAccount{
		ShortOptionID:    new(uint256.Int).Set(a.shortID()),
		ShortAmount:      a.ShortAmount,
		CollateralID:     a.CollateralID,
		CollateralAmount: a.CollateralAmount,
	}
}

func (a *MarginAccount) shortID() *uint256.Int {
	if a.ShortOptionID == nil {
		a.ShortOptionID = new(uint256.Int)
	}
	return a.ShortOptionID
}

// HasShort reports whether the account carries a short position
func (a *MarginAccount) HasShort() bool { return a.ShortAmount != 0 }

// IsEmpty reports whether the account is reset to its destroyed state
func (a *MarginAccount) IsEmpty() bool {
	return a.ShortAmount == 0 && a.CollateralAmount == 0
}

// Validate checks the field-pairing invariants
func (a *MarginAccount) Validate() error {
	if (a.CollateralAmount == 0) != (a.CollateralID == 0) {
		return fmt.Errorf("collateral pairing broken: id=%d amount=%d", a.CollateralID, a.CollateralAmount)
	}
	if (a.ShortAmount == 0) != a.shortID().IsZero() {
		return fmt.Errorf("short pairing broken: id=%s amount=%d", a.shortID().Hex(), a.ShortAmount)
	}
	return nil
}

// addCollateral posts collateral of one asset. An account pins its collateral
// asset on first deposit; mixing assets is rejected.
func (a *MarginAccount) addCollateral(assetID uint8, amount uint64) error {
	if assetID == 0 {
		return fmt.Errorf("%w: asset id 0 is reserved", ErrWrongCollateralID)
	}
	if a.CollateralID != 0 && a.CollateralID != assetID {
		return fmt.Errorf("%w: account holds asset %d, got %d", ErrWrongCollateralID, a.CollateralID, assetID)
	}
	if a.CollateralAmount+amount < a.CollateralAmount {
		return ErrAmountOverflow
	}
	a.CollateralID = assetID
	a.CollateralAmount += amount
	return nil
}

// removeCollateral withdraws collateral. Unchecked-subtraction semantics:
// asking for more than held is a hard underflow error, never a clamp.
func (a *MarginAccount) removeCollateral(assetID uint8, amount uint64) error {
	if a.CollateralID != assetID {
		return fmt.Errorf("%w: account holds asset %d, got %d", ErrWrongCollateralID, a.CollateralID, assetID)
	}
	if amount > a.CollateralAmount {
		return fmt.Errorf("%w: have %d, remove %d", ErrAmountUnderflow, a.CollateralAmount, amount)
	}
	a.CollateralAmount -= amount
	if a.CollateralAmount == 0 {
		a.CollateralID = 0
	}
	return nil
}

// mintShort records newly minted short exposure on the account
func (a *MarginAccount) mintShort(id *uint256.Int, amount uint64) error {
	if a.HasShort() && !a.shortID().Eq(id) {
		return fmt.Errorf("%w: account already short %s", ErrWrongShortID, a.shortID().Hex())
	}
	if a.ShortAmount+amount < a.ShortAmount {
		return ErrAmountOverflow
	}
	a.ShortOptionID = new(uint256.Int).Set(id)
	a.ShortAmount += amount
	return nil
}

// burnShort retires short exposure
func (a *MarginAccount) burnShort(id *uint256.Int, amount uint64) error {
	if !a.HasShort() {
		return ErrNoShortPosition
	}
	if !a.shortID().Eq(id) {
		return fmt.Errorf("%w: short is %s", ErrWrongShortID, a.shortID().Hex())
	}
	if amount > a.ShortAmount {
		return fmt.Errorf("%w: short %d, burn %d", ErrAmountUnderflow, a.ShortAmount, amount)
	}
	a.ShortAmount -= amount
	if a.ShortAmount == 0 {
		a.ShortOptionID = new(uint256.Int)
	}
	return nil
}

// merge combines the existing vanilla short with an incoming long of the same
// product and expiry into a spread. Amounts and ids must match exactly;
// partial merges are not supported.
func (a *MarginAccount) merge(longID *uint256.Int, amount uint64) error {
	if !a.HasShort() {
		return ErrNoShortPosition
	}
	if amount != a.ShortAmount {
		return fmt.Errorf("%w: short %d, merge %d", ErrMergeAmountMismatch, a.ShortAmount, amount)
	}

	short := tokenid.UnpackOption(a.shortID())
	long := tokenid.UnpackOption(longID)
	if !short.TokenType.IsVanilla() {
		return fmt.Errorf("%w: short is already a spread", ErrMergeMismatch)
	}
	if long.TokenType != short.TokenType || long.ProductID != short.ProductID || long.Expiry != short.Expiry {
		return fmt.Errorf("%w: long leg differs in type, product, or expiry", ErrMergeMismatch)
	}
	if long.LongStrike == short.LongStrike {
		return fmt.Errorf("%w: long leg strike equals short strike", ErrMergeMismatch)
	}

	spread, err := tokenid.ToSpread(a.shortID(), long.LongStrike)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	a.ShortOptionID = spread
	return nil
}

// split is the inverse of merge: decomposes the spread short back into its
// vanilla short, releasing the long leg. Exact amount match required.
func (a *MarginAccount) split(spreadID *uint256.Int, amount uint64) (longLeg *uint256.Int, err error) {
	if !a.HasShort() {
		return nil, ErrNoShortPosition
	}
	if !a.shortID().Eq(spreadID) {
		return nil, fmt.Errorf("%w: short is %s", ErrWrongShortID, a.shortID().Hex())
	}
	if amount != a.ShortAmount {
		return nil, fmt.Errorf("%w: short %d, split %d", ErrSplitAmountMismatch, a.ShortAmount, amount)
	}

	spread := tokenid.UnpackOption(spreadID)
	vanilla, err := tokenid.ToVanilla(spreadID)
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	// The released long leg is a vanilla option struck at the spread's
	// secondary strike
	longLeg, err = tokenid.PackOption(tokenid.Option{
		TokenType:  spread.TokenType - 1,
		ProductID:  spread.ProductID,
		Expiry:     spread.Expiry,
		LongStrike: spread.ShortStrike,
	})
	if err != nil {
		return nil, fmt.Errorf("split: %w", err)
	}

	a.ShortOptionID = vanilla
	return longLeg, nil
}

// settle clears the short position and debits the payout owed to long
// holders from posted collateral
func (a *MarginAccount) settle(payout uint64) error {
	if !a.HasShort() {
		return ErrNoShortPosition
	}
	if payout > a.CollateralAmount {
		return fmt.Errorf("%w: collateral %d, payout %d", ErrAmountUnderflow, a.CollateralAmount, payout)
	}
	a.CollateralAmount -= payout
	if a.CollateralAmount == 0 {
		a.CollateralID = 0
	}
	a.ShortAmount = 0
	a.ShortOptionID = new(uint256.Int)
	return nil
}
