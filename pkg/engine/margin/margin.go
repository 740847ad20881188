// Package margin computes the minimum collateral that keeps a short option
// position fully covered. Pure arithmetic, no state.
package margin

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionvault/pkg/engine"
	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
)

var (
	ErrUnsupportedTokenType = errors.New("margin: unsupported token type")
	ErrCollateralOverflow   = errors.New("margin: required collateral exceeds uint64")
)

// Detail describes a short position from the margin policy's point of view.
//
// Strike naming here is leg-relative, not field-relative: ShortStrike is the
// strike of the leg the account is short, LongStrike the strike of the long
// leg capping a spread (zero for vanilla). Note this is the reverse of the
// token id field names, where longStrike is the primary strike; use
// DetailFromOption to map between the two.
type Detail struct {
	ShortAmount        uint64 // 6-decimal fixed point
	LongStrike         uint64 // 6-decimal fixed point; 0 for vanilla
	ShortStrike        uint64 // 6-decimal fixed point
	TokenType          engine.TokenType
	CollateralDecimals uint8
}

// DetailFromOption maps an unpacked option id to a margin Detail.
// The id's longStrike field is the primary (short-leg) strike; its
// shortStrike field is the secondary (long-leg) strike of a spread.
func DetailFromOption(o tokenid.Option, shortAmount uint64, collateralDecimals uint8) Detail {
	return Detail{
		ShortAmount:        shortAmount,
		ShortStrike:        o.LongStrike,
		LongStrike:         o.ShortStrike,
		TokenType:          o.TokenType,
		CollateralDecimals: collateralDecimals,
	}
}

// MinCollateral returns the least collateral amount, in the collateral asset's
// native decimals, that keeps the position solvent.
//
// Policy (floor division throughout, 6-decimal base unit):
//
//	call:        shortAmount                       (1 underlying covers 1 short call)
//	call spread: shortAmount * (L-S)/L  if L > S   (underlying-denominated, bounded loss)
//	put:         shortAmount * S / UNIT            (full notional, strike-denominated)
//	put spread:  shortAmount * (S-L) / UNIT if S > L
//
// where S = ShortStrike (short leg), L = LongStrike (long leg). A debit
// spread (diff <= 0) needs no collateral beyond its long leg.
func MinCollateral(d Detail) (uint64, error) {
	var req uint64 // 6-decimal units
	switch d.TokenType {
	case engine.Call:
		req = d.ShortAmount

	case engine.CallSpread:
		if d.LongStrike > d.ShortStrike {
			diff := d.LongStrike - d.ShortStrike
			var err error
			req, err = mulDiv(d.ShortAmount, diff, d.LongStrike)
			if err != nil {
				return 0, err
			}
		}

	case engine.Put:
		var err error
		req, err = mulDiv(d.ShortAmount, d.ShortStrike, engine.Unit)
		if err != nil {
			return 0, err
		}

	case engine.PutSpread:
		if d.ShortStrike > d.LongStrike {
			diff := d.ShortStrike - d.LongStrike
			var err error
			req, err = mulDiv(d.ShortAmount, diff, engine.Unit)
			if err != nil {
				return 0, err
			}
		}

	default:
		return 0, ErrUnsupportedTokenType
	}

	return scaleDecimals(req, engine.UnitDecimals, d.CollateralDecimals)
}

// mulDiv computes floor(a*b/den) through 256-bit intermediates so the
// product can never overflow before the division
func mulDiv(a, b, den uint64) (uint64, error) {
	if den == 0 {
		return 0, nil
	}
	z := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	z.Div(z, uint256.NewInt(den))
	if !z.IsUint64() {
		return 0, ErrCollateralOverflow
	}
	return z.Uint64(), nil
}

// scaleDecimals converts an amount between decimal bases, multiplying up
// before any truncating divide
func scaleDecimals(amount uint64, from, to uint8) (uint64, error) {
	if from == to {
		return amount, nil
	}
	if to > from {
		z := new(uint256.Int).Mul(uint256.NewInt(amount), pow10(to-from))
		if !z.IsUint64() {
			return 0, ErrCollateralOverflow
		}
		return z.Uint64(), nil
	}
	z := new(uint256.Int).Div(uint256.NewInt(amount), pow10(from-to))
	return z.Uint64(), nil
}

func pow10(n uint8) *uint256.Int {
	z := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		z.Mul(z, ten)
	}
	return z
}
