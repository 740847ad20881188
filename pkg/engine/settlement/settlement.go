// Package settlement turns expired option tokens into collateral payouts
// against finalized oracle prices.
package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionvault/pkg/engine"
	"github.com/uhyunpark/optionvault/pkg/engine/oracle"
	"github.com/uhyunpark/optionvault/pkg/engine/registry"
	"github.com/uhyunpark/optionvault/pkg/engine/token"
	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
	"github.com/uhyunpark/optionvault/pkg/util"
)

var (
	ErrNotExpired         = errors.New("settlement: option not yet expired")
	ErrPriceNotFinalized  = errors.New("settlement: expiry price not finalized")
	ErrLengthMismatch     = errors.New("settlement: ids and amounts length mismatch")
	ErrPayoutOverflow     = errors.New("settlement: payout exceeds uint64")
	ErrUnsupportedPayoff  = errors.New("settlement: unsupported token type")
	ErrZeroSettlementSpot = errors.New("settlement: zero settlement price")
)

// Engine computes and pays out the cash value of expired options.
// Long holders settle here directly; short accounts settle through the
// account manager, which calls GetPayout via the Settler interface.
type Engine struct {
	reg    *registry.Registry
	oracle *oracle.Oracle
	tokens *token.Ledger
	clock  util.Clock
	log    *zap.SugaredLogger
}

func New(reg *registry.Registry, orc *oracle.Oracle, tokens *token.Ledger, clock util.Clock, log *zap.SugaredLogger) *Engine {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{reg: reg, oracle: orc, tokens: tokens, clock: clock, log: log}
}

// GetPayout returns the collateral owed for `amount` units of the expired
// option, in the collateral asset's native decimals, together with the
// collateral asset id. Fails before expiry and before the relevant oracle
// prices finalize.
func (e *Engine) GetPayout(id *uint256.Int, amount uint64) (uint8, uint64, error) {
	o := tokenid.UnpackOption(id)
	prod, err := tokenid.UnpackProduct(o.ProductID)
	if err != nil {
		return 0, 0, err
	}
	if uint64(e.clock.Now().Unix()) < o.Expiry {
		return 0, 0, fmt.Errorf("%w: expiry %d", ErrNotExpired, o.Expiry)
	}

	underlying, err := e.reg.AssetByID(prod.UnderlyingID)
	if err != nil {
		return 0, 0, err
	}
	strike, err := e.reg.AssetByID(prod.StrikeID)
	if err != nil {
		return 0, 0, err
	}
	collateral, err := e.reg.AssetByID(prod.CollateralID)
	if err != nil {
		return 0, 0, err
	}

	spot, finalized, err := e.oracle.GetPriceAtExpiry(underlying.Address, strike.Address, o.Expiry)
	if err != nil {
		return prod.CollateralID, 0, fmt.Errorf("%w: %v", ErrPriceNotFinalized, err)
	}
	if !finalized {
		return prod.CollateralID, 0, ErrPriceNotFinalized
	}

	cash, err := cashValue(o, spot)
	if err != nil {
		return prod.CollateralID, 0, err
	}
	if cash == 0 {
		return prod.CollateralID, 0, nil
	}

	// Re-denominate the strike-asset cash value into the collateral asset
	perUnit := cash
	switch {
	case prod.CollateralID == prod.StrikeID:
		// already collateral-denominated
	case prod.CollateralID == prod.UnderlyingID:
		if spot == 0 {
			return prod.CollateralID, 0, ErrZeroSettlementSpot
		}
		perUnit, err = mulDiv(cash, engine.Unit, spot)
		if err != nil {
			return prod.CollateralID, 0, err
		}
	default:
		rate, finalized, err := e.oracle.GetPriceAtExpiry(collateral.Address, strike.Address, o.Expiry)
		if err != nil {
			return prod.CollateralID, 0, fmt.Errorf("%w: collateral/strike: %v", ErrPriceNotFinalized, err)
		}
		if !finalized {
			return prod.CollateralID, 0, fmt.Errorf("%w: collateral/strike", ErrPriceNotFinalized)
		}
		if rate == 0 {
			return prod.CollateralID, 0, ErrZeroSettlementSpot
		}
		perUnit, err = mulDiv(cash, engine.Unit, rate)
		if err != nil {
			return prod.CollateralID, 0, err
		}
	}

	perUnit, err = scaleDecimals(perUnit, engine.UnitDecimals, collateral.Decimals)
	if err != nil {
		return prod.CollateralID, 0, err
	}
	payout, err := mulDiv(perUnit, amount, engine.Unit)
	if err != nil {
		return prod.CollateralID, 0, err
	}
	return prod.CollateralID, payout, nil
}

// Settle burns the holder's expired long tokens and credits the payout to
// their collateral balance. Worthless options are burned with no credit.
func (e *Engine) Settle(holder common.Address, id *uint256.Int, amount uint64) (uint64, error) {
	collateralID, payout, err := e.GetPayout(id, amount)
	if err != nil {
		return 0, err
	}

	ops := []token.Op{{Kind: token.OpBurnOption, From: holder, OptionID: id, Amount: amount}}
	if payout > 0 {
		ops = append(ops, token.Op{Kind: token.OpCreditCollateral, To: holder, AssetID: collateralID, Amount: payout})
	}
	if err := e.tokens.Apply(ops); err != nil {
		return 0, err
	}

	e.log.Infow("option_settled",
		"holder", holder.Hex(),
		"option_id", id.Hex(),
		"amount", amount,
		"payout", payout,
		"collateral_id", collateralID,
	)
	return payout, nil
}

// SettleBatch settles several expired positions in one atomic token-ledger
// commit, coalescing payouts per collateral asset
func (e *Engine) SettleBatch(holder common.Address, ids []*uint256.Int, amounts []uint64) (map[uint8]uint64, error) {
	if len(ids) != len(amounts) {
		return nil, ErrLengthMismatch
	}

	payouts := make(map[uint8]uint64)
	ops := make([]token.Op, 0, len(ids)+1)
	for i, id := range ids {
		collateralID, payout, err := e.GetPayout(id, amounts[i])
		if err != nil {
			return nil, fmt.Errorf("id %s: %w", id.Hex(), err)
		}
		ops = append(ops, token.Op{Kind: token.OpBurnOption, From: holder, OptionID: id, Amount: amounts[i]})
		if payout > 0 {
			if payouts[collateralID]+payout < payouts[collateralID] {
				return nil, ErrPayoutOverflow
			}
			payouts[collateralID] += payout
		}
		e.log.Debugw("batch_settle_leg", "option_id", id.Hex(), "amount", amounts[i], "payout", payout)
	}
	for assetID, total := range payouts {
		ops = append(ops, token.Op{Kind: token.OpCreditCollateral, To: holder, AssetID: assetID, Amount: total})
	}
	if err := e.tokens.Apply(ops); err != nil {
		return nil, err
	}

	e.log.Infow("batch_settled", "holder", holder.Hex(), "legs", len(ids), "payouts", payouts)
	return payouts, nil
}

// cashValue is the per-unit settlement value in the strike asset, 6-decimal
// fixed point
func cashValue(o tokenid.Option, spot uint64) (uint64, error) {
	switch o.TokenType {
	case engine.Call:
		if spot > o.LongStrike {
			return spot - o.LongStrike, nil
		}
		return 0, nil
	case engine.CallSpread:
		// max(spot-L, 0) - max(spot-S, 0): caps a proper spread (S > L) at
		// S-L and leaves an inverted one worthless
		return satSub(satSub(spot, o.LongStrike), satSub(spot, o.ShortStrike)), nil
	case engine.Put:
		if spot < o.LongStrike {
			return o.LongStrike - spot, nil
		}
		return 0, nil
	case engine.PutSpread:
		// max(L-spot, 0) - max(S-spot, 0): floors a proper spread (S < L) at
		// L-S and leaves an inverted one worthless
		return satSub(satSub(o.LongStrike, spot), satSub(o.ShortStrike, spot)), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrUnsupportedPayoff, o.TokenType)
	}
}

// satSub is max(a-b, 0)
func satSub(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return 0
}

// mulDiv computes a*b/den in 256-bit space, floor division
func mulDiv(a, b, den uint64) (uint64, error) {
	num := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	num.Div(num, uint256.NewInt(den))
	if !num.IsUint64() {
		return 0, ErrPayoutOverflow
	}
	return num.Uint64(), nil
}

func scaleDecimals(amount uint64, from, to uint8) (uint64, error) {
	if from == to {
		return amount, nil
	}
	v := uint256.NewInt(amount)
	if to > from {
		v.Mul(v, pow10(to-from))
	} else {
		v.Div(v, pow10(from-to))
	}
	if !v.IsUint64() {
		return 0, ErrPayoutOverflow
	}
	return v.Uint64(), nil
}

func pow10(n uint8) *uint256.Int {
	p := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint8(0); i < n; i++ {
		p.Mul(p, ten)
	}
	return p
}
