// Package liquidation lets third parties repay the short debt of underwater
// margin accounts in exchange for a proportional slice of their collateral.
package liquidation

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionvault/pkg/engine/account"
	"github.com/uhyunpark/optionvault/pkg/engine/margin"
	"github.com/uhyunpark/optionvault/pkg/engine/registry"
	"github.com/uhyunpark/optionvault/pkg/engine/token"
	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
)

var (
	ErrAccountIsHealthy   = errors.New("liquidation: account meets margin requirement")
	ErrWrongIDToLiquidate = errors.New("liquidation: option id does not match account short")
	ErrWrongRepayAmounts  = errors.New("liquidation: repay amounts out of proportion")
	ErrNothingToRepay     = errors.New("liquidation: nothing to repay")
)

// Result reports what a liquidation moved
type Result struct {
	Repaid       uint64
	Released     uint64
	CollateralID uint8
}

// Health describes how an account stands against its margin requirement
type Health struct {
	MinCollateral    uint64
	CollateralAmount uint64
	Liquidatable     bool
}

type Engine struct {
	accounts *account.Manager
	reg      *registry.Registry
	log      *zap.SugaredLogger
}

func New(accounts *account.Manager, reg *registry.Registry, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{accounts: accounts, reg: reg, log: log}
}

// Check reports whether an account is open to liquidation; liquidators poll
// this to find targets
func (e *Engine) Check(target common.Address) (Health, error) {
	acc := e.accounts.GetAccount(target)
	req, err := e.requirement(acc)
	if err != nil {
		return Health{}, err
	}
	return Health{
		MinCollateral:    req,
		CollateralAmount: acc.CollateralAmount,
		Liquidatable:     req > acc.CollateralAmount,
	}, nil
}

// Liquidate repays part or all of an underwater account's short debt from
// the liquidator's own option holdings. The released collateral is the
// repaid fraction of the account's posted collateral, floored. A full
// repayment empties the account.
//
// The call and put legs are addressed separately; an account's single short
// is one or the other, and the absent leg's repay amount must be zero.
func (e *Engine) Liquidate(liquidator, target common.Address, callID, putID *uint256.Int, callRepay, putRepay uint64) (Result, error) {
	var res Result

	err := e.accounts.Update(target, func(acc *account.MarginAccount) ([]token.Op, error) {
		req, err := e.requirement(acc)
		if err != nil {
			return nil, err
		}
		if req <= acc.CollateralAmount {
			return nil, fmt.Errorf("%w: need %d, have %d", ErrAccountIsHealthy, req, acc.CollateralAmount)
		}

		short := tokenid.UnpackOption(acc.ShortOptionID)
		var callDebt, putDebt uint64
		if short.TokenType.IsCallLike() {
			callDebt = acc.ShortAmount
		} else {
			putDebt = acc.ShortAmount
		}

		if callRepay > 0 && (callDebt == 0 || callID == nil || !acc.ShortOptionID.Eq(callID)) {
			return nil, fmt.Errorf("%w: call leg", ErrWrongIDToLiquidate)
		}
		if putRepay > 0 && (putDebt == 0 || putID == nil || !acc.ShortOptionID.Eq(putID)) {
			return nil, fmt.Errorf("%w: put leg", ErrWrongIDToLiquidate)
		}

		// Cross-multiplied proportion check; with a single short this
		// degenerates to "the absent leg's repay must be zero"
		lhs := new(uint256.Int).Mul(uint256.NewInt(callRepay), uint256.NewInt(putDebt))
		rhs := new(uint256.Int).Mul(uint256.NewInt(putRepay), uint256.NewInt(callDebt))
		if !lhs.Eq(rhs) {
			return nil, fmt.Errorf("%w: %d/%d against debts %d/%d", ErrWrongRepayAmounts, callRepay, putRepay, callDebt, putDebt)
		}

		repay := callRepay + putRepay
		totalDebt := acc.ShortAmount
		if repay == 0 {
			return nil, ErrNothingToRepay
		}
		if repay > totalDebt {
			return nil, fmt.Errorf("%w: repay %d exceeds debt %d", ErrWrongRepayAmounts, repay, totalDebt)
		}

		released := new(uint256.Int).Mul(uint256.NewInt(acc.CollateralAmount), uint256.NewInt(repay))
		released.Div(released, uint256.NewInt(totalDebt))
		releasedAmt := released.Uint64()

		shortID := new(uint256.Int).Set(acc.ShortOptionID)
		collateralID := acc.CollateralID

		acc.ShortAmount -= repay
		acc.CollateralAmount -= releasedAmt
		if acc.ShortAmount == 0 {
			acc.ShortOptionID = new(uint256.Int)
		}
		if acc.CollateralAmount == 0 {
			acc.CollateralID = 0
		}

		res = Result{Repaid: repay, Released: releasedAmt, CollateralID: collateralID}
		ops := []token.Op{
			{Kind: token.OpBurnOption, From: liquidator, OptionID: shortID, Amount: repay},
		}
		if releasedAmt > 0 {
			ops = append(ops, token.Op{Kind: token.OpCreditCollateral, To: liquidator, AssetID: collateralID, Amount: releasedAmt})
		}
		return ops, nil
	})
	if err != nil {
		return Result{}, err
	}

	e.log.Infow("account_liquidated",
		"liquidator", liquidator.Hex(),
		"account", target.Hex(),
		"repaid", res.Repaid,
		"released", res.Released,
		"collateral_id", res.CollateralID,
	)
	return res, nil
}

// requirement mirrors the manager's solvency math: margin requirement of the
// account's short in the collateral asset's native decimals
func (e *Engine) requirement(acc *account.MarginAccount) (uint64, error) {
	if !acc.HasShort() {
		return 0, nil
	}
	o := tokenid.UnpackOption(acc.ShortOptionID)
	prod, err := tokenid.UnpackProduct(o.ProductID)
	if err != nil {
		return 0, err
	}
	asset, err := e.reg.AssetByID(prod.CollateralID)
	if err != nil {
		return 0, err
	}
	return margin.MinCollateral(margin.DetailFromOption(o, acc.ShortAmount, asset.Decimals))
}
