// Package token is the fungible balance book for option tokens and
// collateral assets. Option tokens are keyed by their 256-bit identifier,
// collateral assets by their 8-bit registry id.
//
// Mutations are either single calls or an Op batch applied through Apply,
// which stages every touched balance and commits only if the whole sequence
// survives checked arithmetic. The account dispatcher leans on this for its
// all-or-nothing batch semantics.
package token

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("token: insufficient balance")
	ErrBalanceOverflow     = errors.New("token: balance overflow")
	ErrUnknownOp           = errors.New("token: unknown op kind")
	ErrZeroAmount          = errors.New("token: zero amount")
)

// OpKind enumerates the ledger mutations an Op can carry
type OpKind uint8

const (
	OpMintOption OpKind = iota
	OpBurnOption
	OpTransferOption
	OpCreditCollateral
	OpDebitCollateral
	OpTransferCollateral
)

// Op is one staged ledger mutation
type Op struct {
	Kind     OpKind
	From     common.Address
	To       common.Address
	OptionID *uint256.Int // option ops only
	AssetID  uint8        // collateral ops only
	Amount   uint64
}

type balanceKey struct {
	option common.Hash // zero for collateral balances
	asset  uint8
	holder common.Address
}

func optionKey(id *uint256.Int, holder common.Address) balanceKey {
	return balanceKey{option: common.Hash(id.Bytes32()), holder: holder}
}

func collateralKey(asset uint8, holder common.Address) balanceKey {
	return balanceKey{asset: asset, holder: holder}
}

// Ledger holds all option and collateral balances
type Ledger struct {
	mu       sync.RWMutex
	balances map[balanceKey]uint64
	supply   map[common.Hash]uint64 // total supply per option id
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[balanceKey]uint64),
		supply:   make(map[common.Hash]uint64),
	}
}

// OptionBalance returns holder's balance of one option token
func (l *Ledger) OptionBalance(holder common.Address, id *uint256.Int) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[optionKey(id, holder)]
}

// CollateralBalance returns holder's balance of one collateral asset
func (l *Ledger) CollateralBalance(holder common.Address, asset uint8) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[collateralKey(asset, holder)]
}

// TotalSupply returns the outstanding amount of one option token
func (l *Ledger) TotalSupply(id *uint256.Int) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.supply[common.Hash(id.Bytes32())]
}

// MintOption creates option tokens for a holder
func (l *Ledger) MintOption(to common.Address, id *uint256.Int, amount uint64) error {
	return l.Apply([]Op{{Kind: OpMintOption, To: to, OptionID: id, Amount: amount}})
}

// BurnOption destroys option tokens held by holder.
// Fails hard on insufficient balance, never clamps.
func (l *Ledger) BurnOption(from common.Address, id *uint256.Int, amount uint64) error {
	return l.Apply([]Op{{Kind: OpBurnOption, From: from, OptionID: id, Amount: amount}})
}

// BatchBurn destroys several option positions of one holder atomically
func (l *Ledger) BatchBurn(from common.Address, ids []*uint256.Int, amounts []uint64) error {
	if len(ids) != len(amounts) {
		return fmt.Errorf("token: batch burn length mismatch: %d ids, %d amounts", len(ids), len(amounts))
	}
	ops := make([]Op, len(ids))
	for i := range ids {
		ops[i] = Op{Kind: OpBurnOption, From: from, OptionID: ids[i], Amount: amounts[i]}
	}
	return l.Apply(ops)
}

// TransferOption moves option tokens between holders
func (l *Ledger) TransferOption(from, to common.Address, id *uint256.Int, amount uint64) error {
	return l.Apply([]Op{{Kind: OpTransferOption, From: from, To: to, OptionID: id, Amount: amount}})
}

// CreditCollateral adds collateral balance to a holder (deposit/payout leg)
func (l *Ledger) CreditCollateral(to common.Address, asset uint8, amount uint64) error {
	return l.Apply([]Op{{Kind: OpCreditCollateral, To: to, AssetID: asset, Amount: amount}})
}

// DebitCollateral removes collateral balance from a holder
func (l *Ledger) DebitCollateral(from common.Address, asset uint8, amount uint64) error {
	return l.Apply([]Op{{Kind: OpDebitCollateral, From: from, AssetID: asset, Amount: amount}})
}

// TransferCollateral moves collateral between holders
func (l *Ledger) TransferCollateral(from, to common.Address, asset uint8, amount uint64) error {
	return l.Apply([]Op{{Kind: OpTransferCollateral, From: from, To: to, AssetID: asset, Amount: amount}})
}

// Apply runs a sequence of ops atomically: every op is validated in order
// against a staged view of the touched balances, then the stage is written
// back in one shot. Any failure leaves the ledger untouched.
func (l *Ledger) Apply(ops []Op) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stage := make(map[balanceKey]uint64)
	supplyStage := make(map[common.Hash]uint64)

	get := func(k balanceKey) uint64 {
		if v, ok := stage[k]; ok {
			return v
		}
		return l.balances[k]
	}
	getSupply := func(h common.Hash) uint64 {
		if v, ok := supplyStage[h]; ok {
			return v
		}
		return l.supply[h]
	}

	credit := func(k balanceKey, amount uint64) error {
		cur := get(k)
		if cur+amount < cur {
			return ErrBalanceOverflow
		}
		stage[k] = cur + amount
		return nil
	}
	debit := func(k balanceKey, amount uint64) error {
		cur := get(k)
		if cur < amount {
			return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, cur, amount)
		}
		stage[k] = cur - amount
		return nil
	}

	for i, op := range ops {
		if op.Amount == 0 {
			return fmt.Errorf("op %d: %w", i, ErrZeroAmount)
		}
		var err error
		switch op.Kind {
		case OpMintOption:
			h := common.Hash(op.OptionID.Bytes32())
			if err = credit(optionKey(op.OptionID, op.To), op.Amount); err == nil {
				if getSupply(h)+op.Amount < getSupply(h) {
					err = ErrBalanceOverflow
				} else {
					supplyStage[h] = getSupply(h) + op.Amount
				}
			}
		case OpBurnOption:
			h := common.Hash(op.OptionID.Bytes32())
			if err = debit(optionKey(op.OptionID, op.From), op.Amount); err == nil {
				supplyStage[h] = getSupply(h) - op.Amount
			}
		case OpTransferOption:
			if err = debit(optionKey(op.OptionID, op.From), op.Amount); err == nil {
				err = credit(optionKey(op.OptionID, op.To), op.Amount)
			}
		case OpCreditCollateral:
			err = credit(collateralKey(op.AssetID, op.To), op.Amount)
		case OpDebitCollateral:
			err = debit(collateralKey(op.AssetID, op.From), op.Amount)
		case OpTransferCollateral:
			if err = debit(collateralKey(op.AssetID, op.From), op.Amount); err == nil {
				err = credit(collateralKey(op.AssetID, op.To), op.Amount)
			}
		default:
			err = ErrUnknownOp
		}
		if err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}

	for k, v := range stage {
		if v == 0 {
			delete(l.balances, k)
		} else {
			l.balances[k] = v
		}
	}
	for h, v := range supplyStage {
		if v == 0 {
			delete(l.supply, h)
		} else {
			l.supply[h] = v
		}
	}
	return nil
}
