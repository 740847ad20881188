package account

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/optionvault/pkg/engine/margin"
	"github.com/uhyunpark/optionvault/pkg/engine/registry"
	"github.com/uhyunpark/optionvault/pkg/engine/token"
	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
	"github.com/uhyunpark/optionvault/pkg/util"
)

// Settler computes the collateral-denominated payout of an expired short.
// Implemented by the settlement engine; injected to keep the dependency
// one-directional.
type Settler interface {
	GetPayout(id *uint256.Int, amount uint64) (collateralID uint8, payout uint64, err error)
}

// ExecuteOrder is one action list targeting one margin account
type ExecuteOrder struct {
	Account common.Address
	Actions []Action
}

// Manager owns all margin accounts and dispatches action batches against
// them. Each Execute/BatchExecute call is atomic: actions are applied to
// working copies, the solvency check runs once per affected account after
// the whole list, and only then is anything committed. A failing batch
// leaves no trace in the accounts, the token ledger, or the store.
type Manager struct {
	mu         sync.RWMutex
	accounts   map[common.Address]*MarginAccount
	allowances map[common.Address]map[common.Address]uint32 // account -> grantee -> uses left

	store   *Store // nil = memory only
	tokens  *token.Ledger
	reg     *registry.Registry
	settler Settler
	clock   util.Clock
	log     *zap.SugaredLogger
}

func NewManager(store *Store, tokens *token.Ledger, reg *registry.Registry, clock util.Clock, log *zap.SugaredLogger) *Manager {
	if clock == nil {
		clock = util.RealClock{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		accounts:   make(map[common.Address]*MarginAccount),
		allowances: make(map[common.Address]map[common.Address]uint32),
		store:      store,
		tokens:     tokens,
		reg:        reg,
		clock:      clock,
		log:        log,
	}
}

// SetSettler wires in the settlement engine after construction
func (m *Manager) SetSettler(s Settler) {
	m.mu.Lock()
	m.settler = s
	m.mu.Unlock()
}

// GetAccount returns a snapshot copy of one margin account.
// Write lock: loading a cold account caches it.
func (m *Manager) GetAccount(addr common.Address) *MarginAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(addr).Clone()
}

// GrantAccess gives grantee a consumable allowance of `uses` batches against
// the owner's account
func (m *Manager) GrantAccess(owner, grantee common.Address, uses uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowances[owner] == nil {
		m.allowances[owner] = make(map[common.Address]uint32)
	}
	m.allowances[owner][grantee] = uses
	if m.store != nil {
		if err := m.store.SaveAllowance(owner, grantee, uses); err != nil {
			return err
		}
	}
	m.log.Infow("access_granted", "owner", owner.Hex(), "grantee", grantee.Hex(), "uses", uses)
	return nil
}

// RevokeAccess removes grantee's allowance on the owner's account
func (m *Manager) RevokeAccess(owner, grantee common.Address) error {
	return m.GrantAccess(owner, grantee, 0)
}

// AllowanceOf returns how many batches grantee may still run against account.
// Write lock: loading a cold allowance caches it.
func (m *Manager) AllowanceOf(account, grantee common.Address) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowanceLocked(account, grantee)
}

// Execute applies an ordered action list against one margin account
func (m *Manager) Execute(caller, sub common.Address, actions []Action) error {
	return m.BatchExecute(caller, []ExecuteOrder{{Account: sub, Actions: actions}})
}

// BatchExecute applies several independent action lists in one atomic call.
// The solvency check runs independently per touched account, after all
// actions of all orders have been applied.
func (m *Manager) BatchExecute(caller common.Address, orders []ExecuteOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bs := &batchState{
		working:    make(map[common.Address]*MarginAccount),
		authorized: make(map[common.Address]bool),
	}

	for _, ord := range orders {
		if err := m.authorizeLocked(bs, caller, ord.Account); err != nil {
			return err
		}
		for i, act := range ord.Actions {
			if err := m.applyLocked(bs, caller, ord.Account, act); err != nil {
				return fmt.Errorf("account %s action %d: %w", ord.Account.Hex(), i, err)
			}
		}
	}

	for addr, acc := range bs.working {
		if err := acc.Validate(); err != nil {
			return fmt.Errorf("account %s: %v", addr.Hex(), err)
		}
		if err := m.checkSolventLocked(acc); err != nil {
			return fmt.Errorf("account %s: %w", addr.Hex(), err)
		}
	}

	// Token moves are validated and applied atomically; a failure here
	// (e.g. funding a deposit from an empty balance) discards the batch
	if len(bs.ops) > 0 {
		if err := m.tokens.Apply(bs.ops); err != nil {
			return err
		}
	}

	for addr, acc := range bs.working {
		m.accounts[addr] = acc
	}
	if m.store != nil && len(bs.working) > 0 {
		if err := m.store.SaveAccounts(bs.working); err != nil {
			// Memory state is already committed and consistent; surface loudly
			m.log.Errorw("account_persist_failed", "err", err)
		}
	}
	m.consumeAllowancesLocked(bs, caller)
	return nil
}

// Update clones one account, runs fn against the clone, applies the token
// ops fn returns, and commits. No solvency check: callers like the
// liquidation engine operate on accounts that are deliberately underwater.
func (m *Manager) Update(addr common.Address, fn func(acc *MarginAccount) ([]token.Op, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.loadLocked(addr).Clone()
	ops, err := fn(acc)
	if err != nil {
		return err
	}
	if err := acc.Validate(); err != nil {
		return fmt.Errorf("account %s: %v", addr.Hex(), err)
	}
	if len(ops) > 0 {
		if err := m.tokens.Apply(ops); err != nil {
			return err
		}
	}

	m.accounts[addr] = acc
	if m.store != nil {
		if err := m.store.SaveAccounts(map[common.Address]*MarginAccount{addr: acc}); err != nil {
			m.log.Errorw("account_persist_failed", "account", addr.Hex(), "err", err)
		}
	}
	return nil
}

// MinCollateralOf returns the current margin requirement of an account, in
// the collateral asset's native decimals
func (m *Manager) MinCollateralOf(addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requirementLocked(m.loadLocked(addr))
}

// ---- internals ----

type batchState struct {
	working    map[common.Address]*MarginAccount
	ops        []token.Op
	authorized map[common.Address]bool // accounts cleared for this batch
}

func (m *Manager) loadLocked(addr common.Address) *MarginAccount {
	if acc, ok := m.accounts[addr]; ok {
		return acc
	}
	if m.store != nil {
		if acc, err := m.store.LoadAccount(addr); err != nil {
			m.log.Warnw("account_load_failed", "account", addr.Hex(), "err", err)
		} else if acc != nil {
			m.accounts[addr] = acc
			return acc
		}
	}
	acc := NewMarginAccount()
	m.accounts[addr] = acc
	return acc
}

func (bs *batchState) account(m *Manager, addr common.Address) *MarginAccount {
	if acc, ok := bs.working[addr]; ok {
		return acc
	}
	acc := m.loadLocked(addr).Clone()
	bs.working[addr] = acc
	return acc
}

// authorizeLocked checks the caller may act on target: self-access is free,
// anything else needs a remaining allowance (consumed once per batch per
// account, and only if the batch commits)
func (m *Manager) authorizeLocked(bs *batchState, caller, target common.Address) error {
	if caller == target || bs.authorized[target] {
		bs.authorized[target] = true
		return nil
	}
	if m.allowanceLocked(target, caller) == 0 {
		return fmt.Errorf("%w: %s on %s", ErrNoAccess, caller.Hex(), target.Hex())
	}
	bs.authorized[target] = true
	return nil
}

// allowanceLocked reads a grant, falling back to the store for allowances
// granted before a restart (mirrors loadLocked for accounts)
func (m *Manager) allowanceLocked(account, grantee common.Address) uint32 {
	if inner, ok := m.allowances[account]; ok {
		if uses, ok := inner[grantee]; ok {
			return uses
		}
	}
	if m.store == nil {
		return 0
	}
	uses, err := m.store.LoadAllowance(account, grantee)
	if err != nil {
		m.log.Warnw("allowance_load_failed", "account", account.Hex(), "grantee", grantee.Hex(), "err", err)
		return 0
	}
	if uses > 0 {
		if m.allowances[account] == nil {
			m.allowances[account] = make(map[common.Address]uint32)
		}
		m.allowances[account][grantee] = uses
	}
	return uses
}

func (m *Manager) consumeAllowancesLocked(bs *batchState, caller common.Address) {
	for target := range bs.authorized {
		if target == caller {
			continue
		}
		left := m.allowances[target][caller]
		if left == 0 {
			continue
		}
		left--
		if left == 0 {
			delete(m.allowances[target], caller)
		} else {
			m.allowances[target][caller] = left
		}
		if m.store != nil {
			if err := m.store.SaveAllowance(target, caller, left); err != nil {
				m.log.Warnw("allowance_persist_failed", "account", target.Hex(), "err", err)
			}
		}
	}
}

// fundingSource validates the address a deposit or burn is funded from:
// only the caller's own balance or the target account's may be tapped
func fundingSource(from, caller, sub common.Address) (common.Address, error) {
	if from == (common.Address{}) || from == caller {
		return caller, nil
	}
	if from == sub {
		return sub, nil
	}
	return common.Address{}, fmt.Errorf("%w: cannot fund from %s", ErrNoAccess, from.Hex())
}

func orDefault(addr, fallback common.Address) common.Address {
	if addr == (common.Address{}) {
		return fallback
	}
	return addr
}

func (m *Manager) applyLocked(bs *batchState, caller, sub common.Address, act Action) error {
	acc := bs.account(m, sub)

	switch a := act.(type) {
	case AddCollateral:
		from, err := fundingSource(a.From, caller, sub)
		if err != nil {
			return err
		}
		if err := acc.addCollateral(a.AssetID, a.Amount); err != nil {
			return err
		}
		bs.ops = append(bs.ops, token.Op{Kind: token.OpDebitCollateral, From: from, AssetID: a.AssetID, Amount: a.Amount})

	case RemoveCollateral:
		to := orDefault(a.To, caller)
		if err := acc.removeCollateral(a.AssetID, a.Amount); err != nil {
			return err
		}
		bs.ops = append(bs.ops, token.Op{Kind: token.OpCreditCollateral, To: to, AssetID: a.AssetID, Amount: a.Amount})

	case TransferCollateral:
		if err := m.authorizeLocked(bs, caller, a.To); err != nil {
			return err
		}
		assetID := acc.CollateralID
		if assetID == 0 {
			return fmt.Errorf("%w: account holds no collateral", ErrWrongCollateralID)
		}
		target := bs.account(m, a.To)
		if err := acc.removeCollateral(assetID, a.Amount); err != nil {
			return err
		}
		if err := target.addCollateral(assetID, a.Amount); err != nil {
			return err
		}

	case MintOption:
		if err := m.validateOptionIDLocked(a.OptionID); err != nil {
			return err
		}
		recipient := orDefault(a.Recipient, caller)
		if err := acc.mintShort(a.OptionID, a.Amount); err != nil {
			return err
		}
		bs.ops = append(bs.ops, token.Op{Kind: token.OpMintOption, To: recipient, OptionID: a.OptionID, Amount: a.Amount})

	case BurnOption:
		from, err := fundingSource(a.From, caller, sub)
		if err != nil {
			return err
		}
		if err := acc.burnShort(a.OptionID, a.Amount); err != nil {
			return err
		}
		bs.ops = append(bs.ops, token.Op{Kind: token.OpBurnOption, From: from, OptionID: a.OptionID, Amount: a.Amount})

	case TransferLong:
		bs.ops = append(bs.ops, token.Op{Kind: token.OpTransferOption, From: caller, To: a.To, OptionID: a.OptionID, Amount: a.Amount})

	case TransferShort:
		if err := m.authorizeLocked(bs, caller, a.To); err != nil {
			return err
		}
		target := bs.account(m, a.To)
		if err := acc.burnShort(a.OptionID, a.Amount); err != nil {
			return err
		}
		if err := target.mintShort(a.OptionID, a.Amount); err != nil {
			return err
		}

	case Merge:
		from, err := fundingSource(a.From, caller, sub)
		if err != nil {
			return err
		}
		if err := acc.merge(a.OptionID, a.Amount); err != nil {
			return err
		}
		bs.ops = append(bs.ops, token.Op{Kind: token.OpBurnOption, From: from, OptionID: a.OptionID, Amount: a.Amount})

	case Split:
		recipient := orDefault(a.Recipient, caller)
		longLeg, err := acc.split(a.OptionID, a.Amount)
		if err != nil {
			return err
		}
		bs.ops = append(bs.ops, token.Op{Kind: token.OpMintOption, To: recipient, OptionID: longLeg, Amount: a.Amount})

	case SettleAccount:
		if m.settler == nil {
			return fmt.Errorf("account: no settlement engine wired")
		}
		if !acc.HasShort() {
			return ErrNoShortPosition
		}
		collateralID, payout, err := m.settler.GetPayout(acc.shortID(), acc.ShortAmount)
		if err != nil {
			return err
		}
		if payout > 0 && acc.CollateralID != collateralID {
			return fmt.Errorf("%w: payout in asset %d, account holds %d", ErrWrongCollateralID, collateralID, acc.CollateralID)
		}
		if err := acc.settle(payout); err != nil {
			return err
		}
		m.log.Infow("account_settled", "account", sub.Hex(), "payout", payout, "collateral_id", collateralID)

	default:
		return fmt.Errorf("%w: %T", ErrUnknownAction, act)
	}
	return nil
}

// validateOptionIDLocked rejects malformed ids before any state mutation:
// unknown token type, stray bits, unregistered product handles, past expiry
func (m *Manager) validateOptionIDLocked(id *uint256.Int) error {
	if id == nil || id.IsZero() {
		return fmt.Errorf("%w: zero id", ErrInvalidTokenID)
	}
	o := tokenid.UnpackOption(id)

	// Re-packing catches bad enum values, short-strike violations, and any
	// bits outside the documented layout
	repacked, err := tokenid.PackOption(o)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTokenID, err)
	}
	if !repacked.Eq(id) {
		return fmt.Errorf("%w: stray bits outside field layout", ErrInvalidTokenID)
	}

	if o.Expiry <= uint64(m.clock.Now().Unix()) {
		return fmt.Errorf("%w: expiry %d in the past", ErrInvalidTokenID, o.Expiry)
	}

	prod, err := tokenid.UnpackProduct(o.ProductID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTokenID, err)
	}
	if !m.reg.HasOracle(prod.OracleID) || !m.reg.HasEngine(prod.EngineID) ||
		!m.reg.HasAsset(prod.UnderlyingID) || !m.reg.HasAsset(prod.StrikeID) || !m.reg.HasAsset(prod.CollateralID) {
		return fmt.Errorf("%w: product %d references unregistered ids", ErrInvalidTokenID, o.ProductID)
	}
	return nil
}

// checkSolventLocked is the post-batch health check: the account's posted
// collateral must cover the margin requirement of its short position
func (m *Manager) checkSolventLocked(acc *MarginAccount) error {
	req, err := m.requirementLocked(acc)
	if err != nil {
		return err
	}
	if req == 0 {
		return nil
	}
	o := tokenid.UnpackOption(acc.shortID())
	prod, _ := tokenid.UnpackProduct(o.ProductID)
	if acc.CollateralID != prod.CollateralID {
		return fmt.Errorf("%w: short requires collateral asset %d, account holds %d",
			ErrAccountUnderwater, prod.CollateralID, acc.CollateralID)
	}
	if req > acc.CollateralAmount {
		return fmt.Errorf("%w: need %d, have %d", ErrAccountUnderwater, req, acc.CollateralAmount)
	}
	return nil
}

func (m *Manager) requirementLocked(acc *MarginAccount) (uint64, error) {
	if !acc.HasShort() {
		return 0, nil
	}
	o := tokenid.UnpackOption(acc.shortID())
	prod, err := tokenid.UnpackProduct(o.ProductID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTokenID, err)
	}
	asset, err := m.reg.AssetByID(prod.CollateralID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTokenID, err)
	}
	return margin.MinCollateral(margin.DetailFromOption(o, acc.ShortAmount, asset.Decimals))
}
