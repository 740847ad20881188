package account

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Action is the closed set of account mutations a batch can carry.
// The dispatcher switches exhaustively over these; an unlisted type is a
// hard ErrUnknownAction, so new variants cannot be silently unhandled.
type Action interface {
	isAction()
}

// AddCollateral moves collateral from From's token balance into the account.
// From must be the caller or the target account.
type AddCollateral struct {
	AssetID uint8
	Amount  uint64
	From    common.Address
}

// RemoveCollateral withdraws account collateral to To's token balance
type RemoveCollateral struct {
	AssetID uint8
	Amount  uint64
	To      common.Address
}

// TransferCollateral moves collateral between two margin accounts.
// The caller must be authorized on both.
type TransferCollateral struct {
	Amount uint64
	To     common.Address // target margin account
}

// MintOption mints new option tokens to Recipient and records the matching
// short on the account. A zero Recipient defaults to the caller.
type MintOption struct {
	OptionID  *uint256.Int
	Amount    uint64
	Recipient common.Address
}

// BurnOption burns From's long tokens against the account's short.
// From must be the caller or the target account.
type BurnOption struct {
	OptionID *uint256.Int
	Amount   uint64
	From     common.Address
}

// TransferLong moves long option tokens from the caller to To
type TransferLong struct {
	OptionID *uint256.Int
	Amount   uint64
	To       common.Address
}

// TransferShort moves short exposure to another margin account.
// The caller must be authorized on the receiving account.
type TransferShort struct {
	OptionID *uint256.Int
	Amount   uint64
	To       common.Address // target margin account
}

// Merge folds an incoming long (burned from From) into the account's vanilla
// short, producing a spread. Exact id and amount match required.
type Merge struct {
	OptionID *uint256.Int // the long option being merged
	Amount   uint64
	From     common.Address
}

// Split reverses a Merge: the spread short becomes vanilla again and the
// long leg is minted to Recipient.
type Split struct {
	OptionID  *uint256.Int // the current spread short
	Amount    uint64
	Recipient common.Address
}

// SettleAccount settles the expired short against the finalized oracle
// price, debiting the payout owed to long holders
type SettleAccount struct{}

func (AddCollateral) isAction()      {}
func (RemoveCollateral) isAction()   {}
func (TransferCollateral) isAction() {}
func (MintOption) isAction()         {}
func (BurnOption) isAction()         {}
func (TransferLong) isAction()       {}
func (TransferShort) isAction()      {}
func (Merge) isAction()              {}
func (Split) isAction()              {}
func (SettleAccount) isAction()      {}
