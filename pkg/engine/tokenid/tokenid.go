// Package tokenid packs and unpacks option and product identifiers.
//
// An option id is a single 256-bit integer. Field layout, MSB to LSB:
//
//	| field       | bits | shift (from LSB) |
//	|-------------|------|------------------|
//	| tokenType   | 32   | 224              |
//	| productID   | 32   | 192              |
//	| expiry      | 64   | 128              |
//	| longStrike  | 64   | 64               |
//	| shortStrike | 64   | 0                |
//
// A product id is a 40-bit integer carried in a uint64:
//
//	| field        | bits | shift |
//	|--------------|------|-------|
//	| oracleID     | 8    | 32    |
//	| engineID     | 8    | 24    |
//	| underlyingID | 8    | 16    |
//	| strikeID     | 8    | 8     |
//	| collateralID | 8    | 0     |
//
// Strikes and amounts are 6-decimal fixed point; expiry is unix seconds.
// Spread ids always carry a non-zero shortStrike and their tokenType is the
// vanilla counterpart + 1, so vanilla<->spread conversion is a field rewrite.
package tokenid

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionvault/pkg/engine"
)

const (
	shiftTokenType   = 224
	shiftProductID   = 192
	shiftExpiry      = 128
	shiftLongStrike  = 64
	shiftShortStrike = 0

	maxProductID = uint64(1)<<40 - 1
)

var (
	ErrFieldOverflow      = errors.New("tokenid: field exceeds bit width")
	ErrUnknownTokenType   = errors.New("tokenid: unknown token type")
	ErrShortStrikeSet     = errors.New("tokenid: vanilla option with non-zero short strike")
	ErrShortStrikeMissing = errors.New("tokenid: spread with zero short strike")
	ErrNotSpread          = errors.New("tokenid: id is not a spread")
	ErrNotVanilla         = errors.New("tokenid: id is not a vanilla option")
)

// Option is the unpacked form of a 256-bit option identifier
type Option struct {
	TokenType   engine.TokenType
	ProductID   uint64 // 40-bit product id; must fit the 32-bit field when packed
	Expiry      uint64 // unix seconds
	LongStrike  uint64 // 6-decimal fixed point
	ShortStrike uint64 // 6-decimal fixed point, zero for vanilla options
}

// Product is the unpacked form of a 40-bit product identifier
type Product struct {
	OracleID     uint8
	EngineID     uint8
	UnderlyingID uint8
	StrikeID     uint8
	CollateralID uint8
}

// PackOption encodes an option into its 256-bit identifier.
// Rejects unknown token types, product ids wider than the 32-bit field, and
// short-strike values inconsistent with the token type.
func PackOption(o Option) (*uint256.Int, error) {
	if !o.TokenType.Valid() {
		return nil, ErrUnknownTokenType
	}
	if o.ProductID > (1<<32)-1 {
		return nil, ErrFieldOverflow
	}
	if o.TokenType.IsSpread() && o.ShortStrike == 0 {
		return nil, ErrShortStrikeMissing
	}
	if o.TokenType.IsVanilla() && o.ShortStrike != 0 {
		return nil, ErrShortStrikeSet
	}

	id := new(uint256.Int).Lsh(uint256.NewInt(uint64(o.TokenType)), shiftTokenType)
	id.Or(id, new(uint256.Int).Lsh(uint256.NewInt(o.ProductID), shiftProductID))
	id.Or(id, new(uint256.Int).Lsh(uint256.NewInt(o.Expiry), shiftExpiry))
	id.Or(id, new(uint256.Int).Lsh(uint256.NewInt(o.LongStrike), shiftLongStrike))
	id.Or(id, uint256.NewInt(o.ShortStrike))
	return id, nil
}

// UnpackOption decodes an option identifier. Total inverse of PackOption
// for any id PackOption produced; pure masking, never fails.
func UnpackOption(id *uint256.Int) Option {
	var v uint256.Int
	return Option{
		TokenType:   engine.TokenType(uint32(v.Rsh(id, shiftTokenType).Uint64())),
		ProductID:   uint64(uint32(v.Rsh(id, shiftProductID).Uint64())),
		Expiry:      v.Rsh(id, shiftExpiry).Uint64(),
		LongStrike:  v.Rsh(id, shiftLongStrike).Uint64(),
		ShortStrike: id.Uint64(),
	}
}

// ToVanilla converts a spread id to its vanilla counterpart: clears the
// shortStrike field and decrements the token type. Errors on a non-spread id
// rather than silently corrupting it.
func ToVanilla(id *uint256.Int) (*uint256.Int, error) {
	o := UnpackOption(id)
	if !o.TokenType.IsSpread() {
		return nil, ErrNotSpread
	}
	o.TokenType--
	o.ShortStrike = 0
	return PackOption(o)
}

// ToSpread converts a vanilla id to its spread counterpart with the given
// short strike: sets shortStrike and increments the token type.
func ToSpread(id *uint256.Int, shortStrike uint64) (*uint256.Int, error) {
	o := UnpackOption(id)
	if !o.TokenType.IsVanilla() {
		return nil, ErrNotVanilla
	}
	if shortStrike == 0 {
		return nil, ErrShortStrikeMissing
	}
	o.TokenType++
	o.ShortStrike = shortStrike
	return PackOption(o)
}

// PackProduct encodes the five registry handles into a 40-bit product id
func PackProduct(p Product) uint64 {
	return uint64(p.OracleID)<<32 |
		uint64(p.EngineID)<<24 |
		uint64(p.UnderlyingID)<<16 |
		uint64(p.StrikeID)<<8 |
		uint64(p.CollateralID)
}

// UnpackProduct decodes a 40-bit product id.
// Errors if bits above the 40-bit layout are set.
func UnpackProduct(id uint64) (Product, error) {
	if id > maxProductID {
		return Product{}, ErrFieldOverflow
	}
	return Product{
		OracleID:     uint8(id >> 32),
		EngineID:     uint8(id >> 24),
		UnderlyingID: uint8(id >> 16),
		StrikeID:     uint8(id >> 8),
		CollateralID: uint8(id),
	}, nil
}
