// Package engine holds the shared primitives of the options settlement engine:
// the fixed-point base unit and the option token-type tag.
package engine

// All strikes, prices, and option amounts are 6-decimal fixed point.
// 1_000_000 units = 1.0
const (
	UnitDecimals = 6
	Unit         = uint64(1_000_000)
)

// TokenType tags an option identifier with its payoff shape.
// A spread is always its vanilla counterpart + 1; the codec relies on this
// when converting between the two (see tokenid.ToVanilla / ToSpread).
type TokenType uint32

const (
	Call       TokenType = 0
	CallSpread TokenType = 1
	Put        TokenType = 2
	PutSpread  TokenType = 3
)

func (t TokenType) String() string {
	switch t {
	case Call:
		return "call"
	case CallSpread:
		return "call_spread"
	case Put:
		return "put"
	case PutSpread:
		return "put_spread"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a known token type
func (t TokenType) Valid() bool {
	return t <= PutSpread
}

// IsSpread reports whether t carries a secondary (short) strike
func (t TokenType) IsSpread() bool {
	return t == CallSpread || t == PutSpread
}

// IsVanilla reports whether t is a single-strike call or put
func (t TokenType) IsVanilla() bool {
	return t == Call || t == Put
}

// IsCallLike reports whether the payoff rises with spot
func (t TokenType) IsCallLike() bool {
	return t == Call || t == CallSpread
}

// IsPutLike reports whether the payoff falls with spot
func (t TokenType) IsPutLike() bool {
	return t == Put || t == PutSpread
}
