package api

// API response types for REST endpoints

// AccountInfo represents one margin account's current state
type AccountInfo struct {
	Address          string `json:"address"`
	ShortOptionID    string `json:"shortOptionId"`    // hex, 0x0 when flat
	ShortAmount      uint64 `json:"shortAmount"`      // 6-decimal fixed point
	CollateralID     uint8  `json:"collateralId"`     // 0 when no collateral posted
	CollateralAmount uint64 `json:"collateralAmount"` // collateral asset native decimals
	MinCollateral    uint64 `json:"minCollateral"`    // current margin requirement
}

// AccountHealthInfo reports an account's standing against its margin
// requirement, the signal liquidators poll for
type AccountHealthInfo struct {
	Address          string `json:"address"`
	MinCollateral    uint64 `json:"minCollateral"`
	CollateralAmount uint64 `json:"collateralAmount"`
	Liquidatable     bool   `json:"liquidatable"`
}

// OracleRecordInfo represents a reported expiry price and its dispute state
type OracleRecordInfo struct {
	Base       string `json:"base"`
	Quote      string `json:"quote"`
	Expiry     uint64 `json:"expiry"`     // unix seconds
	Price      uint64 `json:"price"`      // 6-decimal fixed point
	ReportedAt int64  `json:"reportedAt"` // unix seconds
	Disputed   bool   `json:"disputed"`
	Finalized  bool   `json:"finalized"`
}

// AssetInfo represents a registered collateral/underlying asset
type AssetInfo struct {
	ID       uint8  `json:"id"`
	Address  string `json:"address"`
	Decimals uint8  `json:"decimals"`
}

// HealthResponse is the /health payload
type HealthResponse struct {
	Status string `json:"status"`
	Time   int64  `json:"time"` // unix milliseconds
}

// ErrorResponse is the common error envelope
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
