package settlement

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/optionvault/params"
	"github.com/uhyunpark/optionvault/pkg/engine"
	"github.com/uhyunpark/optionvault/pkg/engine/oracle"
	"github.com/uhyunpark/optionvault/pkg/engine/registry"
	"github.com/uhyunpark/optionvault/pkg/engine/token"
	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
	"github.com/uhyunpark/optionvault/pkg/util"
)

var (
	reporter = common.HexToAddress("0xaa")
	holder   = common.HexToAddress("0xbb")
)

type settleFixture struct {
	eng    *Engine
	orc    *oracle.Oracle
	tokens *token.Ledger
	clock  *util.FakeClock

	usdc registry.Asset
	weth registry.Asset

	cashProduct uint64 // collateral = strike (USDC)
	physProduct uint64 // collateral = underlying (WETH)
	expiry      uint64
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()

	clock := util.NewFakeClock(time.Unix(1_700_000_000, 0))
	reg := registry.New(nil)

	oracleID, _ := reg.RegisterOracle(common.HexToAddress("0x01"))
	engineID, _ := reg.RegisterEngine(common.HexToAddress("0x02"))
	usdcID, _ := reg.RegisterAsset(common.HexToAddress("0x03"), 6)
	wethID, _ := reg.RegisterAsset(common.HexToAddress("0x04"), 18)
	usdc, _ := reg.AssetByID(usdcID)
	weth, _ := reg.AssetByID(wethID)

	orc := oracle.New(params.Oracle{
		Reporter:             reporter,
		Admin:                reporter,
		DefaultDisputePeriod: time.Hour,
	}, clock, nil, nil)

	tokens := token.NewLedger()

	return &settleFixture{
		eng:    New(reg, orc, tokens, clock, nil),
		orc:    orc,
		tokens: tokens,
		clock:  clock,
		usdc:   usdc,
		weth:   weth,
		cashProduct: tokenid.PackProduct(tokenid.Product{
			OracleID: oracleID, EngineID: engineID,
			UnderlyingID: wethID, StrikeID: usdcID, CollateralID: usdcID,
		}),
		physProduct: tokenid.PackProduct(tokenid.Product{
			OracleID: oracleID, EngineID: engineID,
			UnderlyingID: wethID, StrikeID: usdcID, CollateralID: wethID,
		}),
		expiry: uint64(clock.Now().Add(24 * time.Hour).Unix()),
	}
}

func (f *settleFixture) pack(t *testing.T, tt engine.TokenType, product, longStrike, shortStrike uint64) *uint256.Int {
	t.Helper()
	id, err := tokenid.PackOption(tokenid.Option{
		TokenType:   tt,
		ProductID:   product,
		Expiry:      f.expiry,
		LongStrike:  longStrike,
		ShortStrike: shortStrike,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// finalize reports the WETH/USDC expiry price and rolls the clock past both
// the expiry and the dispute window
func (f *settleFixture) finalize(t *testing.T, price uint64) {
	t.Helper()
	f.clock.Advance(24 * time.Hour) // to expiry
	if err := f.orc.ReportExpiryPrice(reporter, f.weth.Address, f.usdc.Address, f.expiry, price); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(2 * time.Hour) // past the dispute window
}

func TestGetPayoutBeforeExpiry(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)

	_, _, err := f.eng.GetPayout(call, engine.Unit)
	if !errors.Is(err, ErrNotExpired) {
		t.Fatalf("err = %v, want ErrNotExpired", err)
	}
}

func TestGetPayoutUnfinalizedPrice(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)

	// Reported but still inside the dispute window
	f.clock.Advance(24 * time.Hour)
	if err := f.orc.ReportExpiryPrice(reporter, f.weth.Address, f.usdc.Address, f.expiry, 3_800_000_000); err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.eng.GetPayout(call, engine.Unit); !errors.Is(err, ErrPriceNotFinalized) {
		t.Fatalf("err = %v, want ErrPriceNotFinalized", err)
	}
}

func TestGetPayoutCashSettledCall(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)
	f.finalize(t, 3_800_000_000)

	assetID, payout, err := f.eng.GetPayout(call, engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if assetID != f.usdc.ID {
		t.Fatalf("collateral id = %d, want USDC", assetID)
	}
	if payout != 800_000_000 {
		t.Fatalf("payout = %d, want 800e6 USDC", payout)
	}
}

func TestGetPayoutUnderlyingCollateralCall(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.physProduct, 3_000_000_000, 0)
	f.finalize(t, 3_800_000_000)

	// (3800 - 3000) / 3800 = 0.210526... ETH, floored at 6dp then scaled
	// to the asset's 18 decimals
	assetID, payout, err := f.eng.GetPayout(call, engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if assetID != f.weth.ID {
		t.Fatalf("collateral id = %d, want WETH", assetID)
	}
	if want := uint64(210_526) * 1_000_000_000_000; payout != want {
		t.Fatalf("payout = %d, want %d", payout, want)
	}
}

func TestGetPayoutOutOfTheMoney(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)
	put := f.pack(t, engine.Put, f.cashProduct, 3_000_000_000, 0)
	f.finalize(t, 3_000_000_000) // exactly at the strike: both worthless

	for name, id := range map[string]*uint256.Int{"call": call, "put": put} {
		_, payout, err := f.eng.GetPayout(id, engine.Unit)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if payout != 0 {
			t.Fatalf("%s payout = %d, want 0", name, payout)
		}
	}
}

func TestGetPayoutSpreads(t *testing.T) {
	f := newSettleFixture(t)
	callSpread := f.pack(t, engine.CallSpread, f.cashProduct, 3_000_000_000, 3_500_000_000)
	putSpread := f.pack(t, engine.PutSpread, f.cashProduct, 2_000_000_000, 1_500_000_000)
	f.finalize(t, 4_000_000_000) // deep above the call cap

	_, payout, err := f.eng.GetPayout(callSpread, engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 500_000_000 {
		t.Fatalf("call spread payout = %d, want capped 500e6", payout)
	}

	_, payout, err = f.eng.GetPayout(putSpread, engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 0 {
		t.Fatalf("put spread payout = %d, want 0 above strike", payout)
	}
}

func TestGetPayoutInvertedSpreadsWorthless(t *testing.T) {
	// A spread packed with its strikes out of order requires zero collateral
	// to mint, so it must also never pay out
	t.Run("call", func(t *testing.T) {
		f := newSettleFixture(t)
		invCall := f.pack(t, engine.CallSpread, f.cashProduct, 3_000_000_000, 2_500_000_000)
		f.finalize(t, 4_000_000_000) // both legs in the money

		_, payout, err := f.eng.GetPayout(invCall, engine.Unit)
		if err != nil {
			t.Fatal(err)
		}
		if payout != 0 {
			t.Fatalf("inverted call spread payout = %d, want 0", payout)
		}
	})

	t.Run("put", func(t *testing.T) {
		f := newSettleFixture(t)
		invPut := f.pack(t, engine.PutSpread, f.cashProduct, 2_000_000_000, 2_500_000_000)
		f.finalize(t, 1_000_000_000) // both legs in the money

		_, payout, err := f.eng.GetPayout(invPut, engine.Unit)
		if err != nil {
			t.Fatal(err)
		}
		if payout != 0 {
			t.Fatalf("inverted put spread payout = %d, want 0", payout)
		}
	})
}

func TestGetPayoutPutSpreadFloored(t *testing.T) {
	f := newSettleFixture(t)
	putSpread := f.pack(t, engine.PutSpread, f.cashProduct, 2_000_000_000, 1_500_000_000)
	f.finalize(t, 1_000_000_000) // below the floor strike

	_, payout, err := f.eng.GetPayout(putSpread, engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 500_000_000 {
		t.Fatalf("put spread payout = %d, want floored 500e6", payout)
	}
}

func TestSettleBurnsAndCredits(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)
	if err := f.tokens.MintOption(holder, call, 2*engine.Unit); err != nil {
		t.Fatal(err)
	}
	f.finalize(t, 3_800_000_000)

	payout, err := f.eng.Settle(holder, call, 2*engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 1_600_000_000 {
		t.Fatalf("payout = %d, want 1600e6 for 2 units", payout)
	}
	if got := f.tokens.OptionBalance(holder, call); got != 0 {
		t.Fatalf("option balance = %d, want burned to 0", got)
	}
	if got := f.tokens.CollateralBalance(holder, f.usdc.ID); got != 1_600_000_000 {
		t.Fatalf("collateral = %d", got)
	}
}

func TestSettleWorthlessBurnsWithoutCredit(t *testing.T) {
	f := newSettleFixture(t)
	put := f.pack(t, engine.Put, f.cashProduct, 3_000_000_000, 0)
	if err := f.tokens.MintOption(holder, put, engine.Unit); err != nil {
		t.Fatal(err)
	}
	f.finalize(t, 3_800_000_000)

	payout, err := f.eng.Settle(holder, put, engine.Unit)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 0 {
		t.Fatalf("payout = %d, want 0", payout)
	}
	if got := f.tokens.OptionBalance(holder, put); got != 0 {
		t.Fatalf("option balance = %d, want 0", got)
	}
	if got := f.tokens.CollateralBalance(holder, f.usdc.ID); got != 0 {
		t.Fatalf("collateral = %d, want 0", got)
	}
}

func TestSettleBatchCoalescesPayouts(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)
	physCall := f.pack(t, engine.Call, f.physProduct, 3_000_000_000, 0)
	if err := f.tokens.MintOption(holder, call, engine.Unit); err != nil {
		t.Fatal(err)
	}
	if err := f.tokens.MintOption(holder, physCall, engine.Unit); err != nil {
		t.Fatal(err)
	}
	f.finalize(t, 3_800_000_000)

	payouts, err := f.eng.SettleBatch(holder,
		[]*uint256.Int{call, physCall},
		[]uint64{engine.Unit, engine.Unit},
	)
	if err != nil {
		t.Fatal(err)
	}
	if payouts[f.usdc.ID] != 800_000_000 {
		t.Fatalf("USDC payout = %d", payouts[f.usdc.ID])
	}
	if want := uint64(210_526) * 1_000_000_000_000; payouts[f.weth.ID] != want {
		t.Fatalf("WETH payout = %d, want %d", payouts[f.weth.ID], want)
	}
	if got := f.tokens.CollateralBalance(holder, f.usdc.ID); got != 800_000_000 {
		t.Fatalf("USDC balance = %d", got)
	}
}

func TestSettleBatchLengthMismatch(t *testing.T) {
	f := newSettleFixture(t)
	call := f.pack(t, engine.Call, f.cashProduct, 3_000_000_000, 0)
	if _, err := f.eng.SettleBatch(holder, []*uint256.Int{call}, nil); !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("err = %v, want ErrLengthMismatch", err)
	}
}
