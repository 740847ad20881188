package oracle

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/optionvault/params"
	"github.com/uhyunpark/optionvault/pkg/util"
)

var (
	reporter = common.HexToAddress("0x1111111111111111111111111111111111111111")
	admin    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	stranger = common.HexToAddress("0x3333333333333333333333333333333333333333")
	weth     = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	usdc     = common.HexToAddress("0xaaaa000000000000000000000000000000000002")
)

const expiry = uint64(1767225600)

func newTestOracle(t *testing.T) (*Oracle, *util.FakeClock) {
	t.Helper()
	clock := util.NewFakeClock(time.Unix(1767225600, 0))
	cfg := params.Oracle{Reporter: reporter, Admin: admin, DefaultDisputePeriod: time.Hour}
	return New(cfg, clock, nil, nil), clock
}

func TestReportThenFinalizeAfterWindow(t *testing.T) {
	o, clock := newTestOracle(t)

	if o.IsFinalized(weth, usdc, expiry) {
		t.Error("unreported price should not be finalized")
	}
	if _, _, err := o.GetPriceAtExpiry(weth, usdc, expiry); !errors.Is(err, ErrPriceNotReported) {
		t.Errorf("err = %v, want ErrPriceNotReported", err)
	}

	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 3800_000000); err != nil {
		t.Fatal(err)
	}

	price, final, err := o.GetPriceAtExpiry(weth, usdc, expiry)
	if err != nil {
		t.Fatal(err)
	}
	if price != 3800_000000 || final {
		t.Errorf("price=%d final=%v, want 3800000000 and not final", price, final)
	}

	clock.Advance(time.Hour + time.Second)
	if !o.IsFinalized(weth, usdc, expiry) {
		t.Error("price should finalize once dispute window elapses")
	}
}

func TestReportAuthorizationAndDoubleReport(t *testing.T) {
	o, _ := newTestOracle(t)

	if err := o.ReportExpiryPrice(stranger, weth, usdc, expiry, 1); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 3800_000000); err != nil {
		t.Fatal(err)
	}
	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 3900_000000); !errors.Is(err, ErrAlreadyReported) {
		t.Errorf("err = %v, want ErrAlreadyReported", err)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	o, clock := newTestOracle(t)

	if err := o.Dispute(admin, weth, usdc, expiry, 1); !errors.Is(err, ErrNotYetReported) {
		t.Errorf("err = %v, want ErrNotYetReported", err)
	}

	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 3800_000000); err != nil {
		t.Fatal(err)
	}

	if err := o.Dispute(stranger, weth, usdc, expiry, 1); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}

	clock.Advance(30 * time.Minute)
	if err := o.Dispute(admin, weth, usdc, expiry, 3750_000000); err != nil {
		t.Fatalf("dispute inside window: %v", err)
	}

	// Disputed = terminal and immediately final
	if !o.IsFinalized(weth, usdc, expiry) {
		t.Error("disputed price should be finalized immediately")
	}
	price, _, _ := o.GetPriceAtExpiry(weth, usdc, expiry)
	if price != 3750_000000 {
		t.Errorf("price = %d, want disputed price 3750000000", price)
	}

	if err := o.Dispute(admin, weth, usdc, expiry, 1); !errors.Is(err, ErrAlreadyDisputed) {
		t.Errorf("err = %v, want ErrAlreadyDisputed", err)
	}
}

func TestDisputeWindowClosed(t *testing.T) {
	o, clock := newTestOracle(t)

	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 3800_000000); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour + time.Second)

	if err := o.Dispute(admin, weth, usdc, expiry, 1); !errors.Is(err, ErrDisputeWindowClosed) {
		t.Errorf("err = %v, want ErrDisputeWindowClosed", err)
	}
}

func TestSetDisputePeriod(t *testing.T) {
	o, clock := newTestOracle(t)

	if err := o.SetDisputePeriod(admin, weth, usdc, params.MaxDisputePeriod+time.Second); !errors.Is(err, ErrInvalidPeriod) {
		t.Errorf("err = %v, want ErrInvalidPeriod", err)
	}
	if err := o.SetDisputePeriod(stranger, weth, usdc, time.Minute); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
	if err := o.SetDisputePeriod(admin, weth, usdc, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if got := o.DisputePeriod(weth, usdc); got != 10*time.Minute {
		t.Errorf("period = %v, want 10m", got)
	}

	// The shortened window governs finality
	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 100); err != nil {
		t.Fatal(err)
	}
	clock.Advance(11 * time.Minute)
	if !o.IsFinalized(weth, usdc, expiry) {
		t.Error("price should be final after the per-pair window")
	}
}

func TestSpotPrice(t *testing.T) {
	o, _ := newTestOracle(t)

	if _, err := o.GetSpotPrice(weth, usdc); !errors.Is(err, ErrSpotNotSet) {
		t.Errorf("err = %v, want ErrSpotNotSet", err)
	}
	if err := o.SetSpotPrice(stranger, weth, usdc, 1); !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("err = %v, want ErrNotAuthorized", err)
	}
	if err := o.SetSpotPrice(reporter, weth, usdc, 3790_000000); err != nil {
		t.Fatal(err)
	}
	price, err := o.GetSpotPrice(weth, usdc)
	if err != nil || price != 3790_000000 {
		t.Errorf("spot = %d, %v", price, err)
	}
}

func TestStorePersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	clock := util.NewFakeClock(time.Unix(1767225600, 0))
	cfg := params.Oracle{Reporter: reporter, Admin: admin, DefaultDisputePeriod: time.Hour}
	o := New(cfg, clock, store, nil)

	if err := o.ReportExpiryPrice(reporter, weth, usdc, expiry, 3800_000000); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: record should be warm-loaded
	store2, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()

	o2 := New(cfg, clock, store2, nil)
	price, _, err := o2.GetPriceAtExpiry(weth, usdc, expiry)
	if err != nil {
		t.Fatalf("record not restored: %v", err)
	}
	if price != 3800_000000 {
		t.Errorf("restored price = %d, want 3800000000", price)
	}
}
