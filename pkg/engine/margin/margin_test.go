package margin

import (
	"errors"
	"testing"

	"github.com/uhyunpark/optionvault/pkg/engine"
	"github.com/uhyunpark/optionvault/pkg/engine/tokenid"
)

func TestMinCollateralPolicy(t *testing.T) {
	cases := []struct {
		name string
		d    Detail
		want uint64
	}{
		{
			// 1 short call needs 1 unit of underlying
			name: "vanilla call",
			d:    Detail{ShortAmount: 1_000000, ShortStrike: 3000_000000, TokenType: engine.Call, CollateralDecimals: 6},
			want: 1_000000,
		},
		{
			// short 3000 call, long 4000 call: (4000-3000)/4000 of underlying per unit
			name: "credit call spread",
			d:    Detail{ShortAmount: 1_000000, ShortStrike: 3000_000000, LongStrike: 4000_000000, TokenType: engine.CallSpread, CollateralDecimals: 6},
			want: 250000,
		},
		{
			// short 4000 call, long 3000 call: covered by the long leg
			name: "debit call spread",
			d:    Detail{ShortAmount: 1_000000, ShortStrike: 4000_000000, LongStrike: 3000_000000, TokenType: engine.CallSpread, CollateralDecimals: 6},
			want: 0,
		},
		{
			// short put: full strike notional
			name: "vanilla put",
			d:    Detail{ShortAmount: 1_000000, ShortStrike: 2000_000000, TokenType: engine.Put, CollateralDecimals: 6},
			want: 2000_000000,
		},
		{
			// short 2000 put, long 1500 put: 500 per unit
			name: "credit put spread",
			d:    Detail{ShortAmount: 1_000000, ShortStrike: 2000_000000, LongStrike: 1500_000000, TokenType: engine.PutSpread, CollateralDecimals: 6},
			want: 500_000000,
		},
		{
			name: "debit put spread",
			d:    Detail{ShortAmount: 1_000000, ShortStrike: 1500_000000, LongStrike: 2000_000000, TokenType: engine.PutSpread, CollateralDecimals: 6},
			want: 0,
		},
	}

	for _, tc := range cases {
		got, err := MinCollateral(tc.d)
		if err != nil {
			t.Errorf("%s: %v", tc.name, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestMinCollateralUnsupportedType(t *testing.T) {
	_, err := MinCollateral(Detail{ShortAmount: 1, TokenType: engine.TokenType(42), CollateralDecimals: 6})
	if !errors.Is(err, ErrUnsupportedTokenType) {
		t.Errorf("err = %v, want ErrUnsupportedTokenType", err)
	}
}

func TestMinCollateralDecimalScaling(t *testing.T) {
	// Same put, collateral in 18 decimals: scaled up by 1e12
	d := Detail{ShortAmount: 1_000000, ShortStrike: 2000_000000, TokenType: engine.Put, CollateralDecimals: 18}
	got, err := MinCollateral(d)
	if err != nil {
		t.Fatal(err)
	}
	want := uint64(2000_000000) * 1_000_000_000_000
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}

	// Collateral in 2 decimals: scaled down by 1e4, floor
	d.CollateralDecimals = 2
	got, err = MinCollateral(d)
	if err != nil {
		t.Fatal(err)
	}
	if got != 200000 {
		t.Errorf("got %d, want 200000", got)
	}
}

// Monotone non-decreasing in shortAmount, and exact scaling at integral
// multiples for vanilla calls and puts
func TestMinCollateralMonotoneAndScaleConsistent(t *testing.T) {
	base := Detail{ShortAmount: 2_000000, ShortStrike: 2000_000000, TokenType: engine.Put, CollateralDecimals: 6}

	prev := uint64(0)
	for amount := uint64(1_000000); amount <= 10_000000; amount += 1_000000 {
		d := base
		d.ShortAmount = amount
		got, err := MinCollateral(d)
		if err != nil {
			t.Fatal(err)
		}
		if got < prev {
			t.Fatalf("not monotone: f(%d) = %d < %d", amount, got, prev)
		}
		prev = got
	}

	for _, tokenType := range []engine.TokenType{engine.Call, engine.Put} {
		d := base
		d.TokenType = tokenType
		one, err := MinCollateral(d)
		if err != nil {
			t.Fatal(err)
		}
		for k := uint64(2); k <= 7; k++ {
			dk := d
			dk.ShortAmount = d.ShortAmount * k
			got, err := MinCollateral(dk)
			if err != nil {
				t.Fatal(err)
			}
			if got != k*one {
				t.Errorf("%v: f(%d*amount) = %d, want %d", tokenType, k, got, k*one)
			}
		}
	}
}

func TestDetailFromOptionSwapsStrikes(t *testing.T) {
	o := tokenid.Option{
		TokenType:   engine.PutSpread,
		LongStrike:  2000_000000, // primary (short leg) in the id layout
		ShortStrike: 1500_000000, // secondary (long leg)
	}
	d := DetailFromOption(o, 3_000000, 8)
	if d.ShortStrike != 2000_000000 || d.LongStrike != 1500_000000 {
		t.Errorf("strike mapping wrong: %+v", d)
	}
	if d.ShortAmount != 3_000000 || d.CollateralDecimals != 8 {
		t.Errorf("detail fields wrong: %+v", d)
	}
}
