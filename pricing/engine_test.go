package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haulbid/lead-engine/lead"
	"github.com/haulbid/lead-engine/pricing"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return lead.MustParseDecimal(s) }

func fallbackEngine() *pricing.Engine {
	return pricing.NewEngine(nil)
}

func corrosiveTruckload() pricing.Input {
	return pricing.Input{
		HazardClass:   "CLASS_8",
		Quantity:      d("25"),
		PickupState:   "MH",
		DeliveryState: "UP", // not in the corridor table: MEDIUM
		VehicleTypes:  []string{"TRUCK"},
		Tier:          lead.TierStandard,
	}
}

// =============================================================================
// FALLBACK TABLE PRICING
// =============================================================================

func TestCompute_CorrosiveTruckload_Standard(t *testing.T) {
	// 500 x 1.6 (CLASS_8) x 1.6 (MEDIUM) x 1.2 ([10,50)) x 1.0 (TRUCK)
	// x 0.85 (STANDARD) = 1305.60
	cost := fallbackEngine().Compute(context.Background(), corrosiveTruckload())

	assert.Equal(t, "1305.60", cost.String())
	assert.Equal(t, "INR", cost.Currency)
}

func TestCompute_Deterministic(t *testing.T) {
	e := fallbackEngine()
	in := corrosiveTruckload()

	first := e.Compute(context.Background(), in)
	for i := 0; i < 10; i++ {
		assert.True(t, first.Equal(e.Compute(context.Background(), in)))
	}
}

func TestCompute_NonHazardous_NoSurcharge(t *testing.T) {
	base := corrosiveTruckload()
	base.HazardClass = ""

	hazardous := fallbackEngine().Compute(context.Background(), corrosiveTruckload())
	plain := fallbackEngine().Compute(context.Background(), base)

	assert.True(t, hazardous.GreaterThan(plain))
	// 500 x 1.6 x 1.2 x 0.85 = 816.00
	assert.Equal(t, "816.00", plain.String())
}

func TestCompute_UnknownHazardClass_Ignored(t *testing.T) {
	in := corrosiveTruckload()
	in.HazardClass = "CLASS_42"

	known := corrosiveTruckload()
	known.HazardClass = ""

	assert.Equal(t,
		fallbackEngine().Compute(context.Background(), known).String(),
		fallbackEngine().Compute(context.Background(), in).String())
}

func TestCompute_UrgencyIncreasesCost(t *testing.T) {
	normal := corrosiveTruckload()
	urgent := corrosiveTruckload()
	urgent.Urgent = true

	normalCost := fallbackEngine().Compute(context.Background(), normal)
	urgentCost := fallbackEngine().Compute(context.Background(), urgent)

	assert.True(t, urgentCost.GreaterThan(normalCost))
	// 1305.60 x 1.25 = 1632.00
	assert.Equal(t, "1632.00", urgentCost.String())
}

// =============================================================================
// DISTANCE BANDS
// =============================================================================

func TestDistanceBand(t *testing.T) {
	tests := []struct {
		pickup, delivery, want string
	}{
		{"MH", "MH", pricing.BandSameState},
		{"DL", "HR", pricing.BandShort},
		{"HR", "DL", pricing.BandShort}, // order-insensitive
		{"DL", "KL", pricing.BandLong},
		{"MH", "UP", pricing.BandMedium}, // unknown pair
		{"", "MH", pricing.BandMedium},   // missing state
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pricing.DistanceBand(tt.pickup, tt.delivery),
			"%s -> %s", tt.pickup, tt.delivery)
	}
}

func TestCompute_SameStateIsCheapest(t *testing.T) {
	in := corrosiveTruckload()

	in.PickupState, in.DeliveryState = "MH", "MH"
	sameState := fallbackEngine().Compute(context.Background(), in)

	in.PickupState, in.DeliveryState = "DL", "HR"
	short := fallbackEngine().Compute(context.Background(), in)

	in.PickupState, in.DeliveryState = "DL", "KL"
	long := fallbackEngine().Compute(context.Background(), in)

	assert.True(t, short.GreaterThan(sameState))
	assert.True(t, long.GreaterThan(short))
}

// =============================================================================
// QUANTITY BANDS
// =============================================================================

func TestCompute_QuantityBands(t *testing.T) {
	in := corrosiveTruckload()
	background := context.Background()

	priceAt := func(qty string) string {
		in.Quantity = d(qty)
		return fallbackEngine().Compute(background, in).String()
	}

	assert.Equal(t, priceAt("10"), priceAt("49.99"), "same band, same price")
	assert.NotEqual(t, priceAt("9.99"), priceAt("10"), "band edge is half-open")

	// Outside all bands: neutral multiplier.
	in.Quantity = d("1000")
	outside := fallbackEngine().Compute(background, in)
	in.Quantity = d("5") // [1,10) band, multiplier 1.0
	neutral := fallbackEngine().Compute(background, in)
	assert.Equal(t, neutral.String(), outside.String())
}

// =============================================================================
// VEHICLES
// =============================================================================

func TestCompute_VehicleMaxWins(t *testing.T) {
	in := corrosiveTruckload()

	in.VehicleTypes = []string{"LCV", "TANKER", "TRUCK"}
	multi := fallbackEngine().Compute(context.Background(), in)

	in.VehicleTypes = []string{"TANKER"}
	tankerOnly := fallbackEngine().Compute(context.Background(), in)

	assert.Equal(t, tankerOnly.String(), multi.String(),
		"riskiest requested vehicle sets the price")
}

func TestCompute_NoKnownVehicle_Neutral(t *testing.T) {
	in := corrosiveTruckload()

	in.VehicleTypes = nil
	none := fallbackEngine().Compute(context.Background(), in)

	in.VehicleTypes = []string{"HOVERCRAFT"}
	unknown := fallbackEngine().Compute(context.Background(), in)

	in.VehicleTypes = []string{"TRUCK"} // multiplier 1.0
	truck := fallbackEngine().Compute(context.Background(), in)

	assert.Equal(t, truck.String(), none.String())
	assert.Equal(t, truck.String(), unknown.String())
}

// =============================================================================
// TIERS
// =============================================================================

func TestCompute_TierOrdering(t *testing.T) {
	in := corrosiveTruckload()

	in.Tier = lead.TierBasic
	basic := fallbackEngine().Compute(context.Background(), in)
	in.Tier = lead.TierStandard
	standard := fallbackEngine().Compute(context.Background(), in)
	in.Tier = lead.TierPremium
	premium := fallbackEngine().Compute(context.Background(), in)

	assert.True(t, basic.GreaterThan(standard))
	assert.True(t, standard.GreaterThan(premium))
}

// =============================================================================
// SOURCE FAILURE AND CEILING DISCIPLINE
// =============================================================================

func TestCompute_SourceError_FallsBack(t *testing.T) {
	broken := pricing.SourceFunc(func(ctx context.Context) (*pricing.Config, error) {
		return nil, errors.New("config store down")
	})
	e := pricing.NewEngine(broken)

	in := corrosiveTruckload()
	assert.Equal(t, "1305.60", e.Compute(context.Background(), in).String())
}

func TestCompute_NoActiveConfig_FallsBack(t *testing.T) {
	empty := pricing.SourceFunc(func(ctx context.Context) (*pricing.Config, error) {
		return nil, nil
	})
	e := pricing.NewEngine(empty)

	in := corrosiveTruckload()
	assert.Equal(t, "1305.60", e.Compute(context.Background(), in).String())
}

func TestComputeSync_NeverBelowLoadedConfig(t *testing.T) {
	// A valid loaded config prices at or below the fallback, so the quick
	// estimate (fallback-only) can never under-quote the eventual charge.
	discounted := pricing.Fallback()
	discounted.BaseCost = d("400")
	require.NoError(t, discounted.Validate())

	e := pricing.NewEngine(pricing.SourceFunc(func(ctx context.Context) (*pricing.Config, error) {
		return discounted, nil
	}))

	in := corrosiveTruckload()
	estimate := e.ComputeSync(in)
	charge := e.Compute(context.Background(), in)

	assert.True(t, estimate.GreaterThan(charge) || estimate.Equal(charge))
}

func TestConfigValidate_RejectsAboveCeiling(t *testing.T) {
	cfg := pricing.Fallback()
	cfg.BaseCost = d("600")
	assert.Error(t, cfg.Validate(), "base above fallback ceiling")

	cfg = pricing.Fallback()
	cfg.Hazard["CLASS_8"] = d("1.7")
	assert.Error(t, cfg.Validate(), "hazard multiplier above ceiling")

	cfg = pricing.Fallback()
	cfg.Hazard["CLASS_99"] = d("1.5")
	assert.Error(t, cfg.Validate(), "unknown key capped at 1.0")
}

func TestConfigValidate_RejectsBadBands(t *testing.T) {
	cfg := pricing.Fallback()
	cfg.QuantityBands = []pricing.QuantityBand{
		{Min: d("0"), Max: d("10"), Multiplier: d("0.9")},
		{Min: d("5"), Max: d("20"), Multiplier: d("1.0")},
	}
	assert.Error(t, cfg.Validate(), "overlapping bands")

	cfg.QuantityBands = []pricing.QuantityBand{
		{Min: d("10"), Max: d("10"), Multiplier: d("1.0")},
	}
	assert.Error(t, cfg.Validate(), "empty band")
}

func TestConfigValidate_RejectsInflatedQuantityBand(t *testing.T) {
	// A loaded band multiplier above the built-in table would make the
	// full estimate out-price the fallback-only quick estimate.
	cfg := pricing.Fallback()
	cfg.QuantityBands[2].Multiplier = d("5.0")
	assert.Error(t, cfg.Validate(), "band multiplier above fallback ceiling")

	cfg = pricing.Fallback()
	cfg.QuantityBands = []pricing.QuantityBand{
		// Spans the built-in [10,50) band and the uncovered tail past
		// 200, where the fallback prices at the neutral 1.0.
		{Min: d("10"), Max: d("300"), Multiplier: d("1.1")},
	}
	assert.Error(t, cfg.Validate(), "band reaching past the table capped at 1.0")

	cfg.QuantityBands[0].Multiplier = d("1.0")
	assert.NoError(t, cfg.Validate(), "at the ceiling is fine")
}

func TestConfigValidate_CapsUnknownTierKeys(t *testing.T) {
	cfg := pricing.Fallback()
	cfg.Tier["PLATINUM"] = d("3.0")
	assert.Error(t, cfg.Validate(), "unknown tier capped at 1.0")

	cfg = pricing.Fallback()
	cfg.Tier["PLATINUM"] = d("0.9")
	assert.NoError(t, cfg.Validate(), "unknown tier discount below 1.0")
}

func TestConfigValidate_AcceptsFallbackItself(t *testing.T) {
	require.NoError(t, pricing.Fallback().Validate())
}

// =============================================================================
// CACHED SOURCE
// =============================================================================

func TestCachedSource_ServesStaleOnError(t *testing.T) {
	calls := 0
	inner := pricing.SourceFunc(func(ctx context.Context) (*pricing.Config, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("flaky")
		}
		return pricing.Fallback(), nil
	})

	cached := pricing.NewCachedSource(inner, 0) // expire immediately

	first, err := cached.Active(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := cached.Active(context.Background())
	require.NoError(t, err, "stale config beats an error")
	assert.Equal(t, first, second)
}
