// tables.go - Built-in fallback multiplier table and the static distance bands.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/haulbid/lead-engine/lead"
)

// Distance bands. Same pickup/delivery state is always SAME_STATE; any
// state pair not in the static table is priced as MEDIUM.
const (
	BandSameState = "SAME_STATE"
	BandShort     = "SHORT"
	BandMedium    = "MEDIUM"
	BandLong      = "LONG"
)

func d(s string) decimal.Decimal { return lead.MustParseDecimal(s) }

// Fallback returns the built-in pricing table. It is used whenever no
// active config can be loaded, and it is the ceiling for every loaded
// config: quick synchronous estimates use this table, so a loaded config
// may only charge less, never more. Pricing therefore never hard-fails and
// estimates never under-quote.
func Fallback() *Config {
	return &Config{
		Version:  0,
		BaseCost: d("500"),
		Hazard: map[string]decimal.Decimal{
			"CLASS_1": d("2.0"), // explosives
			"CLASS_2": d("1.5"), // gases
			"CLASS_3": d("1.5"), // flammable liquids
			"CLASS_4": d("1.4"), // flammable solids
			"CLASS_5": d("1.4"), // oxidizers
			"CLASS_6": d("1.7"), // toxic substances
			"CLASS_7": d("2.2"), // radioactive
			"CLASS_8": d("1.6"), // corrosives
			"CLASS_9": d("1.2"), // miscellaneous
		},
		Distance: map[string]decimal.Decimal{
			BandSameState: d("1.0"),
			BandShort:     d("1.3"),
			BandMedium:    d("1.6"),
			BandLong:      d("2.0"),
		},
		QuantityBands: []QuantityBand{
			{Min: d("0"), Max: d("1"), Multiplier: d("0.8")},
			{Min: d("1"), Max: d("10"), Multiplier: d("1.0")},
			{Min: d("10"), Max: d("50"), Multiplier: d("1.2")},
			{Min: d("50"), Max: d("200"), Multiplier: d("1.5")},
		},
		Vehicle: map[string]decimal.Decimal{
			"LCV":          d("0.9"),
			"TRUCK":        d("1.0"),
			"CONTAINER":    d("1.15"),
			"TRAILER":      d("1.25"),
			"REFRIGERATED": d("1.35"),
			"TANKER":       d("1.4"),
		},
		Urgency: d("1.25"),
		Tier: map[lead.SubscriptionTier]decimal.Decimal{
			lead.TierBasic:    d("1.0"),
			lead.TierStandard: d("0.85"),
			lead.TierPremium:  d("0.7"),
		},
	}
}

// statePairBands maps normalized (alphabetical) state-code pairs to a
// distance band. Pairs are keyed "AA-BB". Same-state never reaches this
// table and unknown pairs default to MEDIUM.
var statePairBands = map[string]string{
	// Neighbouring corridors.
	"DL-HR": BandShort,
	"DL-UP": BandShort,
	"DL-PB": BandShort,
	"DL-RJ": BandShort,
	"HR-PB": BandShort,
	"GJ-MH": BandShort,
	"GJ-RJ": BandShort,
	"KA-MH": BandShort,
	"KA-TN": BandShort,
	"KL-TN": BandShort,
	"AP-TN": BandShort,
	"AP-TG": BandShort,
	"KA-TG": BandShort,
	"BR-WB": BandShort,
	"JH-WB": BandShort,
	"MP-UP": BandShort,
	"MH-MP": BandShort,
	"OD-WB": BandShort,

	// Cross-country hauls.
	"DL-KA": BandLong,
	"DL-KL": BandLong,
	"DL-TN": BandLong,
	"DL-TG": BandLong,
	"AS-DL": BandLong,
	"AS-MH": BandLong,
	"AS-GJ": BandLong,
	"GJ-WB": BandLong,
	"GJ-KL": BandLong,
	"KL-PB": BandLong,
	"KL-UP": BandLong,
	"PB-TN": BandLong,
	"JK-KA": BandLong,
	"JK-KL": BandLong,
	"JK-TN": BandLong,
	"HR-KL": BandLong,
	"TN-UP": BandLong,
	"KA-WB": BandLong,
}

// DistanceBand classifies a pickup/delivery state pair.
func DistanceBand(pickupState, deliveryState string) string {
	if pickupState == "" || deliveryState == "" {
		return BandMedium
	}
	if pickupState == deliveryState {
		return BandSameState
	}
	a, b := pickupState, deliveryState
	if a > b {
		a, b = b, a
	}
	if band, ok := statePairBands[a+"-"+b]; ok {
		return band
	}
	return BandMedium
}
