/*
Package pricing computes the lead fee charged to a partner for one offer.

PURPOSE:
  Prices a lead deterministically from cargo attributes and the partner's
  subscription tier. The computation is a pure function of its input and a
  config table; the only I/O is loading the active config, and even that has
  a non-blocking fallback so pricing can never block or fail the
  marketplace.

ALGORITHM:
  cost = base
       x hazard class multiplier        (1.0 when non-hazardous)
       x distance band multiplier       (SAME_STATE / SHORT / MEDIUM / LONG)
       x quantity band multiplier       ([min, max) bands, 1.0 outside all)
       x MAX of vehicle multipliers     (conservative: never undercharge
                                         for the riskiest vehicle requested)
       x urgency multiplier             (only when urgent)
       x subscription tier multiplier
  rounded half-up to 2 decimal places.

ERROR CONDITIONS:
  None. Absence or failure of configuration silently falls back to the
  built-in table (logged as a warning). Pricing unavailability must not
  block core marketplace operation.

SEE ALSO:
  - config.go: Config, validation, sources
  - tables.go: Fallback table, distance bands
*/
package pricing

import (
	"context"
	"log"

	"github.com/shopspring/decimal"

	"github.com/haulbid/lead-engine/lead"
)

// Input is everything a lead price depends on.
type Input struct {
	HazardClass   string
	Quantity      decimal.Decimal
	PickupState   string
	DeliveryState string
	VehicleTypes  []string
	Tier          lead.SubscriptionTier
	Urgent        bool
}

// InputForQuote builds pricing input from a quote's cargo attributes.
func InputForQuote(q *lead.Quote, tier lead.SubscriptionTier) Input {
	return Input{
		HazardClass:   q.Cargo.HazardClass,
		Quantity:      q.Cargo.Quantity,
		PickupState:   q.PickupState,
		DeliveryState: q.DeliveryState,
		VehicleTypes:  q.VehicleTypes,
		Tier:          tier,
		Urgent:        q.Urgent,
	}
}

// Engine prices leads. A nil Source means the fallback table is always used.
type Engine struct {
	Source Source
}

func NewEngine(source Source) *Engine {
	return &Engine{Source: source}
}

// Compute prices a lead against the active config, falling back to the
// built-in table when no config can be loaded. It never returns an error.
func (e *Engine) Compute(ctx context.Context, in Input) lead.Money {
	cfg := Fallback()

	if e.Source != nil {
		active, err := e.Source.Active(ctx)
		switch {
		case err != nil:
			log.Printf("[Pricing] config unavailable, using fallback table: %v", err)
		case active != nil:
			cfg = active
		}
	}

	return compute(cfg, in)
}

// ComputeSync performs the identical computation using only the fallback
// table, for contexts that cannot wait on configuration I/O (e.g. a quick
// client-side estimate). Loaded configs are validated to never exceed the
// fallback, so this result is never lower than what Compute would charge.
func (e *Engine) ComputeSync(in Input) lead.Money {
	return compute(Fallback(), in)
}

func compute(cfg *Config, in Input) lead.Money {
	one := decimal.NewFromInt(1)
	cost := cfg.BaseCost

	// 1. Hazard: non-hazardous cargo has no surcharge.
	if in.HazardClass != "" {
		if m, ok := cfg.Hazard[in.HazardClass]; ok {
			cost = cost.Mul(m)
		}
	}

	// 2. Distance band.
	band := DistanceBand(in.PickupState, in.DeliveryState)
	if m, ok := cfg.Distance[band]; ok {
		cost = cost.Mul(m)
	}

	// 3. Quantity band.
	cost = cost.Mul(cfg.quantityMultiplier(in.Quantity))

	// 4. Vehicle: maximum multiplier among the preferred types.
	vehicle := one
	found := false
	for _, vt := range in.VehicleTypes {
		m, ok := cfg.Vehicle[vt]
		if !ok {
			continue
		}
		if !found || m.GreaterThan(vehicle) {
			vehicle = m
			found = true
		}
	}
	cost = cost.Mul(vehicle)

	// 5. Urgency.
	if in.Urgent {
		cost = cost.Mul(cfg.Urgency)
	}

	// 6. Subscription tier.
	if m, ok := cfg.Tier[in.Tier]; ok {
		cost = cost.Mul(m)
	}

	return lead.Money{Value: cost.Round(2), Currency: lead.DefaultCurrency}
}
