/*
config.go - Versioned pricing configuration

PURPOSE:
  A Config is the multiplier table the engine prices leads from. At most one
  config is active at a time; it is loaded through a Source and validated
  before use instead of being trusted at point of use.

CEILING DISCIPLINE:
  The built-in Fallback() table is both the failover AND the ceiling: a
  config whose base cost or multipliers exceed the fallback counterparts is
  rejected at validation time. The synchronous estimate path prices against
  the fallback only, so keeping loaded configs at-or-below the fallback
  guarantees an estimate is never lower than the eventual charge.

SOURCES:
  Source          - wherever the active config lives (sqlite in production)
  CachedSource    - in-process TTL cache in front of any Source
  RedisSource     - shared TTL cache, see redis.go

SEE ALSO:
  - engine.go: The computation itself
  - tables.go: The fallback table and distance bands
*/
package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haulbid/lead-engine/lead"
)

// QuantityBand is a half-open range [Min, Max) with its multiplier.
type QuantityBand struct {
	Min        decimal.Decimal `json:"min"`
	Max        decimal.Decimal `json:"max"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Config is a versioned multiplier table plus a base cost.
type Config struct {
	Version       int                                       `json:"version"`
	BaseCost      decimal.Decimal                           `json:"base_cost"`
	Hazard        map[string]decimal.Decimal                `json:"hazard"`
	Distance      map[string]decimal.Decimal                `json:"distance"`
	QuantityBands []QuantityBand                            `json:"quantity_bands"`
	Vehicle       map[string]decimal.Decimal                `json:"vehicle"`
	Urgency       decimal.Decimal                           `json:"urgency"`
	Tier          map[lead.SubscriptionTier]decimal.Decimal `json:"tier"`
}

// Validate checks a loaded config before it is allowed to price anything.
// Multipliers must be positive, quantity bands ordered and non-overlapping,
// and nothing may exceed its fallback counterpart (see ceiling discipline
// in the file header).
func (c *Config) Validate() error {
	fb := Fallback()

	if !c.BaseCost.IsPositive() {
		return fmt.Errorf("base cost must be positive, got %s", c.BaseCost)
	}
	if c.BaseCost.GreaterThan(fb.BaseCost) {
		return fmt.Errorf("base cost %s exceeds fallback ceiling %s", c.BaseCost, fb.BaseCost)
	}

	checkMap := func(name string, m map[string]decimal.Decimal, ceiling map[string]decimal.Decimal) error {
		for k, v := range m {
			if !v.IsPositive() {
				return fmt.Errorf("%s multiplier %q must be positive, got %s", name, k, v)
			}
			max, ok := ceiling[k]
			if !ok {
				max = decimal.NewFromInt(1)
			}
			if v.GreaterThan(max) {
				return fmt.Errorf("%s multiplier %q = %s exceeds fallback ceiling %s", name, k, v, max)
			}
		}
		return nil
	}

	if err := checkMap("hazard", c.Hazard, fb.Hazard); err != nil {
		return err
	}
	if err := checkMap("distance", c.Distance, fb.Distance); err != nil {
		return err
	}
	if err := checkMap("vehicle", c.Vehicle, fb.Vehicle); err != nil {
		return err
	}

	if !c.Urgency.IsPositive() || c.Urgency.GreaterThan(fb.Urgency) {
		return fmt.Errorf("urgency multiplier %s outside (0, %s]", c.Urgency, fb.Urgency)
	}
	for k, v := range c.Tier {
		if !v.IsPositive() {
			return fmt.Errorf("tier multiplier %q must be positive, got %s", k, v)
		}
		max, ok := fb.Tier[k]
		if !ok {
			max = decimal.NewFromInt(1)
		}
		if v.GreaterThan(max) {
			return fmt.Errorf("tier multiplier %q = %s exceeds fallback ceiling %s", k, v, max)
		}
	}

	var prev *QuantityBand
	for i := range c.QuantityBands {
		b := &c.QuantityBands[i]
		if !b.Max.GreaterThan(b.Min) {
			return fmt.Errorf("quantity band %d: max %s not greater than min %s", i, b.Max, b.Min)
		}
		if !b.Multiplier.IsPositive() {
			return fmt.Errorf("quantity band %d: multiplier must be positive, got %s", i, b.Multiplier)
		}
		if prev != nil && b.Min.LessThan(prev.Max) {
			return fmt.Errorf("quantity band %d overlaps previous band", i)
		}
		if ceiling := fb.quantityFloor(b.Min, b.Max); b.Multiplier.GreaterThan(ceiling) {
			return fmt.Errorf("quantity band %d: multiplier %s exceeds fallback ceiling %s for [%s, %s)",
				i, b.Multiplier, ceiling, b.Min, b.Max)
		}
		prev = b
	}

	return nil
}

// quantityFloor is the lowest multiplier this table applies anywhere in
// [min, max). Stretches outside every band price at the neutral 1.0. A
// loaded band may not exceed the fallback's floor over its range: any
// higher and some quantity inside the band would out-price the
// fallback-only estimate.
func (c *Config) quantityFloor(min, max decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	floor := decimal.Decimal{}
	seen := false
	take := func(v decimal.Decimal) {
		if !seen || v.LessThan(floor) {
			floor = v
			seen = true
		}
	}

	// Bands are ordered and non-overlapping.
	cursor := min
	for _, b := range c.QuantityBands {
		if cursor.GreaterThanOrEqual(max) {
			break
		}
		if b.Max.LessThanOrEqual(cursor) {
			continue
		}
		if b.Min.GreaterThanOrEqual(max) {
			break
		}
		if b.Min.GreaterThan(cursor) {
			take(one)
		}
		take(b.Multiplier)
		cursor = b.Max
	}
	if cursor.LessThan(max) {
		take(one)
	}
	return floor
}

// quantityMultiplier selects the band containing qty. Outside all bands the
// multiplier is 1.0: no discount, no surcharge.
func (c *Config) quantityMultiplier(qty decimal.Decimal) decimal.Decimal {
	for _, b := range c.QuantityBands {
		if qty.GreaterThanOrEqual(b.Min) && qty.LessThan(b.Max) {
			return b.Multiplier
		}
	}
	return decimal.NewFromInt(1)
}

// =============================================================================
// SOURCES
// =============================================================================

// Source yields the currently active config. Returning (nil, nil) means no
// config is active; the engine falls back either way.
type Source interface {
	Active(ctx context.Context) (*Config, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context) (*Config, error)

func (f SourceFunc) Active(ctx context.Context) (*Config, error) { return f(ctx) }

// CachedSource caches the active config in-process for a short TTL. The
// config is read-only from the engine's perspective, so staleness within
// the TTL is acceptable.
type CachedSource struct {
	Inner Source
	TTL   time.Duration

	mu        sync.Mutex
	cached    *Config
	fetchedAt time.Time
}

func NewCachedSource(inner Source, ttl time.Duration) *CachedSource {
	return &CachedSource{Inner: inner, TTL: ttl}
}

func (s *CachedSource) Active(ctx context.Context) (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.fetchedAt) < s.TTL {
		return s.cached, nil
	}

	cfg, err := s.Inner.Active(ctx)
	if err != nil {
		// Serve stale rather than failing; pricing degrades, never errors.
		if s.cached != nil {
			return s.cached, nil
		}
		return nil, err
	}

	s.cached = cfg
	s.fetchedAt = time.Now()
	return cfg, nil
}
