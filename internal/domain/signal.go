package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Signal is an accepted trading signal from the upstream generator.
type Signal struct {
	ID                 string    `json:"id"`
	Symbol             string    `json:"symbol"`
	Direction          Direction `json:"direction"`
	ConfidenceScore    float64   `json:"confidence_score"`
	EntryPrice         float64   `json:"entry_price"`
	StopPrice          float64   `json:"stop_price"`
	TargetPrice        float64   `json:"target_price"`
	QualityGrade       string    `json:"quality_grade,omitempty"`
	PlannedRiskPercent float64   `json:"planned_risk_percent"`
	// Quantity and Leverage are optional overrides of the sizing defaults.
	Quantity  float64   `json:"quantity,omitempty"`
	Leverage  float64   `json:"leverage,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Validate checks the structure of s. It never consults market state.
func (s Signal) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrMalformedSignal, fmt.Sprintf(format, args...))
	}
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fail("missing id")
	case strings.TrimSpace(s.Symbol) == "":
		return fail("missing symbol")
	case !s.Direction.Valid():
		return fail("unknown direction %q", s.Direction)
	case hasNaN(s.ConfidenceScore, s.EntryPrice, s.StopPrice, s.TargetPrice, s.PlannedRiskPercent, s.Quantity, s.Leverage):
		return fail("numeric fields must not be NaN")
	case s.ConfidenceScore < 0 || s.ConfidenceScore > 100:
		return fail("confidence %.2f outside [0,100]", s.ConfidenceScore)
	case s.EntryPrice <= 0:
		return fail("entry price must be positive")
	case s.StopPrice < 0 || s.TargetPrice < 0:
		return fail("stop and target must not be negative")
	case s.PlannedRiskPercent < 0:
		return fail("planned risk must not be negative")
	case s.Quantity < 0 || s.Leverage < 0:
		return fail("quantity and leverage must not be negative")
	}
	if s.Direction == DirectionLong {
		if s.StopPrice > 0 && s.StopPrice >= s.EntryPrice {
			return fail("long stop %.8g must be below entry %.8g", s.StopPrice, s.EntryPrice)
		}
		if s.TargetPrice > 0 && s.TargetPrice <= s.EntryPrice {
			return fail("long target %.8g must be above entry %.8g", s.TargetPrice, s.EntryPrice)
		}
	} else {
		if s.StopPrice > 0 && s.StopPrice <= s.EntryPrice {
			return fail("short stop %.8g must be above entry %.8g", s.StopPrice, s.EntryPrice)
		}
		if s.TargetPrice > 0 && s.TargetPrice >= s.EntryPrice {
			return fail("short target %.8g must be below entry %.8g", s.TargetPrice, s.EntryPrice)
		}
	}
	return nil
}

func hasNaN(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Expired reports whether s has an expiry that has passed at now.
func (s Signal) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// BotStatus is a summary of the bot's current operational state.
type BotStatus struct {
	Mode          string `json:"mode"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	OpenPositions int    `json:"open_positions"`
	TrackedOrders int    `json:"tracked_orders"`
}
