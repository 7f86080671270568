package learner

import (
	"fmt"
	"math"
)

// StalePolicy says what happens to turns beyond the staleness bound.
type StalePolicy string

const (
	StaleDrop       StalePolicy = "drop"
	StaleDownweight StalePolicy = "downweight"
)

// Correction holds the importance-sampling knobs.
type Correction struct {
	StalenessBound uint64
	Policy         StalePolicy
	Decay          float64 // per version beyond the bound, downweight only
	ClipRatio      float64 // 0 disables truncation
}

// Validate rejects settings that would silently treat stale data as on-policy.
func (c Correction) Validate() error {
	switch c.Policy {
	case StaleDrop:
	case StaleDownweight:
		if c.Decay <= 0 || c.Decay >= 1 {
			return fmt.Errorf("stale_decay must be in (0, 1), got %v", c.Decay)
		}
	default:
		return fmt.Errorf("unknown stale policy %q (should be one of -- drop|downweight)", c.Policy)
	}
	if c.ClipRatio < 0 {
		return fmt.Errorf("clip_ratio must be >= 0, got %v", c.ClipRatio)
	}
	return nil
}

// Verdict is the outcome for one turn.
type Verdict int

const (
	Keep Verdict = iota
	DropStale
	Unattributable
)

// Admit classifies a turn sampled under behaviour against the training
// version current. It runs before log-probabilities are recomputed so dropped
// turns cost nothing.
func (c Correction) Admit(behaviour, current uint64) Verdict {
	if behaviour == 0 || behaviour > current {
		return Unattributable
	}
	if current-behaviour > c.StalenessBound && c.Policy == StaleDrop {
		return DropStale
	}
	return Keep
}

// Weigh returns the truncated ratio pi_current(a)/pi_behaviour(a) and the final
// weight after any staleness decay.
func (c Correction) Weigh(behaviour, current uint64, logpCurrent, logpBehaviour float64) (ratio, weight float64) {
	ratio = math.Exp(logpCurrent - logpBehaviour)
	if c.ClipRatio > 0 && ratio > c.ClipRatio {
		ratio = c.ClipRatio
	}
	weight = ratio
	if staleness := current - behaviour; staleness > c.StalenessBound && c.Policy == StaleDownweight {
		weight *= math.Pow(c.Decay, float64(staleness-c.StalenessBound))
	}
	return ratio, weight
}
