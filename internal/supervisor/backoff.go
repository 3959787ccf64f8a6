package supervisor

import (
	"math"
	"time"
)

// backoffConfig computes restart delays: the floor doubles on each failed
// boot up to the ceiling.
type backoffConfig struct {
	Floor   time.Duration
	Ceiling time.Duration
}

func (cfg backoffConfig) nextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	floor := float64(cfg.Floor)
	if floor <= 0 {
		floor = float64(2 * time.Second)
	}
	delay := floor * math.Pow(2, float64(attempt))
	if cfg.Ceiling > 0 && delay > float64(cfg.Ceiling) {
		delay = float64(cfg.Ceiling)
	}
	return time.Duration(delay)
}
