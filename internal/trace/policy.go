package trace

import (
	"math"
	"time"

	"github.com/ternarybob/tracearchive/internal/common"
)

// CooldownStrategy computes the minimum wait after a failed attempt.
// attempts is the number of failed attempts recorded so far (>= 1 when called).
type CooldownStrategy interface {
	Cooldown(attempts int) time.Duration
}

// Constant waits the same interval after every failure
type Constant struct {
	Interval time.Duration
}

func (c Constant) Cooldown(_ int) time.Duration { return c.Interval }

// Linear waits Initial * attempts, capped at Max (0 = uncapped)
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Cooldown(attempts int) time.Duration {
	return capped(l.Initial*time.Duration(attempts), l.Max)
}

// Exponential waits Initial * 2^(attempts-1), capped at Max (0 = uncapped)
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Cooldown(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempts-1))
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return capped(time.Duration(d), e.Max)
}

func capped(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

// Policy holds the archival limits applied to every trace
type Policy struct {
	MaxAttempts int
	Cooldown    CooldownStrategy
}

// NewPolicy builds the policy from the archive configuration
func NewPolicy(config common.ArchiveConfig) Policy {
	initial := config.CooldownDuration()
	max := config.MaxCooldownDuration()

	var strategy CooldownStrategy
	switch config.CooldownStrategy {
	case common.CooldownConstant:
		strategy = Constant{Interval: initial}
	case common.CooldownLinear:
		strategy = Linear{Initial: initial, Max: max}
	default:
		strategy = Exponential{Initial: initial, Max: max}
	}

	return Policy{
		MaxAttempts: config.MaxAttempts,
		Cooldown:    strategy,
	}
}

// NextAttemptAt returns the earliest time another attempt is allowed
func (p Policy) NextAttemptAt(lastAttemptAt time.Time, attempts int) time.Time {
	if p.Cooldown == nil {
		return lastAttemptAt
	}
	return lastAttemptAt.Add(p.Cooldown.Cooldown(attempts))
}
