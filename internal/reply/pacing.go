package reply

import (
	"math/rand/v2"
	"time"
)

// HumanDelayMode selects block pacing behaviour.
type HumanDelayMode string

const (
	HumanDelayOff     HumanDelayMode = "off"
	HumanDelayNatural HumanDelayMode = "natural"
	HumanDelayCustom  HumanDelayMode = "custom"
)

const (
	naturalDelayMin = 800 * time.Millisecond
	naturalDelayMax = 2500 * time.Millisecond
)

// HumanDelay paces consecutive block replies.
type HumanDelay struct {
	Mode HumanDelayMode
	Min  time.Duration // custom mode only
	Max  time.Duration // custom mode only
}

// Next returns the delay before the next block reply.
func (h HumanDelay) Next() time.Duration {
	switch h.Mode {
	case HumanDelayNatural:
		return between(naturalDelayMin, naturalDelayMax)
	case HumanDelayCustom:
		return between(h.Min, h.Max)
	default:
		return 0
	}
}

// between returns a random duration in [lo, hi]; hi <= lo yields lo.
func between(lo, hi time.Duration) time.Duration {
	if lo < 0 {
		lo = 0
	}
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1))
}
