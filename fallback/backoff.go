package fallback

import (
	"math/rand"
	"time"

	"github.com/chronosdb/chronos"
)

// Delay computes the wait before the given attempt number (1-based):
// min(2^attempt * base, max) with a +/-10% jitter so synchronized workers
// spread out.
func Delay(attempt int, cfg chronos.FallbackConfig) time.Duration {
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	max := time.Duration(cfg.MaxDelayMs) * time.Millisecond
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	jitter := 0.9 + 0.2*rand.Float64()
	return time.Duration(float64(d) * jitter)
}
