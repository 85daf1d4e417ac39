package circuit

import "time"

// Backoff returns min(base*2^(failures-1), max) for failures >= 1.
func Backoff(base, max time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	backoff := base
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= max || backoff <= 0 {
			return max
		}
	}
	if backoff > max {
		return max
	}
	return backoff
}

// WithJitter adds 10-30% to d. r must be uniform in [0,1).
func WithJitter(d time.Duration, r float64) time.Duration {
	if r < 0 {
		r = 0
	}
	if r >= 1 {
		r = 0.999999
	}
	factor := 0.10 + 0.20*r
	return d + time.Duration(float64(d)*factor)
}
