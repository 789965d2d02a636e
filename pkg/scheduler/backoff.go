package scheduler

import "time"

// Backoff computes the delay before retry attempt n+1 of a task:
// base * 2^(attempts-1), capped. This is the single retry-delay decision
// point; nothing else in the scheduler sleeps ad hoc between attempts.
type Backoff struct {
	Base time.Duration `yaml:"base"`
	Cap  time.Duration `yaml:"cap"`
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 5 * time.Second, Cap: time.Hour}
}

func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := b.Base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
