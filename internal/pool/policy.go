package pool

import "time"

// Policy holds the lifecycle rules the pool applies to idle handles.
type Policy struct {
	// IdleTimeout retires handles that have sat unused this long. Zero
	// disables idle expiry.
	IdleTimeout time.Duration
	// SweepInterval is how often Run evaluates the idle set.
	SweepInterval time.Duration
}

// DefaultPolicy returns the lifecycle defaults: idle daemons are retired
// after three minutes, checked every ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		IdleTimeout:   3 * time.Minute,
		SweepInterval: 10 * time.Second,
	}
}
