// Package plumtree implements epidemic broadcast trees over per-topic
// eager/lazy peer partitions (spec.md §4.4, component C4): low-latency
// dissemination along a self-healing tree, with PRUNE/GRAFT driven by
// duplicate and IWANT observations.
package plumtree

import "time"

// Config holds the tunables spec.md §4.4 names, each with its stated
// default.
type Config struct {
	TTLMax        uint8         `mapstructure:"ttl-max"`         // TTL_MAX
	IWantTimeout  time.Duration `mapstructure:"iwant-timeout"`   // IWANT_TIMEOUT
	IWantGiveUp   time.Duration `mapstructure:"iwant-give-up"`   // IWANT_GIVE_UP
	IHaveFlush    time.Duration `mapstructure:"ihave-flush"`     // IHAVE_FLUSH
	IHaveBatchMax int           `mapstructure:"ihave-batch-max"` // IHAVE_BATCH_MAX
	DegreeTick    time.Duration `mapstructure:"degree-tick"`     // DEGREE_TICK
	EagerMin      int           `mapstructure:"eager-min"`       // EAGER_MIN
	EagerMax      int           `mapstructure:"eager-max"`       // EAGER_MAX
	EagerTarget   int           `mapstructure:"eager-target"`    // EAGER_TARGET
	CacheSweep    time.Duration `mapstructure:"cache-sweep"`     // CACHE_SWEEP
	MaxPayload    int           `mapstructure:"max-payload"`     // MAX_PAYLOAD
	EpochPast     time.Duration `mapstructure:"epoch-past"`      // lower bound of the accepted epoch window
	EpochFuture   time.Duration `mapstructure:"epoch-future"`    // upper bound of the accepted epoch window
	BadRateWindow time.Duration `mapstructure:"bad-rate-window"` // window used to evaluate BAD_RATE
	BadRate       float64       `mapstructure:"bad-rate"`        // BAD_RATE
	ScoreMin      float64       `mapstructure:"score-min"`       // SCORE_MIN
}

// DefaultConfig returns spec.md §4.4's stated defaults.
func DefaultConfig() Config {
	return Config{
		TTLMax:        10,
		IWantTimeout:  2 * time.Second,
		IWantGiveUp:   10 * time.Second,
		IHaveFlush:    100 * time.Millisecond,
		IHaveBatchMax: 1024,
		DegreeTick:    30 * time.Second,
		EagerMin:      6,
		EagerMax:      12,
		EagerTarget:   8,
		CacheSweep:    60 * time.Second,
		MaxPayload:    1 << 20,
		EpochPast:     time.Hour,
		EpochFuture:   5 * time.Minute,
		BadRateWindow: 60 * time.Second,
		BadRate:       0.10,
		ScoreMin:      -10,
	}
}
