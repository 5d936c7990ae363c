// Package swim implements failure detection over the active view (spec.md
// §4.3, component C3): direct and indirect probing, a Suspect/Dead state
// machine, and piggybacked membership-delta gossip.
package swim

import "time"

// Config holds the tunables spec.md §4.3 names, each with its stated
// default.
type Config struct {
	ProbePeriod     time.Duration `mapstructure:"probe-period"`     // PROBE_PERIOD
	ProbeTimeout    time.Duration `mapstructure:"probe-timeout"`    // PROBE_TIMEOUT
	IndirectK       int           `mapstructure:"indirect-k"`       // INDIRECT_K
	IndirectTimeout time.Duration `mapstructure:"indirect-timeout"` // INDIRECT_TIMEOUT
	SuspectTimeout  time.Duration `mapstructure:"suspect-timeout"`  // SUSPECT_TIMEOUT
	MaxDeltas       int           `mapstructure:"max-deltas"`       // bound on piggybacked deltas per PING/ACK
}

// DefaultConfig returns spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		ProbePeriod:     time.Second,
		ProbeTimeout:    500 * time.Millisecond,
		IndirectK:       3,
		IndirectTimeout: 500 * time.Millisecond,
		SuspectTimeout:  3 * time.Second,
		MaxDeltas:       32,
	}
}
