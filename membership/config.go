// Package membership implements HyParView partial-view membership
// (spec.md §4.2, component C2): a small active view used for routing and a
// larger passive view used as a repair reservoir.
package membership

import "time"

// Config holds the tunables spec.md §4.2 names, each with its stated
// default.
type Config struct {
	ActiveMax      int           `mapstructure:"active-max"`      // ACTIVE_MAX
	ActiveMin      int           `mapstructure:"active-min"`      // ACTIVE_MIN
	PassiveMax     int           `mapstructure:"passive-max"`     // PASSIVE_MAX
	ActiveRWL      uint8         `mapstructure:"active-rwl"`      // ACTIVE_RW_LEN, forwarded-join ttl
	PassiveRWL     uint8         `mapstructure:"passive-rwl"`     // ttl threshold at or below which FWD_JOIN is absorbed into passive
	ShufflePeriod  time.Duration `mapstructure:"shuffle-period"`  // SHUFFLE_PERIOD
	ShuffleKA      int           `mapstructure:"shuffle-ka"`      // KA, active peers sampled per shuffle
	ShuffleKP      int           `mapstructure:"shuffle-kp"`      // KP, passive peers sampled per shuffle
	ShuffleTTL     uint8         `mapstructure:"shuffle-ttl"`     // SHUFFLE_TTL
	PromoteTimeout time.Duration `mapstructure:"promote-timeout"` // PROMOTE_TIMEOUT
	TriedCooldown  time.Duration `mapstructure:"tried-cooldown"`  // decay before a failed promotion candidate is retried
	DeadCooldown   time.Duration `mapstructure:"dead-cooldown"`   // cool-off before a Dead peer may re-enter passive
	ParseErrWindow time.Duration `mapstructure:"parse-err-window"` // window for the parse-error-count threshold
	ParseErrMax    int           `mapstructure:"parse-err-max"`   // N, max parse errors per window before DISCONNECT
}

// DefaultConfig returns the defaults spec.md §4.2 and §4.3 specify.
func DefaultConfig() Config {
	return Config{
		ActiveMax:      12,
		ActiveMin:      8,
		PassiveMax:     128,
		ActiveRWL:      6,
		PassiveRWL:     3,
		ShufflePeriod:  30 * time.Second,
		ShuffleKA:      3,
		ShuffleKP:      4,
		ShuffleTTL:     2,
		PromoteTimeout: 5 * time.Second,
		TriedCooldown:  60 * time.Second,
		DeadCooldown:   6 * time.Second,
		ParseErrWindow: 60 * time.Second,
		ParseErrMax:    16,
	}
}
