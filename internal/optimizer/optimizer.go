package optimizer

import (
	"errors"
	"math/rand"
	"time"
)

var (
	// ErrNoImprovement is returned when an optimizer finds nothing worth doing
	ErrNoImprovement = errors.New("no improvement possible")

	// ErrInvalidConfig is returned for a degenerate optimizer configuration
	ErrInvalidConfig = errors.New("invalid optimizer config")

	// ErrInsaneStats is returned when device capacity counters do not add up
	ErrInsaneStats = errors.New("insane device stats")

	// ErrNoStats is returned when device stats are missing or empty
	ErrNoStats = errors.New("no device stats")
)

// State is the terminal state of one optimizer invocation
type State string

const (
	StateSearching State = "searching"
	StateConverged State = "converged"
	StateExhausted State = "exhausted"
	StateRejected  State = "rejected"
)

// IsRejection reports whether err is an optimizer outcome rather than a
// failure of the cycle
func IsRejection(err error) bool {
	return errors.Is(err, ErrNoImprovement) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInsaneStats) ||
		errors.Is(err, ErrNoStats)
}

// newRand returns a random source owned by one optimizer. Seed 0 seeds from
// the clock.
func newRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
