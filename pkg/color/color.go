// Package color provides terminal color output for the custody CLI.
// It respects the NO_COLOR environment variable (https://no-color.org/).
package color

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/diamondops/custody/pkg/model"
)

var (
	state struct {
		enabled  bool
		once     sync.Once
		disabled bool
	}
)

// Init initializes the color system from the environment and the
// --no-color flag. Only the first call has an effect.
func Init(noColorFlag bool) {
	state.once.Do(func() {
		if _, exists := os.LookupEnv("NO_COLOR"); exists {
			state.disabled = true
		}
		if term := os.Getenv("TERM"); term == "dumb" {
			state.disabled = true
		}
		if noColorFlag {
			state.disabled = true
		}
		state.enabled = !state.disabled
	})
}

// Enabled returns true if color output is enabled.
func Enabled() bool {
	Init(false)
	return state.enabled
}

// Disable turns off color output.
func Disable() {
	state.disabled = true
	state.enabled = false
}

// Enable turns on color output.
func Enable() {
	state.disabled = false
	state.enabled = true
}

// ANSI color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	DimCode = "\033[2m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

type colorFunc func(string) string

func makeColorFunc(codes ...string) colorFunc {
	return func(s string) string {
		if !Enabled() {
			return s
		}
		return strings.Join(codes, "") + s + Reset
	}
}

var (
	Redf     = makeColorFunc(Red)
	Greenf   = makeColorFunc(Green)
	Yellowf  = makeColorFunc(Yellow)
	Bluef    = makeColorFunc(Blue)
	Magentaf = makeColorFunc(Magenta)
	Cyanf    = makeColorFunc(Cyan)
	Grayf    = makeColorFunc(Gray)
	Boldf    = makeColorFunc(Bold)
	Dimf     = makeColorFunc(DimCode)
)

// Success formats a success message in green.
func Success(s string) string {
	return Greenf(s)
}

// Successf formats a success message with printf-style arguments.
func Successf(format string, args ...any) string {
	return Greenf(fmt.Sprintf(format, args...))
}

// Error formats an error message in red.
func Error(s string) string {
	return Redf(s)
}

// Warning formats a warning message in yellow.
func Warning(s string) string {
	return Yellowf(s)
}

// Warningf formats a warning message with printf-style arguments.
func Warningf(format string, args ...any) string {
	return Yellowf(fmt.Sprintf(format, args...))
}

// ID formats an item, transition, artifact or packet id in cyan.
func ID(s string) string {
	return Cyanf(s)
}

// Header formats a header in bold.
func Header(s string) string {
	return Boldf(s)
}

// Dim formats secondary information.
func Dim(s string) string {
	return Dimf(s)
}

// Code formats a command in bold and dim.
func Code(s string) string {
	if !Enabled() {
		return s
	}
	return Bold + DimCode + s + Reset
}

// State colors a transition state: open states yellow, contested
// magenta, confirmed green, the other terminal states gray.
func State(s model.TransitionState) string {
	switch s {
	case model.StateProposed, model.StateAcknowledged:
		return Yellowf(string(s))
	case model.StateContested:
		return Magentaf(string(s))
	case model.StateConfirmed:
		return Greenf(string(s))
	default:
		return Grayf(string(s))
	}
}

// Band colors a confidence band from red (weak) to green (very strong).
func Band(b model.Band) string {
	switch b {
	case model.BandWeak:
		return Redf(string(b))
	case model.BandModerate:
		return Yellowf(string(b))
	case model.BandStrong:
		return Bluef(string(b))
	default:
		return Greenf(string(b))
	}
}

// Outcome colors an event outcome.
func Outcome(o model.Outcome) string {
	if o == model.OutcomeRejected {
		return Redf(string(o))
	}
	return Greenf(string(o))
}
