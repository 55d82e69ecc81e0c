package color

import (
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/diamondops/custody/pkg/model"
)

func TestEnableDisable(t *testing.T) {
	orig := state.enabled

	Enable()
	if !Enabled() {
		t.Error("expected colors to be enabled after Enable()")
	}

	Disable()
	if Enabled() {
		t.Error("expected colors to be disabled after Disable()")
	}

	state.enabled = orig
}

func TestColorFuncs(t *testing.T) {
	Enable()

	tests := []struct {
		name     string
		fn       func(string) string
		input    string
		contains string
	}{
		{"Redf", Redf, "test", Red},
		{"Greenf", Greenf, "test", Green},
		{"Yellowf", Yellowf, "test", Yellow},
		{"Cyanf", Cyanf, "test", Cyan},
		{"Success", Success, "ok", Green},
		{"Error", Error, "fail", Red},
		{"Warning", Warning, "warn", Yellow},
		{"ID", ID, "tr_123", Cyan},
		{"Header", Header, "Title", Bold},
		{"Dim", Dim, "subtle", DimCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.fn(tt.input)
			if !strings.Contains(result, tt.contains) || !strings.HasSuffix(result, Reset) {
				t.Errorf("%s(%q) = %q, expected %q and a reset code", tt.name, tt.input, result, tt.contains)
			}
		})
	}
}

func TestColorFuncsDisabled(t *testing.T) {
	Disable()
	defer Enable()

	for _, fn := range []func(string) string{Redf, Success, Error, Warning, ID, Code} {
		if got := fn("test"); got != "test" {
			t.Errorf("got %q, expected plain text when disabled", got)
		}
	}
	if got := State(model.StateConfirmed); got != "confirmed" {
		t.Errorf("State() disabled = %q", got)
	}
}

func TestDomainFormatters(t *testing.T) {
	Enable()

	tests := []struct {
		got  string
		want string
	}{
		{State(model.StateProposed), Yellow},
		{State(model.StateContested), Magenta},
		{State(model.StateConfirmed), Green},
		{State(model.StateRevoked), Gray},
		{Band(model.BandWeak), Red},
		{Band(model.BandModerate), Yellow},
		{Band(model.BandStrong), Blue},
		{Band(model.BandVeryStrong), Green},
		{Outcome(model.OutcomeRejected), Red},
		{Outcome(model.OutcomeApplied), Green},
	}
	for _, tt := range tests {
		if !strings.HasPrefix(tt.got, tt.want) {
			t.Errorf("%q does not start with %q", tt.got, tt.want)
		}
	}
}

func TestInitRespectsNoColorEnv(t *testing.T) {
	origNoColor, exists := os.LookupEnv("NO_COLOR")

	os.Setenv("NO_COLOR", "1")
	state.disabled = false
	state.enabled = true
	state.once = sync.Once{}

	Init(false)
	if Enabled() {
		t.Error("expected colors to be disabled when NO_COLOR is set")
	}

	if exists {
		os.Setenv("NO_COLOR", origNoColor)
	} else {
		os.Unsetenv("NO_COLOR")
	}
	state.once = sync.Once{}
}

func TestInitRespectsNoColorFlag(t *testing.T) {
	state.disabled = false
	state.enabled = true
	state.once = sync.Once{}

	Init(true)
	if Enabled() {
		t.Error("expected colors to be disabled when noColorFlag is true")
	}

	state.once = sync.Once{}
}
