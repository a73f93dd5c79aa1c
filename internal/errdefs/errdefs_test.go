package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{"validation", Validationf("unknown principal %q", "bob"), IsValidation},
		{"parse is validation", Parsef("rules/web.rules", 3, "bad action"), IsValidation},
		{"conflict", Conflictf("sid collision"), IsConflict},
		{"fatal", FatalConfigf("empty ruleset for v4"), IsFatalConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.want(tt.err) {
				t.Errorf("%v not classified", tt.err)
			}
		})
	}
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("enable alice: %w", Validationf("no fragment"))
	if !IsValidation(err) {
		t.Error("wrapped ValidationError should still classify")
	}
	if IsFatalConfig(err) {
		t.Error("should not classify as fatal")
	}
}

func TestParseErrorNamesFileAndLine(t *testing.T) {
	err := Parsef("fragments/bans.rules", 7, "unknown family %q", "v5")
	want := `fragments/bans.rules:7: unknown family "v5"`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestExitCodes(t *testing.T) {
	if got := ExitCode(nil); got != ExitOK {
		t.Errorf("nil -> %d", got)
	}
	if got := ExitCode(Validationf("x")); got != ExitValidation {
		t.Errorf("validation -> %d", got)
	}
	if got := ExitCode(FatalConfigf("x")); got != ExitFatal {
		t.Errorf("fatal -> %d", got)
	}
	if got := ExitCode(errors.New("disk full")); got != ExitFatal {
		t.Errorf("io -> %d", got)
	}
}

func TestCodes(t *testing.T) {
	if Code(nil) != "ok" {
		t.Error("nil code")
	}
	if Code(Conflictf("x")) != "conflict" {
		t.Error("conflict code")
	}
	if Code(errors.New("boom")) != "io" {
		t.Error("io code")
	}
}
