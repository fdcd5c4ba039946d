package sandbox

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MaxCodeBytes != 1<<20 {
		t.Errorf("MaxCodeBytes = %d, want %d", l.MaxCodeBytes, 1<<20)
	}
	if l.MaxOutputBytes != 1<<20 {
		t.Errorf("MaxOutputBytes = %d, want %d", l.MaxOutputBytes, 1<<20)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v, want nil", err)
	}
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
	}{
		{"zero code", Limits{MaxCodeBytes: 0, MaxOutputBytes: 4096}},
		{"code over", Limits{MaxCodeBytes: 16<<20 + 1, MaxOutputBytes: 4096}},
		{"output under", Limits{MaxCodeBytes: 1024, MaxOutputBytes: 1023}},
		{"output over", Limits{MaxCodeBytes: 1024, MaxOutputBytes: 64<<20 + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.limits.Validate(); !errors.Is(err, ErrInvalidLimits) {
				t.Errorf("Validate() = %v, want ErrInvalidLimits", err)
			}
		})
	}
}

func TestTruncateLines(t *testing.T) {
	short := []string{"a", "b"}
	if got := truncateLines(short, 100, NewClassifier()); len(got) != 2 {
		t.Errorf("truncateLines(short) = %v, want unchanged", got)
	}

	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, strings.Repeat("x", 20))
	}
	lines = append(lines, "user: NameError: boom")

	got := truncateLines(lines, 200, NewClassifier())
	if got[len(got)-1] != "user: NameError: boom" {
		t.Errorf("last line = %q, want the error line kept", got[len(got)-1])
	}
	if got[len(got)-2] != "... [output truncated]" {
		t.Errorf("missing truncation marker: %v", got)
	}
	if n := outputSize(got[:len(got)-2]); n > 200 {
		t.Errorf("kept %d bytes before marker, want <= 200", n)
	}
}

func TestTruncateLines_KeepsFailureReports(t *testing.T) {
	lines := []string{"Run options: --seed 1", "", "# Running:", ""}
	for i := 0; i < 50; i++ {
		lines = append(lines, "debug "+strings.Repeat("x", 34))
	}
	report := []string{"  1) Failure:", "CalculatorTest#test_add:", "Expected: 5", "  Actual: 6"}
	lines = append(lines, "")
	lines = append(lines, report...)
	lines = append(lines, "", "9 runs, 9 assertions, 1 failures, 0 errors, 0 skips")

	got := truncateLines(lines, 200, NewClassifier())

	if got[len(got)-1] != "9 runs, 9 assertions, 1 failures, 0 errors, 0 skips" {
		t.Errorf("last line = %q, want the summary", got[len(got)-1])
	}
	if got[len(got)-2] != truncatedNote {
		t.Errorf("missing truncation note: %v", got)
	}
	text := strings.Join(got, "\n")
	if !strings.Contains(text, strings.Join(report, "\n")) {
		t.Errorf("failure report lost in truncation:\n%s", text)
	}
	if NewClassifier().Classify(text) {
		t.Error("truncated output of a failing run must still classify as failing")
	}
	if got[0] != "Run options: --seed 1" {
		t.Errorf("first line = %q, want the leading output kept in order", got[0])
	}
	if n := outputSize(got[:len(got)-2]) + outputSize(got[len(got)-1:]); n > 200 {
		t.Errorf("kept %d bytes, want <= 200", n)
	}
}

func TestTruncateLines_CutsOnRuneBoundary(t *testing.T) {
	last := strings.Repeat("é", 10)
	got := truncateLines([]string{"a", last}, 5, NewClassifier())

	tail := got[len(got)-1]
	if !utf8.ValidString(tail) {
		t.Fatalf("last line %q is not valid UTF-8", tail)
	}
	if tail != "éé" {
		t.Errorf("last line = %q, want %q", tail, "éé")
	}
}
