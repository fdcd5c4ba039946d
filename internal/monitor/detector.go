package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// TamperDetector looks for submissions that try to interfere with the test
// harness instead of solving the kata. Detections are reported as warnings;
// they never block a run.
type TamperDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected patterns.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewTamperDetector creates a detector with default patterns.
func NewTamperDetector() *TamperDetector {
	return &TamperDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code line by line before it runs.
func (d *TamperDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("harness tampering pattern in code")
			}
		}
	}

	return detections
}

var summaryLine = regexp.MustCompile(`(?m)^\d+ runs, \d+ assertions, \d+ failures, \d+ errors`)

// AnalyzeOutput checks captured run output. More than one minitest summary
// line means something other than the harness printed one.
func (d *TamperDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	if n := len(summaryLine.FindAllStringIndex(output, -1)); n > 1 {
		detections = append(detections, Detection{
			Pattern:  "duplicate_summary",
			Severity: SeverityHigh.String(),
			Detail:   "more than one test summary line in output",
		})
	}
	if strings.Contains(output, "wasm error:") {
		detections = append(detections, Detection{
			Pattern:  "guest_trap",
			Severity: SeverityMedium.String(),
			Detail:   "guest runtime trapped during the run",
		})
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "harness_entry_override",
			Description: "Redefining the harness entry point",
			Regex:       regexp.MustCompile(`\bdef\s+(self\.)?run_tests\b`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "executor_override",
			Description: "Replacing the test executor",
			Regex:       regexp.MustCompile(`Minitest\.(parallel_executor|run|after_run|reporter)\s*=|def\s+(self\.)?(run|__run)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "assertion_override",
			Description: "Redefining assertion helpers",
			Regex:       regexp.MustCompile(`\bdef\s+(assert|refute)(_\w+)?\b|module\s+Minitest::Assertions`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "framework_reopen",
			Description: "Reopening test framework classes",
			Regex:       regexp.MustCompile(`class\s+Minitest::|module\s+Minitest\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "process_exit",
			Description: "Exiting the interpreter before the suite reports",
			Regex:       regexp.MustCompile(`\bexit!|\b(abort|Kernel\.exit|at_exit)\b`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "shell_out",
			Description: "Attempting to spawn a process",
			Regex:       regexp.MustCompile("\\b(system|spawn|exec|fork)\\s*[\\(\"']|`[^`]+`|%x[\\{\\(\\[]|IO\\.popen|Open3"),
			Severity:    SeverityLow,
		},
		{
			Name:        "output_spoof",
			Description: "Printing a fake test summary",
			Regex:       regexp.MustCompile(`\d+ runs, \d+ assertions, 0 failures`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reflection_abuse",
			Description: "Removing or undefining methods at runtime",
			Regex:       regexp.MustCompile(`\b(remove_method|undef_method|remove_const)\b|ObjectSpace\.each_object`),
			Severity:    SeverityMedium,
		},
	}
}
