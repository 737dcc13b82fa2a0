// Package progress derives job progress from script output lines.
//
// Scripts report progress in two ways: explicit "<int>% complete" lines and
// free-form completion messages. Both rules are pure functions so they can be
// tested without spawning processes.
package progress

import (
	"regexp"
	"strconv"
	"strings"
)

// Running caps the overall progress of a job that has not completed yet.
// Only a completed job reports 100.
const Running = 99

var percentRx = regexp.MustCompile(`(?i)(?:^|[^\d.])(\d{1,3})\s*%\s*complete`)

// CompletionKeywords are matched case-insensitively against a line.
var CompletionKeywords = []string{
	"completed successfully",
	"finished",
	"done",
	"complete",
	"uploaded",
}

// Percent returns the script-local percentage announced by a line such as
// "40% complete - processing". Values above 100 are clamped.
func Percent(line string) (int, bool) {
	m := percentRx.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return min(v, 100), true
}

// IsCompletion reports whether the line contains one of CompletionKeywords.
func IsCompletion(line string) bool {
	lower := strings.ToLower(line)
	for _, kw := range CompletionKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Overall blends the local percentage of script index (0-based) into the
// progress of a job with total scripts: floor(100*(index + local/100)/total).
func Overall(index, total, local int) int {
	if total <= 0 {
		return 0
	}
	local = max(0, min(local, 100))
	return (100*index + local) / total
}

// Baseline is the progress of a job right before script index starts.
func Baseline(index, total int) int {
	return Overall(index, total, 0)
}

// Line applies the percentage rule, then the completion keyword rule, and
// returns the overall progress the line implies for script index.
func Line(line string, index, total int) (int, bool) {
	if local, ok := Percent(line); ok {
		return Overall(index, total, local), true
	}
	if IsCompletion(line) {
		return Overall(index, total, 100), true
	}
	return 0, false
}

// Tracker keeps progress monotonic and below 100 while a job is running.
// It is not safe for concurrent use.
type Tracker struct {
	value int
}

func (t *Tracker) Value() int { return t.value }

// Advance raises the tracked value to v (capped at Running) and reports
// whether it changed. Lower values are ignored.
func (t *Tracker) Advance(v int) bool {
	v = min(v, Running)
	if v <= t.value {
		return false
	}
	t.value = v
	return true
}

// Complete marks the job done.
func (t *Tracker) Complete() { t.value = 100 }
