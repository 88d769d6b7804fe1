package tmux

import "unicode/utf8"

// DefaultOutputLimit caps captured pane output when the agent does not
// request a limit.
const DefaultOutputLimit uint64 = 64 * 1024

// TruncateOutput trims output to at most limit bytes, keeping the tail.
// The cut is realigned forward to a rune boundary so the result is valid
// UTF-8. A nil limit applies DefaultOutputLimit.
func TruncateOutput(output string, limit *uint64) (string, bool) {
	max := DefaultOutputLimit
	if limit != nil {
		max = *limit
	}
	if uint64(len(output)) <= max {
		return output, false
	}

	start := len(output) - int(max)
	for start < len(output) && !utf8.RuneStart(output[start]) {
		start++
	}
	return output[start:], true
}
