package tmux

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"
)

const sessionPrefix = "tide"

// SessionBaseName derives a session name from the working directory's base
// name, falling back to the host terminal id.
func SessionBaseName(cwd, terminalID string) string {
	if cwd != "" {
		if sanitized := sanitizeIdentifier(filepath.Base(cwd)); sanitized != "" {
			return sessionPrefix + "-" + sanitized
		}
	}

	fallback := strings.TrimPrefix(terminalID, "terminal-")
	if sanitized := sanitizeIdentifier(fallback); sanitized != "" {
		return sessionPrefix + "-" + sanitized
	}
	return sessionPrefix
}

// SessionExistsFunc probes whether a multiplexer session name is taken.
type SessionExistsFunc func(ctx context.Context, name string) (bool, error)

// FindAvailableName disambiguates base against both in-memory reservations
// and live sessions by appending -2, -3, ... until a free name is found.
func FindAvailableName(ctx context.Context, base string, reserved map[string]bool, exists SessionExistsFunc) (string, error) {
	normalized := strings.TrimSpace(base)
	if normalized == "" {
		normalized = sessionPrefix
	}

	for index := 1; ; index++ {
		candidate := normalized
		if index > 1 {
			candidate = normalized + "-" + strconv.Itoa(index)
		}

		if reserved[candidate] {
			continue
		}
		taken, err := exists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
	}
}

// FindAvailableName on a Runner checks against live tmux sessions.
func (r *Runner) FindAvailableName(ctx context.Context, base string, reserved map[string]bool) (string, error) {
	return FindAvailableName(ctx, base, reserved, r.HasSession)
}

func sanitizeIdentifier(input string) string {
	var b strings.Builder
	for _, ch := range input {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		case ch >= 'A' && ch <= 'Z':
			b.WriteRune(ch + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
