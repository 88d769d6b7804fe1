// Package editor defines the file I/O collaborator used to satisfy the
// agent's filesystem requests. The host routes each request through the
// bridge bound to the requesting terminal so an editor can serve unsaved
// buffer contents instead of what is on disk.
package editor

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// FileBridge reads and writes files on behalf of a host terminal.
type FileBridge interface {
	// ReadRegion returns the contents of path, optionally restricted to a
	// 1-based start line and a line count. Nil means unbounded.
	ReadRegion(ctx context.Context, terminalID, path string, line, limit *uint32) (string, error)

	// WriteText replaces the contents of path with content.
	WriteText(ctx context.Context, terminalID, path, content string) error
}

// LocalBridge serves file requests straight from the filesystem. Hosts
// without an editor RPC use it, as do tests.
type LocalBridge struct{}

// NewLocalBridge returns a filesystem-backed bridge.
func NewLocalBridge() *LocalBridge {
	return &LocalBridge{}
}

func (b *LocalBridge) ReadRegion(ctx context.Context, terminalID, path string, line, limit *uint32) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(data)
	if line == nil && limit == nil {
		return content, nil
	}

	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = int(*line) - 1
	}
	if start >= len(lines) {
		return "", nil
	}
	end := len(lines)
	if limit != nil && start+int(*limit) < end {
		end = start + int(*limit)
	}
	return strings.Join(lines[start:end], "\n"), nil
}

func (b *LocalBridge) WriteText(ctx context.Context, terminalID, path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
