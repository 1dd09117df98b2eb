//go:build !windows

package runner

import (
	"fmt"
	"log/slog"
)

// Native is only available on Windows.
type Native struct{ Runner }

// NewNative reports ErrUnsupported off Windows.
func NewNative(fallback Runner, logger *slog.Logger) (*Native, error) {
	return nil, fmt.Errorf("native runner: %w", ErrUnsupported)
}
