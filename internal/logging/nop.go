package logging

import "github.com/arloliu/fleet/types"

// NopLogger discards all log messages.
//
// It is the default logger when none is configured, which keeps nil checks
// out of the coordinator.
type NopLogger struct{}

// Compile-time assertion that NopLogger implements Logger.
var _ types.Logger = (*NopLogger)(nil)

// NewNop creates a logger that discards all messages.
func NewNop() *NopLogger {
	return &NopLogger{}
}

func (n *NopLogger) Debug(_ string, _ ...any) {}
func (n *NopLogger) Info(_ string, _ ...any)  {}
func (n *NopLogger) Warn(_ string, _ ...any)  {}
func (n *NopLogger) Error(_ string, _ ...any) {}

// Fatal discards the message and, unlike production loggers, does not exit.
func (n *NopLogger) Fatal(_ string, _ ...any) {}
