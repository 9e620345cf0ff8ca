// Package notify provides the advisory notification hook used when the message
// bus has something to tell the developer outside of the wire protocol.
package notify

import (
	"go.uber.org/zap"
)

// A Notifier delivers a fire-and-forget notification. Implementations must not
// block for long and must not panic; failures are the notifier's own business.
type Notifier interface {
	Notify(title, message string)
}

// Func adapts an ordinary function to the Notifier interface.
type Func func(title, message string)

func (f Func) Notify(title, message string) {
	f(title, message)
}

// Nop discards notifications.
var Nop Notifier = Func(func(string, string) {})

// LogNotifier writes notifications to a zap logger at warn level.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a LogNotifier writing to logger, or to a no-op logger if nil.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(title, message string) {
	n.logger.Warn(title, zap.String("message", message))
}
