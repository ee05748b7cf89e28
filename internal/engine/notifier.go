package engine

import "go.uber.org/zap"

// Notifier signals the arrival of messages authored by someone else. It is
// constructed once per application session and carries an explicit
// lifecycle so implementations holding platform resources (audio handles,
// desktop notification connections) can acquire and release them
// deterministically.
type Notifier interface {
	Init() error
	Notify()
	Dispose()
}

type logNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a Notifier that records arrivals in the log.
func NewLogNotifier(logger *zap.Logger) Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logNotifier{logger: logger}
}

func (n *logNotifier) Init() error { return nil }

func (n *logNotifier) Notify() {
	n.logger.Info("new message received")
}

func (n *logNotifier) Dispose() {}
