package signaling

// Metrics receives relay counters. Implementations must be safe for concurrent use.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	EventReceived(event string)
	EventDropped(event, reason string)
	MessageForwarded(event string)
	Misdirected(event string)
	CallStatus(status string)
	PersistFailed(op string)
	SlowConsumer()
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened()           {}
func (noopMetrics) ConnectionClosed()           {}
func (noopMetrics) EventReceived(string)        {}
func (noopMetrics) EventDropped(string, string) {}
func (noopMetrics) MessageForwarded(string)     {}
func (noopMetrics) Misdirected(string)          {}
func (noopMetrics) CallStatus(string)           {}
func (noopMetrics) PersistFailed(string)        {}
func (noopMetrics) SlowConsumer()               {}
