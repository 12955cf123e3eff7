package iot

// MessagePublisher is an interface to publish messages with quality of service 1
type MessagePublisher interface {
	PublishMessageQ1(topic string, payload []byte)
}

// Dispatcher executes a command by delivering payload to topic. Execute must not block
// for long; delivery failures are the dispatcher's concern.
type Dispatcher interface {
	Execute(topic, payload string)
}

// DispatcherFunc is an adapter to use an ordinary function as Dispatcher
type DispatcherFunc func(topic, payload string)

// Execute calls f(topic, payload)
func (f DispatcherFunc) Execute(topic, payload string) {
	f(topic, payload)
}

// PublishDispatcher dispatches commands through a message publisher
type PublishDispatcher struct {
	Publisher MessagePublisher
}

// Execute publishes the payload with quality of service 1
func (d PublishDispatcher) Execute(topic, payload string) {
	d.Publisher.PublishMessageQ1(topic, []byte(payload))
}
