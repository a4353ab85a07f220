package server

// Event represents a server lifecycle event.
// Minimal and stable: name + connection id and optional fields via
// key/values.
type Event struct {
	Name   string
	ConnID string
	Fields map[string]any
}

// EventPublisher receives events from the server. Implementations should
// be lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
