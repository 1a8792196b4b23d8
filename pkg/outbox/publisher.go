package outbox

import "context"

// Message is a resolved outbox row addressed to a broker topic. Key orders
// delivery; every message of one chain shares a key.
type Message struct {
	Topic      string
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Publisher delivers messages to a broker. Publish returns after the broker
// acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Ping(ctx context.Context) error
	Close() error
}
