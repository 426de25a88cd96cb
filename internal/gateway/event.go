package gateway

// EventKind distinguishes typed messages from button presses.
type EventKind string

const (
	EventText     EventKind = "text"
	EventCallback EventKind = "callback"
)

// Event is one inbound message from the chat platform.
type Event struct {
	Owner  string    `json:"owner"`
	ChatID string    `json:"chat_id"`
	Kind   EventKind `json:"kind"`
	Data   string    `json:"data"`
}

// Reply is one outbound message. Photo is a PNG and is base64 encoded on
// the wire.
type Reply struct {
	Text  string `json:"text,omitempty"`
	Photo []byte `json:"photo,omitempty"`
}

func text(s string) []Reply { return []Reply{{Text: s}} }
