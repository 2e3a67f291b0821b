package realtime

import (
	"context"
	"encoding/json"
)

// Bus carries room broadcasts to the other gateway instances.
type Bus interface {
	Publish(ctx context.Context, payload []byte) error
	Subscribe(ctx context.Context, handle func([]byte)) error
}

// Delivery is a broadcast as it travels over the bus. When Evict is set it
// carries no frame: every instance drops that user's connections from Room.
type Delivery struct {
	Origin     string          `json:"origin"`
	Room       string          `json:"room"`
	ExceptConn string          `json:"except_conn,omitempty"`
	Evict      string          `json:"evict,omitempty"`
	Frame      json.RawMessage `json:"frame,omitempty"`
}

// LocalBus is used by a single instance: there is nobody to forward to.
type LocalBus struct{}

func (LocalBus) Publish(context.Context, []byte) error { return nil }

func (LocalBus) Subscribe(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return nil
}
