package bus

import (
	"context"

	"github.com/austenmoss/testforge/internal/sse"
)

// Bus fans SSE messages out across processes: the worker process that owns
// a request's pipeline publishes progress events here, and whichever HTTP
// process holds that request's subscriber connection forwards them onto its
// local sse.Hub.
type Bus interface {
	Publish(ctx context.Context, msg sse.Message) error
	StartForwarder(ctx context.Context, onMsg func(m sse.Message)) error
	Close() error
}
