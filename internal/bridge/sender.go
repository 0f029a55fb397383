package bridge

import (
	"context"
	"errors"
)

// ErrConnectionGone reports a push to a connection that no longer exists.
// The transport layer returns it so callers can clean up registries instead
// of surfacing an error to a client that is, by definition, unreachable.
var ErrConnectionGone = errors.New("connection gone")

// ClientSender pushes one message to a client connection by id.
type ClientSender interface {
	Send(ctx context.Context, connectionID string, msg any) error
}
