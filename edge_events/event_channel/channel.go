package event_channel

import (
	"context"
	"errors"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
)

var ErrChannelClosed = errors.New("event channel closed")

// EventChannel is one bidirectional edge events stream. Send must only be
// called from one goroutine at a time, Recv likewise. Recv returns io.EOF
// when the server ends the stream cleanly.
type EventChannel interface {
	Send(ctx context.Context, ev *protocol.ClientEdgeEvent) error
	Recv() (*protocol.ServerEdgeEvent, error)
	// CloseSend half-closes the outbound direction.
	CloseSend() error
	// Close tears down the stream and its transport. Safe to call twice.
	Close() error
}

// Dialer opens an EventChannel to a DME address. ctx bounds establishment
// only, not the lifetime of the returned channel.
type Dialer interface {
	Dial(ctx context.Context, target string) (EventChannel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, target string) (EventChannel, error)

func (f DialerFunc) Dial(ctx context.Context, target string) (EventChannel, error) {
	return f(ctx, target)
}
