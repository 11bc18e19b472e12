package event_channel

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	log "github.com/sirupsen/logrus"
	"github.com/xtaci/smux"
)

func DefaultSmuxConfig() *smux.Config {
	config := smux.DefaultConfig()
	config.KeepAliveInterval = 5 * time.Second
	config.KeepAliveTimeout = 30 * time.Second
	config.MaxFrameSize = 32768
	config.MaxReceiveBuffer = 4194304
	config.MaxStreamBuffer = 131072
	return config
}

// SmuxDialer reaches a DME exposed through a TCP tunnel that multiplexes
// streams with smux. Each edge events stream gets its own session and is
// framed as newline delimited JSON.
type SmuxDialer struct {
	Config    *smux.Config
	NetDialer net.Dialer
}

func NewSmuxDialer() *SmuxDialer {
	return &SmuxDialer{Config: DefaultSmuxConfig()}
}

func (d *SmuxDialer) Dial(ctx context.Context, target string) (EventChannel, error) {
	conn, err := d.NetDialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	config := d.Config
	if config == nil {
		config = DefaultSmuxConfig()
	}
	session, err := smux.Client(conn, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SMUX client on %s: %w", target, err)
	}
	stream, err := session.OpenStream()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("SMUX open stream on %s: %w", target, err)
	}
	log.Debugf("[EventChannel] SMUX stream opened, target:%s, stream:%d", target, stream.ID())
	return NewSmuxChannel(session, stream), nil
}

// SmuxChannel carries edge events on one smux stream. The session is owned
// by the channel when non-nil.
type SmuxChannel struct {
	session *smux.Session
	stream  *smux.Stream
	enc     *json.Encoder
	dec     *json.Decoder

	sendClosed atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

func NewSmuxChannel(session *smux.Session, stream *smux.Stream) *SmuxChannel {
	return &SmuxChannel{
		session: session,
		stream:  stream,
		enc:     json.NewEncoder(stream),
		dec:     json.NewDecoder(stream),
	}
}

func (c *SmuxChannel) Send(ctx context.Context, ev *protocol.ClientEdgeEvent) error {
	if c.sendClosed.Load() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.enc.Encode(ev)
}

func (c *SmuxChannel) Recv() (*protocol.ServerEdgeEvent, error) {
	ev := new(protocol.ServerEdgeEvent)
	if err := c.dec.Decode(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CloseSend stops further sends. smux has no portable half close, so the
// server learns of it from the terminate message sent before.
func (c *SmuxChannel) CloseSend() error {
	c.sendClosed.Store(true)
	return nil
}

func (c *SmuxChannel) Close() error {
	c.closeOnce.Do(func() {
		c.sendClosed.Store(true)
		c.closeErr = c.stream.Close()
		if c.session != nil {
			if err := c.session.Close(); err != nil && c.closeErr == nil {
				c.closeErr = err
			}
		}
	})
	return c.closeErr
}
