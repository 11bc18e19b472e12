package event_channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GrpcDialer opens StreamEdgeEvent on a dedicated client connection per
// target, so migrating to another DME never disturbs the previous stream
// until it is closed.
type GrpcDialer struct {
	Options []grpc.DialOption
}

func NewGrpcDialer(opts ...grpc.DialOption) *GrpcDialer {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GrpcDialer{Options: opts}
}

type streamResult struct {
	stream grpc.ClientStream
	err    error
}

func (d *GrpcDialer) Dial(ctx context.Context, target string) (EventChannel, error) {
	conn, err := grpc.NewClient(target, d.Options...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}

	// the stream outlives ctx, which only bounds establishment
	streamCtx, cancel := context.WithCancel(context.Background())
	client := protocol.NewMatchEngineApiClient(conn)

	resCh := make(chan streamResult, 1)
	go func() {
		stream, err := client.StreamEdgeEvent(streamCtx, grpc.WaitForReady(true))
		resCh <- streamResult{stream: stream, err: err}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			cancel()
			conn.Close()
			return nil, fmt.Errorf("open edge events stream to %s: %w", target, res.err)
		}
		log.Debugf("[EventChannel] grpc stream opened, target:%s", target)
		return &grpcChannel{conn: conn, stream: res.stream, cancel: cancel}, nil
	case <-ctx.Done():
		cancel()
		conn.Close()
		return nil, ctx.Err()
	}
}

type grpcChannel struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// Send cannot be interrupted once SendMsg is entered; ctx is checked first.
func (c *grpcChannel) Send(ctx context.Context, ev *protocol.ClientEdgeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.stream.SendMsg(ev)
}

func (c *grpcChannel) Recv() (*protocol.ServerEdgeEvent, error) {
	ev := new(protocol.ServerEdgeEvent)
	if err := c.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (c *grpcChannel) CloseSend() error {
	return c.stream.CloseSend()
}

func (c *grpcChannel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
