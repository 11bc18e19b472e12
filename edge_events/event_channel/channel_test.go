package event_channel

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/fake_dme"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtaci/smux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestGrpcChannelRoundTrip(t *testing.T) {
	srv := fake_dme.Start()
	defer srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := NewGrpcDialer(srv.DialOptions()...).Dial(ctx, fake_dme.Target)
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Send(ctx, &protocol.ClientEdgeEvent{
		EventType:     protocol.ClientEventInitConnection,
		SessionCookie: fake_dme.SessionCookie,
	}))

	ack, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.ServerEventInitConnection, ack.EventType)

	got := <-srv.Received()
	assert.Equal(t, fake_dme.SessionCookie, got.SessionCookie)

	require.NoError(t, srv.Push(&protocol.ServerEdgeEvent{
		EventType:     protocol.ServerEventCloudletState,
		CloudletState: protocol.CloudletStateOffline,
	}))
	ev, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.CloudletStateOffline, ev.CloudletState)

	require.NoError(t, ch.Send(ctx, &protocol.ClientEdgeEvent{EventType: protocol.ClientEventTerminateConnection}))
	_, err = ch.Recv()
	assert.ErrorIs(t, err, io.EOF)

	assert.NoError(t, ch.Close())
	assert.NoError(t, ch.Close())
}

func TestGrpcDialTimeout(t *testing.T) {
	dialer := NewGrpcDialer(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return nil, errors.New("unreachable")
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := dialer.Dial(ctx, fake_dme.Target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func createPipeSessionPair(t *testing.T) (*smux.Session, *smux.Session) {
	clientConn, serverConn := net.Pipe()

	var clientSession, serverSession *smux.Session
	var clientErr, serverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		clientSession, clientErr = smux.Client(clientConn, DefaultSmuxConfig())
	}()
	go func() {
		defer wg.Done()
		serverSession, serverErr = smux.Server(serverConn, DefaultSmuxConfig())
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	return clientSession, serverSession
}

func TestSmuxChannelRoundTrip(t *testing.T) {
	clientSession, serverSession := createPipeSessionPair(t)
	defer serverSession.Close()

	serverDone := make(chan *protocol.ClientEdgeEvent, 1)
	go func() {
		stream, err := serverSession.AcceptStream()
		if err != nil {
			return
		}
		defer stream.Close()
		dec := json.NewDecoder(stream)
		enc := json.NewEncoder(stream)

		in := new(protocol.ClientEdgeEvent)
		if err := dec.Decode(in); err != nil {
			return
		}
		enc.Encode(&protocol.ServerEdgeEvent{EventType: protocol.ServerEventInitConnection})
		serverDone <- in
	}()

	stream, err := clientSession.OpenStream()
	require.NoError(t, err)
	ch := NewSmuxChannel(clientSession, stream)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Send(ctx, &protocol.ClientEdgeEvent{
		EventType:        protocol.ClientEventInitConnection,
		EdgeEventsCookie: "ee-cookie",
	}))

	ack, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, protocol.ServerEventInitConnection, ack.EventType)

	select {
	case in := <-serverDone:
		assert.Equal(t, "ee-cookie", in.EdgeEventsCookie)
	case <-time.After(5 * time.Second):
		t.Fatal("server never decoded the init message")
	}

	require.NoError(t, ch.CloseSend())
	assert.ErrorIs(t, ch.Send(ctx, &protocol.ClientEdgeEvent{}), ErrChannelClosed)
	assert.NoError(t, ch.Close())
	assert.True(t, clientSession.IsClosed())
}

func TestSmuxDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = NewSmuxDialer().Dial(ctx, addr)
	assert.Error(t, err)
}
