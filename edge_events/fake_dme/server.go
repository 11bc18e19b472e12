// Package fake_dme is an in-process MatchEngineApi server for tests.
package fake_dme

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	Target        = "passthrough:///bufnet"
	SessionCookie = "fake-session-cookie"
	bufSize       = 1024 * 1024
)

var ErrNoStream = errors.New("no edge events stream connected")

type Server struct {
	lis        *bufconn.Listener
	grpcServer *grpc.Server

	mu          sync.Mutex
	current     *serverStream
	drop        chan struct{}
	ackInit     bool
	streamCount int
	findReplies []*protocol.FindCloudletReply
	findCalls   int

	received chan *protocol.ClientEdgeEvent
}

type serverStream struct {
	mu     sync.Mutex
	stream protocol.EdgeEventServerStream
}

func (s *serverStream) send(ev *protocol.ServerEdgeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(ev)
}

// Start serves on an in-memory listener. FindCloudlet answers with replies in
// order, repeating the last one.
func Start(findReplies ...*protocol.FindCloudletReply) *Server {
	s := &Server{
		lis:         bufconn.Listen(bufSize),
		grpcServer:  grpc.NewServer(),
		ackInit:     true,
		findReplies: findReplies,
		received:    make(chan *protocol.ClientEdgeEvent, 256),
	}
	protocol.RegisterMatchEngineApiServer(s.grpcServer, s)
	go s.grpcServer.Serve(s.lis)
	return s
}

func (s *Server) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

// SetAckInit controls whether init messages are acknowledged.
func (s *Server) SetAckInit(ack bool) {
	s.mu.Lock()
	s.ackInit = ack
	s.mu.Unlock()
}

// Received yields every client event in arrival order.
func (s *Server) Received() <-chan *protocol.ClientEdgeEvent {
	return s.received
}

func (s *Server) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamCount
}

func (s *Server) FindCloudletCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findCalls
}

// Push sends ev on the most recent stream.
func (s *Server) Push(ev *protocol.ServerEdgeEvent) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()
	if cur == nil {
		return ErrNoStream
	}
	return cur.send(ev)
}

// DropStream aborts the current stream with Unavailable.
func (s *Server) DropStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drop != nil {
		close(s.drop)
		s.drop = nil
		s.current = nil
	}
}

func (s *Server) Stop() {
	s.grpcServer.Stop()
	s.lis.Close()
}

func (s *Server) RegisterClient(ctx context.Context, req *protocol.RegisterClientRequest) (*protocol.RegisterClientReply, error) {
	if req.OrgName == "" || req.AppName == "" {
		return nil, status.Error(codes.InvalidArgument, "org and app name required")
	}
	return &protocol.RegisterClientReply{
		Status:        protocol.RegisterSuccess,
		SessionCookie: SessionCookie,
		UniqueId:      req.UniqueId,
	}, nil
}

func (s *Server) FindCloudlet(ctx context.Context, req *protocol.FindCloudletRequest) (*protocol.FindCloudletReply, error) {
	if req.SessionCookie != SessionCookie {
		return nil, status.Error(codes.Unauthenticated, "bad session cookie")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.findReplies) == 0 {
		return &protocol.FindCloudletReply{Status: protocol.FindNotFound}, nil
	}
	idx := s.findCalls
	if idx >= len(s.findReplies) {
		idx = len(s.findReplies) - 1
	}
	s.findCalls++
	return s.findReplies[idx], nil
}

func (s *Server) StreamEdgeEvent(stream protocol.EdgeEventServerStream) error {
	st := &serverStream{stream: stream}
	drop := make(chan struct{})

	s.mu.Lock()
	s.current = st
	s.drop = drop
	s.streamCount++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.current == st {
			s.current = nil
			s.drop = nil
		}
		s.mu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		for {
			ev, err := stream.Recv()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case s.received <- ev:
			default:
			}
			switch ev.EventType {
			case protocol.ClientEventInitConnection:
				s.mu.Lock()
				ack := s.ackInit
				s.mu.Unlock()
				if ack {
					st.send(&protocol.ServerEdgeEvent{EventType: protocol.ServerEventInitConnection})
				}
			case protocol.ClientEventTerminateConnection:
				errCh <- nil
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-drop:
		return status.Error(codes.Unavailable, "stream dropped")
	}
}
