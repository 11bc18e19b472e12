package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_bus"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_channel"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
	"github.com/mobiledgex/edge-cloud-sdk-android/storage"
)

var errTransportReset = errors.New("transport reset")

// fakeChannel acknowledges init and lets the test push events or break the
// stream.
type fakeChannel struct {
	inbox  chan *protocol.ServerEdgeEvent
	sent   chan *protocol.ClientEdgeEvent
	closed chan struct{}
	broken chan struct{}
	// ended is closed once the client says goodbye, like a server ending
	// the stream
	ended chan struct{}

	closeOnce sync.Once
	breakOnce sync.Once
	endOnce   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		inbox:  make(chan *protocol.ServerEdgeEvent, 16),
		sent:   make(chan *protocol.ClientEdgeEvent, 256),
		closed: make(chan struct{}),
		broken: make(chan struct{}),
		ended:  make(chan struct{}),
	}
}

func (f *fakeChannel) Send(ctx context.Context, ev *protocol.ClientEdgeEvent) error {
	select {
	case <-f.closed:
		return event_channel.ErrChannelClosed
	case <-f.broken:
		return errTransportReset
	default:
	}
	select {
	case f.sent <- ev:
	default:
	}
	switch ev.EventType {
	case protocol.ClientEventInitConnection:
		f.inbox <- &protocol.ServerEdgeEvent{EventType: protocol.ServerEventInitConnection}
	case protocol.ClientEventTerminateConnection:
		f.endOnce.Do(func() { close(f.ended) })
	}
	return nil
}

func (f *fakeChannel) Recv() (*protocol.ServerEdgeEvent, error) {
	select {
	case ev := <-f.inbox:
		return ev, nil
	case <-f.closed:
		return nil, io.EOF
	case <-f.ended:
		return nil, io.EOF
	case <-f.broken:
		return nil, errTransportReset
	}
}

func (f *fakeChannel) CloseSend() error { return nil }

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeChannel) breakStream() {
	f.breakOnce.Do(func() { close(f.broken) })
}

type fakeDME struct {
	mu       sync.Mutex
	channels []*fakeChannel
	dials    atomic.Int32
	failDial atomic.Bool
}

func (d *fakeDME) Dial(ctx context.Context, target string) (event_channel.EventChannel, error) {
	d.dials.Add(1)
	if d.failDial.Load() {
		return nil, errors.New("connection refused")
	}
	ch := newFakeChannel()
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
	return ch, nil
}

func (d *fakeDME) current() *fakeChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		return nil
	}
	return d.channels[len(d.channels)-1]
}

func (d *fakeDME) push(t *testing.T, ev *protocol.ServerEdgeEvent) {
	t.Helper()
	ch := d.current()
	if ch == nil {
		t.Fatal("no stream to push on")
	}
	ch.inbox <- ev
}

// sentOfType drains ch for up to wait and returns the events of typ.
func sentOfType(ch *fakeChannel, typ protocol.ClientEventType, wait time.Duration) []*protocol.ClientEdgeEvent {
	var out []*protocol.ClientEdgeEvent
	deadline := time.After(wait)
	for {
		select {
		case ev := <-ch.sent:
			if ev.EventType == typ {
				out = append(out, ev)
			}
		case <-deadline:
			return out
		}
	}
}

type staticRegistration string

func (r staticRegistration) SessionCookie() string { return string(r) }

type pendingCall struct {
	criteria protocol.FindCloudletCriteria
	reply    chan *protocol.FindCloudletResult
}

// blockingResolver hands every call to the test, which answers it.
type blockingResolver struct {
	calls chan *pendingCall
	count atomic.Int32
}

func newBlockingResolver() *blockingResolver {
	return &blockingResolver{calls: make(chan *pendingCall, 16)}
}

func (r *blockingResolver) FindCloudlet(ctx context.Context, criteria protocol.FindCloudletCriteria) (*protocol.FindCloudletResult, error) {
	r.count.Add(1)
	call := &pendingCall{criteria: criteria, reply: make(chan *protocol.FindCloudletResult, 1)}
	r.calls <- call
	select {
	case res := <-call.reply:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *blockingResolver) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("resolver not called")
		return nil
	}
}

// fixedResolver answers every call with the same cloudlet.
type fixedResolver struct {
	result *protocol.FindCloudletResult
	count  atomic.Int32
	last   atomic.Pointer[protocol.FindCloudletCriteria]
}

func (r *fixedResolver) FindCloudlet(ctx context.Context, criteria protocol.FindCloudletCriteria) (*protocol.FindCloudletResult, error) {
	r.count.Add(1)
	r.last.Store(&criteria)
	return r.result, nil
}

type fixedSampler struct {
	values []float64
	runs   atomic.Int32
}

func (s *fixedSampler) Run(ctx context.Context, testType latency_probing.TestType, target latency_probing.Target) (*latency_probing.Sample, error) {
	s.runs.Add(1)
	return latency_probing.NewSample(s.values), nil
}

type memoryStore struct {
	mu     sync.Mutex
	states []*storage.SessionState
}

func (m *memoryStore) SaveSessionState(state *storage.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, state)
	return nil
}

func (m *memoryStore) saved() []*storage.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*storage.SessionState(nil), m.states...)
}

func cloudlet(fqdn string) *protocol.FindCloudletResult {
	return &protocol.FindCloudletResult{
		Reply: &protocol.FindCloudletReply{
			Status:           protocol.FindFound,
			Fqdn:             fqdn,
			EdgeEventsCookie: "ee-" + fqdn,
			Ports:            []*protocol.AppPort{{Proto: protocol.LProtoTCP, InternalPort: 8008, PublicPort: 18008}},
		},
		ResolvedAt: time.Now(),
	}
}

// waitFor skips notifications until one of kind arrives.
func waitFor(t *testing.T, sub *event_bus.Subscription, kind event_bus.Kind) event_bus.Notification {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case n := <-sub.C():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			t.Fatalf("no %s notification", kind)
			return event_bus.Notification{}
		}
	}
}

// assertNoneOf fails if a notification of kind arrives within wait.
func assertNoneOf(t *testing.T, sub *event_bus.Subscription, kind event_bus.Kind, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case n := <-sub.C():
			if n.Kind == kind {
				t.Fatalf("unexpected %s notification: %s", kind, n)
			}
		case <-deadline:
			return
		}
	}
}
