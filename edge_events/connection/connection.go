package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_channel"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/scheduler"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
	"github.com/mobiledgex/edge-cloud-sdk-android/metrics"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultOpenTimeout     = 10 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	defaultSendQueueSize   = 64
	cleanupGrace           = time.Second
)

var connectionCounter atomic.Uint64

// EventHandler receives server events in arrival order on the receive
// goroutine. It should hand long work off.
type EventHandler func(ev *protocol.ServerEdgeEvent)

// FailureHandler is told when an Open connection fails on its own.
type FailureHandler func(err error)

type Options struct {
	Dialer            event_channel.Dialer
	Target            string
	Scheduler         *scheduler.Scheduler
	DeviceInfo        *protocol.DeviceInfoStatic
	DeviceInfoDynamic *protocol.DeviceInfoDynamic
	Metrics           *metrics.Metrics
	OnEvent           EventHandler
	OnFailure         FailureHandler
	SendQueueSize     int
}

// Connection is one edge events stream to a DME together with the interval
// tasks bound to it. Status reads are lock free.
type Connection struct {
	id    string
	opts  Options
	sched *scheduler.Scheduler

	status atomic.Int32

	// lifecycle serialises Open, StopEdgeEvents and Reconnect
	lifecycle sync.Mutex
	// Send holds sendMu shared while enqueueing; leaving Open takes it
	// exclusively so nothing is enqueued behind the terminate message
	sendMu sync.RWMutex

	stateMu       sync.RWMutex
	target        string
	config        *events_config.EdgeEventsConfig
	sessionCookie string
	cloudlet      *protocol.FindCloudletResult
	openTimeout   time.Duration
	sess          *session

	postMu       sync.Mutex
	lastLocation *protocol.Loc
	lastLatency  *latency_probing.Sample

	tasksMu sync.Mutex
	tasks   map[scheduler.TaskID]string
}

type session struct {
	ch       event_channel.EventChannel
	outbound chan *protocol.ClientEdgeEvent

	// stopping releases blocked Send callers
	stopping chan struct{}
	stopOnce sync.Once
	// abort makes the sender quit without flushing
	abort     chan struct{}
	abortOnce sync.Once

	initAck chan struct{}
	ackOnce sync.Once
	errCh   chan error

	senderDone   chan struct{}
	receiverDone chan struct{}
}

func newSession(ch event_channel.EventChannel, queueSize int) *session {
	return &session{
		ch:           ch,
		outbound:     make(chan *protocol.ClientEdgeEvent, queueSize),
		stopping:     make(chan struct{}),
		abort:        make(chan struct{}),
		initAck:      make(chan struct{}),
		errCh:        make(chan error, 2),
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
	}
}

func (s *session) closeStopping() { s.stopOnce.Do(func() { close(s.stopping) }) }
func (s *session) closeAbort()    { s.abortOnce.Do(func() { close(s.abort) }) }

func (s *session) reportErr(err error) {
	select {
	case s.errCh <- err:
	default:
	}
}

func New(opts Options) *Connection {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	sched := opts.Scheduler
	if sched == nil {
		sched = scheduler.New()
	}
	c := &Connection{
		id:     fmt.Sprintf("edge-events-%d", connectionCounter.Add(1)),
		opts:   opts,
		sched:  sched,
		target: opts.Target,
		tasks:  make(map[scheduler.TaskID]string),
	}
	c.status.Store(int32(StatusClosed))
	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) Status() Status {
	return Status(c.status.Load())
}

func (c *Connection) setStatus(s Status) {
	c.status.Store(int32(s))
	c.opts.Metrics.SetStatus(s.String(), AllStatuses())
}

func (c *Connection) Target() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.target
}

func (c *Connection) Config() *events_config.EdgeEventsConfig {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.config
}

func (c *Connection) Cloudlet() *protocol.FindCloudletResult {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.cloudlet
}

// SetCloudlet records the cloudlet the next Open binds to. The running
// stream keeps the edge events cookie it was opened with.
func (c *Connection) SetCloudlet(result *protocol.FindCloudletResult) {
	c.stateMu.Lock()
	c.cloudlet = result
	c.stateMu.Unlock()
}

func (c *Connection) currentSession() *session {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.sess
}

// Open establishes the stream and waits for the server to acknowledge the
// init message. Setup errors are returned before anything is dialed.
func (c *Connection) Open(ctx context.Context, cfg *events_config.EdgeEventsConfig, sessionCookie string, openTimeout time.Duration) error {
	if c == nil {
		return edge_errors.New("Open", edge_errors.CodeUninitializedConnection, nil)
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.openLocked(ctx, cfg, sessionCookie, openTimeout)
}

func (c *Connection) openLocked(ctx context.Context, cfg *events_config.EdgeEventsConfig, sessionCookie string, openTimeout time.Duration) error {
	const op = "Open"
	target := c.Target()
	if c.opts.Dialer == nil || target == "" {
		return edge_errors.New(op, edge_errors.CodeUninitializedConnection, errors.New("no dialer or target"))
	}
	if cfg == nil {
		return edge_errors.New(op, edge_errors.CodeMissingEdgeEventsConfig, nil)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if sessionCookie == "" {
		return edge_errors.New(op, edge_errors.CodeMissingSessionCookie, nil)
	}
	cloudlet := c.Cloudlet()
	if cloudlet.EdgeEventsCookie() == "" {
		return edge_errors.New(op, edge_errors.CodeMissingEdgeEventsCookie, nil)
	}
	// a Failed stream still holds its session; Reconnect or StopEdgeEvents
	// tears it down first
	if st := c.Status(); st != StatusClosed {
		return edge_errors.New(op, edge_errors.CodeInvalidEdgeEventsSetup, fmt.Errorf("connection is %s", st))
	}
	if openTimeout <= 0 {
		openTimeout = DefaultOpenTimeout
	}

	cfg = cfg.Clone()
	c.stateMu.Lock()
	c.config = cfg
	c.sessionCookie = sessionCookie
	c.openTimeout = openTimeout
	c.stateMu.Unlock()

	c.setStatus(StatusConnecting)
	log.Infof("[EdgeEventsConnection] connecting, id:%s, target:%s, cloudlet:%s", c.id, target, cloudlet.Fqdn())

	dialCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	ch, err := c.opts.Dialer.Dial(dialCtx, target)
	if err != nil {
		c.setStatus(StatusClosed)
		if dialCtx.Err() != nil {
			return edge_errors.New(op, edge_errors.CodeTimeout, err)
		}
		return edge_errors.New(op, edge_errors.CodeTransportFailure, err)
	}

	sess := newSession(ch, c.opts.SendQueueSize)
	c.stateMu.Lock()
	c.sess = sess
	c.stateMu.Unlock()
	c.postMu.Lock()
	c.lastLocation = nil
	c.postMu.Unlock()

	go c.sendLoop(sess)
	go c.recvLoop(sess)
	// queue is empty, so this never blocks
	sess.outbound <- c.initMessage(sessionCookie, cloudlet)

	select {
	case <-sess.initAck:
	case err := <-sess.errCh:
		c.teardown(sess)
		c.setStatus(StatusClosed)
		return edge_errors.New(op, edge_errors.CodeTransportFailure, err)
	case <-dialCtx.Done():
		c.teardown(sess)
		c.setStatus(StatusClosed)
		return edge_errors.New(op, edge_errors.CodeTimeout, dialCtx.Err())
	}

	c.sendMu.Lock()
	c.setStatus(StatusOpen)
	c.sendMu.Unlock()
	log.Infof("[EdgeEventsConnection] open, id:%s, target:%s", c.id, target)
	return nil
}

func (c *Connection) initMessage(sessionCookie string, cloudlet *protocol.FindCloudletResult) *protocol.ClientEdgeEvent {
	return &protocol.ClientEdgeEvent{
		EventType:         protocol.ClientEventInitConnection,
		SessionCookie:     sessionCookie,
		EdgeEventsCookie:  cloudlet.EdgeEventsCookie(),
		DeviceInfoStatic:  c.opts.DeviceInfo,
		DeviceInfoDynamic: c.opts.DeviceInfoDynamic,
	}
}

func (c *Connection) sendLoop(sess *session) {
	defer close(sess.senderDone)
	for {
		select {
		case ev, ok := <-sess.outbound:
			if !ok {
				c.sendTerminate(sess)
				return
			}
			if err := sess.ch.Send(context.Background(), ev); err != nil {
				sess.reportErr(err)
				c.fail(sess, fmt.Errorf("send %s: %w", ev.EventType, err))
				return
			}
		case <-sess.abort:
			return
		}
	}
}

func (c *Connection) sendTerminate(sess *session) {
	terminate := &protocol.ClientEdgeEvent{EventType: protocol.ClientEventTerminateConnection}
	if err := sess.ch.Send(context.Background(), terminate); err != nil {
		log.Warningf("[EdgeEventsConnection] terminate not sent, id:%s, err:%v", c.id, err)
		return
	}
	if err := sess.ch.CloseSend(); err != nil {
		log.Debugf("[EdgeEventsConnection] close send failed, id:%s, err:%v", c.id, err)
	}
}

func (c *Connection) recvLoop(sess *session) {
	defer close(sess.receiverDone)
	for {
		ev, err := sess.ch.Recv()
		if err != nil {
			sess.reportErr(err)
			c.fail(sess, fmt.Errorf("receive: %w", err))
			return
		}
		c.opts.Metrics.IncEvent(ev.EventType.String())

		if ev.EventType == protocol.ServerEventInitConnection {
			sess.ackOnce.Do(func() { close(sess.initAck) })
			continue
		}
		if c.Status() != StatusOpen || c.currentSession() != sess {
			log.Debugf("[EdgeEventsConnection] event after close dropped, id:%s, type:%s", c.id, ev.EventType)
			continue
		}
		if c.opts.OnEvent != nil {
			c.opts.OnEvent(ev)
		}
	}
}

// fail moves an Open connection to Failed. Failures while connecting or
// shutting down are handled by the caller driving that transition.
func (c *Connection) fail(sess *session, err error) {
	if c.currentSession() != sess {
		return
	}
	if !c.status.CompareAndSwap(int32(StatusOpen), int32(StatusFailed)) {
		return
	}
	c.opts.Metrics.SetStatus(StatusFailed.String(), AllStatuses())
	sess.closeStopping()
	sess.closeAbort()
	sess.ch.Close()

	log.Errorf("[EdgeEventsConnection] stream failed, id:%s, target:%s, err:%v", c.id, c.Target(), err)
	if c.opts.OnFailure != nil {
		go c.opts.OnFailure(edge_errors.New("EdgeEventsConnection", edge_errors.CodeTransportFailure, err))
	}
}

func (c *Connection) teardown(sess *session) {
	sess.closeStopping()
	sess.closeAbort()
	sess.ch.Close()
	waitDone(sess.senderDone, cleanupGrace)
	waitDone(sess.receiverDone, cleanupGrace)
	c.stateMu.Lock()
	if c.sess == sess {
		c.sess = nil
	}
	c.stateMu.Unlock()
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Send enqueues ev behind every message enqueued before it. It blocks only
// while the outbound queue is full.
func (c *Connection) Send(ctx context.Context, ev *protocol.ClientEdgeEvent) error {
	const op = "Send"
	if ev == nil {
		return fmt.Errorf("%s: nil event", op)
	}
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	sess := c.currentSession()
	if c.Status() != StatusOpen || sess == nil {
		return edge_errors.New(op, edge_errors.CodeConnectionAlreadyClosed, nil)
	}
	select {
	case sess.outbound <- ev:
		return nil
	case <-sess.stopping:
		return edge_errors.New(op, edge_errors.CodeConnectionAlreadyClosed, nil)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PostLocationUpdate sends loc unless it is the position last posted on this
// stream, in which case nothing is sent and Unchanged is returned.
func (c *Connection) PostLocationUpdate(ctx context.Context, loc *protocol.Loc) (PostResult, error) {
	const op = "PostLocationUpdate"
	if loc == nil {
		return Posted, edge_errors.New(op, edge_errors.CodeUnableToGetLastLocation, nil)
	}

	c.postMu.Lock()
	defer c.postMu.Unlock()
	if c.Status() != StatusOpen {
		return Posted, edge_errors.New(op, edge_errors.CodeConnectionAlreadyClosed, nil)
	}
	if c.lastLocation.SamePosition(loc) {
		c.opts.Metrics.IncPost("location", "unchanged")
		log.Debugf("[EdgeEventsConnection] location unchanged, not posted, id:%s", c.id)
		return Unchanged, nil
	}

	cp := *loc
	if err := c.Send(ctx, &protocol.ClientEdgeEvent{
		EventType:   protocol.ClientEventLocationUpdate,
		GpsLocation: &cp,
	}); err != nil {
		return Posted, err
	}
	c.lastLocation = &cp
	c.opts.Metrics.IncPost("location", "sent")
	return Posted, nil
}

// PostLatencyUpdate sends sample, tagged with the last posted location. The
// current cloudlet must expose a port latency can be tested on.
func (c *Connection) PostLatencyUpdate(ctx context.Context, sample *latency_probing.Sample) (PostResult, error) {
	const op = "PostLatencyUpdate"
	c.postMu.Lock()
	defer c.postMu.Unlock()
	if c.Status() != StatusOpen {
		return Posted, edge_errors.New(op, edge_errors.CodeConnectionAlreadyClosed, nil)
	}
	if _, err := c.LatencyTarget(); err != nil {
		return Posted, err
	}
	if sample.Empty() {
		return Posted, fmt.Errorf("%s: empty latency sample", op)
	}
	if err := c.Send(ctx, &protocol.ClientEdgeEvent{
		EventType:   protocol.ClientEventLatencySamples,
		GpsLocation: c.lastLocation,
		Samples:     sample.Wire(),
	}); err != nil {
		return Posted, err
	}
	c.lastLatency = sample
	c.opts.Metrics.IncPost("latency", "sent")
	return Posted, nil
}

// MeasureLatency runs the configured latency test against the current
// cloudlet without posting it.
func (c *Connection) MeasureLatency(ctx context.Context, sampler latency_probing.Sampler) (*latency_probing.Sample, error) {
	target, err := c.LatencyTarget()
	if err != nil {
		return nil, err
	}
	testType := latency_probing.TestConnect
	if cfg := c.Config(); cfg != nil {
		testType = cfg.LatencyTestType
	}
	return sampler.Run(ctx, testType, target)
}

// MeasureAndPostLatency measures the current cloudlet and posts the result.
func (c *Connection) MeasureAndPostLatency(ctx context.Context, sampler latency_probing.Sampler) (*latency_probing.Sample, error) {
	sample, err := c.MeasureLatency(ctx, sampler)
	if err != nil {
		return nil, err
	}
	if _, err := c.PostLatencyUpdate(ctx, sample); err != nil {
		return sample, err
	}
	return sample, nil
}

// LatencyTarget resolves the latency test target from the current cloudlet.
func (c *Connection) LatencyTarget() (latency_probing.Target, error) {
	var port int32
	if cfg := c.Config(); cfg != nil {
		port = cfg.LatencyInternalPort
	}
	cloudlet := c.Cloudlet()
	if cloudlet == nil {
		return LatencyTarget(nil, port)
	}
	return LatencyTarget(cloudlet.Reply, port)
}

func (c *Connection) LastLatency() *latency_probing.Sample {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	return c.lastLatency
}

func (c *Connection) LastLocation() *protocol.Loc {
	c.postMu.Lock()
	defer c.postMu.Unlock()
	return c.lastLocation
}

// AddEdgeEventsIntervalTask schedules callback. The task lives until removed,
// until it runs out of updates, or until StopEdgeEvents. It survives
// Reconnect.
func (c *Connection) AddEdgeEventsIntervalTask(name string, cfg *events_config.UpdateConfig, callback scheduler.Callback) (scheduler.TaskID, error) {
	// held across Add so a task that ends at once is recorded before it is
	// forgotten
	c.tasksMu.Lock()
	defer c.tasksMu.Unlock()
	id, err := c.sched.AddWithDone(name, cfg, callback, c.forgetTask)
	if err != nil {
		return 0, err
	}
	c.tasks[id] = name
	return id, nil
}

func (c *Connection) forgetTask(id scheduler.TaskID) {
	c.tasksMu.Lock()
	delete(c.tasks, id)
	c.tasksMu.Unlock()
}

// RemoveEdgeEventsIntervalTask cancels a task. Unknown ids are a no-op.
func (c *Connection) RemoveEdgeEventsIntervalTask(id scheduler.TaskID) {
	c.tasksMu.Lock()
	_, ok := c.tasks[id]
	delete(c.tasks, id)
	c.tasksMu.Unlock()
	if ok {
		c.sched.Remove(id)
	}
}

func (c *Connection) removeAllTasks() {
	c.tasksMu.Lock()
	tasks := c.tasks
	c.tasks = make(map[scheduler.TaskID]string)
	c.tasksMu.Unlock()
	for id := range tasks {
		c.sched.Remove(id)
	}
}

// StopEdgeEvents cancels the interval tasks, flushes queued sends, says
// goodbye to the server and closes the stream. It always ends Closed; a
// flush that misses shutdownTimeout is reported as FailedToClose. Calling it
// again is a no-op.
func (c *Connection) StopEdgeEvents(shutdownTimeout time.Duration) (Status, error) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.removeAllTasks()
	err := c.closeLocked(shutdownTimeout)
	if err != nil {
		log.Warningf("[EdgeEventsConnection] stop was not clean, id:%s, err:%v", c.id, err)
	}
	return c.Status(), err
}

func (c *Connection) closeLocked(shutdownTimeout time.Duration) error {
	const op = "StopEdgeEvents"
	sess := c.currentSession()
	if sess == nil {
		if c.Status() != StatusClosed {
			c.setStatus(StatusClosed)
		}
		return nil
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	sess.closeStopping()
	c.sendMu.Lock()
	graceful := c.status.CompareAndSwap(int32(StatusOpen), int32(StatusShuttingDown))
	c.sendMu.Unlock()

	var err error
	if graceful {
		c.opts.Metrics.SetStatus(StatusShuttingDown.String(), AllStatuses())
		// no Send can be enqueueing now
		close(sess.outbound)
		if !waitDone(sess.senderDone, shutdownTimeout) {
			err = edge_errors.New(op, edge_errors.CodeFailedToClose,
				fmt.Errorf("pending sends not flushed within %s", shutdownTimeout))
		} else {
			// let the server see the terminate message and end the stream
			waitDone(sess.receiverDone, cleanupGrace)
		}
	}

	sess.closeAbort()
	if cerr := sess.ch.Close(); cerr != nil && err == nil {
		err = edge_errors.New(op, edge_errors.CodeFailedToClose, cerr)
	}
	if !waitDone(sess.senderDone, cleanupGrace) || !waitDone(sess.receiverDone, cleanupGrace) {
		if err == nil {
			err = edge_errors.New(op, edge_errors.CodeUnableToCleanup, errors.New("stream goroutines still running"))
		}
	}

	c.stateMu.Lock()
	c.sess = nil
	c.stateMu.Unlock()
	c.setStatus(StatusClosed)
	log.Infof("[EdgeEventsConnection] closed, id:%s, graceful:%v", c.id, graceful)
	return err
}

// Reconnect closes the current stream, if any, and opens a new one with the
// last config and session cookie.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.reconnectLocked(ctx)
}

// ReconnectTo migrates to cloudlet, and to target when it is not empty.
func (c *Connection) ReconnectTo(ctx context.Context, target string, cloudlet *protocol.FindCloudletResult) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.stateMu.Lock()
	if target != "" {
		c.target = target
	}
	if cloudlet != nil {
		c.cloudlet = cloudlet
	}
	c.stateMu.Unlock()
	return c.reconnectLocked(ctx)
}

func (c *Connection) reconnectLocked(ctx context.Context) error {
	c.stateMu.RLock()
	cfg, cookie, openTimeout := c.config, c.sessionCookie, c.openTimeout
	c.stateMu.RUnlock()
	if cfg == nil {
		return edge_errors.New("Reconnect", edge_errors.CodeUninitializedConnection, errors.New("never opened"))
	}

	if err := c.closeLocked(DefaultShutdownTimeout); err != nil {
		log.Warningf("[EdgeEventsConnection] previous stream not closed cleanly, id:%s, err:%v", c.id, err)
	}
	log.Infof("[EdgeEventsConnection] reconnecting, id:%s, target:%s", c.id, c.Target())
	return c.openLocked(ctx, cfg, cookie, openTimeout)
}
