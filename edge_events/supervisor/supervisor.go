// Package supervisor owns the single edge events connection of a client. It
// turns server events into FindCloudlet re-selections, migrates the stream to
// the cloudlet they pick, and keeps the stream alive across transport
// failures.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/connection"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/edge_errors"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_bus"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/event_channel"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/events_config"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/protocol"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/scheduler"
	"github.com/mobiledgex/edge-cloud-sdk-android/edge_events/trigger"
	"github.com/mobiledgex/edge-cloud-sdk-android/latency_probing"
	"github.com/mobiledgex/edge-cloud-sdk-android/location"
	"github.com/mobiledgex/edge-cloud-sdk-android/metrics"
	"github.com/mobiledgex/edge-cloud-sdk-android/storage"
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultResolutionTimeout    = 15 * time.Second
	maxReconnectInterval        = 30 * time.Second
	eventQueueSize              = 64
)

// Resolver runs a full FindCloudlet.
type Resolver interface {
	FindCloudlet(ctx context.Context, criteria protocol.FindCloudletCriteria) (*protocol.FindCloudletResult, error)
}

// Registration hands out the session cookie of a prior RegisterClient.
type Registration interface {
	SessionCookie() string
}

// StateStore persists where the client is after each migration.
type StateStore interface {
	SaveSessionState(state *storage.SessionState) error
}

type Options struct {
	Dialer         event_channel.Dialer
	Target         string
	Resolver       Resolver
	Registration   Registration
	LocationSource location.Source
	Sampler        latency_probing.Sampler
	// Pool runs re-selections; without one each runs on its own goroutine.
	Pool    *ants.Pool
	Bus     *event_bus.Bus
	Metrics *metrics.Metrics
	Store   StateStore

	DeviceInfo        *protocol.DeviceInfoStatic
	DeviceInfoDynamic *protocol.DeviceInfoDynamic
	CarrierName       string

	AutoMigrate bool
	// Disabled starts the supervisor with edge events switched off.
	Disabled             bool
	AutoReconnect        bool
	MaxReconnectAttempts int

	OpenTimeout       time.Duration
	ShutdownTimeout   time.Duration
	ResolutionTimeout time.Duration
}

// run is one Start..Stop span.
type run struct {
	events   chan *protocol.ServerEdgeEvent
	stop     chan struct{}
	loopDone chan struct{}
}

type Supervisor struct {
	opts  Options
	sched *scheduler.Scheduler
	conn  *connection.Connection
	bus   *event_bus.Bus

	autoMigrate atomic.Bool
	enabled     atomic.Bool

	// lifecycle serialises start, stop, migration and reconnect
	lifecycle sync.Mutex
	current   atomic.Pointer[run]
	config    atomic.Pointer[events_config.EdgeEventsConfig]

	// generation of the most recently started re-selection; older ones are
	// discarded when they complete
	generation atomic.Uint64

	reconnecting atomic.Bool
	wg           sync.WaitGroup
}

func New(opts Options) *Supervisor {
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = connection.DefaultOpenTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = connection.DefaultShutdownTimeout
	}
	if opts.ResolutionTimeout <= 0 {
		opts.ResolutionTimeout = DefaultResolutionTimeout
	}
	if opts.Bus == nil {
		opts.Bus = event_bus.New(opts.Metrics)
	}

	s := &Supervisor{
		opts:  opts,
		sched: scheduler.New(),
		bus:   opts.Bus,
	}
	s.autoMigrate.Store(opts.AutoMigrate)
	s.enabled.Store(!opts.Disabled)
	s.conn = connection.New(connection.Options{
		Dialer:            opts.Dialer,
		Target:            opts.Target,
		Scheduler:         s.sched,
		DeviceInfo:        opts.DeviceInfo,
		DeviceInfoDynamic: opts.DeviceInfoDynamic,
		Metrics:           opts.Metrics,
		OnEvent:           s.onServerEvent,
		OnFailure:         s.onConnectionFailure,
	})
	return s
}

func (s *Supervisor) GetEdgeEventsBus() *event_bus.Bus { return s.bus }

func (s *Supervisor) Connection() *connection.Connection { return s.conn }

func (s *Supervisor) Status() connection.Status { return s.conn.Status() }

func (s *Supervisor) CurrentCloudlet() *protocol.FindCloudletResult { return s.conn.Cloudlet() }

func (s *Supervisor) Config() *events_config.EdgeEventsConfig { return s.config.Load() }

// SetCurrentCloudlet records the result of the application's own
// FindCloudlet. StartEdgeEvents needs one to bind the stream to.
func (s *Supervisor) SetCurrentCloudlet(result *protocol.FindCloudletResult) {
	s.conn.SetCloudlet(result)
}

func (s *Supervisor) SetAutoMigrateEdgeEventsConnection(auto bool) {
	s.autoMigrate.Store(auto)
	log.Infof("[Supervisor] auto migrate set, autoMigrate:%v", auto)
}

// SetEnableEdgeEvents switches edge events on or off. Switching off stops a
// running stream.
func (s *Supervisor) SetEnableEdgeEvents(enable bool) {
	s.enabled.Store(enable)
	log.Infof("[Supervisor] edge events enabled set, enabled:%v", enable)
	if !enable && s.current.Load() != nil {
		if _, err := s.StopEdgeEvents(s.opts.ShutdownTimeout); err != nil {
			log.Warningf("[Supervisor] stop on disable not clean, err:%v", err)
		}
	}
}

// StartEdgeEvents validates cfg, opens the stream and starts the location
// and latency interval tasks. Setup errors come back before anything is
// dialed.
func (s *Supervisor) StartEdgeEvents(ctx context.Context, cfg *events_config.EdgeEventsConfig) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx, cfg)
}

func (s *Supervisor) startLocked(ctx context.Context, cfg *events_config.EdgeEventsConfig) error {
	const op = "StartEdgeEvents"
	if !s.enabled.Load() {
		return edge_errors.New(op, edge_errors.CodeEdgeEventsDisabled, nil)
	}
	if cfg == nil {
		return edge_errors.New(op, edge_errors.CodeMissingEdgeEventsConfig, nil)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.opts.Registration == nil {
		return edge_errors.New(op, edge_errors.CodeUninitializedConnection, errors.New("no registration"))
	}
	if s.current.Load() != nil {
		return edge_errors.New(op, edge_errors.CodeInvalidEdgeEventsSetup, errors.New("edge events already started"))
	}
	cfg = cfg.Clone()

	if err := s.conn.Open(ctx, cfg, s.opts.Registration.SessionCookie(), s.opts.OpenTimeout); err != nil {
		return err
	}
	s.config.Store(cfg)

	r := &run{
		events:   make(chan *protocol.ServerEdgeEvent, eventQueueSize),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	s.current.Store(r)
	go s.eventLoop(r)

	if err := s.startIntervalTasks(cfg); err != nil {
		log.Warningf("[Supervisor] interval tasks not started, err:%v", err)
	}
	log.Infof("[Supervisor] edge events started, cloudlet:%s, config:%s", s.conn.Cloudlet().Fqdn(), cfg)
	return nil
}

func (s *Supervisor) startIntervalTasks(cfg *events_config.EdgeEventsConfig) error {
	var errs []error
	if cfg.LocationUpdateConfig != nil && cfg.LocationUpdateConfig.Pattern != events_config.OnTrigger && s.opts.LocationSource != nil {
		if _, err := s.conn.AddEdgeEventsIntervalTask("location_update", cfg.LocationUpdateConfig, s.postCurrentLocation); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.LatencyUpdateConfig != nil && cfg.LatencyUpdateConfig.Pattern != events_config.OnTrigger && s.opts.Sampler != nil {
		if _, err := s.conn.AddEdgeEventsIntervalTask("latency_update", cfg.LatencyUpdateConfig, s.postCurrentLatency); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Supervisor) postCurrentLocation(ctx context.Context) {
	loc, err := s.opts.LocationSource.GetLastLocation(ctx)
	if err != nil {
		log.Debugf("[Supervisor] no location to post, err:%v", err)
		return
	}
	if _, err := s.conn.PostLocationUpdate(ctx, loc); err != nil {
		log.Warningf("[Supervisor] location update failed, err:%v", err)
	}
}

func (s *Supervisor) postCurrentLatency(ctx context.Context) {
	if _, err := s.conn.MeasureAndPostLatency(ctx, s.opts.Sampler); err != nil {
		log.Warningf("[Supervisor] latency update failed, err:%v", err)
	}
}

// StopEdgeEvents stops the interval tasks and the stream. In-flight
// re-selections keep running but their results are dropped. A second call
// returns Closed and nil.
func (s *Supervisor) StopEdgeEvents(shutdownTimeout time.Duration) (connection.Status, error) {
	s.lifecycle.Lock()
	r, status, err := s.stopLocked(shutdownTimeout)
	s.lifecycle.Unlock()
	// the event loop may be waiting on a re-selection that needs lifecycle
	s.waitLoop(r)
	return status, err
}

// stopLocked ends the current run and returns it so the caller can wait for
// its event loop once lifecycle is released.
func (s *Supervisor) stopLocked(shutdownTimeout time.Duration) (*run, connection.Status, error) {
	if shutdownTimeout <= 0 {
		shutdownTimeout = s.opts.ShutdownTimeout
	}
	r := s.current.Swap(nil)
	s.generation.Add(1)
	if r != nil {
		close(r.stop)
	}
	status, err := s.conn.StopEdgeEvents(shutdownTimeout)
	if r != nil {
		log.Infof("[Supervisor] edge events stopped, status:%s", status)
	}
	return r, status, err
}

func (s *Supervisor) waitLoop(r *run) {
	if r != nil {
		<-r.loopDone
	}
}

// RestartEdgeEvents stops and starts again. A nil cfg reuses the last one.
func (s *Supervisor) RestartEdgeEvents(ctx context.Context, cfg *events_config.EdgeEventsConfig) error {
	s.lifecycle.Lock()
	if cfg == nil {
		cfg = s.config.Load()
	}
	r, _, err := s.stopLocked(s.opts.ShutdownTimeout)
	if err != nil {
		log.Warningf("[Supervisor] restart: previous stream not closed cleanly, err:%v", err)
	}
	s.lifecycle.Unlock()
	s.waitLoop(r)

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx, cfg)
}

func (s *Supervisor) PostLocationUpdate(ctx context.Context, loc *protocol.Loc) (connection.PostResult, error) {
	return s.conn.PostLocationUpdate(ctx, loc)
}

func (s *Supervisor) PostLatencyUpdate(ctx context.Context, sample *latency_probing.Sample) (connection.PostResult, error) {
	return s.conn.PostLatencyUpdate(ctx, sample)
}

// Close stops edge events, waits for background work and releases the
// scheduler. The supervisor cannot be started again.
func (s *Supervisor) Close() error {
	_, err := s.StopEdgeEvents(s.opts.ShutdownTimeout)
	s.wg.Wait()
	s.sched.Stop()
	return err
}

func (s *Supervisor) publish(n event_bus.Notification) {
	s.bus.Publish(context.Background(), n)
}

// onServerEvent runs on the connection's receive goroutine and only queues.
func (s *Supervisor) onServerEvent(ev *protocol.ServerEdgeEvent) {
	r := s.current.Load()
	if r == nil {
		return
	}
	select {
	case r.events <- ev:
	case <-r.stop:
	}
}

func (s *Supervisor) eventLoop(r *run) {
	defer close(r.loopDone)
	for {
		select {
		case ev := <-r.events:
			s.handleServerEvent(r, ev)
		case <-r.stop:
			return
		}
	}
}

func (s *Supervisor) handleServerEvent(r *run, ev *protocol.ServerEdgeEvent) {
	inbound, ok := protocol.ToInboundEvent(ev)
	s.publish(event_bus.Notification{Kind: event_bus.KindServerEvent, Raw: ev, Event: inbound})
	if ev.EventType == protocol.ServerEventError {
		s.publish(event_bus.Notification{Kind: event_bus.KindError, Raw: ev, Err: fmt.Errorf("server error: %s", ev.ErrorMsg)})
		return
	}
	if !ok {
		return
	}

	cfg := s.config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	var sample *latency_probing.Sample
	if _, isLatency := inbound.(protocol.LatencyRequested); isLatency {
		sample = s.answerLatencyRequest(ctx)
	}
	loc := s.lastLocation(ctx)

	decision, trig, err := trigger.Evaluate(trigger.Input{
		Event:           inbound,
		CurrentLatency:  sample,
		CurrentLocation: loc,
		Config:          cfg,
		Baseline:        s.conn.Cloudlet(),
	})
	s.opts.Metrics.IncDecision(decision.String(), trig.String())
	if err != nil {
		log.Warningf("[Supervisor] event not evaluated, event:%s, err:%v", inbound.Name(), err)
		s.publish(event_bus.Notification{Kind: event_bus.KindError, Raw: ev, Event: inbound, Trigger: trig, Err: err})
		return
	}
	log.Debugf("[Supervisor] event evaluated, event:%s, trigger:%s, decision:%s", inbound.Name(), trig, decision)

	if decision == trigger.SwitchNow {
		s.startResolution(r, inbound, trig, loc)
	}
}

// answerLatencyRequest measures the current cloudlet and posts the samples
// back, whether or not latency is a trigger.
func (s *Supervisor) answerLatencyRequest(ctx context.Context) *latency_probing.Sample {
	if s.opts.Sampler == nil {
		log.Warningf("[Supervisor] latency requested but no sampler configured")
		return nil
	}
	sample, err := s.conn.MeasureAndPostLatency(ctx, s.opts.Sampler)
	if err != nil {
		log.Warningf("[Supervisor] latency request not answered, err:%v", err)
		s.publish(event_bus.Notification{Kind: event_bus.KindError, Err: err})
	}
	return sample
}

func (s *Supervisor) lastLocation(ctx context.Context) *protocol.Loc {
	if s.opts.LocationSource != nil {
		if loc, err := s.opts.LocationSource.GetLastLocation(ctx); err == nil {
			return loc
		}
	}
	return s.conn.LastLocation()
}

// startResolution launches a re-selection tagged with a new generation.
// Anything older still in flight is superseded. Submit may block on a full
// pool, so callers must not hold lifecycle.
func (s *Supervisor) startResolution(r *run, ev protocol.InboundEvent, trig events_config.Trigger, loc *protocol.Loc) {
	select {
	case <-r.stop:
		return
	default:
	}
	gen := s.generation.Add(1)
	log.Infof("[Supervisor] re-selection started, generation:%d, trigger:%s", gen, trig)

	job := func() {
		defer s.wg.Done()
		result, err := s.resolve(ev, trig, loc)
		s.complete(r, gen, trig, result, err)
	}
	s.wg.Add(1)
	if s.opts.Pool == nil {
		go job()
		return
	}
	if err := s.opts.Pool.Submit(job); err != nil {
		log.Warningf("[Supervisor] pool submit failed, running unpooled, generation:%d, err:%v", gen, err)
		go job()
	}
}

func (s *Supervisor) resolve(ev protocol.InboundEvent, trig events_config.Trigger, loc *protocol.Loc) (*protocol.FindCloudletResult, error) {
	mode := protocol.ModeProximity
	if cfg := s.config.Load(); cfg != nil && trig == events_config.TriggerLatencyTooHigh {
		mode = cfg.LatencyTriggerTestMode
	}

	// the server already chose the cloudlet
	if closer, ok := ev.(protocol.CloserCloudletAvailable); ok && closer.NewCloudlet != nil {
		return &protocol.FindCloudletResult{Reply: closer.NewCloudlet, Mode: mode, ResolvedAt: time.Now()}, nil
	}

	if s.opts.Resolver == nil {
		return nil, edge_errors.New("FindCloudlet", edge_errors.CodeUninitializedConnection, errors.New("no resolver"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ResolutionTimeout)
	defer cancel()
	return s.opts.Resolver.FindCloudlet(ctx, protocol.FindCloudletCriteria{
		SessionCookie: s.opts.Registration.SessionCookie(),
		CarrierName:   s.opts.CarrierName,
		Location:      loc,
		Mode:          mode,
	})
}

func (s *Supervisor) complete(r *run, gen uint64, trig events_config.Trigger, result *protocol.FindCloudletResult, err error) {
	const op = "FindCloudlet"
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if latest := s.generation.Load(); gen != latest {
		s.opts.Metrics.IncResolution("superseded")
		log.Infof("[Supervisor] re-selection superseded, discarded, generation:%d, latest:%d", gen, latest)
		return
	}
	if s.current.Load() != r || s.conn.Status() != connection.StatusOpen {
		s.opts.Metrics.IncResolution("discarded")
		log.Infof("[Supervisor] re-selection finished after close, discarded, generation:%d, status:%s", gen, s.conn.Status())
		return
	}
	if err == nil && (result == nil || result.Reply == nil || result.Reply.Status == protocol.FindNotFound) {
		err = fmt.Errorf("%s: no cloudlet found", op)
	}
	if err != nil {
		s.opts.Metrics.IncResolution("error")
		log.Warningf("[Supervisor] re-selection failed, trigger:%s, err:%v", trig, err)
		s.publish(event_bus.Notification{Kind: event_bus.KindError, Trigger: trig, Err: err})
		return
	}

	current := s.conn.Cloudlet()
	if result.SameCloudlet(current) {
		s.opts.Metrics.IncResolution("current_is_best")
		log.Infof("[Supervisor] current cloudlet is still best, cloudlet:%s, trigger:%s", current.Fqdn(), trig)
		s.publish(event_bus.Notification{
			Kind:     event_bus.KindCurrentCloudletIsBest,
			Trigger:  trig,
			Cloudlet: current,
			Err:      edge_errors.New(op, edge_errors.CodeEventTriggeredButCurrentCloudletIsBest, nil),
		})
		return
	}

	if !s.autoMigrate.Load() {
		s.opts.Metrics.IncResolution("new_cloudlet")
		log.Infof("[Supervisor] new cloudlet available, auto migrate off, cloudlet:%s", result.Fqdn())
		s.publish(event_bus.Notification{Kind: event_bus.KindNewCloudletAvailable, Trigger: trig, Cloudlet: result})
		return
	}

	s.opts.Metrics.IncResolution("migrate")
	s.migrateLocked(trig, current, result)
}

func (s *Supervisor) migrateLocked(trig events_config.Trigger, from, to *protocol.FindCloudletResult) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpenTimeout+s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.conn.ReconnectTo(ctx, to.Reply.DmeAddress, to); err != nil {
		log.Errorf("[Supervisor] migration failed, from:%s, to:%s, err:%v", from.Fqdn(), to.Fqdn(), err)
		s.publish(event_bus.Notification{Kind: event_bus.KindConnectionFailed, Trigger: trig, Cloudlet: to, Err: err})
		s.startReconnect(err)
		return
	}

	s.opts.Metrics.IncSwitch()
	s.saveState(to)
	log.Infof("[Supervisor] switched to next cloudlet, from:%s, to:%s, trigger:%s", from.Fqdn(), to.Fqdn(), trig)
	s.publish(event_bus.Notification{Kind: event_bus.KindSwitchedToNextCloudlet, Trigger: trig, Cloudlet: to})
}

func (s *Supervisor) saveState(result *protocol.FindCloudletResult) {
	if s.opts.Store == nil {
		return
	}
	state := &storage.SessionState{
		SessionCookie: s.opts.Registration.SessionCookie(),
		Cloudlet:      result.Reply,
		Mode:          result.Mode,
		LastLocation:  s.conn.LastLocation(),
	}
	if err := s.opts.Store.SaveSessionState(state); err != nil {
		log.Warningf("[Supervisor] session state not saved, err:%v", err)
	}
}

func (s *Supervisor) onConnectionFailure(err error) {
	s.publish(event_bus.Notification{Kind: event_bus.KindConnectionFailed, Err: err})
	s.startReconnect(err)
}

// startReconnect begins the backoff loop unless one is running or auto
// reconnect is off.
func (s *Supervisor) startReconnect(cause error) {
	r := s.current.Load()
	if !s.opts.AutoReconnect || r == nil {
		return
	}
	if !s.reconnecting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.reconnecting.Store(false)
		s.reconnectLoop(r, cause)
	}()
}

func (s *Supervisor) reconnectLoop(r *run, cause error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if cfg := s.config.Load(); cfg != nil && cfg.ReconnectDelay > 0 {
		b.InitialInterval = cfg.ReconnectDelay
	}
	b.MaxInterval = maxReconnectInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.Reset()

	lastErr := cause
	for attempt := 1; attempt <= s.opts.MaxReconnectAttempts; attempt++ {
		timer := time.NewTimer(b.NextBackOff())
		select {
		case <-timer.C:
		case <-r.stop:
			timer.Stop()
			return
		}

		err := s.reconnectOnce(r)
		if err == nil {
			s.opts.Metrics.IncReconnect("success")
			log.Infof("[Supervisor] reconnected, attempt:%d", attempt)
			s.publish(event_bus.Notification{Kind: event_bus.KindReconnected, Cloudlet: s.conn.Cloudlet()})
			return
		}
		if errors.Is(err, errRunEnded) {
			return
		}
		lastErr = err
		s.opts.Metrics.IncReconnect("failure")
		log.Warningf("[Supervisor] reconnect failed, attempt:%d/%d, err:%v", attempt, s.opts.MaxReconnectAttempts, err)
	}

	s.opts.Metrics.IncReconnect("exhausted")
	log.Errorf("[Supervisor] reconnect attempts exhausted, attempts:%d, err:%v", s.opts.MaxReconnectAttempts, lastErr)
	s.publish(event_bus.Notification{
		Kind: event_bus.KindReconnectExhausted,
		Err:  fmt.Errorf("gave up after %d attempts: %w", s.opts.MaxReconnectAttempts, lastErr),
	})
}

var errRunEnded = errors.New("edge events stopped")

func (s *Supervisor) reconnectOnce(r *run) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.current.Load() != r {
		return errRunEnded
	}
	if s.conn.Status() == connection.StatusOpen {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.OpenTimeout+s.opts.ShutdownTimeout)
	defer cancel()
	return s.conn.Reconnect(ctx)
}
