package voicechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"go.uber.org/zap"
)

const (
	defaultProvisionTimeout = 10 * time.Second
	defaultJoinTimeout      = 15 * time.Second
	defaultTeardownTimeout  = 3 * time.Second
	defaultQueueSize        = 64
)

type ControllerConfig struct {
	Logger      shared.LoggerAdapter
	Provisioner Provisioner
	Transport   Transport
	Sinks       SinkFactory
	// Character is the initial selection; empty means DefaultCharacter.
	Character CharacterID

	ProvisionTimeout time.Duration
	JoinTimeout      time.Duration
	TeardownTimeout  time.Duration
	QueueSize        int
}

// Controller owns the session lifecycle. All state below the loop-owned
// marker is read and written only by the goroutine running Run; observers
// read published Snapshots.
type Controller struct {
	logger      shared.LoggerAdapter
	provisioner Provisioner
	transport   Transport
	binder      *AudioBinder

	provisionTimeout time.Duration
	joinTimeout      time.Duration
	teardownTimeout  time.Duration

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	lifeMu    sync.Mutex
	started   bool

	ctx    context.Context
	cancel context.CancelFunc
	// spawn runs a suspending operation off the loop and feeds the
	// resulting continuation back in.
	spawn func(task func() Event)

	snap  atomic.Pointer[Snapshot]
	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}

	// loop-owned
	conn          ConnectionState
	agent         AgentState
	transcript    Transcript
	muted         bool
	character     CharacterID
	lastErr       error
	session       Session
	gen           uint64
	stopRequested bool
	leaving       bool
	closed        bool
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Provisioner == nil {
		return nil, shared.ErrNoProvisioner
	}
	if cfg.Transport == nil {
		return nil, shared.ErrNoTransport
	}
	binder, err := NewAudioBinder(cfg.Logger.With(zap.String("component", "audio-binder")), cfg.Sinks)
	if err != nil {
		return nil, err
	}
	character := cfg.Character
	if character == "" {
		character = DefaultCharacter
	}
	if _, ok := Lookup(character); !ok {
		return nil, fmt.Errorf("%w: %s", shared.ErrUnknownCharacter, character)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		logger:           cfg.Logger.With(zap.String("component", "controller")),
		provisioner:      cfg.Provisioner,
		transport:        cfg.Transport,
		binder:           binder,
		provisionTimeout: orDefault(cfg.ProvisionTimeout, defaultProvisionTimeout),
		joinTimeout:      orDefault(cfg.JoinTimeout, defaultJoinTimeout),
		teardownTimeout:  orDefault(cfg.TeardownTimeout, defaultTeardownTimeout),
		events:           make(chan Event, max(cfg.QueueSize, defaultQueueSize)),
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		subs:             make(map[chan Snapshot]struct{}),
		character:        character,
	}
	c.spawn = func(task func() Event) {
		go func() {
			if ev := task(); ev != nil {
				c.post(ev)
			}
		}()
	}
	c.snap.Store(&Snapshot{Character: character})
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Run is the event loop. It returns after Close, or runs the teardown and
// returns ctx's error when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.lifeMu.Lock()
	if c.started {
		c.lifeMu.Unlock()
		return shared.ErrControllerRunning
	}
	select {
	case <-c.stop:
		c.lifeMu.Unlock()
		return shared.ErrControllerClosed
	default:
	}
	c.started = true
	c.lifeMu.Unlock()
	defer close(c.done)

	c.logger.Info("controller started", zap.String("character", string(c.character)))
	for {
		select {
		case <-ctx.Done():
			// Later intents fail with ErrControllerClosed instead of queueing.
			c.closeOnce.Do(func() { close(c.stop) })
			c.shutdown()
			return ctx.Err()
		case <-c.stop:
			c.shutdown()
			return nil
		case ev := <-c.events:
			c.step(ev)
		}
	}
}

// Close runs the teardown once and waits for the loop to exit. Further
// calls are no-ops.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.stop) })
	c.lifeMu.Lock()
	started := c.started
	c.lifeMu.Unlock()
	if started {
		<-c.done
	}
	return nil
}

func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Dispatch queues ev for the loop.
func (c *Controller) Dispatch(ev Event) error {
	if ev == nil {
		return errors.New("event is nil")
	}
	select {
	case <-c.stop:
		return shared.ErrControllerClosed
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.stop:
		return shared.ErrControllerClosed
	}
}

func (c *Controller) Connect() error    { return c.Dispatch(Connect{}) }
func (c *Controller) Disconnect() error { return c.Dispatch(Disconnect{}) }
func (c *Controller) ToggleMute() error { return c.Dispatch(ToggleMute{}) }

// SelectCharacter changes the character for the next session. It waits for
// the loop to apply it, so Run must be running.
func (c *Controller) SelectCharacter(id CharacterID) error {
	if _, ok := Lookup(id); !ok {
		return fmt.Errorf("%w: %s", shared.ErrUnknownCharacter, id)
	}
	reply := make(chan error, 1)
	if err := c.Dispatch(SelectCharacter{ID: id, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-c.stop:
		return shared.ErrControllerClosed
	case <-c.done:
		return shared.ErrControllerClosed
	}
}

// State returns the latest published snapshot.
func (c *Controller) State() Snapshot {
	return *c.snap.Load()
}

// Subscribe returns a channel that always holds the most recent snapshot;
// intermediate values are dropped when the reader falls behind.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.subMu.Lock()
	ch <- c.State()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, ch)
			close(ch)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) sinkFor(gen uint64) EventSink {
	return func(ev TransportEvent) {
		if ev != nil {
			c.post(sessionEvent{gen: gen, ev: ev})
		}
	}
}

// step is the single state-transition entry point.
func (c *Controller) step(ev Event) {
	if c.closed {
		return
	}
	switch e := ev.(type) {
	case Connect:
		c.connect()
	case Disconnect:
		c.disconnect()
	case ToggleMute:
		c.toggleMute()
	case SelectCharacter:
		c.selectCharacter(e)
	case provisioned:
		c.onProvisioned(e)
	case joinDone:
		c.onJoinDone(e)
	case leaveDone:
		c.onLeaveDone(e)
	case sessionEvent:
		if e.gen != c.gen || c.session == nil {
			c.logger.Trace("dropping event from stale session", zap.Uint64("gen", e.gen))
			break
		}
		c.onTransport(e.ev)
	case TransportEvent:
		c.onTransport(e)
	default:
		c.logger.Warn("unknown controller event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
	c.publish()
}

func (c *Controller) connect() {
	if c.conn.Live() {
		c.logger.Debug("connect ignored", zap.Stringer("state", c.conn))
		return
	}
	c.gen++
	gen, character := c.gen, c.character
	c.conn = ConnectionConnecting
	c.lastErr = nil
	c.stopRequested = false
	c.leaving = false
	c.logger.Info("connecting", zap.String("character", string(character)), zap.Uint64("gen", gen))
	c.spawn(func() Event {
		ctx, cancel := context.WithTimeout(c.ctx, c.provisionTimeout)
		defer cancel()
		creds, err := c.provisioner.Provision(ctx, character)
		return provisioned{gen: gen, creds: creds, err: err}
	})
}

func (c *Controller) onProvisioned(e provisioned) {
	if e.gen != c.gen || c.conn != ConnectionConnecting || c.session != nil {
		c.logger.Trace("dropping stale provisioning result", zap.Uint64("gen", e.gen))
		return
	}
	if e.err != nil {
		err := e.err
		if !errors.Is(err, shared.ErrProvisioning) {
			err = fmt.Errorf("%w: %w", shared.ErrProvisioning, err)
		}
		c.fail(err)
		return
	}
	sess, err := c.transport.NewSession(e.creds.RoomURL, e.creds.Token, c.sinkFor(e.gen))
	if err != nil {
		c.fail(fmt.Errorf("%w: creating session: %w", shared.ErrTransport, err))
		return
	}
	c.session = sess
	c.logger.Info("session created", zap.String("session", sess.ID()), zap.Uint64("gen", e.gen))
	if c.stopRequested {
		c.beginLeave()
		return
	}
	gen := e.gen
	c.spawn(func() Event {
		ctx, cancel := context.WithTimeout(c.ctx, c.joinTimeout)
		defer cancel()
		return joinDone{gen: gen, err: sess.Join(ctx)}
	})
}

func (c *Controller) onJoinDone(e joinDone) {
	if e.gen != c.gen || c.session == nil {
		return
	}
	if e.err != nil && !c.leaving {
		c.fail(fmt.Errorf("%w: joining: %w", shared.ErrTransport, e.err))
	}
}

func (c *Controller) onTransport(ev TransportEvent) {
	switch e := ev.(type) {
	case Joined:
		if c.session == nil || c.conn != ConnectionConnecting {
			return
		}
		if c.stopRequested {
			c.beginLeave()
			return
		}
		c.conn = ConnectionConnected
		c.agent = AgentIdle
		c.transcript = Transcript{}
		c.muted = !c.session.LocalAudioEnabled()
		c.logger.Info("joined", zap.String("session", c.session.ID()))
	case Left:
		if c.session == nil {
			return
		}
		c.logger.Info("left", zap.String("session", c.session.ID()))
		c.finishLeave()
	case TransportFailed:
		if c.session == nil && c.conn != ConnectionConnecting {
			return
		}
		err := e.Err
		if err == nil {
			err = errors.New("unspecified")
		}
		c.fail(fmt.Errorf("%w: %w", shared.ErrTransport, err))
	case TrackStarted:
		if c.session == nil {
			return
		}
		c.binder.Bind(e.Track)
	case AppMessage:
		if c.conn != ConnectionConnected || c.leaving {
			return
		}
		c.apply(e.Data)
	}
}

func (c *Controller) apply(data []byte) {
	msg, ok := DecodeAppMessage(data)
	if !ok {
		c.logger.Trace("ignoring app message", zap.Int("bytes", len(data)))
		return
	}
	switch m := msg.(type) {
	case *StatusEvent:
		c.agent = m.State
	case *TranscriptEvent:
		c.transcript = m.Transcript
	}
}

func (c *Controller) disconnect() {
	if !c.conn.Live() {
		c.logger.Debug("disconnect ignored", zap.Stringer("state", c.conn))
		return
	}
	c.stopRequested = true
	if c.session == nil {
		c.logger.Info("disconnect requested while provisioning", zap.Uint64("gen", c.gen))
		return
	}
	c.beginLeave()
}

func (c *Controller) beginLeave() {
	if c.leaving || c.session == nil {
		return
	}
	c.leaving = true
	sess, gen := c.session, c.gen
	c.logger.Info("leaving", zap.String("session", sess.ID()))
	c.spawn(func() Event {
		ctx, cancel := context.WithTimeout(c.ctx, c.teardownTimeout)
		defer cancel()
		return leaveDone{gen: gen, err: sess.Leave(ctx)}
	})
}

func (c *Controller) onLeaveDone(e leaveDone) {
	if e.gen != c.gen || c.session == nil {
		return
	}
	if e.err != nil {
		c.logger.Warn("leave failed; destroying anyway", zap.Error(e.err))
	}
	c.finishLeave()
}

func (c *Controller) finishLeave() {
	c.releaseSession()
	c.reset(ConnectionIdle)
}

// fail escalates a provisioning or transport failure. A failure after the
// user asked to stop still ends in idle.
func (c *Controller) fail(err error) {
	c.binder.Release()
	if sess := c.session; sess != nil {
		c.session = nil
		c.retire(sess)
	}
	c.leaving = false
	if c.stopRequested {
		c.logger.Warn("failure after disconnect request", zap.Error(err))
		c.reset(ConnectionIdle)
		return
	}
	c.logger.Error("session failed", err, zap.Uint64("gen", c.gen))
	c.reset(ConnectionError)
	c.lastErr = err
}

// retire leaves and destroys a session the controller no longer tracks.
func (c *Controller) retire(sess Session) {
	c.spawn(func() Event {
		ctx, cancel := context.WithTimeout(c.ctx, c.teardownTimeout)
		defer cancel()
		if err := sess.Leave(ctx); err != nil {
			c.logger.Debug("leave after failure", zap.String("session", sess.ID()), zap.Error(err))
		}
		if err := sess.Destroy(); err != nil {
			c.logger.Debug("destroy after failure", zap.String("session", sess.ID()), zap.Error(err))
		}
		return nil
	})
}

func (c *Controller) releaseSession() {
	c.binder.Release()
	if c.session != nil {
		if err := c.session.Destroy(); err != nil {
			c.logger.Warn("destroying session", zap.String("session", c.session.ID()), zap.Error(err))
		}
		c.session = nil
	}
	c.leaving = false
}

func (c *Controller) reset(state ConnectionState) {
	c.conn = state
	c.agent = AgentIdle
	c.transcript = Transcript{}
	c.muted = false
	c.stopRequested = false
}

func (c *Controller) toggleMute() {
	if c.session == nil {
		c.logger.Debug("mute toggle ignored", zap.Error(shared.ErrNoSession))
		return
	}
	enabled := c.session.LocalAudioEnabled()
	if err := c.session.SetLocalAudioEnabled(!enabled); err != nil {
		c.logger.Error("toggling local audio", err)
		c.muted = !c.session.LocalAudioEnabled()
		return
	}
	c.muted = enabled
}

func (c *Controller) selectCharacter(e SelectCharacter) {
	var err error
	switch _, ok := Lookup(e.ID); {
	case !ok:
		err = fmt.Errorf("%w: %s", shared.ErrUnknownCharacter, e.ID)
	case c.conn.Live():
		err = shared.ErrCharacterLocked
	default:
		c.character = e.ID
		c.logger.Info("character selected", zap.String("character", string(e.ID)))
	}
	if e.reply != nil {
		e.reply <- err
	}
}

// shutdown is the terminal teardown; it runs at most once.
func (c *Controller) shutdown() {
	if c.closed {
		return
	}
	c.closed = true
	c.binder.Release()
	if c.session != nil {
		sess := c.session
		c.session = nil
		ctx, cancel := context.WithTimeout(context.Background(), c.teardownTimeout)
		if err := sess.Leave(ctx); err != nil {
			c.logger.Debug("leave during teardown", zap.Error(err))
		}
		cancel()
		if err := sess.Destroy(); err != nil {
			c.logger.Debug("destroy during teardown", zap.Error(err))
		}
	}
	c.leaving = false
	c.reset(ConnectionIdle)
	c.cancel()
	c.publishSnapshot()
	c.logger.Info("controller stopped")
}

func (c *Controller) publish() {
	if c.closed {
		return
	}
	c.publishSnapshot()
}

func (c *Controller) publishSnapshot() {
	next := Snapshot{
		Connection: c.conn,
		Agent:      c.agent,
		Transcript: c.transcript,
		Muted:      c.muted,
		Character:  c.character,
		Err:        c.lastErr,
	}
	if c.session != nil {
		next.SessionID = c.session.ID()
	}
	if prev := c.snap.Load(); prev != nil && *prev == next {
		return
	}
	c.snap.Store(&next)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- next:
		default:
		}
	}
}
