package voicechat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu    sync.Mutex
	calls []CharacterID
	creds Credentials
	err   error
	// gate, when set, holds every call until it is closed.
	gate chan struct{}
}

func (p *fakeProvisioner) Provision(ctx context.Context, character CharacterID) (Credentials, error) {
	p.mu.Lock()
	p.calls = append(p.calls, character)
	gate, creds, err := p.gate, p.creds, p.err
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Credentials{}, ctx.Err()
		}
	}
	return creds, err
}

func (p *fakeProvisioner) Calls() []CharacterID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CharacterID(nil), p.calls...)
}

type fakeTransport struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
	// autoJoin makes Join deliver Joined before returning.
	autoJoin bool
}

func (t *fakeTransport) NewSession(endpoint, credential string, sink EventSink) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	s := &fakeSession{
		id:         fmt.Sprintf("session-%d", len(t.sessions)+1),
		endpoint:   endpoint,
		credential: credential,
		sink:       sink,
		enabled:    true,
		autoJoin:   t.autoJoin,
	}
	t.sessions = append(t.sessions, s)
	return s, nil
}

func (t *fakeTransport) Sessions() []*fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*fakeSession(nil), t.sessions...)
}

func (t *fakeTransport) Last() *fakeSession {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sessions) == 0 {
		return nil
	}
	return t.sessions[len(t.sessions)-1]
}

type fakeSession struct {
	id         string
	endpoint   string
	credential string
	sink       EventSink
	autoJoin   bool

	mu       sync.Mutex
	enabled  bool
	joins    int
	leaves   int
	destroys int
	joinErr  error
	leaveErr error
	setErr   error
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Join(context.Context) error {
	s.mu.Lock()
	s.joins++
	err, auto := s.joinErr, s.autoJoin
	s.mu.Unlock()
	if err == nil && auto {
		s.sink(Joined{})
	}
	return err
}

func (s *fakeSession) Leave(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves++
	return s.leaveErr
}

func (s *fakeSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroys++
	return nil
}

func (s *fakeSession) LocalAudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *fakeSession) SetLocalAudioEnabled(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.enabled = enabled
	return nil
}

// emit delivers a transport event the way a real session would.
func (s *fakeSession) emit(ev TransportEvent) {
	s.sink(ev)
}

func (s *fakeSession) counts() (joins, leaves, destroys int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins, s.leaves, s.destroys
}

type fakeTrack struct {
	id    string
	kind  TrackKind
	local bool
}

func (t *fakeTrack) ID() string      { return t.id }
func (t *fakeTrack) Kind() TrackKind { return t.kind }
func (t *fakeTrack) IsLocal() bool   { return t.local }

func audioTrack(id string) *fakeTrack {
	return &fakeTrack{id: id, kind: TrackKindAudio}
}

type fakeSink struct {
	track   RemoteTrack
	playErr error

	mu      sync.Mutex
	played  int
	stopped int
}

func (s *fakeSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played++
	return s.playErr
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSink) alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped == 0
}

type sinkRecorder struct {
	mu         sync.Mutex
	sinks      []*fakeSink
	playErr    error
	factoryErr error
}

func (r *sinkRecorder) factory(track RemoteTrack) (Sink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factoryErr != nil {
		return nil, r.factoryErr
	}
	s := &fakeSink{track: track, playErr: r.playErr}
	r.sinks = append(r.sinks, s)
	return s, nil
}

func (r *sinkRecorder) alive() []*fakeSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*fakeSink
	for _, s := range r.sinks {
		if s.alive() {
			out = append(out, s)
		}
	}
	return out
}

// harness drives a Controller one event at a time without its loop.
// Suspending operations queue up in tasks until flush or runTask.
type harness struct {
	t       *testing.T
	c       *Controller
	prov    *fakeProvisioner
	tr      *fakeTransport
	sinks   *sinkRecorder
	tasks   []func() Event
	history []Snapshot
}

func newHarness(t *testing.T, prov *fakeProvisioner, tr *fakeTransport) *harness {
	t.Helper()
	if prov == nil {
		prov = &fakeProvisioner{creds: Credentials{RoomURL: "wss://x", Token: "t1"}}
	}
	if tr == nil {
		tr = &fakeTransport{autoJoin: true}
	}
	sinks := &sinkRecorder{}
	c, err := NewController(ControllerConfig{
		Logger:      shared.NewNopLogger(),
		Provisioner: prov,
		Transport:   tr,
		Sinks:       sinks.factory,
	})
	require.NoError(t, err)
	h := &harness{t: t, c: c, prov: prov, tr: tr, sinks: sinks}
	c.spawn = func(task func() Event) {
		h.tasks = append(h.tasks, task)
	}
	t.Cleanup(c.cancel)
	return h
}

func (h *harness) send(ev Event) {
	h.t.Helper()
	h.c.step(ev)
	h.check()
}

// runTask completes the i-th pending suspending operation.
func (h *harness) runTask(i int) {
	h.t.Helper()
	task := h.tasks[i]
	h.tasks = append(h.tasks[:i], h.tasks[i+1:]...)
	if ev := task(); ev != nil {
		h.send(ev)
	}
}

// pump applies transport events already queued on the controller.
func (h *harness) pump() bool {
	h.t.Helper()
	progressed := false
	for {
		select {
		case ev := <-h.c.events:
			h.send(ev)
			progressed = true
		default:
			return progressed
		}
	}
}

// flush runs everything until nothing is pending.
func (h *harness) flush() {
	h.t.Helper()
	for {
		progressed := h.pump()
		if len(h.tasks) > 0 {
			h.runTask(0)
			progressed = true
		}
		if !progressed {
			return
		}
	}
}

func (h *harness) connect() *fakeSession {
	h.t.Helper()
	h.send(Connect{})
	h.flush()
	require.Equal(h.t, ConnectionConnected, h.c.State().Connection)
	return h.tr.Last()
}

func (h *harness) check() {
	h.t.Helper()
	snap := h.c.State()
	h.history = append(h.history, snap)
	require.True(h.t, snap.Consistent(), "inconsistent snapshot %+v", snap)
	if h.c.session != nil {
		require.True(h.t, h.c.conn.Live(), "session alive in state %s", h.c.conn)
	}
	if h.c.conn == ConnectionConnected {
		require.NotNil(h.t, h.c.session, "connected without a session")
	}
	if _, bound := h.c.binder.Bound(); bound {
		require.NotNil(h.t, h.c.session, "sink bound without a session")
	}
	require.LessOrEqual(h.t, len(h.sinks.alive()), 1, "more than one live sink")
}
