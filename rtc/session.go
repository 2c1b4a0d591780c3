package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	voicechat "github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Gate is the session's local-audio switch as seen by a microphone pump.
type Gate interface {
	Enabled() bool
	// Disable turns local audio off from the transport side, e.g. when the
	// capture device goes away.
	Disable(cause error)
}

// MicrophoneSource feeds the session's local track until ctx ends.
type MicrophoneSource interface {
	Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample, gate Gate) error
}

type Config struct {
	ICEServers  []string
	DataChannel string
	Microphone  MicrophoneSource
	HTTPClient  *fasthttp.Client
	Dialer      *websocket.Dialer
}

// Transport creates pion/webrtc sessions.
type Transport struct {
	logger shared.LoggerAdapter
	cfg    Config
}

var _ voicechat.Transport = (*Transport)(nil)

func NewTransport(logger shared.LoggerAdapter, cfg Config) (*Transport, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.DataChannel == "" {
		cfg.DataChannel = "app-messages"
	}
	return &Transport{logger: logger, cfg: cfg}, nil
}

func (t *Transport) NewSession(endpoint, credential string, sink voicechat.EventSink) (voicechat.Session, error) {
	return t.newSession(endpoint, credential, sink)
}

func (t *Transport) newSession(endpoint, credential string, sink voicechat.EventSink) (*Session, error) {
	if sink == nil {
		return nil, errors.New("event sink is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing room url: %w", err)
	}
	sig, err := newSignaler(u, credential, t.cfg.HTTPClient, t.cfg.Dialer)
	if err != nil {
		return nil, err
	}
	iceServers := make([]webrtc.ICEServer, 0, len(t.cfg.ICEServers))
	for _, s := range t.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{s}})
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Session{
		id:       id,
		logger:   t.logger.With(zap.String("session", id), zap.String("room", u.Host)),
		sink:     sink,
		signaler: sig,
		pc:       pc,
		mic:      t.cfg.Microphone,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.micEnabled.Store(true)

	s.audioL, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("creating local audio track: %w", err)
	}
	if _, err = pc.AddTrack(s.audioL); err != nil {
		s.abort()
		return nil, fmt.Errorf("adding audio track to peer connection: %w", err)
	}
	s.dc, err = pc.CreateDataChannel(t.cfg.DataChannel, nil)
	if err != nil {
		s.abort()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}

	pc.OnConnectionStateChange(s.onStateChange)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.logger.Info(
			"received remote track",
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType),
		)
		s.emit(voicechat.TrackStarted{Track: NewRemoteTrack(track)})
	})
	s.dc.OnOpen(func() {
		s.logger.Debug("data channel opened")
	})
	s.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := make([]byte, len(msg.Data))
		copy(data, msg.Data)
		s.emit(voicechat.AppMessage{Data: data})
	})
	return s, nil
}

// Session is one peer connection to a room.
type Session struct {
	id       string
	logger   shared.LoggerAdapter
	sink     voicechat.EventSink
	signaler signaler
	pc       *webrtc.PeerConnection
	dc       *webrtc.DataChannel
	audioL   *webrtc.TrackLocalStaticSample
	mic      MicrophoneSource

	micEnabled atomic.Bool

	mu     sync.Mutex
	state  webrtc.PeerConnectionState
	joined bool
	left   bool

	leaveOnce sync.Once
	leaveErr  error

	destroyOnce sync.Once
	ctx         context.Context
	cancel      context.CancelCauseFunc
}

var (
	_ voicechat.Session = (*Session)(nil)
	_ Gate              = (*Session)(nil)
)

func (s *Session) ID() string {
	return s.id
}

// Join negotiates the peer connection. Destroy aborts a Join in flight.
func (s *Session) Join(ctx context.Context) (err error) {
	if err := s.respectCtx(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	defer stop()
	defer func() {
		// Report why the join was cut short rather than the pion or
		// signaling error it produced.
		if err == nil {
			return
		}
		if cause := context.Cause(s.ctx); cause != nil {
			err = cause
		} else if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return context.Cause(ctx)
	}
	answer, err := s.signaler.Exchange(ctx, s.pc.LocalDescription().SDP)
	if err != nil {
		return fmt.Errorf("exchanging offer: %w", err)
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}
	return nil
}

// Leave announces the departure, then closes the peer connection; Left
// follows on the sink. Only the first call does the work; concurrent
// callers wait for it and share its result.
func (s *Session) Leave(ctx context.Context) error {
	s.leaveOnce.Do(func() {
		if err := s.respectCtx(); err != nil {
			s.leaveErr = err
			return
		}
		var errs []error
		if err := s.signaler.Leave(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := s.pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing peer connection: %w", err))
		}
		s.leaveErr = errors.Join(errs...)
	})
	return s.leaveErr
}

func (s *Session) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		s.cancel(shared.ErrSessionClosed)
		err = errors.Join(s.pc.Close(), s.signaler.Close())
	})
	return err
}

func (s *Session) LocalAudioEnabled() bool {
	return s.micEnabled.Load()
}

func (s *Session) SetLocalAudioEnabled(enabled bool) error {
	if err := s.respectCtx(); err != nil {
		return err
	}
	s.micEnabled.Store(enabled)
	s.logger.Debug("local audio toggled", zap.Bool("enabled", enabled))
	return nil
}

func (s *Session) Enabled() bool {
	return s.micEnabled.Load()
}

func (s *Session) Disable(cause error) {
	if s.micEnabled.Swap(false) {
		s.logger.Warn("local audio disabled by transport", zap.Error(cause))
	}
}

func (s *Session) State() webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) onStateChange(state webrtc.PeerConnectionState) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	var ev voicechat.TransportEvent
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if !s.joined {
			s.joined = true
			ev = voicechat.Joined{}
		}
	case webrtc.PeerConnectionStateFailed:
		ev = voicechat.TransportFailed{Err: errors.New("peer connection failed")}
	case webrtc.PeerConnectionStateClosed:
		if !s.left {
			s.left = true
			ev = voicechat.Left{}
		}
	}
	s.mu.Unlock()

	s.logger.Trace(
		"peer connection state changed",
		zap.String("prev", prev.String()),
		zap.String("new", state.String()),
	)
	if state == webrtc.PeerConnectionStateDisconnected {
		s.logger.Warn("peer connection disconnected; waiting for ICE to recover or fail")
	}
	if _, ok := ev.(voicechat.Joined); ok && s.mic != nil {
		go func() {
			if err := s.mic.Stream(s.ctx, s.audioL, s); err != nil && !errors.Is(err, context.Canceled) {
				s.Disable(err)
			}
		}()
	}
	if ev != nil {
		s.emit(ev)
	}
}

func (s *Session) emit(ev voicechat.TransportEvent) {
	s.sink(ev)
}

func (s *Session) respectCtx() error {
	select {
	case <-s.ctx.Done():
		return context.Cause(s.ctx)
	default:
	}
	return nil
}

// abort tears down a half-built session.
func (s *Session) abort() {
	s.cancel(errors.New("session setup failed"))
	if err := s.pc.Close(); err != nil {
		s.logger.Error("closing peer connection failed", err)
	}
}
