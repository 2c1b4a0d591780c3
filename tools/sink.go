package tools

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	voicechat "github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/ebitengine/oto/v3"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Opus frames are at most 120ms.
const maxOpusFrame = 120 * time.Millisecond

type SinkOptions struct {
	OutputBufferMs    int
	RingBufferSeconds int
}

func (o SinkOptions) withDefaults() SinkOptions {
	if o.OutputBufferMs <= 0 {
		o.OutputBufferMs = 100
	}
	if o.RingBufferSeconds <= 0 {
		o.RingBufferSeconds = 2
	}
	return o
}

// oto allows one context per process; every sink shares it.
var output struct {
	mu       sync.Mutex
	ctx      *oto.Context
	rate     int
	channels int
}

func outputContext(rate, channels int, buffer time.Duration) (*oto.Context, error) {
	output.mu.Lock()
	defer output.mu.Unlock()
	if output.ctx != nil {
		if output.rate != rate || output.channels != channels {
			return nil, fmt.Errorf(
				"output device already opened at %dHz/%dch, track wants %dHz/%dch",
				output.rate, output.channels, rate, channels,
			)
		}
		return output.ctx, nil
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("opening output device: %w", err)
	}
	<-ready
	output.ctx, output.rate, output.channels = ctx, rate, channels
	return ctx, nil
}

type webrtcTrack interface {
	Track() *webrtc.TrackRemote
}

// NewRemoteAudioSinkFactory plays pion remote tracks on the default output
// device.
func NewRemoteAudioSinkFactory(logger shared.LoggerAdapter, opts SinkOptions) voicechat.SinkFactory {
	opts = opts.withDefaults()
	return func(t voicechat.RemoteTrack) (voicechat.Sink, error) {
		wt, ok := t.(webrtcTrack)
		if !ok {
			return nil, fmt.Errorf("track %s is not a webrtc track", t.ID())
		}
		return &RemoteAudioSink{
			logger: logger.With(zap.String("track", t.ID())),
			track:  wt.Track(),
			opts:   opts,
		}, nil
	}
}

// RemoteAudioSink decodes one Opus track into the shared output device.
type RemoteAudioSink struct {
	logger shared.LoggerAdapter
	track  *webrtc.TrackRemote
	opts   SinkOptions

	mu     sync.Mutex
	player *oto.Player
	buffer *AudioBuffer
	cancel context.CancelFunc
	done   chan struct{}
}

var _ voicechat.Sink = (*RemoteAudioSink)(nil)

func (s *RemoteAudioSink) Play() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	var (
		codec      = s.track.Codec()
		sampleRate = int(codec.ClockRate)
		channels   = int(codec.Channels)
	)
	if channels == 0 {
		channels = 1
	}
	s.logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Int("sampleRate", sampleRate),
		zap.Int("channels", channels),
	)
	decoder, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		return fmt.Errorf("creating Opus decoder: %w", err)
	}
	otoCtx, err := outputContext(sampleRate, channels, time.Duration(s.opts.OutputBufferMs)*time.Millisecond)
	if err != nil {
		return err
	}
	s.buffer = NewAudioBuffer(FrameBytes(time.Duration(s.opts.RingBufferSeconds)*time.Second, sampleRate, channels))
	s.player = otoCtx.NewPlayer(s.buffer)
	s.player.Play()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.pump(ctx, decoder, make([]int16, FrameSamples(maxOpusFrame, sampleRate, channels)), channels)
	return nil
}

func (s *RemoteAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	// Unblocks ReadRTP; the track may outlive this sink.
	_ = s.track.SetReadDeadline(time.Now())
	_ = s.buffer.Close()
	err := s.player.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		s.logger.Warn("audio pump did not stop in time")
	}
	return err
}

func (s *RemoteAudioSink) pump(ctx context.Context, decoder *opus.Decoder, pcm []int16, channels int) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				s.logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(pkt.Payload, pcm)
		if err != nil {
			s.logger.Debug("decoding Opus", zap.Error(err))
			continue
		}
		dropped := s.buffer.Write(pcmBytes(pcm[:n*channels]))
		if dropped > 0 {
			s.logger.Debug("audio buffer dropped data", zap.Int("droppedBytes", dropped))
		}
	}
}

func pcmBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}
