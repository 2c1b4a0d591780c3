package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bt-bridge/voicechat/rtc"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// Consecutive read failures after which the device is considered gone.
const maxMicReadFailures = 50

// Microphone captures the default input device as Opus.
type Microphone struct {
	logger        shared.LoggerAdapter
	track         mediadevices.Track
	frameDuration time.Duration
}

var _ rtc.MicrophoneSource = (*Microphone)(nil)

func OpenMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	logger.Info("microphone opened", zap.String("track", tracks[0].ID()))
	return &Microphone{
		logger:        logger,
		track:         tracks[0],
		frameDuration: time.Duration(opusParams.Latency),
	}, nil
}

// Stream copies encoded frames to track while gate is enabled. Frames read
// while muted are discarded so the device keeps draining.
func (m *Microphone) Stream(ctx context.Context, track *webrtc.TrackLocalStaticSample, gate rtc.Gate) error {
	reader, err := m.track.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		return fmt.Errorf("creating media track reader: %w", err)
	}
	defer reader.Close()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			failures++
			if failures >= maxMicReadFailures {
				gate.Disable(err)
				return fmt.Errorf("reading from media track: %w", err)
			}
			m.logger.Debug("reading from media track", zap.Error(err))
			continue
		}
		failures = 0
		if buf.Samples == 0 || !gate.Enabled() {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: m.frameDuration,
		})
		release()
		if err != nil {
			m.logger.Debug("writing sample to track", zap.Error(err))
		}
	}
}

func (m *Microphone) Close() error {
	return m.track.Close()
}
