package voicechat

import (
	"fmt"

	"github.com/bt-bridge/voicechat/shared"
	"go.uber.org/zap"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// RemoteTrack is a media track announced by the transport.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
	// IsLocal is true for tracks published by this participant.
	IsLocal() bool
}

// Sink plays one remote audio track.
type Sink interface {
	// Play starts playback and must not block.
	Play() error
	Stop() error
}

type SinkFactory func(track RemoteTrack) (Sink, error)

// AudioBinder keeps at most one Sink bound, always to the most recently
// started remote audio track. It is not safe for concurrent use; the
// controller loop is its only caller.
type AudioBinder struct {
	logger  shared.LoggerAdapter
	factory SinkFactory

	sink    Sink
	trackID string
}

func NewAudioBinder(logger shared.LoggerAdapter, factory SinkFactory) (*AudioBinder, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if factory == nil {
		return nil, shared.ErrNoSinkFactory
	}
	return &AudioBinder{logger: logger, factory: factory}, nil
}

// Bind replaces the current sink with one playing track. Tracks that are
// not remote audio are ignored. It reports whether track was bound.
func (b *AudioBinder) Bind(track RemoteTrack) bool {
	if track == nil || track.Kind() != TrackKindAudio || track.IsLocal() {
		return false
	}
	b.detach()
	sink, err := b.factory(track)
	if err != nil {
		b.logger.Error(
			"creating audio sink",
			fmt.Errorf("%w: %w", shared.ErrPlayback, err),
			zap.String("track", track.ID()),
		)
		return false
	}
	b.sink = sink
	b.trackID = track.ID()
	if err := sink.Play(); err != nil {
		// Kept bound: playback may start later and Release still has to stop it.
		b.logger.Error(
			"starting audio playback",
			fmt.Errorf("%w: %w", shared.ErrPlayback, err),
			zap.String("track", track.ID()),
		)
	} else {
		b.logger.Debug("audio sink bound", zap.String("track", track.ID()))
	}
	return true
}

// Release stops and detaches the bound sink, if any.
func (b *AudioBinder) Release() {
	b.detach()
}

func (b *AudioBinder) Bound() (trackID string, ok bool) {
	return b.trackID, b.sink != nil
}

func (b *AudioBinder) detach() {
	if b.sink == nil {
		return
	}
	if err := b.sink.Stop(); err != nil {
		b.logger.Warn("stopping audio sink", zap.String("track", b.trackID), zap.Error(err))
	}
	b.logger.Debug("audio sink released", zap.String("track", b.trackID))
	b.sink = nil
	b.trackID = ""
}
