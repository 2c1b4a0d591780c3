package voicechat

import (
	"errors"
	"testing"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedBinder(t *testing.T, rec *sinkRecorder) (*AudioBinder, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	b, err := NewAudioBinder(shared.NewLogger(zap.New(core)), rec.factory)
	require.NoError(t, err)
	return b, logs
}

func TestNewAudioBinder(t *testing.T) {
	_, err := NewAudioBinder(nil, (&sinkRecorder{}).factory)
	assert.ErrorIs(t, err, shared.ErrNoLogger)
	_, err = NewAudioBinder(shared.NewNopLogger(), nil)
	assert.ErrorIs(t, err, shared.ErrNoSinkFactory)
}

func TestAudioBinder_BindReplaces(t *testing.T) {
	rec := &sinkRecorder{}
	b, _ := newObservedBinder(t, rec)

	require.True(t, b.Bind(audioTrack("a1")))
	require.True(t, b.Bind(audioTrack("a2")))

	require.Len(t, rec.sinks, 2)
	assert.False(t, rec.sinks[0].alive())
	assert.True(t, rec.sinks[1].alive())
	assert.Equal(t, 1, rec.sinks[1].played)
	id, ok := b.Bound()
	assert.True(t, ok)
	assert.Equal(t, "a2", id)
}

func TestAudioBinder_IgnoresNonRemoteAudio(t *testing.T) {
	rec := &sinkRecorder{}
	b, _ := newObservedBinder(t, rec)
	require.True(t, b.Bind(audioTrack("a1")))

	assert.False(t, b.Bind(nil))
	assert.False(t, b.Bind(&fakeTrack{id: "v1", kind: TrackKindVideo}))
	assert.False(t, b.Bind(&fakeTrack{id: "me", kind: TrackKindAudio, local: true}))

	require.Len(t, rec.sinks, 1)
	assert.True(t, rec.sinks[0].alive(), "ignored tracks leave the current sink alone")
}

func TestAudioBinder_Release(t *testing.T) {
	rec := &sinkRecorder{}
	b, _ := newObservedBinder(t, rec)

	b.Release()
	_, ok := b.Bound()
	assert.False(t, ok)

	b.Bind(audioTrack("a1"))
	b.Release()
	b.Release()
	assert.Equal(t, 1, rec.sinks[0].stopped)
	id, ok := b.Bound()
	assert.False(t, ok)
	assert.Empty(t, id)
}

func TestAudioBinder_PlayFailureKeepsSink(t *testing.T) {
	rec := &sinkRecorder{playErr: errors.New("no output device")}
	b, logs := newObservedBinder(t, rec)

	assert.True(t, b.Bind(audioTrack("a1")))
	_, ok := b.Bound()
	assert.True(t, ok)

	entries := logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("starting audio playback").All()
	require.Len(t, entries, 1)
	err, isErr := entries[0].ContextMap()["error"].(string)
	require.True(t, isErr)
	assert.Contains(t, err, "no output device")

	b.Release()
	assert.Equal(t, 1, rec.sinks[0].stopped)
}

func TestAudioBinder_FactoryFailure(t *testing.T) {
	rec := &sinkRecorder{}
	b, logs := newObservedBinder(t, rec)
	require.True(t, b.Bind(audioTrack("a1")))

	rec.factoryErr = errors.New("unsupported codec")
	assert.False(t, b.Bind(audioTrack("a2")))

	_, ok := b.Bound()
	assert.False(t, ok)
	assert.False(t, rec.sinks[0].alive(), "previous sink stopped before the new one was attempted")
	assert.Equal(t, 1, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}
