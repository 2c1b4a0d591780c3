// # Character Voice Chat Client
//
// Package voicechat is the client side of a live voice conversation with a
// selectable animated character. A server-side speech/LLM/speech pipeline
// joins a real-time audio room; this package provisions the room, joins it,
// plays the pipeline's audio and turns its status/transcript data-channel
// messages into observable state.
//
// The Controller is an explicit state machine: every transport callback and
// user intent is an Event applied on a single loop goroutine, so the
// interleavings that matter (a disconnect racing an in-flight connect, late
// results from an abandoned attempt) are plain event sequences.
//
// Concrete collaborators live in sub-packages: provision (room/token
// service), rtc (pion/webrtc transport) and tools (audio playback and
// microphone capture).
package voicechat
