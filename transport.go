package voicechat

import "context"

// Credentials is what the provisioning service hands out for one session.
type Credentials struct {
	RoomURL string `json:"room_url"`
	Token   string `json:"token"`
}

type Provisioner interface {
	Provision(ctx context.Context, character CharacterID) (Credentials, error)
}

// EventSink receives a session's transport events, in delivery order.
type EventSink func(ev TransportEvent)

type Transport interface {
	// NewSession builds a session for endpoint without joining it.
	NewSession(endpoint, credential string, sink EventSink) (Session, error)
}

type Session interface {
	ID() string
	// Join starts the join handshake; Joined is delivered to the sink once
	// media can flow.
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	// Destroy releases every resource. It is safe to call more than once.
	Destroy() error
	// LocalAudioEnabled is the transport's authoritative microphone flag.
	LocalAudioEnabled() bool
	SetLocalAudioEnabled(enabled bool) error
}
