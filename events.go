package voicechat

// Event is the closed set of inputs the Controller's state machine consumes:
// user intents, transport events and the controller's own continuations.
type Event interface {
	event()
}

// TransportEvent is the subset a Session may emit.
type TransportEvent interface {
	Event
	transportEvent()
}

// User intents.
type (
	Connect         struct{}
	Disconnect      struct{}
	ToggleMute      struct{}
	SelectCharacter struct {
		ID    CharacterID
		reply chan<- error
	}
)

func (Connect) event()         {}
func (Disconnect) event()      {}
func (ToggleMute) event()      {}
func (SelectCharacter) event() {}

// Transport events.
type (
	// Joined means the session is live and media can flow.
	Joined struct{}
	// Left means the transport has left the room.
	Left            struct{}
	TransportFailed struct {
		Err error
	}
	TrackStarted struct {
		Track RemoteTrack
	}
	AppMessage struct {
		Data []byte
	}
)

func (Joined) event()          {}
func (Left) event()            {}
func (TransportFailed) event() {}
func (TrackStarted) event()    {}
func (AppMessage) event()      {}

func (Joined) transportEvent()          {}
func (Left) transportEvent()            {}
func (TransportFailed) transportEvent() {}
func (TrackStarted) transportEvent()    {}
func (AppMessage) transportEvent()      {}

// Continuations of suspending operations, tagged with the generation of
// the connect attempt that issued them.
type (
	provisioned struct {
		gen   uint64
		creds Credentials
		err   error
	}
	joinDone struct {
		gen uint64
		err error
	}
	leaveDone struct {
		gen uint64
		err error
	}
	sessionEvent struct {
		gen uint64
		ev  TransportEvent
	}
)

func (provisioned) event()  {}
func (joinDone) event()     {}
func (leaveDone) event()    {}
func (sessionEvent) event() {}
