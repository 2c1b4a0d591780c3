package voicechat

type ConnectionState int

const (
	ConnectionIdle ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionError
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionIdle:
		return "idle"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionError:
		return "error"
	default:
		return "unknown"
	}
}

// Live reports whether a session may exist in this state.
func (s ConnectionState) Live() bool {
	return s == ConnectionConnecting || s == ConnectionConnected
}

type AgentState int

const (
	AgentIdle AgentState = iota
	AgentListening
	AgentThinking
	AgentSpeaking
)

func (s AgentState) String() string {
	switch s {
	case AgentIdle:
		return "idle"
	case AgentListening:
		return "listening"
	case AgentThinking:
		return "thinking"
	case AgentSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Transcript is the latest utterance; each new one replaces the previous.
type Transcript struct {
	Text string
	Role Role
}

func (t Transcript) IsEmpty() bool {
	return t.Text == ""
}

// Snapshot is the controller's observable state after one turn.
type Snapshot struct {
	Connection ConnectionState
	Agent      AgentState
	Transcript Transcript
	Muted      bool
	Character  CharacterID
	SessionID  string
	// Err is the last provisioning or transport failure; cleared on the
	// next connect attempt.
	Err error
}

// Consistent reports whether the snapshot satisfies the state coupling
// rules: agent activity and transcripts only while connected.
func (s Snapshot) Consistent() bool {
	if s.Connection != ConnectionConnected {
		if s.Agent != AgentIdle || !s.Transcript.IsEmpty() {
			return false
		}
	}
	if !s.Connection.Live() && s.SessionID != "" {
		return false
	}
	return true
}
