package voicechat

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

type MessageType string

const (
	MessageTypeStatus     MessageType = "status"
	MessageTypeTranscript MessageType = "transcript"
)

// AppEvent is a decoded application message. The set is closed:
// *StatusEvent and *TranscriptEvent.
type AppEvent interface {
	MessageType() MessageType
	appEvent()
}

type StatusEvent struct {
	State AgentState
	// Raw is the status value as sent by the pipeline.
	Raw string
}

func (*StatusEvent) MessageType() MessageType { return MessageTypeStatus }
func (*StatusEvent) appEvent()                {}

type TranscriptEvent struct {
	Transcript Transcript
}

func (*TranscriptEvent) MessageType() MessageType { return MessageTypeTranscript }
func (*TranscriptEvent) appEvent()                {}

// Pipeline phase names as announced on the wire.
var statusTable = map[string]AgentState{
	"listening": AgentListening,
	"stt":       AgentListening,
	"llm":       AgentThinking,
	"tts":       AgentSpeaking,
}

var roleTable = map[string]Role{
	"user":      RoleUser,
	"assistant": RoleAssistant,
}

// StatusToAgentState maps a wire status to an AgentState; anything
// unrecognised is idle.
func StatusToAgentState(status string) AgentState {
	if s, ok := statusTable[status]; ok {
		return s
	}
	return AgentIdle
}

// DecodeAppMessage decodes one data-channel payload. It reports false for
// payloads that carry no event: malformed JSON, a non-object, an unknown
// type, or a transcript without text.
func DecodeAppMessage(data []byte) (AppEvent, bool) {
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, false
	}
	typ, _ := raw["type"].(string)
	switch MessageType(typ) {
	case MessageTypeStatus:
		status, _ := raw["status"].(string)
		return &StatusEvent{State: StatusToAgentState(status), Raw: status}, true
	case MessageTypeTranscript:
		text, _ := raw["text"].(string)
		if text == "" {
			return nil, false
		}
		role := RoleAssistant
		if r, ok := raw["role"].(string); ok {
			if known, ok := roleTable[r]; ok {
				role = known
			}
		}
		return &TranscriptEvent{Transcript: Transcript{Text: text, Role: role}}, true
	default:
		return nil, false
	}
}

// EncodeAppMessage is the inverse of DecodeAppMessage, used by test
// pipelines and tooling.
func EncodeAppMessage(ev AppEvent) ([]byte, error) {
	switch e := ev.(type) {
	case *StatusEvent:
		status := e.Raw
		if status == "" {
			status = wireStatus(e.State)
		}
		return sonic.Marshal(map[string]any{
			"type":   MessageTypeStatus,
			"status": status,
		})
	case *TranscriptEvent:
		if e.Transcript.Text == "" {
			return nil, errors.New("transcript text is empty")
		}
		msg := map[string]any{
			"type": MessageTypeTranscript,
			"text": e.Transcript.Text,
		}
		if e.Transcript.Role != "" {
			msg["role"] = e.Transcript.Role
		}
		return sonic.Marshal(msg)
	case nil:
		return nil, errors.New("event is nil")
	default:
		return nil, fmt.Errorf("unsupported app event %T", ev)
	}
}

func wireStatus(s AgentState) string {
	switch s {
	case AgentListening:
		return "listening"
	case AgentThinking:
		return "llm"
	case AgentSpeaking:
		return "tts"
	default:
		return "idle"
	}
}
