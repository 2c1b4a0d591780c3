package shared

import "errors"

var (
	ErrNoLogger          = errors.New("no logger provided")
	ErrNoConfig          = errors.New("no config provided")
	ErrNoProvisioner     = errors.New("no provisioner provided")
	ErrNoTransport       = errors.New("no transport provided")
	ErrNoSinkFactory     = errors.New("no sink factory provided")
	ErrControllerClosed  = errors.New("controller closed")
	ErrControllerRunning = errors.New("controller already running")
	ErrUnknownCharacter  = errors.New("unknown character")
	ErrCharacterLocked   = errors.New("character selection is locked while a session is active")
	ErrNoSession         = errors.New("no live session")

	// Escalated to ConnectionState error.
	ErrProvisioning = errors.New("provisioning failed")
	ErrTransport    = errors.New("transport failure")

	// Absorbed locally.
	ErrPlayback = errors.New("audio playback failed")

	ErrSessionClosed   = errors.New("session closed")
	ErrUnsupportedURL  = errors.New("unsupported room url scheme")
	ErrSignaling       = errors.New("signaling failed")
	ErrMissingEnv      = errors.New("required environment variable is not set")
	ErrInvalidEnvValue = errors.New("invalid environment variable value")
)
