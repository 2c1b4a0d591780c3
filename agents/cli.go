package agents

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	voicechat "github.com/bt-bridge/voicechat"
	"github.com/bt-bridge/voicechat/provision"
	"github.com/bt-bridge/voicechat/rtc"
	"github.com/bt-bridge/voicechat/shared"
	"github.com/bt-bridge/voicechat/tools"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

const helpText = `commands:
  connect            start a conversation
  disconnect         end it
  mute               toggle the microphone
  select <id>        pick a character (only while disconnected)
  characters         list characters
  status             print the current state
  quit               exit`

// Deps lets callers replace the real collaborators, e.g. with fakes.
type Deps struct {
	Provisioner voicechat.Provisioner
	Transport   voicechat.Transport
	Sinks       voicechat.SinkFactory
}

// CLIAgent is a line-oriented front end for the controller.
type CLIAgent struct {
	logger     shared.LoggerAdapter
	printer    *shared.Printer
	controller *voicechat.Controller
	mic        *tools.Microphone

	mu       sync.Mutex
	last     voicechat.Snapshot
	done     chan struct{}
	closeErr error
	once     sync.Once
}

// Spawn builds the agent and starts the controller loop. Missing deps are
// built from cfg.
func (a *CLIAgent) Spawn(ctx context.Context, logger shared.LoggerAdapter, cfg *shared.Config, printer *shared.Printer, deps Deps) error {
	if logger == nil {
		return shared.ErrNoLogger
	}
	if cfg == nil {
		return shared.ErrNoConfig
	}
	if printer == nil {
		return errors.New("no printer provided")
	}
	a.logger = logger
	a.printer = printer
	a.done = make(chan struct{})
	a.logger.Info("spawning CLI agent")
	a.say(0, "🤖 Spawning voice chat agent...")

	cfgBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config to yaml: %w", err)
	}
	a.say(0, "📋 Config")
	if err := a.printer.Write(string(cfgBytes), 1); err != nil {
		a.logger.Error("printing config", err)
	}

	if deps.Provisioner == nil {
		deps.Provisioner, err = provision.NewClient(
			logger.With(zap.String("component", "provision")),
			cfg.Provisioning.URL,
			provision.WithAPIKey(cfg.Provisioning.APIKey),
			provision.WithTimeout(cfg.Provisioning.Timeout),
		)
		if err != nil {
			return fmt.Errorf("creating provisioning client: %w", err)
		}
	}
	if deps.Transport == nil {
		rtcCfg := rtc.Config{
			ICEServers:  cfg.Transport.ICEServers,
			DataChannel: cfg.Transport.DataChannel,
		}
		if !cfg.Transport.DisableMicSrc {
			a.say(0, "🎤 Accessing microphone...")
			a.mic, err = tools.OpenMicrophone(logger.With(zap.String("component", "microphone")))
			if err != nil {
				a.logger.Error("opening microphone", err)
				a.say(0, "❌ Unable to access microphone; continuing listen-only.")
			} else {
				rtcCfg.Microphone = a.mic
				a.say(0, "✅ Microphone access granted.")
			}
		}
		deps.Transport, err = rtc.NewTransport(logger.With(zap.String("component", "rtc")), rtcCfg)
		if err != nil {
			return fmt.Errorf("creating transport: %w", err)
		}
	}
	if deps.Sinks == nil {
		deps.Sinks = tools.NewRemoteAudioSinkFactory(
			logger.With(zap.String("component", "sink")),
			tools.SinkOptions{
				OutputBufferMs:    cfg.Audio.OutputBufferMs,
				RingBufferSeconds: cfg.Audio.RingBufferSeconds,
			},
		)
	}

	a.controller, err = voicechat.NewController(voicechat.ControllerConfig{
		Logger:           logger,
		Provisioner:      deps.Provisioner,
		Transport:        deps.Transport,
		Sinks:            deps.Sinks,
		Character:        voicechat.CharacterID(cfg.Character),
		ProvisionTimeout: cfg.Provisioning.Timeout,
		JoinTimeout:      cfg.Transport.JoinTimeout,
		TeardownTimeout:  cfg.TeardownTimeout,
	})
	if err != nil {
		return fmt.Errorf("creating controller: %w", err)
	}

	updates, unsubscribe := a.controller.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case snap, ok := <-updates:
				if !ok {
					return
				}
				a.render(snap)
			case <-a.controller.Done():
				return
			}
		}
	}()
	go func() {
		defer close(a.done)
		if err := a.controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("controller stopped", err)
		}
	}()
	a.say(0, helpText)
	return nil
}

func (a *CLIAgent) Controller() *voicechat.Controller {
	return a.controller
}

// Done is closed once the controller loop has exited.
func (a *CLIAgent) Done() <-chan struct{} {
	return a.done
}

// Serve reads commands from r until quit, EOF or the agent stops. The
// reading goroutine may stay blocked in a read on r after Serve returns;
// it exits on the next line or EOF. Close r to release it sooner.
func (a *CLIAgent) Serve(r io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-a.done:
				return
			}
		}
	}()
	for {
		select {
		case <-a.done:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := a.Handle(line)
			if err != nil {
				a.say(0, "❌ "+err.Error())
			}
			if quit {
				return a.Close()
			}
		}
	}
}

// Handle executes one command line and reports whether it asked to quit.
func (a *CLIAgent) Handle(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "connect", "c":
		return false, a.controller.Connect()
	case "disconnect", "d":
		return false, a.controller.Disconnect()
	case "mute", "m":
		return false, a.controller.ToggleMute()
	case "select", "s":
		if len(fields) < 2 {
			return false, errors.New("usage: select <id>")
		}
		return false, a.controller.SelectCharacter(voicechat.CharacterID(fields[1]))
	case "characters", "ls":
		data, err := yaml.Marshal(voicechat.Characters())
		if err != nil {
			return false, err
		}
		return false, a.printer.Write(string(data), 1)
	case "status":
		a.printStatus(a.controller.State())
		return false, nil
	case "help", "?":
		a.say(0, helpText)
		return false, nil
	case "quit", "exit", "q":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
}

func (a *CLIAgent) Close() error {
	a.once.Do(func() {
		if a.controller != nil {
			a.closeErr = a.controller.Close()
		}
		if a.mic != nil {
			if err := a.mic.Close(); err != nil {
				a.logger.Error("closing microphone", err)
			}
		}
	})
	return a.closeErr
}

func (a *CLIAgent) render(snap voicechat.Snapshot) {
	a.mu.Lock()
	prev := a.last
	a.last = snap
	a.mu.Unlock()

	if snap.Connection != prev.Connection {
		switch snap.Connection {
		case voicechat.ConnectionConnecting:
			a.say(0, fmt.Sprintf("📞 Calling %s...", characterName(snap.Character)))
		case voicechat.ConnectionConnected:
			a.say(0, fmt.Sprintf("✅ Connected to %s.", characterName(snap.Character)))
		case voicechat.ConnectionIdle:
			a.say(0, "👋 Disconnected.")
		case voicechat.ConnectionError:
			msg := "❌ Session failed."
			if snap.Err != nil {
				msg += " " + snap.Err.Error()
			}
			a.say(0, msg+" Type connect to retry.")
		}
	}
	if snap.Character != prev.Character && snap.Connection == prev.Connection {
		a.say(0, fmt.Sprintf("🎭 Character: %s", characterName(snap.Character)))
	}
	if snap.Agent != prev.Agent && snap.Connection == voicechat.ConnectionConnected {
		a.say(1, "· "+snap.Agent.String())
	}
	if snap.Transcript != prev.Transcript && !snap.Transcript.IsEmpty() {
		a.say(1, fmt.Sprintf("%s: %s", snap.Transcript.Role, snap.Transcript.Text))
	}
	if snap.Muted != prev.Muted {
		if snap.Muted {
			a.say(1, "🔇 muted")
		} else if snap.Connection.Live() {
			a.say(1, "🎙 unmuted")
		}
	}
}

func (a *CLIAgent) printStatus(snap voicechat.Snapshot) {
	a.say(1, fmt.Sprintf(
		"connection=%s agent=%s character=%s muted=%t",
		snap.Connection, snap.Agent, snap.Character, snap.Muted,
	))
	if !snap.Transcript.IsEmpty() {
		a.say(1, fmt.Sprintf("last %s: %s", snap.Transcript.Role, snap.Transcript.Text))
	}
}

func (a *CLIAgent) say(ind int, s string) {
	if err := a.printer.Writeln(s, ind); err != nil {
		a.logger.Error("printing message", err)
	}
}

func characterName(id voicechat.CharacterID) string {
	if c, ok := voicechat.Lookup(id); ok {
		return c.Name
	}
	return string(id)
}
