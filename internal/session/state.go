package session

import "fmt"

type State string

type Event string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateRecording  State = "recording"
	StateStopping   State = "stopping"
	StateFinalizing State = "finalizing"
	StateStopped    State = "stopped"
)

const (
	EventStart           Event = "start"
	EventStreamReady     Event = "stream_ready"
	EventStartFailed     Event = "start_failed"
	EventStop            Event = "stop"
	EventRecorderStopped Event = "recorder_stopped"
	EventDrained         Event = "drained"
)

// StopReason records what ended a capture.
type StopReason string

const (
	StopManual       StopReason = "manual"
	StopSilence      StopReason = "silence"
	StopMaxDuration  StopReason = "max_duration"
	StopShutdown     StopReason = "shutdown"
	StopStreamFailed StopReason = "stream_failed"
)

// Transition returns the state reached from current on event.
func Transition(current State, event Event) (State, error) {
	switch current {
	case StateIdle, StateStopped:
		switch event {
		case EventStart:
			return StateStarting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStarting:
		switch event {
		case EventStreamReady:
			return StateRecording, nil
		case EventStartFailed, EventStop:
			return StateIdle, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateRecording:
		switch event {
		case EventStop:
			return StateStopping, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateStopping:
		switch event {
		case EventRecorderStopped:
			return StateFinalizing, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateFinalizing:
		switch event {
		case EventDrained:
			return StateStopped, nil
		default:
			return current, invalidTransition(current, event)
		}
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// Active reports whether the state holds the microphone or pending audio.
func (s State) Active() bool {
	return s != StateIdle && s != StateStopped
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
