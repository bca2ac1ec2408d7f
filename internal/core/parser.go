package core

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
	m "github.com/ivov/pipeline-tracer/internal/models"
	"go.uber.org/zap"
)

type Parser struct {
	logger *zap.Logger
}

func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// ToEvent parses a logline into one of the `models.RunEvent` types
func (parser *Parser) ToEvent(logline []byte) (m.RunEvent, error) {
	var rawEvent struct {
		Timestamp string          `json:"ts"`
		EventName string          `json:"eventName"`
		Payload   json.RawMessage `json:"payload"`
	}

	if err := sonic.Unmarshal(logline, &rawEvent); err != nil {
		return nil, fmt.Errorf("failed to unmarshal raw event: %w", err)
	}

	parser.logger.Debug("Parsing event", zap.String("event", rawEvent.EventName))

	if rawEvent.EventName == "" {
		return nil, fmt.Errorf("missing or empty eventName field")
	}

	if rawEvent.Timestamp == "" {
		return nil, fmt.Errorf("missing or empty timestamp field")
	}

	if len(rawEvent.Payload) == 0 {
		return nil, fmt.Errorf("missing or empty payload field")
	}

	ts := rawEvent.Timestamp

	switch rawEvent.EventName {
	case m.EventTypeRunStarted:
		return toEvent(rawEvent.Payload, func(p m.RunStartedPayload) m.RunEvent {
			return m.RunStartedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypeRunCompleted:
		return toEvent(rawEvent.Payload, func(p m.RunCompletedPayload) m.RunEvent {
			return m.RunCompletedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypePhaseStarted:
		return toEvent(rawEvent.Payload, func(p m.PhasePayload) m.RunEvent {
			return m.PhaseStartedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypePhaseFinished:
		return toEvent(rawEvent.Payload, func(p m.PhasePayload) m.RunEvent {
			return m.PhaseFinishedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypeNodeStarted:
		return toEvent(rawEvent.Payload, func(p m.NodePayload) m.RunEvent {
			return m.NodeStartedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypeNodeFinished:
		return toEvent(rawEvent.Payload, func(p m.NodePayload) m.RunEvent {
			return m.NodeFinishedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypeBuildStepStarted:
		return toEvent(rawEvent.Payload, func(p m.BuildStepPayload) m.RunEvent {
			return m.BuildStepStartedEvent{Timestamp: ts, Payload: p}
		})

	case m.EventTypeBuildStepFinished:
		return toEvent(rawEvent.Payload, func(p m.BuildStepPayload) m.RunEvent {
			return m.BuildStepFinishedEvent{Timestamp: ts, Payload: p}
		})

	default:
		return nil, fmt.Errorf("unknown event type: %s", rawEvent.EventName)
	}
}

func toEvent[P any](raw json.RawMessage, build func(P) m.RunEvent) (m.RunEvent, error) {
	var payload P
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return build(payload), nil
}
