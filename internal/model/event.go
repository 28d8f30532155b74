package model

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventType tags each event on the wire.
type EventType string

const (
	EventStarted       EventType = "started"
	EventProgress      EventType = "progress"
	EventStepCompleted EventType = "step_completed"
	EventPromptsReady  EventType = "prompts_ready"
	EventCopyReady     EventType = "copy_ready"
	EventImageReady    EventType = "image_ready"
	EventCompleted     EventType = "completed"
	EventError         EventType = "error"
	EventEnd           EventType = "end"
)

// Event is a pipeline notification. The set of implementations is closed:
// only the types in this file satisfy it.
type Event interface {
	Kind() EventType
	Message() string
	isEvent()
}

type StartedEvent struct {
	RunID string `json:"run_id"`
	Msg   string `json:"message"`
}

type ProgressEvent struct {
	Stage Stage  `json:"stage"`
	Msg   string `json:"message"`
}

type StepCompletedEvent struct {
	Stage Stage  `json:"stage"`
	Msg   string `json:"message"`
}

type PromptsReadyEvent struct {
	Prompts []string `json:"prompts"`
	Msg     string   `json:"message"`
}

type CopyReadyEvent struct {
	AdCopy AdCopy `json:"ad_copy"`
	Msg    string `json:"message"`
}

type ImageReadyEvent struct {
	Image GeneratedImage `json:"image"`
	Msg   string         `json:"message"`
}

type CompletedEvent struct {
	RunID           string           `json:"run_id"`
	Images          []GeneratedImage `json:"images"`
	AdCopy          AdCopy           `json:"ad_copy"`
	EnhancedPrompts []string         `json:"enhanced_prompts"`
	Msg             string           `json:"message"`
}

// ErrorEvent reports a fatal in-run failure. Reason carries the gateway
// failure class when there is one.
type ErrorEvent struct {
	Stage  Stage  `json:"stage,omitempty"`
	Reason string `json:"reason,omitempty"`
	Msg    string `json:"message"`
}

// EndEvent is always the last event of a run.
type EndEvent struct{}

func (StartedEvent) Kind() EventType       { return EventStarted }
func (ProgressEvent) Kind() EventType      { return EventProgress }
func (StepCompletedEvent) Kind() EventType { return EventStepCompleted }
func (PromptsReadyEvent) Kind() EventType  { return EventPromptsReady }
func (CopyReadyEvent) Kind() EventType     { return EventCopyReady }
func (ImageReadyEvent) Kind() EventType    { return EventImageReady }
func (CompletedEvent) Kind() EventType     { return EventCompleted }
func (ErrorEvent) Kind() EventType         { return EventError }
func (EndEvent) Kind() EventType           { return EventEnd }

func (e StartedEvent) Message() string       { return e.Msg }
func (e ProgressEvent) Message() string      { return e.Msg }
func (e StepCompletedEvent) Message() string { return e.Msg }
func (e PromptsReadyEvent) Message() string  { return e.Msg }
func (e CopyReadyEvent) Message() string     { return e.Msg }
func (e ImageReadyEvent) Message() string    { return e.Msg }
func (e CompletedEvent) Message() string     { return e.Msg }
func (e ErrorEvent) Message() string         { return e.Msg }
func (EndEvent) Message() string             { return "" }

func (StartedEvent) isEvent()       {}
func (ProgressEvent) isEvent()      {}
func (StepCompletedEvent) isEvent() {}
func (PromptsReadyEvent) isEvent()  {}
func (CopyReadyEvent) isEvent()     {}
func (ImageReadyEvent) isEvent()    {}
func (CompletedEvent) isEvent()     {}
func (ErrorEvent) isEvent()         {}
func (EndEvent) isEvent()           {}

// EncodeEvent renders an event as a JSON object whose first field is "type".
func EncodeEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("nil event")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Kind(), err)
	}

	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	typ, _ := json.Marshal(string(e.Kind()))
	buf.Write(typ)
	if fields := bytes.TrimSpace(body[1 : len(body)-1]); len(fields) > 0 {
		buf.WriteByte(',')
		buf.Write(fields)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// DecodeEvent parses a frame produced by EncodeEvent.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	var ev Event
	var err error
	switch head.Type {
	case EventStarted:
		var e StartedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventProgress:
		var e ProgressEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventStepCompleted:
		var e StepCompletedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventPromptsReady:
		var e PromptsReadyEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventCopyReady:
		var e CopyReadyEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventImageReady:
		var e ImageReadyEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventCompleted:
		var e CompletedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventEnd:
		ev = EndEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s event: %w", head.Type, err)
	}
	return ev, nil
}
