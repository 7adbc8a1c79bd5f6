package carrier

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Provider identifies the carrier wire dialect. Twilio and Telnyx media
// streams share event names but differ in where the stream identifier lives
// (streamSid vs stream_id), so outbound frames must match the inbound
// dialect.
type Provider string

const (
	ProviderUnknown Provider = ""
	ProviderTwilio  Provider = "twilio"
	ProviderTelnyx  Provider = "telnyx"
)

type Event string

const (
	EventConnected Event = "connected"
	EventStart     Event = "start"
	EventMedia     Event = "media"
	EventStop      Event = "stop"
)

var ErrMalformedFrame = errors.New("malformed carrier frame")

// Frame is the provider-neutral view of one inbound carrier message.
type Frame struct {
	Event    Event
	Provider Provider

	// Populated on start.
	StreamID  string
	CallID    string
	AgentID   string
	CallLogID string

	// Populated on media: decoded mu-law payload bytes.
	Payload []byte
}

type wireCustomParams struct {
	AgentID   string `json:"agent_id"`
	CallLogID string `json:"call_log_id"`
}

type wireStart struct {
	StreamSid        string           `json:"streamSid"`
	CallSid          string           `json:"callSid"`
	CallControlID    string           `json:"call_control_id"`
	CustomParameters wireCustomParams `json:"customParameters"`
}

type wireMedia struct {
	Payload string `json:"payload"`
}

type wireFrame struct {
	Event     string     `json:"event"`
	StreamSid string     `json:"streamSid"`
	StreamID  string     `json:"stream_id"`
	Start     *wireStart `json:"start"`
	Media     *wireMedia `json:"media"`
}

// ParseFrame decodes one carrier message. The provider is only resolved on
// start frames (detect); media and stop frames leave it unset because by then
// the session already knows its dialect.
func ParseFrame(data []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch Event(w.Event) {
	case EventConnected:
		return Frame{Event: EventConnected}, nil

	case EventStart:
		if w.Start == nil {
			return Frame{}, fmt.Errorf("%w: start frame without start block", ErrMalformedFrame)
		}
		f := Frame{
			Event:     EventStart,
			Provider:  detect(&w),
			AgentID:   strings.TrimSpace(w.Start.CustomParameters.AgentID),
			CallLogID: strings.TrimSpace(w.Start.CustomParameters.CallLogID),
		}
		switch f.Provider {
		case ProviderTwilio:
			f.StreamID = w.Start.StreamSid
			if f.StreamID == "" {
				f.StreamID = w.StreamSid
			}
			f.CallID = w.Start.CallSid
		case ProviderTelnyx:
			f.StreamID = w.StreamID
			f.CallID = w.Start.CallControlID
		}
		if f.StreamID == "" {
			return Frame{}, fmt.Errorf("%w: start frame without stream identifier", ErrMalformedFrame)
		}
		return f, nil

	case EventMedia:
		if w.Media == nil {
			return Frame{}, fmt.Errorf("%w: media frame without media block", ErrMalformedFrame)
		}
		payload, err := base64.StdEncoding.DecodeString(w.Media.Payload)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: media payload: %v", ErrMalformedFrame, err)
		}
		return Frame{Event: EventMedia, Payload: payload}, nil

	case EventStop:
		return Frame{Event: EventStop}, nil

	default:
		return Frame{}, fmt.Errorf("%w: unknown event %q", ErrMalformedFrame, w.Event)
	}
}

func detect(w *wireFrame) Provider {
	if w.Start != nil && w.Start.StreamSid != "" {
		return ProviderTwilio
	}
	if w.StreamSid != "" {
		return ProviderTwilio
	}
	if w.StreamID != "" {
		return ProviderTelnyx
	}
	return ProviderUnknown
}

type outboundMedia struct {
	Event     string    `json:"event"`
	StreamSid string    `json:"streamSid,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	Media     wireMedia `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid,omitempty"`
	StreamID  string `json:"stream_id,omitempty"`
}

// MediaFrame builds an outbound media message carrying mu-law payload bytes.
func MediaFrame(p Provider, streamID string, payload []byte) ([]byte, error) {
	m := outboundMedia{
		Event: string(EventMedia),
		Media: wireMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	}
	if err := setStreamField(p, streamID, &m.StreamSid, &m.StreamID); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// ClearFrame builds the outbound message that flushes the carrier's buffered
// audio after a barge-in.
func ClearFrame(p Provider, streamID string) ([]byte, error) {
	c := outboundClear{Event: "clear"}
	if err := setStreamField(p, streamID, &c.StreamSid, &c.StreamID); err != nil {
		return nil, err
	}
	return json.Marshal(c)
}

func setStreamField(p Provider, streamID string, sid, id *string) error {
	switch p {
	case ProviderTwilio:
		*sid = streamID
	case ProviderTelnyx:
		*id = streamID
	default:
		return fmt.Errorf("unknown carrier provider %q", p)
	}
	return nil
}
