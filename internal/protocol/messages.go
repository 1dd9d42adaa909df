// Package protocol defines the ConversationRelay websocket messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeSetup     MessageType = "setup"
	TypePrompt    MessageType = "prompt"
	TypeInterrupt MessageType = "interrupt"
	TypeDTMF      MessageType = "dtmf"
	TypeError     MessageType = "error"

	TypeText MessageType = "text"
	TypeEnd  MessageType = "end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Setup is the first message of every relay connection.
type Setup struct {
	Type             MessageType       `json:"type"`
	SessionID        string            `json:"sessionId"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid,omitempty"`
	From             string            `json:"from"`
	To               string            `json:"to"`
	Direction        string            `json:"direction,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

// Prompt carries a transcribed caller utterance.
type Prompt struct {
	Type        MessageType `json:"type"`
	VoicePrompt string      `json:"voicePrompt"`
	Lang        string      `json:"lang,omitempty"`
	Last        bool        `json:"last"`
}

// Interrupt reports that the caller spoke over the bot.
type Interrupt struct {
	Type                     MessageType `json:"type"`
	UtteranceUntilInterrupt  string      `json:"utteranceUntilInterrupt"`
	DurationUntilInterruptMs int64       `json:"durationUntilInterruptMs,omitempty"`
}

type DTMF struct {
	Type  MessageType `json:"type"`
	Digit string      `json:"digit"`
}

type Error struct {
	Type        MessageType `json:"type"`
	Description string      `json:"description"`
}

// Text is one spoken token. Last marks the end of a bot utterance.
type Text struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
	Last  bool        `json:"last"`
}

// End hangs up the relay. HandoffData is a JSON document encoded as a string.
type End struct {
	Type        MessageType `json:"type"`
	HandoffData string      `json:"handoffData,omitempty"`
}

// Handoff is the payload encoded into End.HandoffData.
type Handoff struct {
	ReasonCode string `json:"reasonCode"`
	Reason     string `json:"reason"`
}

func NewText(token string, last bool) Text {
	return Text{Type: TypeText, Token: token, Last: last}
}

func NewEnd(h Handoff) (End, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return End{}, fmt.Errorf("encode handoff: %w", err)
	}
	return End{Type: TypeEnd, HandoffData: string(b)}, nil
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSetup:
		var msg Setup
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallSID == "" {
			return nil, errors.New("invalid setup: missing callSid")
		}
		return msg, nil
	case TypePrompt:
		var msg Prompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeInterrupt:
		var msg Interrupt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeDTMF:
		var msg DTMF
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Digit == "" {
			return nil, errors.New("invalid dtmf: missing digit")
		}
		return msg, nil
	case TypeError:
		var msg Error
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
