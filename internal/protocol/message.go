// Package protocol defines the tagged-union signaling messages exchanged
// with the relay backend. Text frames on the channel carry exactly one
// JSON envelope; binary frames carry audio and never reach this package.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/keylan/babelcall/internal/domain"
)

type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeCall         MessageType = "call"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "iceCandidate"
	TypeIncomingCall MessageType = "incomingCall"
	TypeCallAnswered MessageType = "callAnswered"
	TypeCallEnded    MessageType = "callEnded"
	TypeCallFailed   MessageType = "callFailed"
)

// ErrUnknownType is wrapped into the error returned by Decode for
// envelopes whose type tag is not part of the protocol.
var ErrUnknownType = fmt.Errorf("unknown message type")

// Candidate is one discovered network path, relayed verbatim between peers.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Message is the wire envelope. Only the fields relevant to Type are set;
// everything else stays at its zero value and is omitted on encode.
type Message struct {
	Type MessageType `json:"type"`

	// register, call, incomingCall
	PhoneNumber domain.Number `json:"phoneNumber,omitempty"`
	From        domain.Number `json:"from,omitempty"`
	To          domain.Number `json:"to,omitempty"`

	// register, call, answer
	Language domain.Language `json:"language,omitempty"`
	// incomingCall, callAnswered
	FromLanguage      domain.Language `json:"fromLanguage,omitempty"`
	ResponderLanguage domain.Language `json:"responderLanguage,omitempty"`

	// call, incomingCall carry the offer; answer, callAnswered the answer.
	Offer  string `json:"offer,omitempty"`
	Answer string `json:"answer,omitempty"`

	// iceCandidate
	Candidate *Candidate `json:"candidate,omitempty"`

	// callFailed
	Reason string `json:"message,omitempty"`
}

func Encode(m Message) ([]byte, error) {
	if m.Type == "" {
		return nil, fmt.Errorf("encode: empty message type")
	}
	return json.Marshal(m)
}

// Decode parses one text frame. Malformed JSON and unknown type tags are
// both decode errors; callers drop the frame and keep the session alive.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch m.Type {
	case TypeRegister, TypeCall, TypeAnswer, TypeICECandidate,
		TypeIncomingCall, TypeCallAnswered, TypeCallEnded, TypeCallFailed:
		return m, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

// Register is the first message a client sends after connecting.
func Register(number domain.Number, lang domain.Language) Message {
	return Message{Type: TypeRegister, PhoneNumber: number, Language: lang}
}

func Call(from, to domain.Number, lang domain.Language, offer string) Message {
	return Message{Type: TypeCall, From: from, To: to, Language: lang, Offer: offer}
}

func AnswerMsg(to domain.Number, lang domain.Language, answer string) Message {
	return Message{Type: TypeAnswer, To: to, Language: lang, Answer: answer}
}

func ICECandidate(to domain.Number, c Candidate) Message {
	return Message{Type: TypeICECandidate, To: to, Candidate: &c}
}

func IncomingCall(from domain.Number, fromLang domain.Language, offer string) Message {
	return Message{Type: TypeIncomingCall, From: from, FromLanguage: fromLang, Offer: offer}
}

func CallAnswered(answer string, responderLang domain.Language) Message {
	return Message{Type: TypeCallAnswered, Answer: answer, ResponderLanguage: responderLang}
}

func CallEnded(to domain.Number) Message {
	return Message{Type: TypeCallEnded, To: to}
}

func CallFailed(reason string) Message {
	return Message{Type: TypeCallFailed, Reason: reason}
}
