// Package wire defines the messages exchanged between participants: the
// envelope every payload travels in, the document and membership
// instructions it carries, and the topic layout of a session.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks a payload that cannot be decoded into a known
// instruction. Such messages are dropped.
var ErrProtocol = errors.New("wire: protocol error")

// Instr is one instruction. Type names the decode table entry.
type Instr interface {
	Type() string
}

type validator interface {
	validate() error
}

// Envelope is the outer frame of every message.
type Envelope struct {
	Sender int
	Instr  Instr
}

type rawEnvelope struct {
	Sender *int            `json:"id"`
	Instr  json.RawMessage `json:"instr"`
}

var decoders = map[string]func() Instr{
	TypeInsert:         func() Instr { return &Insert{} },
	TypeDelete:         func() Instr { return &Delete{} },
	TypeSnapshot:       func() Instr { return &Snapshot{} },
	TypeMove:           func() Instr { return &Move{} },
	TypeJoin:           func() Instr { return &Join{} },
	TypeJoinReply:      func() Instr { return &JoinReply{} },
	TypeSuccess:        func() Instr { return &Success{} },
	TypeNewJoin:        func() Instr { return &NewJoin{} },
	TypeRequestGive:    func() Instr { return &RequestGive{} },
	TypeRequestControl: func() Instr { return &RequestControl{} },
	TypeHandoffReply:   func() Instr { return &HandoffReply{} },
	TypeDriver:         func() Instr { return &Driver{} },
	TypeLeave:          func() Instr { return &Leave{} },
	TypeEnd:            func() Instr { return &End{} },
	TypeLastWillExit:   func() Instr { return &LastWillExit{} },
}

// Encode frames instr as sent by sender.
func Encode(sender int, instr Instr) ([]byte, error) {
	body, err := json.Marshal(instr)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("wire: %s does not encode to an object", instr.Type())
	}
	var b bytes.Buffer
	b.WriteString(`{"type":`)
	t, _ := json.Marshal(instr.Type())
	b.Write(t)
	if len(body) > 2 {
		b.WriteByte(',')
	}
	b.Write(body[1:])
	return json.Marshal(rawEnvelope{Sender: &sender, Instr: b.Bytes()})
}

// Decode parses an envelope and its instruction through the decode table.
func Decode(payload []byte) (Envelope, error) {
	var raw rawEnvelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if raw.Sender == nil || len(raw.Instr) == 0 || string(raw.Instr) == "null" {
		return Envelope{}, fmt.Errorf("%w: missing sender or instruction", ErrProtocol)
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw.Instr, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	newInstr, ok := decoders[head.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: unknown instruction type %q", ErrProtocol, head.Type)
	}
	instr := newInstr()
	if err := json.Unmarshal(raw.Instr, instr); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrProtocol, head.Type, err)
	}
	if v, ok := instr.(validator); ok {
		if err := v.validate(); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s: %v", ErrProtocol, head.Type, err)
		}
	}
	return Envelope{Sender: *raw.Sender, Instr: instr}, nil
}
