package wire

import (
	"errors"

	"collabtext/codelive/crdt"
)

// Document instruction types.
const (
	TypeInsert   = "I"
	TypeDelete   = "D"
	TypeSnapshot = "S"
	TypeMove     = "M"
)

// Char is a sequence element on the wire.
type Char struct {
	Value string        `json:"v"`
	Pos   crdt.Position `json:"p"`
}

// Chars converts elements for sending.
func Chars(elems []crdt.Element) []Char {
	out := make([]Char, len(elems))
	for i, e := range elems {
		out[i] = Char{Value: e.Value, Pos: e.Pos}
	}
	return out
}

// Elements converts received chars back into sequence elements.
func Elements(chars []Char) []crdt.Element {
	out := make([]crdt.Element, len(chars))
	for i, c := range chars {
		out[i] = crdt.Element{Value: c.Value, Pos: c.Pos}
	}
	return out
}

// Insert adds Text at the location hint Pos. Chars carries one element per
// inserted rune with the positions allocated by the author.
type Insert struct {
	Doc     int    `json:"doc"`
	Pos     string `json:"pos"`
	Text    string `json:"text"`
	UserPos string `json:"user_pos"`
	Chars   []Char `json:"chars"`
}

func (*Insert) Type() string { return TypeInsert }

func (i *Insert) validate() error {
	if len(i.Chars) == 0 {
		return errors.New("insert without chars")
	}
	return nil
}

// Delete removes the range [Start, End) (a single character when End is
// absent). Positions lists the removed elements.
type Delete struct {
	Doc       int             `json:"doc"`
	Start     string          `json:"start"`
	End       *string         `json:"end,omitempty"`
	UserPos   string          `json:"user_pos"`
	Positions []crdt.Position `json:"positions"`
}

func (*Delete) Type() string { return TypeDelete }

// Snapshot replaces a whole document. Chars is authoritative when present;
// otherwise receivers rebuild positions from Text deterministically.
type Snapshot struct {
	Doc     int    `json:"doc"`
	Text    string `json:"text"`
	UserPos string `json:"user_pos"`
	Chars   []Char `json:"chars,omitempty"`
}

func (*Snapshot) Type() string { return TypeSnapshot }

// Move reports a cursor position. It never changes a document.
type Move struct {
	Doc     int    `json:"doc"`
	User    int    `json:"user"`
	UserPos string `json:"user_pos"`
}

func (*Move) Type() string { return TypeMove }
