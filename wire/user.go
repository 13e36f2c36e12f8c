package wire

import (
	"encoding/json"
	"fmt"
)

const recordUser = "User"

// User is a roster entry. IsHost is the driver flag; Token identifies the
// connection the participant joined with and is matched against last-will
// notices.
type User struct {
	ID       int
	Name     string
	Color    string
	IsHost   bool
	DocID    int
	Position string
	Token    string
}

type userValue struct {
	Name     string `json:"name"`
	ID       int    `json:"id"`
	DocID    int    `json:"doc_id"`
	Position string `json:"position"`
	Color    string `json:"color"`
	IsHost   bool   `json:"is_host"`
	Token    string `json:"token,omitempty"`
}

// tagged is the explicit record envelope: {"_type": ..., "value": ...}.
type tagged struct {
	Type  string          `json:"_type"`
	Value json.RawMessage `json:"value"`
}

func (u User) MarshalJSON() ([]byte, error) {
	value, err := json.Marshal(userValue{
		Name:     u.Name,
		ID:       u.ID,
		DocID:    u.DocID,
		Position: u.Position,
		Color:    u.Color,
		IsHost:   u.IsHost,
		Token:    u.Token,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(tagged{Type: recordUser, Value: value})
}

func (u *User) UnmarshalJSON(b []byte) error {
	var t tagged
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	if t.Type != recordUser {
		return fmt.Errorf("%w: record type %q, want %q", ErrProtocol, t.Type, recordUser)
	}
	var v userValue
	if err := json.Unmarshal(t.Value, &v); err != nil {
		return err
	}
	*u = User{
		ID:       v.ID,
		Name:     v.Name,
		Color:    v.Color,
		IsHost:   v.IsHost,
		DocID:    v.DocID,
		Position: v.Position,
		Token:    v.Token,
	}
	return nil
}
