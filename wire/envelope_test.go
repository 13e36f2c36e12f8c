package wire

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"

	"collabtext/codelive/crdt"
)

func TestEncodeShape(t *testing.T) {
	b, err := Encode(3, &Move{Doc: 1, User: 3, UserPos: "2.4"})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `{"id":3,"instr":{"type":"M","doc":1,"user":3,"user_pos":"2.4"}}`)

	b, err = Encode(0, &End{})
	assert.Equal(t, err, nil)
	assert.Equal(t, string(b), `{"id":0,"instr":{"type":"end"}}`)
}

func TestDecodeInsert(t *testing.T) {
	in := &Insert{
		Doc:     2,
		Pos:     "1.0",
		Text:    "hi",
		UserPos: "1.2",
		Chars: []Char{
			{Value: "h", Pos: crdt.Position{Path: []int{3}, Site: 1}},
			{Value: "i", Pos: crdt.Position{Path: []int{3, 8}, Site: 1}},
		},
	}
	b, err := Encode(1, in)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(b), `"p":[3,8,1]`), true)

	env, err := Decode(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, env.Sender, 1)
	assert.Equal(t, env.Instr, in)
}

func TestDecodeMembership(t *testing.T) {
	next := 2
	cases := []Instr{
		&Join{Name: "Alex", Reply: "root/UserManagement/x", Token: "t"},
		&RequestGive{Name: "Host", Reply: "r"},
		&RequestControl{Name: "Kim", Reply: "r"},
		&HandoffReply{Request: TypeRequestControl, Approved: true, Term: 2},
		&Driver{Driver: 4, Term: 3, NextID: 6},
		&Leave{NewHost: &next},
		&Leave{},
		&LastWillExit{Token: "01H"},
		&NewJoin{User: User{ID: 1, Name: "Alex", Color: "green"}},
	}
	for _, instr := range cases {
		b, err := Encode(7, instr)
		assert.Equal(t, err, nil)
		env, err := Decode(b)
		assert.Equal(t, err, nil)
		assert.Equal(t, env.Instr.Type(), instr.Type())
		assert.Equal(t, env.Instr, instr)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		`not json`,
		`{"instr":{"type":"M"}}`,
		`{"id":1}`,
		`{"id":1,"instr":null}`,
		`{"id":1,"instr":{"type":"nope"}}`,
		`{"id":1,"instr":{"type":"join","name":"x"}}`,
		`{"id":1,"instr":{"type":"I","doc":0,"text":"a"}}`,
		`{"id":1,"instr":{"type":"I","chars":[{"v":"a","p":[4]}]}}`,
	}
	for _, s := range bad {
		_, err := Decode([]byte(s))
		assert.Equal(t, errors.Is(err, ErrProtocol), true)
	}
}

func TestUserRecord(t *testing.T) {
	u := User{ID: 2, Name: "Alex (2)", Color: "red", IsHost: true, DocID: 1, Position: "3.1", Token: "tok"}
	b, err := json.Marshal(u)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(string(b), `{"_type":"User","value":{`), true)

	var got User
	assert.Equal(t, json.Unmarshal(b, &got), nil)
	assert.Equal(t, got, u)

	err = json.Unmarshal([]byte(`{"_type":"Robot","value":{}}`), &got)
	assert.Equal(t, errors.Is(err, ErrProtocol), true)
}

func TestJoinReplyCarriesUsersAndDocs(t *testing.T) {
	reply := &JoinReply{
		Name:     "Alex",
		Assigned: 1,
		Color:    "blue",
		NextID:   2,
		Docs: map[int]DocState{
			0: {Title: "main.py", Content: "x"},
		},
		Users: []User{{ID: 0, Name: "Host", IsHost: true}},
	}
	b, err := Encode(0, reply)
	assert.Equal(t, err, nil)
	env, err := Decode(b)
	assert.Equal(t, err, nil)
	assert.Equal(t, env.Instr, reply)
}

func TestTopics(t *testing.T) {
	topics := Topics{Root: "blue_red:1234"}
	assert.Equal(t, topics.Doc(), "blue_red:1234")
	assert.Equal(t, topics.Members(), "blue_red:1234/UserManagement")
	assert.Equal(t, topics.Site(3), "blue_red:1234/UserManagement/3")

	reply := topics.NewReply()
	assert.Equal(t, topics.IsReply(reply), true)
	assert.Equal(t, topics.IsReply(topics.Site(3)), false)
	assert.NotEqual(t, reply, topics.NewReply())
}

func TestGenerateTopic(t *testing.T) {
	topic := GenerateTopic(rand.New(rand.NewSource(1)))
	words, digits, ok := strings.Cut(topic, ":")
	assert.Equal(t, ok, true)
	assert.Equal(t, len(strings.Split(words, "_")), 4)
	assert.Equal(t, len(digits), 4)
}
