package wire

import "errors"

// Membership instruction types.
const (
	TypeJoin           = "join"
	TypeJoinReply      = "join_reply"
	TypeSuccess        = "success"
	TypeNewJoin        = "new_join"
	TypeRequestGive    = "request_give"
	TypeRequestControl = "request_control"
	TypeHandoffReply   = "handoff_reply"
	TypeDriver         = "driver"
	TypeLeave          = "leave"
	TypeEnd            = "end"
	TypeLastWillExit   = "lastWillExit"
)

var errNoReply = errors.New("missing reply address")

// Join asks the driver for admission. The answer goes to Reply.
type Join struct {
	Name  string `json:"name"`
	Reply string `json:"reply"`
	Token string `json:"token"`
}

func (*Join) Type() string { return TypeJoin }

func (j *Join) validate() error {
	if j.Reply == "" {
		return errNoReply
	}
	return nil
}

// DocState is one shared document in a join reply.
type DocState struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Chars   []Char `json:"chars,omitempty"`
}

// JoinReply admits a participant under the assigned id and name.
type JoinReply struct {
	Name     string           `json:"name"`
	Assigned int              `json:"id_assigned"`
	Color    string           `json:"color"`
	Term     int              `json:"term"`
	NextID   int              `json:"next_id"`
	Docs     map[int]DocState `json:"docs"`
	Users    []User           `json:"users"`
}

func (*JoinReply) Type() string { return TypeJoinReply }

// Success confirms a join to the participant that answered it.
type Success struct {
	User User `json:"user"`
}

func (*Success) Type() string { return TypeSuccess }

// NewJoin announces a confirmed member to the whole roster.
type NewJoin struct {
	User User `json:"user"`
}

func (*NewJoin) Type() string { return TypeNewJoin }

// RequestGive offers the driver role to the addressed participant.
type RequestGive struct {
	Name  string `json:"name"`
	Reply string `json:"reply"`
}

func (*RequestGive) Type() string { return TypeRequestGive }

func (r *RequestGive) validate() error {
	if r.Reply == "" {
		return errNoReply
	}
	return nil
}

// RequestControl asks the addressed driver for the driver role.
type RequestControl struct {
	Name  string `json:"name"`
	Reply string `json:"reply"`
}

func (*RequestControl) Type() string { return TypeRequestControl }

func (r *RequestControl) validate() error {
	if r.Reply == "" {
		return errNoReply
	}
	return nil
}

// HandoffReply answers a RequestGive or RequestControl. Term is the
// answering participant's current term; the requester announces the new
// assignment itself.
type HandoffReply struct {
	Request  string `json:"request"`
	Approved bool   `json:"approved"`
	Term     int    `json:"term"`
}

func (*HandoffReply) Type() string { return TypeHandoffReply }

// Driver announces a new driver. Higher terms win; equal terms resolve to
// the lower site id. NextID carries the id high-water mark to the new
// driver.
type Driver struct {
	Driver int `json:"driver"`
	Term   int `json:"term"`
	NextID int `json:"next_id"`
}

func (*Driver) Type() string { return TypeDriver }

// Leave announces a clean departure of the sender. A departing driver
// nominates NewHost.
type Leave struct {
	NewHost *int `json:"new_host"`
}

func (*Leave) Type() string { return TypeLeave }

// End closes the session for everyone. Only the driver may send it.
type End struct{}

func (*End) Type() string { return TypeEnd }

// LastWillExit is registered with the transport at connect time and
// delivered on an unclean disconnect. NewHost is always null; receivers
// nominate the successor themselves.
type LastWillExit struct {
	Token   string `json:"token"`
	NewHost *int   `json:"new_host"`
}

func (*LastWillExit) Type() string { return TypeLastWillExit }
