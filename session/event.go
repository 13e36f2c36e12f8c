package session

import (
	"context"
	"errors"
	"fmt"

	"collabtext/codelive/docsync"
	"collabtext/codelive/wire"
)

var (
	ErrTimeout     = errors.New("session: timed out")
	ErrRejected    = errors.New("session: request rejected")
	ErrSuperseded  = errors.New("session: request superseded")
	ErrUnknownUser = errors.New("session: unknown user")
	ErrClosed      = errors.New("session: closed")
	// ErrRoleViolation is returned when a copilot attempts a driver-only
	// action. Nothing is sent.
	ErrRoleViolation = docsync.ErrRoleViolation
)

type State int

const (
	Joining State = iota
	Active
	Left
	Ended
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Left:
		return "left"
	case Ended:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type EventKind int

const (
	UserJoined EventKind = iota
	UserLeft
	DriverChanged
	CursorMoved
	// HandoffLost reports that a driver role this participant accepted was
	// overridden by a concurrent assignment.
	HandoffLost
	SessionEnded
)

func (k EventKind) String() string {
	switch k {
	case UserJoined:
		return "joined"
	case UserLeft:
		return "left"
	case DriverChanged:
		return "driver"
	case CursorMoved:
		return "cursor"
	case HandoffLost:
		return "handoff lost"
	case SessionEnded:
		return "ended"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event reports a roster or role change. Driver and Term are the
// assignment after the change.
type Event struct {
	Kind   EventKind
	User   wire.User
	Driver int
	Term   int
}

// Request describes an incoming handoff request.
type Request struct {
	// wire.TypeRequestGive or wire.TypeRequestControl
	Kind string
	From int
	Name string
}

// Approver decides handoff requests. It is called on its own goroutine and
// may block, for example to ask the user, until ctx expires.
type Approver interface {
	Approve(ctx context.Context, r Request) bool
}

type ApproverFunc func(ctx context.Context, r Request) bool

func (f ApproverFunc) Approve(ctx context.Context, r Request) bool {
	return f(ctx, r)
}

// AutoApprove answers every request with yes.
func AutoApprove(yes bool) Approver {
	return ApproverFunc(func(context.Context, Request) bool {
		return yes
	})
}
