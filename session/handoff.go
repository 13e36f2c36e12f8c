package session

import (
	"context"
	"time"

	"github.com/golang/glog"

	"collabtext/codelive/wire"
)

// handoff is an outstanding request_give or request_control. At most one
// is pending per session; a new request supersedes it.
type handoff struct {
	kind   string
	reply  string
	target int
	result chan error
}

// GiveControl offers the driver role to target and waits for the answer.
// Without an answer before the handoff timeout the request counts as
// denied and ErrTimeout is returned.
func (s *Session) GiveControl(ctx context.Context, target int) error {
	s.mu.Lock()
	if s.state != Active || s.driver != s.site {
		s.mu.Unlock()
		return ErrRoleViolation
	}
	if _, ok := s.roster[target]; !ok || target == s.site {
		s.mu.Unlock()
		return ErrUnknownUser
	}
	s.mu.Unlock()
	return s.request(ctx, wire.TypeRequestGive, target)
}

// RequestControl asks the current driver for the driver role.
func (s *Session) RequestControl(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.driver == s.site {
		s.mu.Unlock()
		return nil
	}
	target := s.driver
	s.mu.Unlock()
	return s.request(ctx, wire.TypeRequestControl, target)
}

func (s *Session) request(ctx context.Context, kind string, target int) error {
	h := &handoff{
		kind:   kind,
		reply:  s.topics.NewReply(),
		target: target,
		result: make(chan error, 1),
	}
	s.mu.Lock()
	if prev := s.pending; prev != nil {
		prev.result <- ErrSuperseded
	}
	s.pending = h
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending == h {
			s.pending = nil
		}
		s.mu.Unlock()
	}()

	if err := s.t.Subscribe(ctx, h.reply, s.enqueue); err != nil {
		return err
	}
	defer func() {
		if err := s.t.Unsubscribe(context.Background(), h.reply); err != nil {
			glog.V(1).Infof("[session]unsubscribe %s: %s\n", h.reply, err)
		}
	}()

	var instr wire.Instr
	if kind == wire.TypeRequestGive {
		instr = &wire.RequestGive{Name: s.Name(), Reply: h.reply}
	} else {
		instr = &wire.RequestControl{Name: s.Name(), Reply: h.reply}
	}
	if err := s.send(ctx, s.topics.Site(target), instr); err != nil {
		return err
	}

	timer := time.NewTimer(s.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case err := <-h.result:
		return err
	case <-timer.C:
		glog.Warningf("[session]%s to site %d timed out\n", kind, target)
		return s.withdraw(h, ErrTimeout)
	case <-ctx.Done():
		return s.withdraw(h, ctx.Err())
	case <-s.done:
		return ErrClosed
	}
}

// withdraw drops h unless a reply or a newer request already settled it,
// in which case that outcome is returned.
func (s *Session) withdraw(h *handoff, err error) error {
	s.mu.Lock()
	live := s.pending == h
	if live {
		s.pending = nil
	}
	s.mu.Unlock()
	if live {
		return err
	}
	return <-h.result
}

func (s *Session) handleHandoffReply(topic string, r *wire.HandoffReply) {
	s.mu.Lock()
	h := s.pending
	if h == nil || h.reply != topic {
		s.mu.Unlock()
		glog.V(1).Infof("[session]stale handoff reply on %s\n", topic)
		return
	}
	s.pending = nil
	if !r.Approved {
		s.mu.Unlock()
		h.result <- ErrRejected
		return
	}
	next := h.target
	if h.kind == wire.TypeRequestControl {
		next = s.site
	} else if s.driver != s.site {
		// a concurrent assignment took the role first
		s.mu.Unlock()
		h.result <- ErrSuperseded
		return
	}
	term := s.term
	if r.Term > term {
		term = r.Term
	}
	events := s.adoptDriverLocked(next, term+1, true)
	announce := &wire.Driver{Driver: s.driver, Term: s.term, NextID: s.nextID}
	s.mu.Unlock()

	if err := s.post(s.topics.Members(), announce); err != nil {
		glog.Warningf("[session]announce driver: %s\n", err)
	}
	s.emitAll(events)
	h.result <- nil
}

// answer decides an incoming handoff request. It runs on its own goroutine
// since the approver may wait for the user. Only the requester changes the
// assignment, and only while its request is still pending, so an approval
// that arrives after the requester gave up changes nothing.
func (s *Session) answer(r Request, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandoffTimeout)
	approved := s.cfg.Approver.Approve(ctx, r)
	cancel()

	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	// the request may no longer apply
	switch r.Kind {
	case wire.TypeRequestGive:
		approved = approved && s.driver == r.From
	case wire.TypeRequestControl:
		_, member := s.roster[r.From]
		approved = approved && member && s.driver == s.site
	}
	if approved && r.Kind == wire.TypeRequestControl {
		s.granted = r.From
	}
	answer := &wire.HandoffReply{Request: r.Kind, Approved: approved, Term: s.term}
	s.mu.Unlock()

	glog.Infof("[session]%s from site %d: approved=%t\n", r.Kind, r.From, approved)
	if err := s.post(reply, answer); err != nil {
		glog.Warningf("[session]handoff reply: %s\n", err)
	}
}

// adoptDriverLocked applies a driver assignment. A higher term wins; on
// equal terms the lower site id wins, so every replica settles on the same
// driver whatever order concurrent assignments arrive in. intended marks
// assignments this participant agreed to.
func (s *Session) adoptDriverLocked(driver, term int, intended bool) []Event {
	if term < s.term || (term == s.term && driver >= s.driver) {
		return nil
	}
	prev := s.driver
	s.driver = driver
	s.term = term
	if prev == driver {
		return nil
	}
	granted := s.granted == driver
	s.granted = -1
	events := []Event{{Kind: DriverChanged, User: s.roster[driver], Driver: driver, Term: term}}
	if prev == s.site && !intended && !granted && !s.pendingGiveLocked(driver) {
		events = append(events, Event{Kind: HandoffLost, User: s.roster[driver], Driver: driver, Term: term})
	}
	return events
}

// pendingGiveLocked reports whether the local driver is handing the role
// to target on purpose.
func (s *Session) pendingGiveLocked(target int) bool {
	return s.pending != nil && s.pending.kind == wire.TypeRequestGive && s.pending.target == target
}

func (s *Session) emitAll(events []Event) {
	for _, e := range events {
		glog.V(1).Infof("[session]%s: site %d (term %d)\n", e.Kind, e.Driver, e.Term)
		s.emit(e)
	}
}

// post sends from the session goroutine with a bounded wait.
func (s *Session) post(topic string, instr wire.Instr) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return s.send(ctx, topic, instr)
}
