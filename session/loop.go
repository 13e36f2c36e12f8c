package session

import (
	"fmt"

	"github.com/golang/glog"

	"collabtext/codelive/wire"
)

func (s *Session) loop() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.inbox:
			s.handle(m.Topic, m.Payload)
		}
	}
}

func (s *Session) handle(topic string, payload []byte) {
	env, err := wire.Decode(payload)
	if err != nil {
		glog.Warningf("[session]drop message on %s: %s\n", topic, err)
		return
	}

	s.mu.Lock()
	state, site := s.state, s.site
	if state == Joining {
		if reply, ok := env.Instr.(*wire.JoinReply); ok && topic == s.joinReply {
			s.mu.Unlock()
			s.handleJoinReply(env.Sender, reply)
			return
		}
		s.buffered = append(s.buffered, env)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if state != Active {
		return
	}
	if env.Sender == site {
		// our own broadcast
		return
	}
	s.dispatch(topic, env)
}

func (s *Session) dispatch(topic string, env wire.Envelope) {
	glog.V(2).Infof("[session]%d <- %d %s on %s\n", s.Site(), env.Sender, env.Instr.Type(), topic)
	switch instr := env.Instr.(type) {
	case *wire.Insert, *wire.Delete, *wire.Snapshot:
		s.applyDoc(env.Sender, instr)
	case *wire.Move:
		s.handleMove(env.Sender, instr)
	case *wire.Join:
		s.handleJoin(env.Sender, instr)
	case *wire.JoinReply:
		// answer to an earlier attempt
	case *wire.Success:
		s.handleSuccess(instr)
	case *wire.NewJoin:
		s.handleNewJoin(instr)
	case *wire.RequestGive:
		go s.answer(Request{Kind: instr.Type(), From: env.Sender, Name: instr.Name}, instr.Reply)
	case *wire.RequestControl:
		go s.answer(Request{Kind: instr.Type(), From: env.Sender, Name: instr.Name}, instr.Reply)
	case *wire.HandoffReply:
		s.handleHandoffReply(topic, instr)
	case *wire.Driver:
		s.mu.Lock()
		if instr.NextID > s.nextID {
			s.nextID = instr.NextID
		}
		events := s.adoptDriverLocked(instr.Driver, instr.Term, false)
		s.mu.Unlock()
		s.emitAll(events)
	case *wire.Leave:
		s.handleDeparture(env.Sender, instr.NewHost)
	case *wire.LastWillExit:
		s.handleWill(instr.Token)
	case *wire.End:
		s.handleEnd(env.Sender)
	default:
		glog.Warningf("[session]unhandled %s from %d\n", env.Instr.Type(), env.Sender)
	}
}

func (s *Session) applyDoc(sender int, instr wire.Instr) {
	if err := s.Docs().Apply(sender, instr); err != nil {
		glog.Warningf("[session]apply %s from %d: %s\n", instr.Type(), sender, err)
	}
}

func (s *Session) handleMove(sender int, m *wire.Move) {
	s.applyDoc(sender, m)
	s.mu.Lock()
	u, ok := s.roster[m.User]
	if ok {
		u.DocID = m.Doc
		u.Position = m.UserPos
		s.roster[m.User] = u
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Kind: CursorMoved, User: u})
	}
}

// handleJoin admits a participant. Only the driver answers; a repeated
// request for the same reply address gets the same assignment.
func (s *Session) handleJoin(sender int, j *wire.Join) {
	s.mu.Lock()
	if s.driver != s.site {
		s.mu.Unlock()
		return
	}
	u, ok := s.joins[j.Reply]
	if !ok {
		id := s.nextID
		s.nextID += 1
		name := j.Name
		if s.nameTakenLocked(name) {
			name = fmt.Sprintf("%s (%d)", name, id)
		}
		u = wire.User{ID: id, Name: name, Color: s.colorLocked(id), Token: j.Token}
		s.joins[j.Reply] = u
	}
	reply := &wire.JoinReply{
		Name:     u.Name,
		Assigned: u.ID,
		Color:    u.Color,
		Term:     s.term,
		NextID:   s.nextID,
		Users:    s.rosterLocked(),
	}
	docs := s.docs
	s.mu.Unlock()

	reply.Docs = docs.Export()
	glog.V(1).Infof("[session]admitting %q as site %d\n", u.Name, u.ID)
	if err := s.post(j.Reply, reply); err != nil {
		glog.Warningf("[session]join reply to %s: %s\n", j.Reply, err)
	}
}

func (s *Session) nameTakenLocked(name string) bool {
	for _, u := range s.roster {
		if u.Name == name {
			return true
		}
	}
	for _, u := range s.joins {
		if u.Name == name {
			return true
		}
	}
	return false
}

func (s *Session) handleJoinReply(answerer int, r *wire.JoinReply) {
	self := wire.User{ID: r.Assigned, Name: r.Name, Color: r.Color, Token: s.token}

	s.mu.Lock()
	s.site = r.Assigned
	s.name = r.Name
	s.term = r.Term
	s.driver = answerer
	s.nextID = r.NextID
	s.roster = map[int]wire.User{}
	for _, u := range r.Users {
		if u.IsHost {
			s.driver = u.ID
		}
		u.IsHost = false
		s.roster[u.ID] = u
		s.seenLocked(u.ID)
	}
	s.roster[self.ID] = self
	s.seenLocked(self.ID)
	docs := s.newSynchronizer(r.Assigned)
	s.docs = docs
	s.mu.Unlock()

	docs.Import(answerer, r.Docs)

	s.mu.Lock()
	buffered := s.buffered
	s.buffered = nil
	s.state = Active
	s.mu.Unlock()

	for _, env := range buffered {
		if env.Sender == self.ID {
			continue
		}
		s.dispatch("", env)
	}
	select {
	case s.joined <- answerer:
	default:
	}
}

func (s *Session) handleSuccess(m *wire.Success) {
	u := m.User
	u.IsHost = false
	s.mu.Lock()
	_, known := s.roster[u.ID]
	s.roster[u.ID] = u
	s.seenLocked(u.ID)
	s.mu.Unlock()
	if known {
		return
	}
	if err := s.post(s.topics.Members(), &wire.NewJoin{User: u}); err != nil {
		glog.Warningf("[session]announce %q: %s\n", u.Name, err)
	}
	glog.Infof("[session]%q joined as site %d\n", u.Name, u.ID)
	s.emit(Event{Kind: UserJoined, User: u})
}

func (s *Session) handleNewJoin(m *wire.NewJoin) {
	u := m.User
	u.IsHost = false
	s.mu.Lock()
	_, known := s.roster[u.ID]
	s.roster[u.ID] = u
	s.seenLocked(u.ID)
	s.mu.Unlock()
	if !known {
		s.emit(Event{Kind: UserJoined, User: u})
	}
}

// handleDeparture removes a member. When it was the driver, the nominated
// successor takes over, or the lowest remaining id if there is none.
func (s *Session) handleDeparture(id int, nominee *int) {
	s.mu.Lock()
	u, ok := s.roster[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.roster, id)
	for reply, j := range s.joins {
		if j.ID == id {
			delete(s.joins, reply)
		}
	}
	var change *Event
	if id == s.driver {
		next, found := s.lowestLocked(-1)
		if nominee != nil {
			if _, member := s.roster[*nominee]; member {
				next, found = *nominee, true
			}
		}
		if found {
			s.term += 1
			s.driver = next
			change = &Event{Kind: DriverChanged, User: s.roster[next], Driver: next, Term: s.term}
		}
	}
	s.mu.Unlock()

	glog.Infof("[session]%q left\n", u.Name)
	s.emit(Event{Kind: UserLeft, User: u})
	if change != nil {
		glog.Infof("[session]driver is now site %d (term %d)\n", change.Driver, change.Term)
		s.emit(*change)
	}
}

func (s *Session) handleWill(token string) {
	s.mu.Lock()
	id, found := -1, false
	for _, u := range s.roster {
		if u.Token == token {
			id, found = u.ID, true
			break
		}
	}
	for reply, j := range s.joins {
		if j.Token == token {
			delete(s.joins, reply)
		}
	}
	s.mu.Unlock()
	if found {
		glog.Warningf("[session]site %d disconnected\n", id)
		s.handleDeparture(id, nil)
	}
}

func (s *Session) handleEnd(sender int) {
	s.mu.Lock()
	if sender != s.driver {
		s.mu.Unlock()
		glog.Warningf("[session]ignoring end from non-driver %d\n", sender)
		return
	}
	s.state = Ended
	s.mu.Unlock()

	glog.Infof("[session]session ended by site %d\n", sender)
	s.emit(Event{Kind: SessionEnded, Driver: sender})
	s.Close()
}
