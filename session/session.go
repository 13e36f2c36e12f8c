// Package session runs one participant of a codelive session: the join
// handshake, the roster, the single driver role and its handoffs, and
// the delivery of document operations to the synchronizer.
//
// All transport deliveries go through one inbox drained by the session's
// own goroutine. Blocking calls (Join, GiveControl, RequestControl) wait on
// the caller's goroutine with a deadline.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"collabtext/codelive/crdt"
	"collabtext/codelive/docsync"
	"collabtext/codelive/transport"
	"collabtext/codelive/wire"
)

const (
	DefaultJoinTimeout    = 5 * time.Second
	DefaultJoinRetries    = 3
	DefaultHandoffTimeout = 30 * time.Second

	inboxSize      = 1024
	eventsSize     = 256
	publishTimeout = 10 * time.Second
)

type Config struct {
	Name string
	// Topic is the session root, see wire.GenerateTopic.
	Topic          string
	JoinTimeout    time.Duration
	JoinRetries    int
	HandoffTimeout time.Duration
	Approver       Approver
	ResyncDelay    time.Duration
	CRDT           []crdt.Option
	Listener       docsync.Listener
}

func (c Config) withDefaults() Config {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = DefaultJoinTimeout
	}
	if c.JoinRetries <= 0 {
		c.JoinRetries = DefaultJoinRetries
	}
	if c.HandoffTimeout <= 0 {
		c.HandoffTimeout = DefaultHandoffTimeout
	}
	if c.Approver == nil {
		c.Approver = AutoApprove(false)
	}
	return c
}

// Doc is a document shared when hosting.
type Doc struct {
	Title   string
	Content string
}

type Session struct {
	cfg    Config
	t      transport.Transport
	topics wire.Topics
	token  string

	inbox    chan transport.Message
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once

	// join handshake
	joinReply string
	joined    chan int

	mu       sync.Mutex
	state    State
	site     int
	name     string
	driver   int
	term     int
	// nextID is the lowest id never handed out. Ids are not reused, so a
	// new site can never re-issue positions a departed one created.
	nextID   int
	roster   map[int]wire.User
	joins    map[string]wire.User
	pending  *handoff
	// granted is the site this driver last approved a request_control
	// from, or -1.
	granted  int
	buffered []wire.Envelope
	docs     *docsync.Synchronizer
}

func newSession(cfg Config, t transport.Transport) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:     cfg,
		t:       t,
		topics:  wire.Topics{Root: cfg.Topic},
		token:   ulid.Make().String(),
		inbox:   make(chan transport.Message, inboxSize),
		events:  make(chan Event, eventsSize),
		done:    make(chan struct{}),
		name:    cfg.Name,
		roster:  map[int]wire.User{},
		joins:   map[string]wire.User{},
		granted: -1,
	}
}

// Host creates a session as site 0, the initial driver, sharing docs.
func Host(ctx context.Context, cfg Config, t transport.Transport, docs ...Doc) (*Session, error) {
	s := newSession(cfg, t)
	s.state = Active
	s.nextID = 1
	s.roster[0] = wire.User{ID: 0, Name: s.name, Color: wire.Colors[0], IsHost: true, Token: s.token}
	s.docs = s.newSynchronizer(0)
	for _, d := range docs {
		s.docs.Open(d.Title, d.Content)
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	for _, topic := range []string{s.topics.Doc(), s.topics.Members(), s.topics.Site(0)} {
		if err := s.t.Subscribe(ctx, topic, s.enqueue); err != nil {
			s.Close()
			return nil, fmt.Errorf("session: subscribe %s: %w", topic, err)
		}
	}
	go s.loop()
	glog.Infof("[session]hosting %s as %q\n", s.topics.Root, s.name)
	return s, nil
}

// Join asks the driver of the session at cfg.Topic for admission. Document
// operations seen while waiting are applied once the documents arrive.
func Join(ctx context.Context, cfg Config, t transport.Transport) (*Session, error) {
	s := newSession(cfg, t)
	s.state = Joining
	s.site = -1
	s.joinReply = s.topics.NewReply()
	s.joined = make(chan int, 1)

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	for _, topic := range []string{s.topics.Doc(), s.topics.Members(), s.joinReply} {
		if err := s.t.Subscribe(ctx, topic, s.enqueue); err != nil {
			s.Close()
			return nil, fmt.Errorf("session: subscribe %s: %w", topic, err)
		}
	}
	go s.loop()

	answerer := -1
	attempt := func() error {
		err := s.send(ctx, s.topics.Members(), &wire.Join{Name: s.cfg.Name, Reply: s.joinReply, Token: s.token})
		if err != nil {
			return err
		}
		timer := time.NewTimer(s.cfg.JoinTimeout)
		defer timer.Stop()
		select {
		case answerer = <-s.joined:
			return nil
		case <-timer.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.JoinRetries-1)), ctx)
	err := backoff.RetryNotify(attempt, b, func(err error, next time.Duration) {
		glog.Warningf("[session]join %s: %s (retry in %s)\n", s.topics.Root, err, next)
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("session: join %s: %w", s.topics.Root, err)
	}

	s.mu.Lock()
	self := s.roster[s.site]
	s.mu.Unlock()
	if err := s.t.Subscribe(ctx, s.topics.Site(self.ID), s.enqueue); err != nil {
		s.Close()
		return nil, fmt.Errorf("session: subscribe own topic: %w", err)
	}
	if err := s.t.Unsubscribe(ctx, s.joinReply); err != nil {
		glog.Warningf("[session]unsubscribe %s: %s\n", s.joinReply, err)
	}
	if err := s.send(ctx, s.topics.Site(answerer), &wire.Success{User: self}); err != nil {
		s.Close()
		return nil, err
	}
	glog.Infof("[session]joined %s as %q (site %d)\n", s.topics.Root, self.Name, self.ID)
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	site := s.site
	s.mu.Unlock()
	will, err := wire.Encode(site, &wire.LastWillExit{Token: s.token})
	if err != nil {
		return err
	}
	if err := s.t.Connect(ctx, &transport.Will{Topic: s.topics.Members(), Payload: will}); err != nil {
		return fmt.Errorf("session: connect: %w", err)
	}
	return nil
}

func (s *Session) newSynchronizer(site int) *docsync.Synchronizer {
	opts := []docsync.Option{
		docsync.WithResyncDelay(s.cfg.ResyncDelay),
		docsync.WithCRDTOptions(s.cfg.CRDT...),
	}
	if s.cfg.Listener != nil {
		opts = append(opts, docsync.WithListener(s.cfg.Listener))
	}
	return docsync.New(site, s.publishDoc, s.IsDriver, opts...)
}

func (s *Session) publishDoc(instr wire.Instr) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return s.send(ctx, s.topics.Doc(), instr)
}

func (s *Session) send(ctx context.Context, topic string, instr wire.Instr) error {
	s.mu.Lock()
	site := s.site
	s.mu.Unlock()
	b, err := wire.Encode(site, instr)
	if err != nil {
		return err
	}
	glog.V(2).Infof("[session]%d -> %s %s\n", site, topic, instr.Type())
	if err := s.t.Publish(ctx, topic, b, false); err != nil {
		return fmt.Errorf("session: publish %s: %w", instr.Type(), err)
	}
	return nil
}

func (s *Session) enqueue(m transport.Message) {
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

func (s *Session) emit(e Event) {
	select {
	case s.events <- e:
	default:
		glog.Warningf("[session]event queue full, dropped %s\n", e.Kind)
	}
}

// Docs returns the document synchronizer. It is nil until the session is
// active.
func (s *Session) Docs() *docsync.Synchronizer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs
}

func (s *Session) Topic() string {
	return s.topics.Root
}

// Site returns the local site id, or -1 while joining.
func (s *Session) Site() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.site
}

func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsDriver reports whether the local participant may edit.
func (s *Session) IsDriver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Active && s.driver == s.site
}

// Driver returns the current driver and its term.
func (s *Session) Driver() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.driver, s.term
}

// Roster returns the members ordered by site id.
func (s *Session) Roster() []wire.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rosterLocked()
}

func (s *Session) rosterLocked() []wire.User {
	ids := maps.Keys(s.roster)
	slices.Sort(ids)
	users := make([]wire.User, len(ids))
	for i, id := range ids {
		u := s.roster[id]
		u.IsHost = id == s.driver
		users[i] = u
	}
	return users
}

// Events reports roster and role changes. Events are dropped when nobody
// reads them.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the session has left, ended or been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Leave announces a clean departure and disconnects. A leaving driver
// nominates the lowest remaining site id.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		s.Close()
		return nil
	}
	var next *int
	if s.driver == s.site {
		if id, ok := s.lowestLocked(s.site); ok {
			next = &id
		}
	}
	s.state = Left
	s.mu.Unlock()

	err := s.send(ctx, s.topics.Members(), &wire.Leave{NewHost: next})
	s.Close()
	return err
}

// End closes the session for every participant. Only the driver may end it.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Active || s.driver != s.site {
		s.mu.Unlock()
		return ErrRoleViolation
	}
	s.state = Ended
	s.mu.Unlock()

	err := s.send(ctx, s.topics.Members(), &wire.End{})
	s.emit(Event{Kind: SessionEnded})
	s.Close()
	return err
}

// Close disconnects without announcing anything.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		docs := s.docs
		s.mu.Unlock()
		if docs != nil {
			docs.Close()
		}
		if err := s.t.Close(); err != nil {
			glog.Warningf("[session]close transport: %s\n", err)
		}
	})
}

// lowestLocked returns the lowest member id other than except.
func (s *Session) lowestLocked(except int) (int, bool) {
	best, found := 0, false
	for id := range s.roster {
		if id == except {
			continue
		}
		if !found || id < best {
			best, found = id, true
		}
	}
	return best, found
}

// colorLocked picks the first palette colour nobody holds or has reserved,
// cycling by id once all are taken.
// seenLocked raises the id high-water mark past id.
func (s *Session) seenLocked(id int) {
	if id >= s.nextID {
		s.nextID = id + 1
	}
}

func (s *Session) colorLocked(id int) string {
	used := map[string]bool{}
	for _, u := range s.roster {
		used[u.Color] = true
	}
	for _, u := range s.joins {
		used[u.Color] = true
	}
	for _, c := range wire.Colors {
		if !used[c] {
			return c
		}
	}
	return wire.Colors[id%len(wire.Colors)]
}
