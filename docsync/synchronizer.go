// Package docsync turns local edit intents into replicated operations and
// applies remote operations to the local replicas of a session's documents.
// Editor coordinates are only used at the boundary; every edit goes through
// the CRDT sequence.
package docsync

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"collabtext/codelive/crdt"
	"collabtext/codelive/wire"
)

var (
	// ErrRoleViolation is returned for edits attempted by a participant that
	// is not the driver. Nothing is transmitted.
	ErrRoleViolation = errors.New("docsync: only the driver may edit")
	ErrUnknownDoc    = errors.New("docsync: unknown document")
)

// DefaultResyncDelay is how long ScheduleResync waits for activity to settle.
const DefaultResyncDelay = time.Second

// Change is an applied remote operation, translated to editor coordinates.
type Change struct {
	Kind   string
	Doc    int
	Author int
	// Start and End bound the affected range before the change
	Start  Location
	End    Location
	Text   string
	Cursor Location
}

// Listener receives every change applied to a replica.
type Listener interface {
	Changed(Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Change)

func (f ListenerFunc) Changed(c Change) { f(c) }

// PublishFunc sends an instruction on the document channel.
type PublishFunc func(wire.Instr) error

type Option func(*Synchronizer)

func WithListener(l Listener) Option {
	return func(s *Synchronizer) {
		s.listener = l
	}
}

func WithResyncDelay(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.resyncDelay = d
		}
	}
}

// WithCRDTOptions passes allocator options to every document.
func WithCRDTOptions(opts ...crdt.Option) Option {
	return func(s *Synchronizer) {
		s.crdtOpts = opts
	}
}

type document struct {
	title string
	seq   *crdt.Document
}

// Synchronizer owns the replicas of all documents of one participant.
type Synchronizer struct {
	site        int
	publish     PublishFunc
	canEdit     func() bool
	listener    Listener
	resyncDelay time.Duration
	crdtOpts    []crdt.Option

	mu     sync.Mutex
	docs   map[int]*document
	timers map[int]*time.Timer
	closed bool
}

// New returns a synchronizer for site. canEdit reports whether the local
// participant currently holds the driver role.
func New(site int, publish PublishFunc, canEdit func() bool, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		site:        site,
		publish:     publish,
		canEdit:     canEdit,
		resyncDelay: DefaultResyncDelay,
		docs:        map[int]*document{},
		timers:      map[int]*time.Timer{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Site returns the local site id.
func (s *Synchronizer) Site() int {
	return s.site
}

// Open adds a document with initial content and returns its id.
func (s *Synchronizer) Open(title, content string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := 0
	for {
		if _, taken := s.docs[id]; !taken {
			break
		}
		id += 1
	}
	s.docs[id] = &document{
		title: title,
		seq:   crdt.FromText(s.site, s.site, content, s.crdtOpts...),
	}
	return id
}

// DocIDs returns the document ids in ascending order.
func (s *Synchronizer) DocIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := maps.Keys(s.docs)
	slices.Sort(ids)
	return ids
}

// Title returns the title of a document.
func (s *Synchronizer) Title(docID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownDoc, docID)
	}
	return d.title, nil
}

// Text returns the current content of a document.
func (s *Synchronizer) Text(docID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownDoc, docID)
	}
	return d.seq.Text(), nil
}

// Insert inserts text at a location and publishes the operation.
func (s *Synchronizer) Insert(docID int, at Location, text string, cursor Location) error {
	if !s.canEdit() {
		return ErrRoleViolation
	}
	if text == "" {
		return nil
	}
	s.mu.Lock()
	d, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDoc, docID)
	}
	index := indexOf(d.seq, at)
	var chars []wire.Char
	for _, r := range text {
		e, err := d.seq.InsertAt(index, string(r))
		if err != nil {
			s.mu.Unlock()
			return err
		}
		chars = append(chars, wire.Char{Value: e.Value, Pos: e.Pos})
		index += 1
	}
	s.mu.Unlock()

	return s.publish(&wire.Insert{
		Doc:     docID,
		Pos:     at.String(),
		Text:    text,
		UserPos: cursor.String(),
		Chars:   chars,
	})
}

// Delete removes [start, end), or the single character at start when end
// is nil, and publishes the operation.
func (s *Synchronizer) Delete(docID int, start Location, end *Location, cursor Location) error {
	if !s.canEdit() {
		return ErrRoleViolation
	}
	s.mu.Lock()
	d, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDoc, docID)
	}
	from := indexOf(d.seq, start)
	to := from + 1
	if end != nil {
		to = indexOf(d.seq, *end)
	}
	if to > d.seq.Len() {
		to = d.seq.Len()
	}
	var positions []crdt.Position
	for i := from; i < to; i += 1 {
		positions = append(positions, d.seq.At(i).Pos)
	}
	for _, p := range positions {
		d.seq.Delete(p)
	}
	s.mu.Unlock()

	if len(positions) == 0 {
		return nil
	}
	instr := &wire.Delete{
		Doc:       docID,
		Start:     start.String(),
		UserPos:   cursor.String(),
		Positions: positions,
	}
	if end != nil {
		e := end.String()
		instr.End = &e
	}
	return s.publish(instr)
}

// Move publishes a cursor position.
func (s *Synchronizer) Move(docID int, cursor Location) error {
	return s.publish(&wire.Move{Doc: docID, User: s.site, UserPos: cursor.String()})
}

// Resync publishes the full state of a document so every replica replaces
// its copy.
func (s *Synchronizer) Resync(docID int, cursor Location) error {
	if !s.canEdit() {
		return ErrRoleViolation
	}
	s.mu.Lock()
	d, ok := s.docs[docID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownDoc, docID)
	}
	elems := d.seq.Elements()
	text := d.seq.Text()
	s.mu.Unlock()

	return s.publish(&wire.Snapshot{
		Doc:     docID,
		Text:    text,
		UserPos: cursor.String(),
		Chars:   wire.Chars(elems),
	})
}

// ScheduleResync resyncs a document once no further call has been made for
// the resync delay. Used after bursts of editor activity that bypass the
// insert and delete hooks (paste, undo).
func (s *Synchronizer) ScheduleResync(docID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[docID]; ok {
		t.Stop()
	}
	s.timers[docID] = time.AfterFunc(s.resyncDelay, func() {
		s.mu.Lock()
		delete(s.timers, docID)
		s.mu.Unlock()
		if err := s.Resync(docID, Start); err != nil && !errors.Is(err, ErrRoleViolation) {
			glog.Warningf("[sync]resync doc %d: %s\n", docID, err)
		}
	})
}

// Apply applies a remote document instruction from sender. Duplicate
// deliveries change nothing.
func (s *Synchronizer) Apply(sender int, instr wire.Instr) error {
	s.mu.Lock()
	changes, err := s.apply(sender, instr)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if s.listener != nil {
		for _, c := range changes {
			s.listener.Changed(c)
		}
	}
	return nil
}

func (s *Synchronizer) apply(sender int, instr wire.Instr) ([]Change, error) {
	switch op := instr.(type) {
	case *wire.Insert:
		d, ok := s.docs[op.Doc]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownDoc, op.Doc)
		}
		return s.applyInsert(sender, d, op)
	case *wire.Delete:
		d, ok := s.docs[op.Doc]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownDoc, op.Doc)
		}
		return s.applyDelete(sender, d, op), nil
	case *wire.Snapshot:
		d, ok := s.docs[op.Doc]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownDoc, op.Doc)
		}
		before := locationOf(d.seq, d.seq.Len())
		if len(op.Chars) > 0 {
			d.seq.Reset(wire.Elements(op.Chars))
		} else {
			d.seq = crdt.FromText(s.site, sender, op.Text, s.crdtOpts...)
		}
		return []Change{{
			Kind:   wire.TypeSnapshot,
			Doc:    op.Doc,
			Author: sender,
			Start:  Start,
			End:    before,
			Text:   d.seq.Text(),
			Cursor: parseOr(op.UserPos, Start),
		}}, nil
	case *wire.Move:
		cursor := parseOr(op.UserPos, Start)
		return []Change{{
			Kind:   wire.TypeMove,
			Doc:    op.Doc,
			Author: sender,
			Start:  cursor,
			End:    cursor,
			Cursor: cursor,
		}}, nil
	}
	return nil, fmt.Errorf("%w: %s is not a document instruction", wire.ErrProtocol, instr.Type())
}

func (s *Synchronizer) applyInsert(sender int, d *document, op *wire.Insert) ([]Change, error) {
	cursor := parseOr(op.UserPos, Start)
	var changes []Change
	last := -2
	for _, c := range op.Chars {
		added, err := d.seq.Integrate(crdt.Element{Value: c.Value, Pos: c.Pos})
		if err != nil {
			return changes, err
		}
		if !added {
			glog.V(2).Infof("[sync]duplicate insert %s from %d\n", c.Pos, sender)
			continue
		}
		i, _ := d.seq.IndexOf(c.Pos)
		if n := len(changes); n > 0 && i == last+1 {
			changes[n-1].Text += c.Value
		} else {
			at := locationOf(d.seq, i)
			changes = append(changes, Change{
				Kind:   wire.TypeInsert,
				Doc:    op.Doc,
				Author: sender,
				Start:  at,
				End:    at,
				Text:   c.Value,
				Cursor: cursor,
			})
		}
		last = i
	}
	return changes, nil
}

func (s *Synchronizer) applyDelete(sender int, d *document, op *wire.Delete) []Change {
	cursor := parseOr(op.UserPos, Start)
	var changes []Change
	for _, p := range op.Positions {
		i, found := d.seq.IndexOf(p)
		if !found {
			// not yet seen or already gone; Delete still records it
			d.seq.Delete(p)
			continue
		}
		from, to := locationOf(d.seq, i), locationOf(d.seq, i+1)
		value := d.seq.At(i).Value
		d.seq.Delete(p)
		changes = append(changes, Change{
			Kind:   wire.TypeDelete,
			Doc:    op.Doc,
			Author: sender,
			Start:  from,
			End:    to,
			Text:   value,
			Cursor: cursor,
		})
	}
	return changes
}

// Export captures every document for a join reply.
func (s *Synchronizer) Export() map[int]wire.DocState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]wire.DocState, len(s.docs))
	for id, d := range s.docs {
		out[id] = wire.DocState{
			Title:   d.title,
			Content: d.seq.Text(),
			Chars:   wire.Chars(d.seq.Elements()),
		}
	}
	return out
}

// Import replaces all documents with states received in a join reply.
// States without chars are rebuilt from their content as authored by
// author, the same way the sender built them.
func (s *Synchronizer) Import(author int, states map[int]wire.DocState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = make(map[int]*document, len(states))
	for id, st := range states {
		var seq *crdt.Document
		if len(st.Chars) > 0 || st.Content == "" {
			seq = crdt.NewDocument(s.site, s.crdtOpts...)
			seq.Reset(wire.Elements(st.Chars))
		} else {
			seq = crdt.FromText(s.site, author, st.Content, s.crdtOpts...)
		}
		s.docs[id] = &document{title: st.Title, seq: seq}
	}
}

// Close stops pending resyncs.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func parseOr(s string, fallback Location) Location {
	loc, err := ParseLocation(s)
	if err != nil {
		return fallback
	}
	return loc
}
