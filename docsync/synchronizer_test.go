package docsync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"collabtext/codelive/wire"
)

// outbox records published instructions after a wire round trip.
type outbox struct {
	site int
	mu   sync.Mutex
	sent []wire.Instr
}

func (o *outbox) publish(instr wire.Instr) error {
	b, err := wire.Encode(o.site, instr)
	if err != nil {
		return err
	}
	env, err := wire.Decode(b)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, env.Instr)
	return nil
}

func (o *outbox) drain() []wire.Instr {
	o.mu.Lock()
	defer o.mu.Unlock()
	sent := o.sent
	o.sent = nil
	return sent
}

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) Changed(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func always() bool { return true }
func never() bool  { return false }

func pair(t *testing.T, content string) (*Synchronizer, *outbox, *Synchronizer, *recorder) {
	t.Helper()
	out := &outbox{site: 0}
	driver := New(0, out.publish, always)
	driver.Open("main.py", content)

	rec := &recorder{}
	follower := New(1, (&outbox{site: 1}).publish, never, WithListener(rec))
	follower.Import(0, driver.Export())
	return driver, out, follower, rec
}

func text(t *testing.T, s *Synchronizer, doc int) string {
	t.Helper()
	got, err := s.Text(doc)
	assert.Equal(t, err, nil)
	return got
}

func TestLocationRoundTrip(t *testing.T) {
	loc, err := ParseLocation("3.7")
	assert.Equal(t, err, nil)
	assert.Equal(t, loc, Location{Line: 3, Column: 7})
	assert.Equal(t, loc.String(), "3.7")

	loc, err = ParseLocation("0.-2")
	assert.Equal(t, err, nil)
	assert.Equal(t, loc, Start)

	_, err = ParseLocation("end")
	assert.NotEqual(t, err, nil)
}

func TestInsertReplicates(t *testing.T) {
	driver, out, follower, rec := pair(t, "ab\ncd")

	err := driver.Insert(0, Location{Line: 2, Column: 1}, "XY", Location{Line: 2, Column: 3})
	assert.Equal(t, err, nil)
	assert.Equal(t, text(t, driver, 0), "ab\ncXYd")

	sent := out.drain()
	assert.Equal(t, len(sent), 1)
	ins := sent[0].(*wire.Insert)
	assert.Equal(t, ins.Pos, "2.1")
	assert.Equal(t, len(ins.Chars), 2)

	assert.Equal(t, follower.Apply(0, ins), nil)
	assert.Equal(t, text(t, follower, 0), "ab\ncXYd")
	assert.Equal(t, len(rec.changes), 1)
	assert.Equal(t, rec.changes[0].Start, Location{Line: 2, Column: 1})
	assert.Equal(t, rec.changes[0].Text, "XY")
	assert.Equal(t, rec.changes[0].Cursor, Location{Line: 2, Column: 3})

	// duplicate delivery changes nothing
	assert.Equal(t, follower.Apply(0, ins), nil)
	assert.Equal(t, text(t, follower, 0), "ab\ncXYd")
	assert.Equal(t, len(rec.changes), 1)
}

func TestDeleteRange(t *testing.T) {
	driver, out, follower, rec := pair(t, "hello\nworld")

	end := Location{Line: 2, Column: 2}
	err := driver.Delete(0, Location{Line: 1, Column: 3}, &end, Location{Line: 1, Column: 3})
	assert.Equal(t, err, nil)
	assert.Equal(t, text(t, driver, 0), "helrld")

	sent := out.drain()
	assert.Equal(t, len(sent), 1)
	del := sent[0].(*wire.Delete)
	assert.Equal(t, *del.End, "2.2")
	assert.Equal(t, len(del.Positions), 5)

	assert.Equal(t, follower.Apply(0, del), nil)
	assert.Equal(t, text(t, follower, 0), "helrld")
	assert.Equal(t, len(rec.changes), 5)
}

func TestDeleteSingleCharacter(t *testing.T) {
	driver, out, _, _ := pair(t, "abc")
	assert.Equal(t, driver.Delete(0, Location{Line: 1, Column: 1}, nil, Start), nil)
	assert.Equal(t, text(t, driver, 0), "ac")
	assert.Equal(t, len(out.drain()), 1)

	// past the end: nothing to delete, nothing sent
	assert.Equal(t, driver.Delete(0, Location{Line: 1, Column: 9}, nil, Start), nil)
	assert.Equal(t, len(out.drain()), 0)
}

func TestDeleteBeforeInsertArrives(t *testing.T) {
	driver, out, follower, _ := pair(t, "")
	assert.Equal(t, driver.Insert(0, Start, "q", Start), nil)
	assert.Equal(t, driver.Delete(0, Start, nil, Start), nil)
	sent := out.drain()
	assert.Equal(t, len(sent), 2)

	assert.Equal(t, follower.Apply(0, sent[1]), nil)
	assert.Equal(t, follower.Apply(0, sent[0]), nil)
	assert.Equal(t, text(t, follower, 0), "")
}

func TestNonDriverEditsRejected(t *testing.T) {
	_, _, follower, _ := pair(t, "abc")
	err := follower.Insert(0, Start, "x", Start)
	assert.Equal(t, errors.Is(err, ErrRoleViolation), true)
	err = follower.Delete(0, Start, nil, Start)
	assert.Equal(t, errors.Is(err, ErrRoleViolation), true)
	err = follower.Resync(0, Start)
	assert.Equal(t, errors.Is(err, ErrRoleViolation), true)
	assert.Equal(t, text(t, follower, 0), "abc")
}

func TestUnknownDocument(t *testing.T) {
	driver, _, follower, _ := pair(t, "")
	assert.Equal(t, errors.Is(driver.Insert(4, Start, "x", Start), ErrUnknownDoc), true)
	err := follower.Apply(0, &wire.Move{Doc: 4, User: 0, UserPos: "1.0"})
	assert.Equal(t, err, nil)
	err = follower.Apply(0, &wire.Snapshot{Doc: 4, Text: "x"})
	assert.Equal(t, errors.Is(err, ErrUnknownDoc), true)
}

func TestSnapshotReplacesContent(t *testing.T) {
	driver, out, follower, rec := pair(t, "one")
	// follower drifted
	follower.Import(0, map[int]wire.DocState{0: {Title: "main.py", Content: "stale"}})

	assert.Equal(t, driver.Resync(0, Location{Line: 1, Column: 2}), nil)
	sent := out.drain()
	assert.Equal(t, len(sent), 1)
	assert.Equal(t, follower.Apply(0, sent[0]), nil)
	assert.Equal(t, text(t, follower, 0), "one")
	assert.Equal(t, rec.changes[len(rec.changes)-1].Kind, wire.TypeSnapshot)

	// later ops from the driver still apply on the follower
	assert.Equal(t, driver.Insert(0, Location{Line: 1, Column: 3}, "!", Start), nil)
	for _, instr := range out.drain() {
		assert.Equal(t, follower.Apply(0, instr), nil)
	}
	assert.Equal(t, text(t, follower, 0), "one!")
}

func TestSnapshotTextOnly(t *testing.T) {
	_, _, follower, _ := pair(t, "x")
	assert.Equal(t, follower.Apply(0, &wire.Snapshot{Doc: 0, Text: "fresh"}), nil)
	assert.Equal(t, text(t, follower, 0), "fresh")
}

func TestMoveNotifiesOnly(t *testing.T) {
	_, _, follower, rec := pair(t, "abc")
	assert.Equal(t, follower.Apply(0, &wire.Move{Doc: 0, User: 0, UserPos: "1.2"}), nil)
	assert.Equal(t, text(t, follower, 0), "abc")
	assert.Equal(t, rec.changes[0].Kind, wire.TypeMove)
	assert.Equal(t, rec.changes[0].Cursor, Location{Line: 1, Column: 2})
}

func TestApplyRejectsMembershipInstr(t *testing.T) {
	_, _, follower, _ := pair(t, "")
	err := follower.Apply(0, &wire.End{})
	assert.Equal(t, errors.Is(err, wire.ErrProtocol), true)
}

func TestOpenAssignsLowestFreeID(t *testing.T) {
	s := New(0, (&outbox{}).publish, always)
	assert.Equal(t, s.Open("a", ""), 0)
	assert.Equal(t, s.Open("b", ""), 1)
	assert.Equal(t, s.DocIDs(), []int{0, 1})
	title, err := s.Title(1)
	assert.Equal(t, err, nil)
	assert.Equal(t, title, "b")
}

func TestImportTextOnlyMatchesAuthor(t *testing.T) {
	driver := New(0, (&outbox{}).publish, always)
	driver.Open("a", "shared")
	states := driver.Export()
	st := states[0]
	st.Chars = nil
	states[0] = st

	follower := New(3, (&outbox{site: 3}).publish, never)
	follower.Import(0, states)
	assert.Equal(t, text(t, follower, 0), "shared")
	assert.Equal(t, follower.Export()[0].Chars, driver.Export()[0].Chars)
}

func TestScheduleResyncDebounces(t *testing.T) {
	out := &outbox{site: 0}
	s := New(0, out.publish, always, WithResyncDelay(20*time.Millisecond))
	defer s.Close()
	s.Open("a", "abc")

	for i := 0; i < 5; i += 1 {
		s.ScheduleResync(0)
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	sent := out.drain()
	assert.Equal(t, len(sent), 1)
	assert.Equal(t, sent[0].(*wire.Snapshot).Text, "abc")
}
