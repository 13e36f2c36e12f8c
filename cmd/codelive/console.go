package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/golang/glog"

	"collabtext/codelive/docsync"
	"collabtext/codelive/session"
	"collabtext/codelive/wire"
)

const consoleHelp = `Commands:
    docs                          List documents.
    open <doc>                    Switch to a document.
    show                          Print the current document.
    insert <line.col> <text>      Insert text. Quote the text to use escapes.
    delete <line.col> [<line.col>]
                                  Delete one character or a range.
    move <line.col>               Share your cursor.
    who                           Show the roster.
    give <id>                     Hand the driver role to a participant.
    request                       Ask the driver for control.
    resync                        Send a full snapshot of the document.
    leave                         Leave the session.
    end                           End the session for everyone.
`

// ANSI 256 colours for the roster colour names.
var palette = map[string]lipgloss.Color{
	"blue":   lipgloss.Color("12"),
	"green":  lipgloss.Color("10"),
	"red":    lipgloss.Color("9"),
	"pink":   lipgloss.Color("13"),
	"orange": lipgloss.Color("208"),
	"black":  lipgloss.Color("8"),
	"white":  lipgloss.Color("15"),
	"purple": lipgloss.Color("5"),
}

var dimStyle = lipgloss.NewStyle().Faint(true)

// console is a line-oriented front end for a session. It prints remote
// changes and asks the user to decide handoff requests.
type console struct {
	in  io.Reader
	out io.Writer

	mu      sync.Mutex
	s       *session.Session
	doc     int
	cursor  docsync.Location
	pending chan bool
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{in: in, out: out, cursor: docsync.Start}
}

func (c *console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

func (c *console) nameOf(id int) string {
	c.mu.Lock()
	s := c.s
	c.mu.Unlock()
	if s == nil {
		return fmt.Sprintf("site %d", id)
	}
	for _, u := range s.Roster() {
		if u.ID == id {
			return styled(u)
		}
	}
	return fmt.Sprintf("site %d", id)
}

func styled(u wire.User) string {
	style := lipgloss.NewStyle().Foreground(palette[u.Color]).Bold(u.IsHost)
	return style.Render(u.Name)
}

// Changed implements docsync.Listener.
func (c *console) Changed(ch docsync.Change) {
	who := c.nameOf(ch.Author)
	switch ch.Kind {
	case wire.TypeInsert:
		c.printf("%s inserted %q at %s\n", who, ch.Text, ch.Start)
	case wire.TypeDelete:
		c.printf("%s deleted %s-%s\n", who, ch.Start, ch.End)
	case wire.TypeSnapshot:
		c.printf("%s resynced document %d\n", who, ch.Doc)
	}
}

// Approve implements session.Approver by asking on the console.
func (c *console) Approve(ctx context.Context, r session.Request) bool {
	answer := make(chan bool, 1)
	c.mu.Lock()
	c.pending = answer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.pending == answer {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	switch r.Kind {
	case wire.TypeRequestGive:
		c.printf("%s wants to give you control. Accept? [yes/no]\n", r.Name)
	default:
		c.printf("%s asks for control. Approve? [yes/no]\n", r.Name)
	}
	select {
	case ok := <-answer:
		return ok
	case <-ctx.Done():
		c.printf("Request from %s expired.\n", r.Name)
		return false
	}
}

// answer routes a yes/no line to a waiting Approve.
func (c *console) answer(line string) bool {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if pending == nil {
		return false
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		pending <- true
	default:
		pending <- false
	}
	return true
}

func (c *console) run(ctx context.Context, s *session.Session) {
	c.mu.Lock()
	c.s = s
	if ids := s.Docs().DocIDs(); len(ids) > 0 {
		c.doc = ids[0]
	}
	c.mu.Unlock()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			lines <- strings.TrimSpace(scanner.Text())
		}
	}()

	c.printf("Type help for commands.\n")
	for {
		select {
		case <-ctx.Done():
			c.leave(s)
			return
		case <-s.Done():
			return
		case e := <-s.Events():
			c.event(s, e)
		case line, ok := <-lines:
			if !ok {
				c.leave(s)
				return
			}
			if line == "" || c.answer(line) {
				continue
			}
			if done := c.command(ctx, s, line); done {
				return
			}
		}
	}
}

func (c *console) leave(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Leave(ctx); err != nil {
		glog.Warningf("[console]leave: %s\n", err)
	}
}

func (c *console) event(s *session.Session, e session.Event) {
	switch e.Kind {
	case session.UserJoined:
		c.printf("%s joined\n", styled(e.User))
	case session.UserLeft:
		c.printf("%s left\n", styled(e.User))
	case session.DriverChanged:
		if e.Driver == s.Site() {
			c.printf("You are now driving (term %d)\n", e.Term)
		} else {
			c.printf("%s is now driving (term %d)\n", c.nameOf(e.Driver), e.Term)
		}
	case session.CursorMoved:
		glog.V(1).Infof("[console]%s moved to %s in document %d\n", e.User.Name, e.User.Position, e.User.DocID)
	case session.HandoffLost:
		c.printf("Control went to %s instead\n", c.nameOf(e.Driver))
	case session.SessionEnded:
		c.printf("%s\n", dimStyle.Render("The session has ended."))
	}
}

// command runs one console line and reports whether the console should stop.
func (c *console) command(ctx context.Context, s *session.Session, line string) bool {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	docs := s.Docs()

	c.mu.Lock()
	doc, cursor := c.doc, c.cursor
	c.mu.Unlock()

	var err error
	switch name {
	case "help":
		c.printf("%s", consoleHelp)
	case "docs":
		for _, id := range docs.DocIDs() {
			title, _ := docs.Title(id)
			mark := " "
			if id == doc {
				mark = "*"
			}
			c.printf("%s %d %s\n", mark, id, title)
		}
	case "open":
		var id int
		if id, err = strconv.Atoi(rest); err == nil {
			if _, err = docs.Title(id); err == nil {
				c.mu.Lock()
				c.doc, c.cursor = id, docsync.Start
				c.mu.Unlock()
			}
		}
	case "show":
		var text string
		if text, err = docs.Text(doc); err == nil {
			for i, l := range strings.Split(text, "\n") {
				c.printf("%s %s\n", dimStyle.Render(fmt.Sprintf("%4d", i+1)), l)
			}
		}
	case "insert":
		at, text, _ := strings.Cut(rest, " ")
		var loc docsync.Location
		if loc, err = docsync.ParseLocation(at); err == nil {
			if unquoted, qerr := strconv.Unquote(text); qerr == nil {
				text = unquoted
			}
			err = docs.Insert(doc, loc, text, cursor)
		}
		// a multi-line paste gets a debounced snapshot behind it
		if err == nil && strings.Contains(text, "\n") {
			docs.ScheduleResync(doc)
		}
	case "delete":
		err = c.delete(docs, doc, rest, cursor)
	case "move":
		var loc docsync.Location
		if loc, err = docsync.ParseLocation(rest); err == nil {
			c.mu.Lock()
			c.cursor = loc
			c.mu.Unlock()
			err = docs.Move(doc, loc)
		}
	case "who":
		for _, u := range s.Roster() {
			role := ""
			if u.IsHost {
				role = " (driver)"
			}
			c.printf("%3d %s%s %s\n", u.ID, styled(u), role, dimStyle.Render(u.Position))
		}
	case "give":
		var id int
		if id, err = strconv.Atoi(rest); err == nil {
			c.printf("Waiting for %s...\n", c.nameOf(id))
			go func() { c.report(s.GiveControl(ctx, id)) }()
		}
	case "request":
		c.printf("Waiting for the driver...\n")
		go func() { c.report(s.RequestControl(ctx)) }()
	case "resync":
		err = docs.Resync(doc, cursor)
	case "leave":
		c.leave(s)
		return true
	case "end":
		if err = s.End(ctx); err == nil {
			return true
		}
	default:
		err = fmt.Errorf("unknown command %q, type help", name)
	}
	if err != nil {
		c.printf("%s\n", err)
	}
	return false
}

func (c *console) delete(docs *docsync.Synchronizer, doc int, args string, cursor docsync.Location) error {
	fields := strings.Fields(args)
	if len(fields) == 0 || 2 < len(fields) {
		return fmt.Errorf("usage: delete <line.col> [<line.col>]")
	}
	start, err := docsync.ParseLocation(fields[0])
	if err != nil {
		return err
	}
	var end *docsync.Location
	if len(fields) == 2 {
		e, err := docsync.ParseLocation(fields[1])
		if err != nil {
			return err
		}
		end = &e
	}
	return docs.Delete(doc, start, end, cursor)
}

func (c *console) report(err error) {
	if err != nil {
		c.printf("Handoff failed: %s\n", err)
		return
	}
	c.printf("Handoff complete\n")
}
