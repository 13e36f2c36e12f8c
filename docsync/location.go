package docsync

import (
	"fmt"
	"strconv"
	"strings"

	"collabtext/codelive/crdt"
)

// Location is an editor coordinate: 1-based line, 0-based column, written
// "line.col" on the wire.
type Location struct {
	Line   int
	Column int
}

// Start is the first location of every document.
var Start = Location{Line: 1, Column: 0}

func (l Location) String() string {
	return fmt.Sprintf("%d.%d", l.Line, l.Column)
}

// ParseLocation reads a "line.col" coordinate. Line 0 is read as line 1.
func ParseLocation(s string) (Location, error) {
	line, col, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return Location{}, fmt.Errorf("docsync: location %q is not line.col", s)
	}
	l, err := strconv.Atoi(line)
	if err != nil {
		return Location{}, fmt.Errorf("docsync: location %q: %w", s, err)
	}
	c, err := strconv.Atoi(col)
	if err != nil {
		return Location{}, fmt.Errorf("docsync: location %q: %w", s, err)
	}
	if l < 1 {
		l = 1
	}
	if c < 0 {
		c = 0
	}
	return Location{Line: l, Column: c}, nil
}

// indexOf maps loc to a live index of doc, clamping past line or column ends.
func indexOf(doc *crdt.Document, loc Location) int {
	line, col := 1, 0
	for i := 0; i < doc.Len(); i += 1 {
		if line == loc.Line && col == loc.Column {
			return i
		}
		if strings.Contains(doc.At(i).Value, "\n") {
			if line == loc.Line {
				// column past the end of the line
				return i
			}
			line += 1
			col = 0
		} else {
			col += 1
		}
	}
	return doc.Len()
}

// locationOf maps a live index of doc to a location.
func locationOf(doc *crdt.Document, index int) Location {
	loc := Start
	for i := 0; i < index && i < doc.Len(); i += 1 {
		if strings.Contains(doc.At(i).Value, "\n") {
			loc.Line += 1
			loc.Column = 0
		} else {
			loc.Column += 1
		}
	}
	return loc
}
