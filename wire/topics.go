package wire

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const membersSuffix = "UserManagement"

// Topics derives the topic layout of the session rooted at Root.
type Topics struct {
	Root string
}

// Doc carries document instructions.
func (t Topics) Doc() string {
	return t.Root
}

// Members carries membership broadcasts.
func (t Topics) Members() string {
	return t.Root + "/" + membersSuffix
}

// Site addresses one participant.
func (t Topics) Site(id int) string {
	return t.Members() + "/" + strconv.Itoa(id)
}

// NewReply returns a fresh ephemeral reply address.
func (t Topics) NewReply() string {
	return t.Members() + "/" + uuid.NewString()
}

// IsReply reports whether topic is an ephemeral reply address of this session.
func (t Topics) IsReply(topic string) bool {
	rest, ok := strings.CutPrefix(topic, t.Members()+"/")
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// Colors is the palette used for session names and user colours.
var Colors = []string{"blue", "green", "red", "pink", "orange", "black", "white", "purple"}

// GenerateTopic returns a random session root such as "red_blue_pink_green:4821".
func GenerateTopic(rng *rand.Rand) string {
	words := make([]string, 4)
	for i := range words {
		words[i] = Colors[rng.Intn(len(Colors))]
	}
	return fmt.Sprintf("%s:%04d", strings.Join(words, "_"), rng.Intn(10000))
}
