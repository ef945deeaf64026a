// Package catalog defines the drip sequence: the ordered list of messages a
// subscriber receives after enrollment, each with its delay.
//
// A Catalog is immutable after New. Scheduled rows reference entries by
// stage index, so each row also stores the entry fingerprint taken at
// scheduling time.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("catalog: stage not found")
	ErrEmpty    = errors.New("catalog: no entries")
)

// DefaultButtonLabel is used when a button is given by URL only.
const DefaultButtonLabel = "Узнать подробнее"

// Button is an optional call-to-action under a message.
type Button struct {
	Label string
	URL   string
}

// Content is what gets sent. Image is a URL or a Telegram file id.
type Content struct {
	Text   string
	Image  string
	Button *Button
}

// Entry is one stage of the sequence.
type Entry struct {
	Stage   int
	Delay   time.Duration
	Content Content
}

type Catalog struct {
	entries []Entry
}

// New validates entries and returns a catalog. Entries must be listed in
// stage order starting at 0, and stage 0 must have no delay.
func New(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if e.Stage != i {
			return nil, fmt.Errorf("catalog: entry %d has stage %d", i, e.Stage)
		}
		if e.Delay < 0 {
			return nil, fmt.Errorf("catalog: stage %d has negative delay", i)
		}
		if i == 0 && e.Delay != 0 {
			return nil, errors.New("catalog: stage 0 is sent on enrollment and must have zero delay")
		}
		if err := e.Content.Validate(); err != nil {
			return nil, fmt.Errorf("catalog: stage %d: %w", i, err)
		}
		if e.Content.Button != nil {
			b := *e.Content.Button
			e.Content.Button = &b
		}
		out[i] = e
	}
	return &Catalog{entries: out}, nil
}

// MustNew is New that panics on invalid input. Use for built-in catalogs.
func MustNew(entries []Entry) *Catalog {
	c, err := New(entries)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the entry for stage or ErrNotFound.
func (c *Catalog) Get(stage int) (Entry, error) {
	if c == nil || stage < 0 || stage >= len(c.entries) {
		return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, stage)
	}
	e := c.entries[stage]
	if e.Content.Button != nil {
		b := *e.Content.Button
		e.Content.Button = &b
	}
	return e, nil
}

func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Validate checks a single message's content.
func (c Content) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return errors.New("text is required")
	}
	if c.Button != nil {
		if strings.TrimSpace(c.Button.Label) == "" || strings.TrimSpace(c.Button.URL) == "" {
			return errors.New("button needs both label and url")
		}
	}
	return nil
}

// Fingerprint is a stable hash of the content, stored with each scheduled
// row so catalog edits can be detected at delivery time.
func (c Content) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(c.Text))
	h.Write([]byte{0})
	h.Write([]byte(c.Image))
	h.Write([]byte{0})
	if c.Button != nil {
		h.Write([]byte(c.Button.Label))
		h.Write([]byte{0})
		h.Write([]byte(c.Button.URL))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Vars are the per-subscriber values available to templates.
type Vars struct {
	FirstName string
	Username  string
}

// Render substitutes {name}, {first_name} and {username} in the text.
// Unknown placeholders are left as is.
func (c Content) Render(v Vars) Content {
	name := strings.TrimSpace(v.FirstName)
	if name == "" {
		name = strings.TrimSpace(v.Username)
	}
	r := strings.NewReplacer(
		"{name}", name,
		"{first_name}", strings.TrimSpace(v.FirstName),
		"{username}", strings.TrimSpace(v.Username),
	)
	out := c
	out.Text = r.Replace(c.Text)
	if c.Button != nil {
		b := *c.Button
		out.Button = &b
	}
	return out
}
