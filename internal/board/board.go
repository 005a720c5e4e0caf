package board

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxStrokes bounds the durable drawing log; oldest strokes are
	// evicted first once the cap is reached.
	MaxStrokes = 4000

	// MaxPasteLen caps a single pasted text block.
	MaxPasteLen = 5000

	// DefaultRoom is used when a client joins without naming a room.
	DefaultRoom = "main"

	welcomeText = "Welcome"
)

// Stroke is a freeform drawing payload. The server assigns an id when the
// client omits one; the rest of the object passes through untouched.
type Stroke map[string]any

// ID returns the stroke's id, or "" when unset.
func (s Stroke) ID() string {
	id, _ := s["id"].(string)
	return id
}

// A file attachment shown to every room member
type FileRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	At   int64  `json:"at"`
}

// State is the mutable document for one room. The redo stack is deliberately
// excluded from persistence: reloading a room always starts with it empty.
type State struct {
	Text      string    `json:"text"`
	Strokes   []Stroke  `json:"strokes"`
	Redo      []Stroke  `json:"-"`
	Files     []FileRef `json:"files"`
	UpdatedAt int64     `json:"updatedAt"`
}

// Creates a fresh default document
func NewState() *State {
	return &State{
		Text:      welcomeText,
		Strokes:   make([]Stroke, 0),
		Redo:      make([]Stroke, 0),
		Files:     make([]FileRef, 0),
		UpdatedAt: time.Now().UnixMilli(),
	}
}

func (s *State) touch() {
	s.UpdatedAt = time.Now().UnixMilli()
}

// Replaces the shared text
func (s *State) SetText(text string) {
	s.Text = text
	s.touch()
}

// AppendPaste normalizes line endings, truncates the block to MaxPasteLen,
// and appends it to the shared text with a joining newline when the existing
// text is non-empty and not already newline-terminated.
func (s *State) AppendPaste(text string) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	if len(text) > MaxPasteLen {
		cut := MaxPasteLen
		// Never split a multibyte rune at the cut point.
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	if s.Text != "" && !strings.HasSuffix(s.Text, "\n") {
		s.Text += "\n"
	}
	s.Text += text
	s.touch()
}

// AppendStroke records a committed stroke, assigning an id when the client
// omitted one. A new stroke invalidates any previously undone branch, so the
// redo stack is cleared. Returns the stroke as stored.
func (s *State) AppendStroke(st Stroke) Stroke {
	if st.ID() == "" {
		st["id"] = uuid.NewString()
	}
	s.Strokes = append(s.Strokes, st)
	if len(s.Strokes) > MaxStrokes {
		s.Strokes = s.Strokes[len(s.Strokes)-MaxStrokes:]
	}
	s.Redo = s.Redo[:0]
	s.touch()
	return st
}

// Undo pops the most recent stroke onto the redo stack. On an empty stroke
// log it reports false and leaves the state untouched.
func (s *State) Undo() (Stroke, bool) {
	if len(s.Strokes) == 0 {
		return nil, false
	}
	last := s.Strokes[len(s.Strokes)-1]
	s.Strokes = s.Strokes[:len(s.Strokes)-1]
	s.Redo = append(s.Redo, last)
	s.touch()
	return last, true
}

// RedoStroke moves the most recently undone stroke back onto the stroke log.
// Unlike AppendStroke it does not clear the remaining redo entries. On an
// empty redo stack it reports false and leaves the state untouched.
func (s *State) RedoStroke() (Stroke, bool) {
	if len(s.Redo) == 0 {
		return nil, false
	}
	st := s.Redo[len(s.Redo)-1]
	s.Redo = s.Redo[:len(s.Redo)-1]
	s.Strokes = append(s.Strokes, st)
	s.touch()
	return st, true
}

// Clear empties both the stroke log and the redo stack.
func (s *State) Clear() {
	s.Strokes = s.Strokes[:0]
	s.Redo = s.Redo[:0]
	s.touch()
}

// AddFiles prepends attachments so the newest upload is listed first.
func (s *State) AddFiles(refs []FileRef) {
	s.Files = append(append([]FileRef{}, refs...), s.Files...)
	s.touch()
}

var roomNameRe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeRoom reduces user input to a safe storage key: only alphanumerics,
// underscore, and hyphen survive, everything else becomes an underscore.
// An empty name maps to DefaultRoom. Required on every path that derives a
// filesystem-adjacent key from user input.
func SanitizeRoom(name string) string {
	if name == "" {
		return DefaultRoom
	}
	return roomNameRe.ReplaceAllString(name, "_")
}
