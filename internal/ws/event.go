package ws

import (
	"encoding/json"
	"log"

	"github.com/chalkcast/chalkcast/internal/board"
)

// Envelope is the wire frame for every realtime event, both directions.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	EventInit        = "init"
	EventRequestFull = "request_full"
	EventUpdateText  = "update_text"
	EventPasteText   = "paste_text"
	EventDrawSegment = "draw_segment"
	EventDrawEvent   = "draw_event"
	EventUndo        = "undo"
	EventRedo        = "redo"
	EventClearCanvas = "clear_canvas"
	EventFiles       = "files"
)

// Full-document snapshot sent to a single client on join or request_full
type snapshotPayload struct {
	Text      string          `json:"text"`
	Strokes   []board.Stroke  `json:"strokes"`
	Files     []board.FileRef `json:"files"`
	UpdatedAt int64           `json:"updatedAt"`
}

func snapshotOf(st *board.State) snapshotPayload {
	return snapshotPayload{
		Text:      st.Text,
		Strokes:   st.Strokes,
		Files:     st.Files,
		UpdatedAt: st.UpdatedAt,
	}
}

// Inbound text payload; a nil Text means the field was absent or not a string.
type textPayload struct {
	Text *string `json:"text"`
}

type textUpdate struct {
	Text      string `json:"text"`
	UpdatedAt int64  `json:"updatedAt"`
}

func encode(event string, payload any) []byte {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Printf("Encode fail for %s: %v", event, err)
			return nil
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("Encode fail for %s: %v", event, err)
		return nil
	}
	return data
}
