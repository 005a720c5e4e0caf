package ws

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/chalkcast/chalkcast/internal/auth"
	"github.com/chalkcast/chalkcast/internal/board"
	"github.com/chalkcast/chalkcast/internal/store"
)

func newTestHub(t *testing.T, gate auth.Gate) *Hub {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewHub(st, gate)
}

// join registers a client directly on the dispatch path and discards the
// init frame, so tests drive events synchronously.
func join(h *Hub, room string, teacher bool) *Client {
	c := &Client{send: make(chan []byte, 64), room: room, isTeacher: teacher}
	h.addClient(c)
	for len(c.send) > 0 {
		<-c.send
	}
	return c
}

func send(h *Hub, c *Client, event string, payload any) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, _ := json.Marshal(payload)
		env.Payload = raw
	}
	h.handleEvent(c, env)
}

func tryRecv(t *testing.T, c *Client) (Envelope, bool) {
	t.Helper()
	select {
	case data := <-c.send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return env, true
	default:
		return Envelope{}, false
	}
}

func mustRecv(t *testing.T, c *Client, wantEvent string) Envelope {
	t.Helper()
	env, ok := tryRecv(t, c)
	if !ok {
		t.Fatalf("expected %q frame, got none", wantEvent)
	}
	if env.Event != wantEvent {
		t.Fatalf("expected %q frame, got %q", wantEvent, env.Event)
	}
	return env
}

func recvWait(t *testing.T, c *Client, wantEvent string) Envelope {
	t.Helper()
	select {
	case data := <-c.send:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		if env.Event != wantEvent {
			t.Fatalf("expected %q frame, got %q", wantEvent, env.Event)
		}
		return env
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected %q frame, got none", wantEvent)
		return Envelope{}
	}
}

func assertSilent(t *testing.T, c *Client) {
	t.Helper()
	if env, ok := tryRecv(t, c); ok {
		t.Fatalf("expected no frame, got %q", env.Event)
	}
}

func TestJoinSendsSnapshotToJoinerOnly(t *testing.T) {
	h := newTestHub(t, auth.Gate{})

	teacher := join(h, "mathclass", true)
	send(h, teacher, EventDrawEvent, board.Stroke{"id": "s1"})
	mustRecv(t, teacher, EventDrawEvent)

	viewer := &Client{send: make(chan []byte, 64), room: "mathclass", isTeacher: false}
	h.addClient(viewer)

	env := mustRecv(t, viewer, EventInit)
	var snap snapshotPayload
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if snap.Text != "Welcome" {
		t.Errorf("Expected welcome text, got %q", snap.Text)
	}
	if len(snap.Strokes) != 1 || snap.Strokes[0].ID() != "s1" {
		t.Errorf("Snapshot should carry the current stroke log, got %v", snap.Strokes)
	}

	// The already-joined teacher must not see the snapshot.
	assertSilent(t, teacher)
}

func TestRequestFullSenderOnly(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	viewer := join(h, "mathclass", false)

	send(h, viewer, EventRequestFull, nil)

	mustRecv(t, viewer, EventInit)
	assertSilent(t, teacher)
}

func TestUpdateTextBroadcastsToWholeRoom(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	viewer := join(h, "mathclass", false)

	send(h, teacher, EventUpdateText, map[string]any{"text": "lesson 1"})

	// The originator gets the authoritative echo too.
	for _, c := range []*Client{teacher, viewer} {
		env := mustRecv(t, c, EventUpdateText)
		var upd textUpdate
		if err := json.Unmarshal(env.Payload, &upd); err != nil {
			t.Fatalf("bad payload: %v", err)
		}
		if upd.Text != "lesson 1" {
			t.Errorf("Expected text %q, got %q", "lesson 1", upd.Text)
		}
		if upd.UpdatedAt == 0 {
			t.Error("UpdatedAt should be set")
		}
	}

	if got := h.store.Get("mathclass").Text; got != "lesson 1" {
		t.Errorf("State not updated, got %q", got)
	}
}

func TestViewerMutationsDropped(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	viewer := join(h, "mathclass", false)

	send(h, viewer, EventUpdateText, map[string]any{"text": "hijack"})
	send(h, viewer, EventDrawEvent, board.Stroke{"id": "v1"})
	send(h, viewer, EventDrawSegment, board.Stroke{"x": 1})
	send(h, viewer, EventUndo, nil)
	send(h, viewer, EventRedo, nil)
	send(h, viewer, EventClearCanvas, nil)
	send(h, viewer, EventPasteText, map[string]any{"text": "sneaky"})

	assertSilent(t, teacher)
	assertSilent(t, viewer)

	st := h.store.Get("mathclass")
	if st.Text != "Welcome" || len(st.Strokes) != 0 {
		t.Errorf("Viewer events must not mutate state: text=%q strokes=%d", st.Text, len(st.Strokes))
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)

	send(h, teacher, EventUpdateText, map[string]any{"text": 123})
	send(h, teacher, EventUpdateText, map[string]any{"wrong": "shape"})
	send(h, teacher, EventDrawEvent, []int{1, 2, 3})
	send(h, teacher, EventDrawSegment, "not an object")

	assertSilent(t, teacher)
	if got := h.store.Get("mathclass").Text; got != "Welcome" {
		t.Errorf("Malformed events must not mutate state, got %q", got)
	}
}

func TestDrawEventAssignsServerID(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)

	send(h, teacher, EventDrawEvent, board.Stroke{"tool": "pen"})

	env := mustRecv(t, teacher, EventDrawEvent)
	var stroke board.Stroke
	if err := json.Unmarshal(env.Payload, &stroke); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if stroke.ID() == "" {
		t.Error("Broadcast stroke should carry the assigned id")
	}
}

func TestUndoRedoFlow(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	st := h.store.Get("mathclass")

	for _, id := range []string{"s1", "s2", "s3"} {
		send(h, teacher, EventDrawEvent, board.Stroke{"id": id})
		mustRecv(t, teacher, EventDrawEvent)
	}

	send(h, teacher, EventUndo, nil)
	env := mustRecv(t, teacher, EventUndo)
	if len(env.Payload) != 0 {
		t.Errorf("undo broadcast carries no payload, got %s", env.Payload)
	}
	if len(st.Strokes) != 2 || len(st.Redo) != 1 || st.Redo[0].ID() != "s3" {
		t.Fatalf("After undo: strokes=%d redo=%d", len(st.Strokes), len(st.Redo))
	}

	// A fresh stroke makes s3 unreachable.
	send(h, teacher, EventDrawEvent, board.Stroke{"id": "s4"})
	mustRecv(t, teacher, EventDrawEvent)
	if len(st.Redo) != 0 {
		t.Error("New stroke should clear the redo stack")
	}
	if st.Strokes[2].ID() != "s4" {
		t.Errorf("Expected log [s1 s2 s4], got last %q", st.Strokes[2].ID())
	}
}

func TestRedoDualEmission(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)

	send(h, teacher, EventDrawEvent, board.Stroke{"id": "s1"})
	mustRecv(t, teacher, EventDrawEvent)
	send(h, teacher, EventUndo, nil)
	mustRecv(t, teacher, EventUndo)

	send(h, teacher, EventRedo, nil)

	redoEnv := mustRecv(t, teacher, EventRedo)
	drawEnv := mustRecv(t, teacher, EventDrawEvent)

	var s1, s2 board.Stroke
	if err := json.Unmarshal(redoEnv.Payload, &s1); err != nil {
		t.Fatalf("bad redo payload: %v", err)
	}
	if err := json.Unmarshal(drawEnv.Payload, &s2); err != nil {
		t.Fatalf("bad draw payload: %v", err)
	}
	if s1.ID() != "s1" || s2.ID() != "s1" {
		t.Errorf("Both emissions should carry the same stroke, got %q and %q", s1.ID(), s2.ID())
	}
}

func TestUndoRedoEmptySilent(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	st := h.store.Get("mathclass")
	before := st.UpdatedAt

	send(h, teacher, EventUndo, nil)
	send(h, teacher, EventRedo, nil)

	assertSilent(t, teacher)
	if st.UpdatedAt != before {
		t.Error("Empty undo/redo must not touch state")
	}
}

func TestClearCanvas(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	st := h.store.Get("mathclass")

	send(h, teacher, EventDrawEvent, board.Stroke{"id": "s1"})
	mustRecv(t, teacher, EventDrawEvent)
	send(h, teacher, EventUndo, nil)
	mustRecv(t, teacher, EventUndo)

	send(h, teacher, EventClearCanvas, nil)
	mustRecv(t, teacher, EventClearCanvas)

	if len(st.Strokes) != 0 || len(st.Redo) != 0 {
		t.Error("clear_canvas should empty both stacks")
	}
}

func TestDrawSegmentRelayedNotStored(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	viewer := join(h, "mathclass", false)

	send(h, teacher, EventDrawSegment, board.Stroke{"x": 1, "y": 2})

	env := mustRecv(t, viewer, EventDrawSegment)
	var seg map[string]any
	if err := json.Unmarshal(env.Payload, &seg); err != nil {
		t.Fatalf("bad segment: %v", err)
	}
	if seg["x"] != float64(1) {
		t.Errorf("Segment should be relayed verbatim, got %v", seg)
	}

	if n := len(h.store.Get("mathclass").Strokes); n != 0 {
		t.Errorf("Segments are ephemeral, but %d strokes stored", n)
	}
}

func TestRoomIsolation(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	mathTeacher := join(h, "mathclass", true)
	mathViewer := join(h, "mathclass", false)
	artViewer := join(h, "artclass", false)

	send(h, mathTeacher, EventDrawEvent, board.Stroke{"id": "s1"})

	mustRecv(t, mathTeacher, EventDrawEvent)
	mustRecv(t, mathViewer, EventDrawEvent)
	assertSilent(t, artViewer)

	if n := len(h.store.Get("artclass").Strokes); n != 0 {
		t.Errorf("artclass state must be untouched, got %d strokes", n)
	}
}

func TestViewerPasteAllowance(t *testing.T) {
	h := newTestHub(t, auth.Gate{AllowViewerPaste: true})
	viewer := join(h, "mathclass", false)

	send(h, viewer, EventPasteText, map[string]any{"text": "homework"})

	env := mustRecv(t, viewer, EventUpdateText)
	var upd textUpdate
	if err := json.Unmarshal(env.Payload, &upd); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if upd.Text != "Welcome\nhomework" {
		t.Errorf("Expected joined paste, got %q", upd.Text)
	}
}

func TestDisconnectedClientsEvicted(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)
	viewer := join(h, "mathclass", false)

	h.removeClient(viewer)
	if h.GetClientCount() != 1 {
		t.Errorf("Expected 1 client after leave, got %d", h.GetClientCount())
	}

	h.removeClient(teacher)
	if h.GetRoomCount() != 0 {
		t.Errorf("Empty room should be closed, got %d rooms", h.GetRoomCount())
	}
}

func TestRequestFullAfterEviction(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	teacher := join(h, "mathclass", true)

	// An unbuffered send channel with no reader is always full, so the
	// first broadcast evicts this client.
	slow := &Client{send: make(chan []byte), room: "mathclass", isTeacher: false}
	h.addClient(slow)

	send(h, teacher, EventDrawEvent, board.Stroke{"id": "s1"})
	mustRecv(t, teacher, EventDrawEvent)
	if h.GetClientCount() != 1 {
		t.Fatalf("Expected slow client evicted, %d clients remain", h.GetClientCount())
	}

	// The evicted client's read loop keeps forwarding events until its
	// connection dies; they must be absorbed, not crash the dispatch loop.
	send(h, slow, EventRequestFull, nil)

	send(h, teacher, EventDrawEvent, board.Stroke{"id": "s2"})
	mustRecv(t, teacher, EventDrawEvent)
}

func TestDoWaitsForDispatchLoop(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	go h.Run()

	st := h.store.Get("mathclass")
	ran := false
	h.Do(func() {
		st.SetText("flushed")
		ran = true
	})

	if !ran {
		t.Fatal("Do should block until the task has run")
	}
	if st.Text != "flushed" {
		t.Errorf("Task effect not visible after Do, got %q", st.Text)
	}
}

func TestAppendFilesSerializedOnLoop(t *testing.T) {
	h := newTestHub(t, auth.Gate{})
	go h.Run()

	viewer := &Client{send: make(chan []byte, 64), room: "mathclass", isTeacher: false}
	h.register <- viewer
	recvWait(t, viewer, EventInit)

	files := h.AppendFiles("mathclass", []board.FileRef{
		{Name: "worksheet.pdf", URL: "/files/mathclass/1_worksheet.pdf", Size: 42, At: 1},
	})
	if len(files) != 1 {
		t.Fatalf("Expected 1 file, got %d", len(files))
	}

	env := recvWait(t, viewer, EventFiles)
	var got []board.FileRef
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("bad files payload: %v", err)
	}
	if len(got) != 1 || got[0].Name != "worksheet.pdf" {
		t.Errorf("Broadcast should carry the full file list, got %v", got)
	}
}
