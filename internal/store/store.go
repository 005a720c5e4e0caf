package store

import (
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/chalkcast/chalkcast/internal/board"
	"github.com/chalkcast/chalkcast/internal/metrics"
)

// Store caches one board.State per room and persists snapshots to sqlite.
// Get loads lazily on first access; Save overwrites the room's single
// snapshot row. Persistence failures are logged, never surfaced to the sync
// path; in-memory state stays authoritative.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	rooms map[string]*board.State
}

func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS room_snapshots (
		room TEXT PRIMARY KEY,
		state BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}

	log.Printf("Store initialized at %s", dbPath)
	return &Store{
		db:    db,
		rooms: make(map[string]*board.State),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the room's cached state, loading the persisted snapshot on
// first access. A missing or corrupt snapshot falls back to the default
// document rather than failing room creation.
func (s *Store) Get(room string) *board.State {
	room = board.SanitizeRoom(room)

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.rooms[room]; ok {
		return st
	}
	st := s.load(room)
	s.rooms[room] = st
	return st
}

func (s *Store) load(room string) *board.State {
	st := board.NewState()

	var blob []byte
	err := s.db.QueryRow(
		"SELECT state FROM room_snapshots WHERE room = ?", room,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return st
	}
	if err != nil {
		log.Printf("Load fail %s: %v", room, err)
		return st
	}

	if err := json.Unmarshal(blob, st); err != nil {
		log.Printf("Load fail %s: %v", room, err)
		return board.NewState()
	}
	if st.Strokes == nil {
		st.Strokes = make([]board.Stroke, 0)
	}
	if st.Files == nil {
		st.Files = make([]board.FileRef, 0)
	}
	// Redo is never persisted; every load starts with it empty.
	st.Redo = make([]board.Stroke, 0)
	return st
}

// Save persists the room's current in-memory state, overwriting any prior
// snapshot. Failures are logged and swallowed.
func (s *Store) Save(room string) {
	room = board.SanitizeRoom(room)

	s.mu.Lock()
	st, ok := s.rooms[room]
	s.mu.Unlock()
	if !ok {
		return
	}

	blob, err := json.Marshal(st)
	if err != nil {
		metrics.SnapshotSaveFailures.Inc()
		log.Printf("Save fail %s: %v", room, err)
		return
	}

	_, err = s.db.Exec(`
		INSERT INTO room_snapshots (room, state, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(room) DO UPDATE SET
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, room, blob)
	if err != nil {
		metrics.SnapshotSaveFailures.Inc()
		log.Printf("Save fail %s: %v", room, err)
	}
}

// SaveAll flushes every cached room, for shutdown.
func (s *Store) SaveAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		names = append(names, room)
	}
	s.mu.Unlock()

	for _, room := range names {
		s.Save(room)
	}
}

// RoomCount returns the number of persisted rooms.
func (s *Store) RoomCount() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM room_snapshots").Scan(&count)
	return count, err
}
