// Package greeting persists the per-room pending-greeting flags that
// survive process restarts: a room newly joined by the local user is
// flagged until they send their first message there, or until the flag
// ages out.
package greeting

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

// TTL is how long a flag stays pending without an explicit reset.
const TTL = 24 * time.Hour

const schemaSQL = `
CREATE TABLE IF NOT EXISTS greeting_flags (
  key    TEXT PRIMARY KEY,     -- "greeting.<room>"
  set_at INTEGER NOT NULL      -- unix milliseconds
);`

// Store is a durable key-value store with one row per flagged room.
// Expiry is evaluated lazily on read; expired rows are deleted as they
// are encountered, never by a background timer.
type Store struct {
	db    *sql.DB
	log   *log.Logger
	nowFn func() time.Time
}

// Open opens (creating if needed) the greeting database at path.
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open greeting db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create greeting schema: %w", err)
	}

	return &Store{db: db, log: logger, nowFn: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Register sets the flag for a room, refreshing set-at if it exists.
func (s *Store) Register(roomId string) error {
	_, err := s.db.Exec(
		`INSERT INTO greeting_flags (key, set_at) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET set_at = excluded.set_at`,
		key(roomId), s.nowFn().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("register greeting for %q: %w", roomId, err)
	}
	return nil
}

// Reset clears the flag. Clearing an absent flag is not an error.
func (s *Store) Reset(roomId string) error {
	if _, err := s.db.Exec(`DELETE FROM greeting_flags WHERE key = ?`, key(roomId)); err != nil {
		return fmt.Errorf("reset greeting for %q: %w", roomId, err)
	}
	return nil
}

// IsPending reports whether the room's flag is set and younger than
// TTL. A read or decode failure degrades to "not pending".
func (s *Store) IsPending(roomId string) bool {
	var setAt int64
	err := s.db.QueryRow(`SELECT set_at FROM greeting_flags WHERE key = ?`, key(roomId)).Scan(&setAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Println("read greeting flag:", err)
		}
		return false
	}

	if s.nowFn().Sub(time.UnixMilli(setAt)) >= TTL {
		if err := s.Reset(roomId); err != nil {
			s.log.Println("expire greeting flag:", err)
		}
		return false
	}

	return true
}

func key(roomId string) string {
	return "greeting." + roomId
}
