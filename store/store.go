// Package store implements the admission-gate ban list consulted by a
// server listener before a handshake reaches the user's own admission
// callback, grounded on the teacher's sqlite3 ban schema (db.go, ban.go)
// generalized from player-name bans to address-based bans for a transport
// library that has no notion of an authenticated username.
package store

import (
	"database/sql"
	"errors"
	"net"
	"time"

	_ "github.com/mattn/go-sqlite3"
	pkgerrors "github.com/pkg/errors"
)

// ErrInvalidAddress is returned by Ban when addr does not parse as an IP.
var ErrInvalidAddress = errors.New("store: invalid ip address")

const schema = `
CREATE TABLE IF NOT EXISTS ban (
	addr TEXT PRIMARY KEY,
	reason TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

// Entry is one row of the ban list.
type Entry struct {
	Addr      string
	Reason    string
	CreatedAt time.Time
}

// Store is a sqlite3-backed address ban list, safe for concurrent use the
// way database/sql connections already are.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite3 database at path and
// ensures the ban table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "store: open database")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, pkgerrors.Wrap(err, "store: create schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// IsBanned reports whether addr (an IP, not host:port) is on the ban list.
func (s *Store) IsBanned(addr string) (bool, string, error) {
	var reason string
	err := s.db.QueryRow(`SELECT reason FROM ban WHERE addr = ?;`, addr).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", pkgerrors.Wrap(err, "store: query ban")
	}
	return true, reason, nil
}

// IsBannedAddr is a convenience wrapper over IsBanned for a net.Addr as
// handed to an AdmissionGate (host portion only, so a banned IP stays
// banned across ephemeral source ports).
func (s *Store) IsBannedAddr(addr net.Addr) (bool, string, error) {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return s.IsBanned(host)
}

// Ban inserts or replaces a ban entry for addr.
func (s *Store) Ban(addr, reason string) error {
	if net.ParseIP(addr) == nil {
		return ErrInvalidAddress
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO ban (addr, reason, created_at) VALUES (?, ?, ?);`,
		addr, reason, time.Now())
	if err != nil {
		return pkgerrors.Wrap(err, "store: insert ban")
	}
	return nil
}

// Unban removes addr from the ban list. It is not an error to unban an
// address that was never banned.
func (s *Store) Unban(addr string) error {
	_, err := s.db.Exec(`DELETE FROM ban WHERE addr = ?;`, addr)
	if err != nil {
		return pkgerrors.Wrap(err, "store: delete ban")
	}
	return nil
}

// List returns every entry on the ban list.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT addr, reason, created_at FROM ban ORDER BY created_at;`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "store: list bans")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Addr, &e.Reason, &e.CreatedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "store: scan ban row")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
