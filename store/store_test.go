package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ban.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBanAndIsBanned(t *testing.T) {
	s := openTestStore(t)

	banned, _, err := s.IsBanned("203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	if banned {
		t.Fatal("fresh store reports an address as banned")
	}

	if err := s.Ban("203.0.113.5", "spam"); err != nil {
		t.Fatal(err)
	}

	banned, reason, err := s.IsBanned("203.0.113.5")
	if err != nil {
		t.Fatal(err)
	}
	if !banned || reason != "spam" {
		t.Fatalf("IsBanned = %v, %q, want true, spam", banned, reason)
	}
}

func TestBanRejectsInvalidAddress(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ban("not-an-ip", "x"); err != ErrInvalidAddress {
		t.Fatalf("err = %v, want ErrInvalidAddress", err)
	}
}

func TestUnban(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ban("198.51.100.9", "abuse"); err != nil {
		t.Fatal(err)
	}
	if err := s.Unban("198.51.100.9"); err != nil {
		t.Fatal(err)
	}
	banned, _, err := s.IsBanned("198.51.100.9")
	if err != nil {
		t.Fatal(err)
	}
	if banned {
		t.Fatal("address still banned after Unban")
	}
}

func TestList(t *testing.T) {
	s := openTestStore(t)
	s.Ban("192.0.2.1", "a")
	s.Ban("192.0.2.2", "b")

	entries, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() returned %d entries, want 2", len(entries))
	}
}
