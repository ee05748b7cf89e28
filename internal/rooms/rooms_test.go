package rooms

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

func openList(t *testing.T, clock func() time.Time) *List {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	list, err := NewList(st, clock)
	if err != nil {
		t.Fatalf("new list: %v", err)
	}
	return list
}

func TestValidName(t *testing.T) {
	valid := []string{"general", "room-1", "a_b", "x"}
	for _, name := range valid {
		if !ValidName(name) {
			t.Fatalf("expected %q to be valid", name)
		}
	}
	invalid := []string{"", "Room", "has space", "emoji🙂", "toolongtoolongtoolongtoolongtoolong"}
	for _, name := range invalid {
		if ValidName(name) {
			t.Fatalf("expected %q to be invalid", name)
		}
	}
}

func TestAcceptRejectsInvalidName(t *testing.T) {
	list := openList(t, time.Now)
	if err := list.Accept("Bad Name"); err != ErrInvalidName {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
}

func TestAcceptRecordsAndRefreshes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	list := openList(t, func() time.Time { return now })

	if err := list.Accept("general"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	first := list.Accepted()
	if len(first) != 1 || first[0].Room != "general" {
		t.Fatalf("unexpected rooms: %+v", first)
	}
	acceptedAt := first[0].AcceptedAt

	now = now.Add(time.Hour)
	if err := list.Accept("general"); err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	second := list.Accepted()
	if len(second) != 1 {
		t.Fatalf("expected one room, got %d", len(second))
	}
	if second[0].AcceptedAt != acceptedAt {
		t.Fatalf("acceptedAt changed on repeat join")
	}
	if second[0].LastJoined != now.UnixMilli() {
		t.Fatalf("lastJoined not refreshed: %d", second[0].LastJoined)
	}
}

func TestAcceptedPrunesExpiredEntries(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	list := openList(t, func() time.Time { return now })

	if err := list.Accept("old"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	now = now.Add(29 * 24 * time.Hour)
	if err := list.Accept("fresh"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	now = now.Add(2 * 24 * time.Hour)
	rooms := list.Accepted()
	if len(rooms) != 1 || rooms[0].Room != "fresh" {
		t.Fatalf("expected only fresh room, got %+v", rooms)
	}
}
