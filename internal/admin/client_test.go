package admin

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/chat"
	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

type fakeBackend struct {
	actions []string
	bodies  []map[string]any
	results map[string]api.AdminResult
	err     error
	token   string
}

func (f *fakeBackend) AdminAction(_ context.Context, room, csrf, action string, params map[string]any) (api.AdminResult, error) {
	f.actions = append(f.actions, action)
	f.bodies = append(f.bodies, params)
	if f.err != nil {
		return api.AdminResult{}, f.err
	}
	return f.results[action], nil
}

func (f *fakeBackend) FetchCSRF(_ context.Context) (string, error) {
	return f.token, nil
}

func newTestClient(t *testing.T, backend Backend, kick func()) (*Client, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	client, err := NewClient(Config{Backend: backend, Store: st, Room: "home", KickPoll: kick})
	if err != nil {
		t.Fatalf("new admin client: %v", err)
	}
	return client, st
}

func TestActionWireNames(t *testing.T) {
	cases := []struct {
		action Action
		want   string
	}{
		{MuteIP{IP: "10.0.0.1", Minutes: 10}, "mute"},
		{UnmuteIP{IP: "10.0.0.1"}, "unmute"},
		{BanIP{IP: "10.0.0.1"}, "ban"},
		{UnbanIP{IP: "10.0.0.1"}, "unban"},
		{PauseRoom{Seconds: 60}, "pause"},
		{Resume{}, "pause"},
		{ClearHistory{}, "clear_history"},
		{DeleteMessage{ID: "m1"}, "delete_message"},
		{ClearByIP{IP: "10.0.0.1"}, "clear_by_ip"},
		{Notice{Text: "maintenance"}, "notice"},
	}
	for _, tc := range cases {
		if got := tc.action.name(); got != tc.want {
			t.Fatalf("expected wire name %q, got %q", tc.want, got)
		}
	}
	if (Resume{}).params()["seconds"] != 0 {
		t.Fatalf("expected resume to encode a zero-second pause")
	}
}

func TestDoRequiresToken(t *testing.T) {
	client, _ := newTestClient(t, &fakeBackend{}, nil)
	if _, err := client.Do(context.Background(), ClearHistory{}); err != ErrNoToken {
		t.Fatalf("expected ErrNoToken, got %v", err)
	}
}

func TestDoAppliesDeleteDirectiveAndKicksPoll(t *testing.T) {
	kicked := false
	backend := &fakeBackend{
		token: "tok-1",
		results: map[string]api.AdminResult{
			"delete_message": {Mod: &chat.Directive{DeletedIDs: []string{"m2"}}},
			"list_state": {
				Presence: []api.PresenceUser{{CID: "c1", Name: "Ann", IP: "10.0.0.1", LastSeen: 5}},
				Banned:   []string{"10.9.9.9"},
				Muted:    map[string]int64{"10.0.0.2": 99},
			},
		},
	}
	client, st := newTestClient(t, backend, func() { kicked = true })
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := st.SaveMessages("home", []chat.Message{
		{ID: "m1", Name: "A", Text: "keep", TS: 1},
		{ID: "m2", Name: "B", Text: "drop", TS: 2},
	}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	state, err := client.Do(context.Background(), DeleteMessage{ID: "m2"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}

	cached := st.LoadMessages("home")
	if len(cached) != 1 || cached[0].ID != "m1" {
		t.Fatalf("expected directive applied to cache, got %#v", cached)
	}
	if !kicked {
		t.Fatalf("expected poll kick after action")
	}
	if len(backend.actions) != 2 || backend.actions[1] != "list_state" {
		t.Fatalf("expected list_state refresh after action, got %v", backend.actions)
	}
	if len(state.Presence) != 1 || state.Presence[0].IP != "10.0.0.1" {
		t.Fatalf("expected refreshed admin presence, got %#v", state.Presence)
	}
	if len(state.Banned) != 1 || state.Muted["10.0.0.2"] != 99 {
		t.Fatalf("unexpected refreshed state: %#v", state)
	}
}

func TestDoClearHistoryWipesCache(t *testing.T) {
	backend := &fakeBackend{
		token: "tok-1",
		results: map[string]api.AdminResult{
			"clear_history": {Mod: &chat.Directive{ClearedBefore: 5000}},
		},
	}
	client, st := newTestClient(t, backend, nil)
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := st.SaveMessages("home", []chat.Message{{ID: "m1", TS: 1}, {ID: "m2", TS: 9999}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if _, err := client.Do(context.Background(), ClearHistory{}); err != nil {
		t.Fatalf("do: %v", err)
	}
	if cached := st.LoadMessages("home"); len(cached) != 0 {
		t.Fatalf("expected authoritative cache wipe, got %#v", cached)
	}
}

func TestDoSurfacesUnauthorizedWithoutRetry(t *testing.T) {
	backend := &fakeBackend{token: "tok-1", err: api.ErrUnauthorized}
	client, _ := newTestClient(t, backend, nil)
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}

	if _, err := client.Do(context.Background(), BanIP{IP: "10.0.0.1"}); err != api.ErrUnauthorized {
		t.Fatalf("expected unauthorized error surfaced, got %v", err)
	}
	if len(backend.actions) != 1 {
		t.Fatalf("expected no retry and no refresh after auth failure, got %v", backend.actions)
	}
}

func TestRefreshDefaultsMutedMap(t *testing.T) {
	backend := &fakeBackend{token: "tok-1", results: map[string]api.AdminResult{"list_state": {}}}
	client, _ := newTestClient(t, backend, nil)
	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	state, err := client.Refresh(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if state.Muted == nil {
		t.Fatalf("expected muted map defaulted, got nil")
	}
}
