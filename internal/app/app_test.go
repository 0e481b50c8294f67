package app

import (
	"testing"

	"github.com/kgchat/kgchat/internal/config"
	"github.com/kgchat/kgchat/internal/xmpp/stanza"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		prev  occupantState
		known bool
		p     stanza.Presence
		want  ChangeKind
	}{
		{
			name: "unknown occupant joins",
			p:    stanza.Presence{Type: "available"},
			want: ChangeJoined,
		},
		{
			name:  "departed occupant rejoins",
			prev:  occupantState{online: false},
			known: true,
			p:     stanza.Presence{Type: "available"},
			want:  ChangeJoined,
		},
		{
			name:  "online occupant leaves",
			prev:  occupantState{online: true},
			known: true,
			p:     stanza.Presence{Type: "unavailable"},
			want:  ChangeLeft,
		},
		{
			name: "unavailable for unknown occupant is noise",
			p:    stanza.Presence{Type: "unavailable"},
			want: ChangeNone,
		},
		{
			name:  "unavailable after unavailable is noise",
			prev:  occupantState{online: false},
			known: true,
			p:     stanza.Presence{Type: "unavailable"},
			want:  ChangeNone,
		},
		{
			name:  "repeat presence without game is noise",
			prev:  occupantState{online: true},
			known: true,
			p:     stanza.Presence{Type: "available"},
			want:  ChangeNone,
		},
		{
			name:  "game entered",
			prev:  occupantState{online: true},
			known: true,
			p:     stanza.Presence{Type: "available", GameID: "g1"},
			want:  ChangeGameEntered,
		},
		{
			name:  "game left",
			prev:  occupantState{online: true, gameID: "g1"},
			known: true,
			p:     stanza.Presence{Type: "available"},
			want:  ChangeGameLeft,
		},
		{
			name:  "game changed",
			prev:  occupantState{online: true, gameID: "g1"},
			known: true,
			p:     stanza.Presence{Type: "available", GameID: "g2"},
			want:  ChangeGameChanged,
		},
		{
			name:  "same game is noise",
			prev:  occupantState{online: true, gameID: "g1"},
			known: true,
			p:     stanza.Presence{Type: "available", GameID: "g1"},
			want:  ChangeNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.prev, tt.known, tt.p); got != tt.want {
				t.Fatalf("classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.URL = "https://chat.example/xmpp"
	cfg.Server.Domain = "example"
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestTrackPresenceSequence(t *testing.T) {
	a := newTestApp(t)
	jid := "room@conf.example/7#bob"

	ch := a.trackPresence(stanza.Presence{FromJID: jid, Login: "bob", Type: "available"})
	if ch.Kind != ChangeJoined {
		t.Fatalf("first presence = %s, want joined", ch.Kind)
	}

	ch = a.trackPresence(stanza.Presence{FromJID: jid, Login: "bob", Type: "available", GameID: "g1"})
	if ch.Kind != ChangeGameEntered {
		t.Fatalf("second presence = %s, want game entered", ch.Kind)
	}

	ch = a.trackPresence(stanza.Presence{FromJID: jid, Login: "bob", Type: "available", GameID: "g2"})
	if ch.Kind != ChangeGameChanged || ch.PrevGameID != "g1" {
		t.Fatalf("third presence = %s prev=%q, want game changed from g1", ch.Kind, ch.PrevGameID)
	}

	ch = a.trackPresence(stanza.Presence{FromJID: jid, Login: "bob", Type: "unavailable"})
	if ch.Kind != ChangeLeft {
		t.Fatalf("fourth presence = %s, want left", ch.Kind)
	}

	// After a session reset the next presence reads as a fresh join.
	a.resetSeen()
	ch = a.trackPresence(stanza.Presence{FromJID: jid, Login: "bob", Type: "available", GameID: "g2"})
	if ch.Kind != ChangeJoined {
		t.Fatalf("presence after reset = %s, want joined", ch.Kind)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	a := newTestApp(t)
	for i := 0; i < cap(a.events)+10; i++ {
		a.publish(Event{Type: EventMessage})
	}
	if len(a.events) != cap(a.events) {
		t.Fatalf("expected a full channel, got %d of %d", len(a.events), cap(a.events))
	}
}

func TestStopIsIdempotent(t *testing.T) {
	a := newTestApp(t)
	a.Stop()
	a.Stop()
	if !a.stopped() {
		t.Fatalf("app must report stopped")
	}
}
