package app

import (
	"github.com/kgchat/kgchat/internal/xmpp/roster"
	"github.com/kgchat/kgchat/internal/xmpp/stanza"
)

// EventType represents the type of event.
type EventType int

const (
	EventConnState EventType = iota
	EventMessage
	EventPresence
	EventRosterChange
)

// Event is one item on the application event stream. Data holds a
// ConnState, stanza.Message, stanza.Presence or RosterChange depending on
// Type.
type Event struct {
	Type EventType
	Data interface{}
}

// ConnState is the coarse connection state reported to consumers.
type ConnState string

const (
	ConnConnecting ConnState = "connecting"
	ConnOnline     ConnState = "online"
	ConnOffline    ConnState = "offline"
)

// ChangeKind classifies what a presence update means for the room roster.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeJoined
	ChangeLeft
	ChangeGameEntered
	ChangeGameLeft
	ChangeGameChanged
)

// String returns a human-readable change name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeJoined:
		return "joined"
	case ChangeLeft:
		return "left"
	case ChangeGameEntered:
		return "game entered"
	case ChangeGameLeft:
		return "game left"
	case ChangeGameChanged:
		return "game changed"
	default:
		return "none"
	}
}

// RosterChange is a classified roster transition for one occupant.
type RosterChange struct {
	Kind       ChangeKind
	JID        string
	Login      string
	GameID     string
	PrevGameID string
}

// occupantState is the last presence the app has seen for a JID. It is
// tracked separately from the roster store because classification needs
// the state from before the update.
type occupantState struct {
	online bool
	gameID string
}

// classify maps an occupant's previous state and a new presence to a
// roster change. An unavailable presence for someone never seen online is
// noise and classifies as no change.
func classify(prev occupantState, known bool, p stanza.Presence) ChangeKind {
	if p.Type == roster.StatusUnavailable {
		if known && prev.online {
			return ChangeLeft
		}
		return ChangeNone
	}
	if !known || !prev.online {
		return ChangeJoined
	}
	switch {
	case prev.gameID == p.GameID:
		return ChangeNone
	case prev.gameID == "":
		return ChangeGameEntered
	case p.GameID == "":
		return ChangeGameLeft
	default:
		return ChangeGameChanged
	}
}
