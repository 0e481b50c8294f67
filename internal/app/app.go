// Package app supervises the chat session: it connects, joins the
// configured rooms, runs the listen loop and reconnects after failures,
// publishing what happens as a stream of events.
package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/kgchat/kgchat/internal/config"
	"github.com/kgchat/kgchat/internal/logging"
	"github.com/kgchat/kgchat/internal/xmpp"
	"github.com/kgchat/kgchat/internal/xmpp/bosh"
	"github.com/kgchat/kgchat/internal/xmpp/roster"
	"github.com/kgchat/kgchat/internal/xmpp/stanza"
)

// pruneInterval is how often departed occupants are checked against the
// configured retention.
const pruneInterval = time.Minute

// App owns one client and its reconnect loop.
type App struct {
	cfg    *config.Config
	log    *logging.Logger
	client *xmpp.Client

	events chan Event
	stop   chan struct{}

	mu       sync.Mutex
	seen     map[string]occupantState
	stopping bool
}

// New builds the app with a BOSH transport for the configured server.
func New(cfg *config.Config, log *logging.Logger) (*App, error) {
	if log == nil {
		log = logging.Discard()
	}

	headers := map[string]string{}
	if cfg.Server.Origin != "" {
		headers["Origin"] = cfg.Server.Origin
	}
	if cfg.Server.Referer != "" {
		headers["Referer"] = cfg.Server.Referer
	}
	if cfg.Server.UserAgent != "" {
		headers["User-Agent"] = cfg.Server.UserAgent
	}

	a := &App{
		cfg:    cfg,
		log:    log,
		events: make(chan Event, 100),
		stop:   make(chan struct{}),
		seen:   make(map[string]occupantState),
	}

	client, err := xmpp.NewClient(cfg, bosh.NewTransport(cfg.Server.URL, headers), a, log)
	if err != nil {
		return nil, err
	}
	a.client = client
	return a, nil
}

// Events returns the event stream. The channel is closed when Run
// returns.
func (a *App) Events() <-chan Event {
	return a.events
}

// Client returns the underlying client for direct queries.
func (a *App) Client() *xmpp.Client {
	return a.client
}

// Roster returns the occupant store.
func (a *App) Roster() *roster.Manager {
	return a.client.Roster()
}

// SendMessage forwards to the client. Safe to call from a goroutine other
// than the one running Run once the app reports online.
func (a *App) SendMessage(body, toJID, msgType string) bool {
	return a.client.SendMessage(body, toJID, msgType)
}

// Run connects and listens until Stop is called, reconnecting per the
// configured policy. It returns the last session error, or nil after a
// clean stop. All events are published from this goroutine; the events
// channel is closed on return.
func (a *App) Run(account *xmpp.Account) error {
	if account == nil {
		return fmt.Errorf("app: no account to run with")
	}
	defer close(a.events)

	if retention := a.cfg.RosterRetention(); retention > 0 {
		done := make(chan struct{})
		defer close(done)
		go a.pruneLoop(retention, done)
	}

	for {
		if a.stopped() {
			return nil
		}
		a.publish(Event{Type: EventConnState, Data: ConnConnecting})

		if err := a.client.Connect(account); err != nil {
			a.publish(Event{Type: EventConnState, Data: ConnOffline})
			if !a.cfg.Reconnect.Enabled || a.stopped() {
				return err
			}
			a.log.Warn("connect failed, retrying in %s: %v", a.cfg.ReconnectDelay(), err)
			if !a.waitReconnect() {
				return nil
			}
			continue
		}

		a.publish(Event{Type: EventConnState, Data: ConnOnline})
		for _, room := range a.cfg.Rooms {
			if !room.AutoJoin {
				continue
			}
			if err := a.client.JoinRoom(room.JID, room.Nickname); err != nil {
				a.log.Error("auto-join %s: %v", room.JID, err)
			}
		}

		err := a.client.Listen()
		a.resetSeen()
		a.publish(Event{Type: EventConnState, Data: ConnOffline})

		if a.stopped() {
			return nil
		}
		if !a.cfg.Reconnect.Enabled {
			return err
		}
		if err != nil {
			a.log.Warn("session lost, reconnecting in %s: %v", a.cfg.ReconnectDelay(), err)
		} else {
			a.log.Info("session ended, reconnecting in %s", a.cfg.ReconnectDelay())
		}
		if !a.waitReconnect() {
			return nil
		}
	}
}

// Stop ends the reconnect loop and terminates the session. The running
// listen loop observes the termination on its next poll.
func (a *App) Stop() {
	a.mu.Lock()
	if a.stopping {
		a.mu.Unlock()
		return
	}
	a.stopping = true
	close(a.stop)
	a.mu.Unlock()

	a.client.Disconnect()
}

// OnMessage implements xmpp.Handler.
func (a *App) OnMessage(msg stanza.Message) {
	a.publish(Event{Type: EventMessage, Data: msg})
}

// OnPresence implements xmpp.Handler. Roster changes are classified
// against the previous state but suppressed while the client replays a
// join burst; announcing the whole room as "joined" would be noise.
func (a *App) OnPresence(p stanza.Presence) {
	change := a.trackPresence(p)
	a.publish(Event{Type: EventPresence, Data: p})

	if change.Kind != ChangeNone && !a.client.Bootstrapping() {
		a.publish(Event{Type: EventRosterChange, Data: change})
	}
}

// trackPresence records the occupant's new state and returns the
// classified transition.
func (a *App) trackPresence(p stanza.Presence) RosterChange {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, known := a.seen[p.FromJID]
	kind := classify(prev, known, p)

	if p.Type == roster.StatusUnavailable {
		a.seen[p.FromJID] = occupantState{online: false, gameID: ""}
	} else {
		a.seen[p.FromJID] = occupantState{online: true, gameID: p.GameID}
	}

	return RosterChange{
		Kind:       kind,
		JID:        p.FromJID,
		Login:      p.Login,
		GameID:     p.GameID,
		PrevGameID: prev.gameID,
	}
}

func (a *App) resetSeen() {
	a.mu.Lock()
	a.seen = make(map[string]occupantState)
	a.mu.Unlock()
}

func (a *App) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

// waitReconnect sleeps out the reconnect delay and reports whether the
// loop should continue.
func (a *App) waitReconnect() bool {
	select {
	case <-time.After(a.cfg.ReconnectDelay()):
		return true
	case <-a.stop:
		return false
	}
}

func (a *App) pruneLoop(retention time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := a.client.Roster().PruneUnavailable(retention); n > 0 {
				a.log.Debug("pruned %d departed occupants", n)
			}
		case <-done:
			return
		case <-a.stop:
			return
		}
	}
}

// publish delivers an event without ever blocking the session loop; a
// slow consumer loses events rather than stalling the poll cycle.
func (a *App) publish(ev Event) {
	select {
	case a.events <- ev:
	default:
	}
}
