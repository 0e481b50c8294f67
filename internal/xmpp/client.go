// Package xmpp implements the BOSH chat client: session negotiation, room
// join, message send and the long-poll listen loop.
package xmpp

import (
	"encoding/base64"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmpp/jid"

	"github.com/kgchat/kgchat/internal/config"
	"github.com/kgchat/kgchat/internal/logging"
	"github.com/kgchat/kgchat/internal/xmpp/bosh"
	"github.com/kgchat/kgchat/internal/xmpp/roster"
	"github.com/kgchat/kgchat/internal/xmpp/stanza"
)

// Timeouts by phase. The listen poll must exceed the server's BOSH wait
// value or every poll would abort before the server answers.
const (
	handshakeTimeout = 10 * time.Second
	joinTimeout      = 15 * time.Second
	sendTimeout      = 5 * time.Second
	listenTimeout    = 70 * time.Second
)

// botLogin is the server's service bot; its traffic is noise for a chat
// client and is filtered before dispatch.
const botLogin = "Клавобот"

// State is the connection state of the handshake state machine.
type State int

const (
	StateDisconnected State = iota
	StateSessionRequested
	StateAuthenticating
	StateStreamRestarting
	StateResourceBinding
	StateSessionStarting
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSessionRequested:
		return "session-requested"
	case StateAuthenticating:
		return "authenticating"
	case StateStreamRestarting:
		return "stream-restarting"
	case StateResourceBinding:
		return "resource-binding"
	case StateSessionStarting:
		return "session-starting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Mode distinguishes the initial roster burst after a room join from live
// traffic, so the host can suppress join notifications for the bootstrap.
type Mode int

const (
	ModeLive Mode = iota
	ModeBootstrap
)

// Account is the read-only identity the client connects with.
type Account struct {
	UserID           string
	Login            string
	Password         string
	Avatar           string
	Background       string
	CustomBackground string
}

// EffectiveBackground returns the local background override when set,
// otherwise the server-side color. Server echoes of our own presence lag
// behind local customization, so this value also overrides the background
// on parsed stanzas that carry our own login.
func (a Account) EffectiveBackground() string {
	if a.CustomBackground != "" {
		return a.CustomBackground
	}
	return a.Background
}

// Handler receives parsed stanzas. Both methods are called from the
// goroutine running Connect/JoinRoom/Listen, in document order.
type Handler interface {
	OnMessage(msg stanza.Message)
	OnPresence(p stanza.Presence)
}

// Transport issues one blocking envelope exchange. *bosh.Transport is the
// production implementation; tests substitute scripted ones.
type Transport interface {
	Send(payload string, timeout time.Duration) (string, error)
}

// ProtocolError is a structurally valid server response that lacks an
// element the handshake needs.
type ProtocolError struct {
	Missing string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("xmpp: server response missing %s", e.Missing)
}

// AuthError is a SASL rejection.
type AuthError struct {
	Condition string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("xmpp: authentication failed: %s", e.Condition)
}

// Client is a BOSH chat session. Connect, JoinRoom and Listen must run on
// one goroutine; SendMessage and Disconnect may be called from others to
// inject traffic or unblock a running listen loop, and accessors and the
// roster are safe to read from anywhere.
type Client struct {
	cfg       *config.Config
	transport Transport
	handler   Handler
	log       *logging.Logger
	roster    *roster.Manager

	mu      sync.RWMutex
	joined  map[string]struct{}
	rid     uint64
	sid     string
	jid     string
	account *Account
	state   State
	mode    Mode

	listening bool
}

// NewClient creates a client for the configured server. A config without a
// BOSH endpoint fails fast here.
func NewClient(cfg *config.Config, transport Transport, handler Handler, log *logging.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		cfg:       cfg,
		transport: transport,
		handler:   handler,
		log:       log,
		roster:    roster.NewManager(),
		joined:    make(map[string]struct{}),
	}, nil
}

// Connect drives the handshake: session create, SASL PLAIN, stream
// restart, resource bind, session start. On any failure the session state
// is cleared and the client is back at disconnected.
func (c *Client) Connect(account *Account) error {
	if account == nil {
		return fmt.Errorf("xmpp: no account to connect with")
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return fmt.Errorf("xmpp: already %s", c.state)
	}
	c.account = account
	c.state = StateSessionRequested
	c.rid = rand.Uint64N(10_000_000_000)
	c.mu.Unlock()

	if err := c.handshake(account); err != nil {
		c.log.Error("connect failed for %s: %v", account.Login, err)
		c.reset()
		return err
	}

	c.setState(StateConnected)
	c.log.Info("connected as %s (%s)", account.Login, c.JID())
	return nil
}

func (c *Client) handshake(account *Account) error {
	// Session create: the only envelope without a sid.
	attrs := map[string]string{
		"to":           c.cfg.Server.Domain,
		"xml:lang":     c.cfg.Connection.Lang,
		"wait":         c.cfg.Connection.Wait,
		"hold":         c.cfg.Connection.Hold,
		"content":      c.cfg.Connection.ContentType,
		"ver":          c.cfg.Connection.Version,
		"xmpp:version": c.cfg.Connection.XMPPVersion,
	}
	body, err := c.exchange(c.currentRID(), nil, attrs, handshakeTimeout)
	if err != nil {
		return err
	}
	if body.SID() == "" {
		return &ProtocolError{Missing: "session ID"}
	}
	c.mu.Lock()
	c.sid = body.SID()
	c.state = StateAuthenticating
	c.mu.Unlock()
	c.log.Debug("session created, sid %s", body.SID())

	// SASL PLAIN. The authcid is the "user_id#login" pair the server
	// expects; mellium's negotiator assembles the NUL-separated triple.
	auth, err := c.plainAuth(account)
	if err != nil {
		return err
	}
	body, err = c.exchange(c.nextRID(), []string{auth}, nil, handshakeTimeout)
	if err != nil {
		return err
	}
	if cond := body.AuthFailure(); cond != "" {
		return &AuthError{Condition: cond}
	}
	if !body.AuthSuccess() {
		// The server must acknowledge auth before we bind; proceeding
		// without it only defers the failure to a confusing place.
		return &AuthError{Condition: "no success acknowledgment"}
	}
	c.setState(StateStreamRestarting)

	// Stream restart.
	if _, err := c.exchange(c.nextRID(), nil, map[string]string{
		"xmpp:restart": "true",
		"to":           c.cfg.Server.Domain,
		"xml:lang":     c.cfg.Connection.Lang,
	}, handshakeTimeout); err != nil {
		return err
	}
	c.setState(StateResourceBinding)

	// Resource bind.
	bind, err := stanza.BindIQ(c.cfg.Server.Resource)
	if err != nil {
		return err
	}
	body, err = c.exchange(c.nextRID(), []string{bind}, nil, handshakeTimeout)
	if err != nil {
		return err
	}
	bound := body.BoundJID()
	if bound == "" {
		return &ProtocolError{Missing: "bound JID"}
	}
	j, err := jid.Parse(bound)
	if err != nil {
		return fmt.Errorf("xmpp: server bound an invalid JID %q: %w", bound, err)
	}
	c.mu.Lock()
	c.jid = j.String()
	c.state = StateSessionStarting
	c.mu.Unlock()

	// Session start.
	session, err := stanza.SessionIQ()
	if err != nil {
		return err
	}
	if _, err := c.exchange(c.nextRID(), []string{session}, nil, handshakeTimeout); err != nil {
		return err
	}
	return nil
}

func (c *Client) plainAuth(account *Account) (string, error) {
	negotiator := sasl.NewClient(sasl.Plain, sasl.Credentials(func() ([]byte, []byte, []byte) {
		return []byte(account.UserID + "#" + account.Login), []byte(account.Password), nil
	}))
	_, payload, err := negotiator.Step(nil)
	if err != nil {
		return "", fmt.Errorf("xmpp: building SASL response: %w", err)
	}
	return stanza.Auth("PLAIN", base64.StdEncoding.EncodeToString(payload))
}

// JoinRoom sends the MUC join presence and runs the server's occupant
// burst through dispatch in bootstrap mode. Joining a room twice is a
// no-op.
func (c *Client) JoinRoom(roomJID, nickname string) error {
	c.mu.RLock()
	state, account := c.state, c.account
	_, alreadyJoined := c.joined[roomJID]
	c.mu.RUnlock()
	if state != StateConnected || account == nil {
		return fmt.Errorf("xmpp: not connected")
	}
	if alreadyJoined {
		return nil
	}

	room, err := jid.Parse(roomJID)
	if err != nil {
		return fmt.Errorf("xmpp: invalid room JID %q: %w", roomJID, err)
	}
	if nickname == "" {
		nickname = account.UserID + "#" + account.Login
	}

	pres, err := stanza.JoinPresence(room.String()+"/"+nickname, c.userData(account))
	if err != nil {
		return err
	}
	resp, err := c.transport.Send(c.envelope(c.nextRID(), []string{pres}, nil), joinTimeout)
	if err != nil {
		return fmt.Errorf("xmpp: joining %s: %w", roomJID, err)
	}

	body, err := stanza.DecodeBody(resp)
	if err != nil {
		c.log.Warn("join response unparseable: %v", err)
	} else {
		c.setMode(ModeBootstrap)
		c.processBody(body)
		c.setMode(ModeLive)
	}

	c.mu.Lock()
	c.joined[roomJID] = struct{}{}
	c.mu.Unlock()
	c.log.Info("joined room %s", roomJID)
	return nil
}

// SendMessage sends a chat or groupchat message. With no recipient, a
// groupchat message goes to the first auto-join room; with none
// configured, no request is made. Failures surface only as a false
// return; a failed send must never take the session down.
func (c *Client) SendMessage(body, toJID, msgType string) bool {
	c.mu.RLock()
	sid, selfJID, account := c.sid, c.jid, c.account
	c.mu.RUnlock()
	if sid == "" || selfJID == "" || account == nil {
		return false
	}

	if msgType == "" {
		msgType = "groupchat"
	}
	if toJID == "" && msgType == "groupchat" {
		for _, room := range c.cfg.Rooms {
			if room.AutoJoin {
				toJID = room.JID
				break
			}
		}
	}
	if toJID == "" {
		return false
	}

	msg, err := stanza.ChatMessage(toJID, selfJID, msgType, body, c.userData(account))
	if err != nil {
		c.log.Error("building message: %v", err)
		return false
	}
	if _, err := c.transport.Send(c.envelope(c.nextRID(), []string{msg}, nil), sendTimeout); err != nil {
		c.log.Error("sending message to %s: %v", toJID, err)
		return false
	}
	return true
}

// Listen is the blocking long-poll loop. It returns nil when the server
// terminates the session and an error on transport failure; either way
// the session state is cleared and the caller decides whether to
// reconnect. At most one loop runs per session.
func (c *Client) Listen() error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return fmt.Errorf("xmpp: not connected")
	}
	if c.listening {
		c.mu.Unlock()
		return fmt.Errorf("xmpp: listen loop already running")
	}
	c.listening = true
	c.mu.Unlock()

	defer c.reset()

	for {
		resp, err := c.transport.Send(c.envelope(c.nextRID(), nil, nil), listenTimeout)
		if err != nil {
			return fmt.Errorf("xmpp: listen poll: %w", err)
		}

		body, err := stanza.DecodeBody(resp)
		if err != nil {
			// A garbled response carries no stanzas; the session
			// itself is still fine.
			c.log.Warn("dropping unparseable response: %v", err)
			continue
		}
		if body.Terminate() {
			c.log.Info("session terminated by server")
			return nil
		}
		c.processBody(body)
	}
}

// Disconnect best-effort terminates the session and clears local state.
func (c *Client) Disconnect() {
	c.mu.RLock()
	sid := c.sid
	c.mu.RUnlock()

	if sid != "" {
		// The server may already be gone; local state is cleared
		// regardless.
		_, _ = c.transport.Send(c.envelope(c.nextRID(), nil, map[string]string{"type": "terminate"}), sendTimeout)
	}
	c.reset()
}

// processBody dispatches the stanzas of one response in document order.
func (c *Client) processBody(body *stanza.Body) {
	msgs := body.Messages()
	pres := body.Presences()

	c.mu.RLock()
	account := c.account
	initial := c.mode == ModeBootstrap
	c.mu.RUnlock()

	var ownLogin, ownBG string
	if account != nil {
		ownLogin = account.Login
		ownBG = account.EffectiveBackground()
	}

	for _, m := range msgs {
		if ownLogin != "" && ownBG != "" && m.Login == ownLogin {
			m.Background = ownBG
		}
		m.Initial = initial
		if strings.Contains(strings.ToLower(m.Body), "not anonymous") {
			continue
		}
		if m.Login == botLogin {
			continue
		}
		if c.handler != nil {
			c.handler.OnMessage(m)
		}
	}

	for _, p := range pres {
		if ownLogin != "" && ownBG != "" && p.Login == ownLogin {
			p.Background = ownBG
		}
		if p.Login == botLogin {
			continue
		}
		if p.Type == roster.StatusUnavailable {
			c.roster.Remove(p.FromJID)
		} else {
			c.roster.AddOrUpdate(roster.Update{
				JID:         p.FromJID,
				Login:       p.Login,
				UserID:      p.UserID,
				Background:  p.Background,
				GameID:      p.GameID,
				Affiliation: p.Affiliation,
				Role:        p.Role,
				Moderator:   p.Moderator,
			})
		}
		if c.handler != nil {
			c.handler.OnPresence(p)
		}
	}
}

// exchange sends an envelope and decodes the response.
func (c *Client) exchange(rid uint64, children []string, attrs map[string]string, timeout time.Duration) (*stanza.Body, error) {
	resp, err := c.transport.Send(c.envelope(rid, children, attrs), timeout)
	if err != nil {
		return nil, err
	}
	return stanza.DecodeBody(resp)
}

func (c *Client) envelope(rid uint64, children []string, attrs map[string]string) string {
	c.mu.RLock()
	sid := c.sid
	c.mu.RUnlock()
	return bosh.Envelope{RID: rid, SID: sid, Attrs: attrs, Children: children}.String()
}

// nextRID hands out request IDs; each is used exactly once and the
// sequence is strictly increasing for the life of the session.
func (c *Client) nextRID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rid++
	return c.rid
}

func (c *Client) currentRID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rid
}

func (c *Client) userData(account *Account) stanza.UserData {
	return stanza.UserData{
		Login:      account.Login,
		Avatar:     account.Avatar,
		Background: account.EffectiveBackground(),
	}
}

// reset clears all session state. Rooms must be rejoined after the next
// Connect.
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sid = ""
	c.jid = ""
	c.state = StateDisconnected
	c.mode = ModeLive
	c.listening = false
	c.joined = make(map[string]struct{})
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Client) setMode(m Mode) {
	c.mu.Lock()
	c.mode = m
	c.mu.Unlock()
}

// SID returns the BOSH session ID, or "" when disconnected.
func (c *Client) SID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sid
}

// JID returns the bound JID, or "" when disconnected.
func (c *Client) JID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Bootstrapping reports whether dispatch is replaying an initial roster
// burst rather than live traffic.
func (c *Client) Bootstrapping() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode == ModeBootstrap
}

// Roster returns the occupant store. Safe for concurrent reads.
func (c *Client) Roster() *roster.Manager {
	return c.roster
}
