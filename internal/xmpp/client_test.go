package xmpp

import (
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kgchat/kgchat/internal/config"
	"github.com/kgchat/kgchat/internal/xmpp/roster"
	"github.com/kgchat/kgchat/internal/xmpp/stanza"
)

const respEmpty = `<body xmlns="http://jabber.org/protocol/httpbind"/>`

var handshakeResponses = []string{
	`<body xmlns="http://jabber.org/protocol/httpbind" sid="abc123"/>`,
	`<body xmlns="http://jabber.org/protocol/httpbind"><success xmlns="urn:ietf:params:xml:ns:xmpp-sasl"/></body>`,
	respEmpty,
	`<body xmlns="http://jabber.org/protocol/httpbind">` +
		`<iq xmlns="jabber:client" type="result" id="bind_1">` +
		`<bind xmlns="urn:ietf:params:xml:ns:xmpp-bind"><jid>42#alice@conf.example/web</jid></bind></iq></body>`,
	respEmpty,
}

type mockTransport struct {
	responses []string
	payloads  []string
	timeouts  []time.Duration
}

func (m *mockTransport) Send(payload string, timeout time.Duration) (string, error) {
	m.payloads = append(m.payloads, payload)
	m.timeouts = append(m.timeouts, timeout)
	if len(m.payloads) > len(m.responses) {
		return "", fmt.Errorf("no scripted response for request %d", len(m.payloads))
	}
	return m.responses[len(m.payloads)-1], nil
}

type failingTransport struct{}

func (failingTransport) Send(string, time.Duration) (string, error) {
	return "", errors.New("connection refused")
}

type recordingHandler struct {
	messages  []stanza.Message
	presences []stanza.Presence
}

func (h *recordingHandler) OnMessage(m stanza.Message)  { h.messages = append(h.messages, m) }
func (h *recordingHandler) OnPresence(p stanza.Presence) { h.presences = append(h.presences, p) }

type envelopeAttrs struct {
	RID  string `xml:"rid,attr"`
	SID  string `xml:"sid,attr"`
	To   string `xml:"to,attr"`
	Type string `xml:"type,attr"`
	Auth string `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
}

func decodeEnvelope(t *testing.T, payload string) envelopeAttrs {
	t.Helper()
	var e envelopeAttrs
	if err := xml.Unmarshal([]byte(payload), &e); err != nil {
		t.Fatalf("envelope is not well-formed: %v\n%s", err, payload)
	}
	return e
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.URL = "https://chat.example/xmpp"
	cfg.Server.Domain = "example"
	cfg.Server.Resource = "web"
	return cfg
}

func testAccount() *Account {
	return &Account{UserID: "42", Login: "alice", Password: "secret"}
}

func newTestClient(t *testing.T, cfg *config.Config, tr Transport, h Handler) *Client {
	t.Helper()
	c, err := NewClient(cfg, tr, h, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewClientRequiresServerConfig(t *testing.T) {
	_, err := NewClient(config.DefaultConfig(), &mockTransport{}, nil, nil)
	if !errors.Is(err, config.ErrInvalidServer) {
		t.Fatalf("expected ErrInvalidServer, got %v", err)
	}
}

func TestConnectSuccess(t *testing.T) {
	mt := &mockTransport{responses: handshakeResponses}
	c := newTestClient(t, testConfig(), mt, nil)

	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.JID() != "42#alice@conf.example/web" {
		t.Fatalf("unexpected bound JID: %q", c.JID())
	}
	if c.SID() != "abc123" {
		t.Fatalf("unexpected sid: %q", c.SID())
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", c.State())
	}
	if len(mt.payloads) != 5 {
		t.Fatalf("expected 5 handshake requests, got %d", len(mt.payloads))
	}
}

func TestRIDStrictlyIncreasingAndSIDPlacement(t *testing.T) {
	mt := &mockTransport{responses: handshakeResponses}
	c := newTestClient(t, testConfig(), mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var prev uint64
	for i, payload := range mt.payloads {
		env := decodeEnvelope(t, payload)
		rid, err := strconv.ParseUint(env.RID, 10, 64)
		if err != nil {
			t.Fatalf("request %d has bad rid %q", i, env.RID)
		}
		if i == 0 {
			if env.SID != "" {
				t.Fatalf("first envelope must not carry a sid: %s", payload)
			}
		} else {
			if env.SID != "abc123" {
				t.Fatalf("request %d sid = %q, want abc123", i, env.SID)
			}
			if rid <= prev {
				t.Fatalf("rid not strictly increasing: %d after %d", rid, prev)
			}
		}
		prev = rid
	}
}

func TestSASLPlainPayload(t *testing.T) {
	mt := &mockTransport{responses: handshakeResponses}
	c := newTestClient(t, testConfig(), mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	env := decodeEnvelope(t, mt.payloads[1])
	if env.Auth == "" {
		t.Fatalf("second request must carry the auth stanza: %s", mt.payloads[1])
	}
	raw, err := base64.StdEncoding.DecodeString(env.Auth)
	if err != nil {
		t.Fatalf("auth payload is not base64: %v", err)
	}
	if string(raw) != "\x0042#alice\x00secret" {
		t.Fatalf("unexpected SASL payload: %q", raw)
	}
}

func TestConnectMissingSID(t *testing.T) {
	mt := &mockTransport{responses: []string{respEmpty}}
	c := newTestClient(t, testConfig(), mt, nil)

	err := c.Connect(testAccount())
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if c.State() != StateDisconnected || c.SID() != "" {
		t.Fatalf("failed connect must reset state: %s sid=%q", c.State(), c.SID())
	}
}

func TestConnectAuthRejected(t *testing.T) {
	mt := &mockTransport{responses: []string{
		`<body xmlns="http://jabber.org/protocol/httpbind" sid="abc123"/>`,
		`<body xmlns="http://jabber.org/protocol/httpbind"><failure xmlns="urn:ietf:params:xml:ns:xmpp-sasl"><not-authorized/></failure></body>`,
	}}
	c := newTestClient(t, testConfig(), mt, nil)

	err := c.Connect(testAccount())
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if aerr.Condition != "not-authorized" {
		t.Fatalf("unexpected condition: %q", aerr.Condition)
	}
}

func TestConnectAuthWithoutAcknowledgment(t *testing.T) {
	mt := &mockTransport{responses: []string{
		`<body xmlns="http://jabber.org/protocol/httpbind" sid="abc123"/>`,
		respEmpty,
	}}
	c := newTestClient(t, testConfig(), mt, nil)

	var aerr *AuthError
	if err := c.Connect(testAccount()); !errors.As(err, &aerr) {
		t.Fatalf("expected AuthError, got %v", err)
	}
}

func TestConnectMissingBoundJID(t *testing.T) {
	mt := &mockTransport{responses: []string{
		handshakeResponses[0], handshakeResponses[1], handshakeResponses[2],
		respEmpty,
	}}
	c := newTestClient(t, testConfig(), mt, nil)

	err := c.Connect(testAccount())
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
	if c.JID() != "" {
		t.Fatalf("jid must stay empty after failed bind, got %q", c.JID())
	}
}

func TestConnectTransportFailure(t *testing.T) {
	c := newTestClient(t, testConfig(), failingTransport{}, nil)
	if err := c.Connect(testAccount()); err == nil {
		t.Fatalf("expected connect to fail")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected state, got %s", c.State())
	}
}

func TestListenDispatchesAndClearsState(t *testing.T) {
	h := &recordingHandler{}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...),
		`<body xmlns="http://jabber.org/protocol/httpbind">`+
			`<message xmlns="jabber:client" from="room@conf.example/7#bob"><body>hello</body></message>`+
			`<presence xmlns="jabber:client" from="room@conf.example/7#bob"/></body>`,
		`<body xmlns="http://jabber.org/protocol/httpbind" type="terminate"/>`,
	)}
	c := newTestClient(t, testConfig(), mt, h)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.Listen(); err != nil {
		t.Fatalf("listen should end cleanly on terminate: %v", err)
	}

	if len(h.messages) != 1 || h.messages[0].Body != "hello" {
		t.Fatalf("message not dispatched: %+v", h.messages)
	}
	if h.messages[0].Initial {
		t.Fatalf("live message must not carry the initial flag")
	}
	if len(h.presences) != 1 {
		t.Fatalf("presence not dispatched: %+v", h.presences)
	}
	if _, ok := c.Roster().Get("room@conf.example/7#bob"); !ok {
		t.Fatalf("presence must populate the roster")
	}

	if c.SID() != "" || c.JID() != "" {
		t.Fatalf("session state must be cleared after listen: sid=%q jid=%q", c.SID(), c.JID())
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after listen, got %s", c.State())
	}

	// A fresh connect works without any manual reset.
	mt.responses = append(mt.responses, handshakeResponses...)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
}

func TestListenReturnsTransportError(t *testing.T) {
	mt := &mockTransport{responses: handshakeResponses}
	c := newTestClient(t, testConfig(), mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Next poll has no scripted response and fails.
	if err := c.Listen(); err == nil {
		t.Fatalf("expected listen to surface the transport error")
	}
	if c.SID() != "" || c.JID() != "" {
		t.Fatalf("session state must be cleared after failed listen")
	}
}

func TestListenSkipsMalformedResponse(t *testing.T) {
	h := &recordingHandler{}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...),
		`<body><garbage`,
		`<body xmlns="http://jabber.org/protocol/httpbind" type="terminate"/>`,
	)}
	c := newTestClient(t, testConfig(), mt, h)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("malformed response must not end the loop: %v", err)
	}
	if len(h.messages) != 0 {
		t.Fatalf("no messages expected, got %+v", h.messages)
	}
}

func TestListenFilters(t *testing.T) {
	h := &recordingHandler{}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...),
		`<body xmlns="http://jabber.org/protocol/httpbind">` +
			`<message xmlns="jabber:client" from="room@conf.example/r"><body>This room is NOT anonymous</body></message>` +
			`<message xmlns="jabber:client" from="room@conf.example/9#Клавобот"><body>bot says hi</body></message>` +
			`<presence xmlns="jabber:client" from="room@conf.example/9#Клавобот"/>` +
			`<message xmlns="jabber:client" from="room@conf.example/7#bob"><body>real one</body></message>` +
			`</body>`,
		`<body xmlns="http://jabber.org/protocol/httpbind" type="terminate"/>`,
	)}
	c := newTestClient(t, testConfig(), mt, h)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if len(h.messages) != 1 || h.messages[0].Body != "real one" {
		t.Fatalf("filters not applied: %+v", h.messages)
	}
	if len(h.presences) != 0 {
		t.Fatalf("bot presence must be filtered: %+v", h.presences)
	}
}

func TestOwnBackgroundOverride(t *testing.T) {
	h := &recordingHandler{}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...),
		`<body xmlns="http://jabber.org/protocol/httpbind">` +
			`<presence xmlns="jabber:client" from="room@conf.example/42#alice">` +
			`<x xmlns="klavogonki:userdata"><user><login>alice</login><background>#stale</background></user></x></presence>` +
			`</body>`,
		`<body xmlns="http://jabber.org/protocol/httpbind" type="terminate"/>`,
	)}
	c := newTestClient(t, testConfig(), mt, h)

	account := testAccount()
	account.Background = "#server"
	account.CustomBackground = "#custom"
	if err := c.Connect(account); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	if len(h.presences) != 1 {
		t.Fatalf("expected own presence dispatched, got %+v", h.presences)
	}
	if h.presences[0].Background != "#custom" {
		t.Fatalf("own background not overridden: %q", h.presences[0].Background)
	}
}

func TestSendMessageWithoutAutoJoinRoom(t *testing.T) {
	mt := &mockTransport{responses: handshakeResponses}
	c := newTestClient(t, testConfig(), mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	requests := len(mt.payloads)

	if c.SendMessage("hi", "", "groupchat") {
		t.Fatalf("send must fail with no auto-join room configured")
	}
	if len(mt.payloads) != requests {
		t.Fatalf("no request may be issued without a recipient")
	}
}

func TestSendMessageDefaultsToAutoJoinRoom(t *testing.T) {
	cfg := testConfig()
	cfg.Rooms = []config.RoomConfig{
		{JID: "lobby@conf.example"},
		{JID: "general@conf.example", AutoJoin: true},
	}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...), respEmpty)}
	c := newTestClient(t, cfg, mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if !c.SendMessage("hi there", "", "") {
		t.Fatalf("send should succeed")
	}
	last := mt.payloads[len(mt.payloads)-1]
	if !strings.Contains(last, `to="general@conf.example"`) {
		t.Fatalf("message not addressed to the auto-join room: %s", last)
	}
	if !strings.Contains(last, `type="groupchat"`) {
		t.Fatalf("message type should default to groupchat: %s", last)
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	c := newTestClient(t, testConfig(), &mockTransport{}, nil)
	if c.SendMessage("hi", "someone@conf.example", "chat") {
		t.Fatalf("send must fail before connect")
	}
}

func TestJoinRoomBootstrapAndIdempotence(t *testing.T) {
	h := &recordingHandler{}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...),
		`<body xmlns="http://jabber.org/protocol/httpbind">`+
			`<presence xmlns="jabber:client" from="general@conf.example/7#bob"/>`+
			`<message xmlns="jabber:client" from="general@conf.example/7#bob"><body>history</body>`+
			`<delay xmlns="urn:xmpp:delay" stamp="2024-01-01T12:00:00Z"/></message></body>`,
	)}
	c := newTestClient(t, testConfig(), mt, h)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := c.JoinRoom("general@conf.example", ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	join := mt.payloads[5]
	if !strings.Contains(join, `to="general@conf.example/42#alice"`) {
		t.Fatalf("join presence not addressed with default nickname: %s", join)
	}
	if !strings.Contains(join, "http://jabber.org/protocol/muc") {
		t.Fatalf("join presence missing MUC marker: %s", join)
	}

	if len(h.messages) != 1 || !h.messages[0].Initial {
		t.Fatalf("bootstrap message must carry the initial flag: %+v", h.messages)
	}
	if c.Bootstrapping() {
		t.Fatalf("client must return to live mode after the join burst")
	}
	if _, ok := c.Roster().Get("general@conf.example/7#bob"); !ok {
		t.Fatalf("join burst must populate the roster")
	}

	// Second join is a no-op.
	requests := len(mt.payloads)
	if err := c.JoinRoom("general@conf.example", ""); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if len(mt.payloads) != requests {
		t.Fatalf("rejoining must not issue a request")
	}
}

func TestJoinRoomTimeoutValue(t *testing.T) {
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...), respEmpty)}
	c := newTestClient(t, testConfig(), mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.JoinRoom("general@conf.example", "nick"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if got := mt.timeouts[len(mt.timeouts)-1]; got != 15*time.Second {
		t.Fatalf("join timeout = %v, want 15s", got)
	}
	for _, ht := range mt.timeouts[:5] {
		if ht != 10*time.Second {
			t.Fatalf("handshake timeout = %v, want 10s", ht)
		}
	}
}

func TestDisconnectSendsTerminate(t *testing.T) {
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...), respEmpty)}
	c := newTestClient(t, testConfig(), mt, nil)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	c.Disconnect()

	last := decodeEnvelope(t, mt.payloads[len(mt.payloads)-1])
	if last.Type != "terminate" {
		t.Fatalf("expected terminate envelope, got %s", mt.payloads[len(mt.payloads)-1])
	}
	if c.SID() != "" || c.JID() != "" || c.State() != StateDisconnected {
		t.Fatalf("disconnect must clear session state")
	}
}

func TestUnavailablePresenceUpdatesRoster(t *testing.T) {
	h := &recordingHandler{}
	mt := &mockTransport{responses: append(append([]string{}, handshakeResponses...),
		`<body xmlns="http://jabber.org/protocol/httpbind">` +
			`<presence xmlns="jabber:client" from="room@conf.example/7#bob"/></body>`,
		`<body xmlns="http://jabber.org/protocol/httpbind">` +
			`<presence xmlns="jabber:client" from="room@conf.example/7#bob" type="unavailable"/></body>`,
		`<body xmlns="http://jabber.org/protocol/httpbind" type="terminate"/>`,
	)}
	c := newTestClient(t, testConfig(), mt, h)
	if err := c.Connect(testAccount()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	e, ok := c.Roster().Get("room@conf.example/7#bob")
	if !ok {
		t.Fatalf("departed occupant must be retained")
	}
	if e.Status != roster.StatusUnavailable {
		t.Fatalf("expected unavailable status, got %q", e.Status)
	}
	if len(c.Roster().Online()) != 0 {
		t.Fatalf("departed occupant must not be online")
	}
}
