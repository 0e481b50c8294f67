// Package stanza converts raw BOSH response bodies into chat records and
// builds the outgoing stanzas the client sends.
package stanza

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/kgchat/kgchat/internal/xmpp/jidutil"
)

// Namespaces used on the wire.
const (
	NSClient   = "jabber:client"
	NSUserData = "klavogonki:userdata"
	NSMUC      = "http://jabber.org/protocol/muc"
	NSMUCUser  = "http://jabber.org/protocol/muc#user"
	NSDelay    = "urn:xmpp:delay"
	NSSASL     = "urn:ietf:params:xml:ns:xmpp-sasl"
	NSBind     = "urn:ietf:params:xml:ns:xmpp-bind"
	NSSession  = "urn:ietf:params:xml:ns:xmpp-session"
)

// Message is a parsed chat message. It is produced by parsing and handed to
// the host callback; nothing in this package retains it.
type Message struct {
	FromJID    string
	Body       string
	Type       string // "chat" or "groupchat"
	Login      string
	Avatar     string
	Background string
	Timestamp  time.Time
	Initial    bool
}

// Presence is a parsed presence update for a room occupant.
type Presence struct {
	FromJID     string
	Type        string // "available" or "unavailable"
	Login       string
	UserID      string
	Avatar      string
	Background  string
	GameID      string
	Affiliation string
	Role        string
	Moderator   bool
}

// ParseError is a malformed server response. The listen loop treats it as
// an empty response, never as a fatal condition.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("stanza: malformed response: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// Body is a decoded BOSH response wrapper.
type Body struct {
	sid       string
	typ       string
	messages  []xmlMessage
	presences []xmlPresence
	success   bool
	failure   string
	boundJID  string
}

// SID returns the session ID attribute, if present.
func (b *Body) SID() string { return b.sid }

// Terminate reports whether the server ended the session.
func (b *Body) Terminate() bool { return b.typ == "terminate" }

// AuthSuccess reports whether the body carries a SASL <success/> element.
func (b *Body) AuthSuccess() bool { return b.success }

// AuthFailure returns the SASL failure condition, or "" if none.
func (b *Body) AuthFailure() string { return b.failure }

// BoundJID returns the JID assigned by resource binding, or "".
func (b *Body) BoundJID() string { return b.boundJID }

// DecodeBody parses a raw BOSH response.
func DecodeBody(raw string) (*Body, error) {
	var parsed xmlBody
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, &ParseError{Err: err}
	}
	b := &Body{
		sid:       parsed.SID,
		typ:       parsed.Type,
		messages:  parsed.Messages,
		presences: parsed.Presences,
		success:   parsed.Success != nil,
	}
	if parsed.Failure != nil {
		b.failure = parsed.Failure.Condition.Local
		if b.failure == "" {
			b.failure = "failure"
		}
	}
	for _, iq := range parsed.IQs {
		if iq.Bind != nil && iq.Bind.JID != "" {
			b.boundJID = iq.Bind.JID
			break
		}
	}
	return b, nil
}

// Parse extracts messages and presence updates from a raw response. A
// malformed document yields two empty slices; parsing never fails the
// caller's loop.
func Parse(raw string) ([]Message, []Presence) {
	b, err := DecodeBody(raw)
	if err != nil {
		return nil, nil
	}
	return b.Messages(), b.Presences()
}

// Messages returns the chat messages in document order. Messages without a
// body are skipped.
func (b *Body) Messages() []Message {
	var out []Message
	for _, m := range b.messages {
		if m.Body == "" {
			continue
		}
		msg := Message{
			FromJID: m.From,
			Body:    m.Body,
			Type:    m.Type,
		}
		if msg.Type == "" {
			msg.Type = "chat"
		}
		if u := m.UserData.user(); u != nil {
			msg.Login = u.Login
			msg.Avatar = u.Avatar
			msg.Background = u.Background
		}
		if msg.Login == "" {
			_, msg.Login = jidutil.ExtractUserData(m.From)
		}
		msg.Timestamp = delayedTimestamp(m.Delay)
		out = append(out, msg)
	}
	return out
}

// Presences returns the presence updates in document order.
func (b *Body) Presences() []Presence {
	var out []Presence
	for _, p := range b.presences {
		pres := Presence{
			FromJID:     p.From,
			Type:        p.Type,
			Affiliation: "none",
			Role:        "participant",
		}
		if pres.Type == "" {
			pres.Type = "available"
		}
		if u := p.UserData.user(); u != nil {
			pres.Login = u.Login
			pres.Avatar = u.Avatar
			pres.Background = u.Background
			pres.Moderator = u.Moderator == "1"
		}
		if x := p.UserData; x != nil {
			pres.GameID = x.GameID
		}
		if p.MUCUser != nil && p.MUCUser.Item != nil {
			if p.MUCUser.Item.Affiliation != "" {
				pres.Affiliation = p.MUCUser.Item.Affiliation
			}
			if p.MUCUser.Item.Role != "" {
				pres.Role = p.MUCUser.Item.Role
			}
		}
		userID, jidLogin := jidutil.ExtractUserData(p.From)
		if pres.UserID == "" {
			pres.UserID = userID
		}
		if pres.Login == "" {
			pres.Login = jidLogin
		}
		out = append(out, pres)
	}
	return out
}

// delayedTimestamp converts a delayed-delivery stamp to local wall-clock
// time. Missing or unparseable stamps fall back to now.
func delayedTimestamp(d *xmlDelay) time.Time {
	if d != nil && d.Stamp != "" {
		if t, err := time.Parse(time.RFC3339, d.Stamp); err == nil {
			return t.Local()
		}
	}
	return time.Now()
}

type xmlBody struct {
	XMLName   xml.Name      `xml:"http://jabber.org/protocol/httpbind body"`
	SID       string        `xml:"sid,attr"`
	Type      string        `xml:"type,attr"`
	Messages  []xmlMessage  `xml:"jabber:client message"`
	Presences []xmlPresence `xml:"jabber:client presence"`
	IQs       []xmlIQ       `xml:"jabber:client iq"`
	Success   *xmlEmpty     `xml:"urn:ietf:params:xml:ns:xmpp-sasl success"`
	Failure   *xmlFailure   `xml:"urn:ietf:params:xml:ns:xmpp-sasl failure"`
}

type xmlEmpty struct{}

type xmlFailure struct {
	Condition xml.Name `xml:",any"`
}

type xmlIQ struct {
	Type string   `xml:"type,attr"`
	Bind *xmlBind `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
}

type xmlBind struct {
	JID string `xml:"jid"`
}

type xmlMessage struct {
	From     string       `xml:"from,attr"`
	Type     string       `xml:"type,attr"`
	Body     string       `xml:"jabber:client body"`
	UserData *xmlUserData `xml:"klavogonki:userdata x"`
	Delay    *xmlDelay    `xml:"urn:xmpp:delay delay"`
}

type xmlPresence struct {
	From     string       `xml:"from,attr"`
	Type     string       `xml:"type,attr"`
	UserData *xmlUserData `xml:"klavogonki:userdata x"`
	MUCUser  *xmlMUCUser  `xml:"http://jabber.org/protocol/muc#user x"`
}

type xmlUserData struct {
	User   *xmlUser `xml:"user"`
	GameID string   `xml:"game_id"`
}

func (x *xmlUserData) user() *xmlUser {
	if x == nil {
		return nil
	}
	return x.User
}

type xmlUser struct {
	Login      string `xml:"login"`
	Avatar     string `xml:"avatar"`
	Background string `xml:"background"`
	Moderator  string `xml:"moderator"`
}

type xmlMUCUser struct {
	Item *xmlMUCItem `xml:"item"`
}

type xmlMUCItem struct {
	Affiliation string `xml:"affiliation,attr"`
	Role        string `xml:"role,attr"`
}

type xmlDelay struct {
	Stamp string `xml:"stamp,attr"`
}
