// Package bosh implements the HTTP long-polling transport layer:
// request envelope construction and the blocking POST exchange.
package bosh

import (
	"encoding/xml"
	"sort"
	"strconv"
	"strings"
)

const (
	// NSHTTPBind is the namespace of the BOSH <body/> wrapper.
	NSHTTPBind = "http://jabber.org/protocol/httpbind"

	// NSXBOSH is the namespace for the xmpp: attribute prefix used by
	// stream restarts and version negotiation.
	NSXBOSH = "urn:xmpp:xbosh"
)

// Envelope is a single outgoing BOSH request body. The caller owns the
// request ID counter; building an envelope has no side effects.
type Envelope struct {
	RID uint64

	// SID is empty on the session-creating request and set on every
	// request thereafter.
	SID string

	// Attrs are extra attributes on the <body/> element. Keys with the
	// "xmpp:" prefix trigger the xmlns:xmpp declaration.
	Attrs map[string]string

	// Children are pre-serialized stanzas appended in order.
	Children []string
}

// String serializes the envelope. Attribute order is deterministic: rid,
// xmlns, sid, xmlns:xmpp, then the remaining attributes sorted by key.
func (e Envelope) String() string {
	var b strings.Builder
	b.WriteString("<body rid=\"")
	b.WriteString(strconv.FormatUint(e.RID, 10))
	b.WriteString("\" xmlns=\"")
	b.WriteString(NSHTTPBind)
	b.WriteString("\"")
	if e.SID != "" {
		writeAttr(&b, "sid", e.SID)
	}
	if e.hasXMPPAttr() {
		writeAttr(&b, "xmlns:xmpp", NSXBOSH)
	}
	keys := make([]string, 0, len(e.Attrs))
	for k, v := range e.Attrs {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeAttr(&b, k, e.Attrs[k])
	}
	if len(e.Children) == 0 {
		b.WriteString("/>")
		return b.String()
	}
	b.WriteString(">")
	for _, child := range e.Children {
		b.WriteString(child)
	}
	b.WriteString("</body>")
	return b.String()
}

func (e Envelope) hasXMPPAttr() bool {
	for k := range e.Attrs {
		if strings.HasPrefix(k, "xmpp:") {
			return true
		}
	}
	return false
}

func writeAttr(b *strings.Builder, key, value string) {
	b.WriteString(" ")
	b.WriteString(key)
	b.WriteString("=\"")
	_ = xml.EscapeText(b, []byte(value))
	b.WriteString("\"")
}
