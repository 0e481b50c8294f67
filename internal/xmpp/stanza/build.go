package stanza

import "encoding/xml"

// UserData is the client's own identity extension embedded into outgoing
// presence and message stanzas.
type UserData struct {
	Login      string
	Avatar     string
	Background string
}

// Auth builds the SASL <auth/> stanza carrying a base64 payload.
func Auth(mechanism, payload string) (string, error) {
	v := struct {
		XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
		Mechanism string   `xml:"mechanism,attr"`
		Payload   string   `xml:",chardata"`
	}{Mechanism: mechanism, Payload: payload}
	return marshal(v)
}

// BindIQ builds the resource binding request.
func BindIQ(resource string) (string, error) {
	v := struct {
		XMLName xml.Name `xml:"jabber:client iq"`
		Type    string   `xml:"type,attr"`
		ID      string   `xml:"id,attr"`
		Bind    struct {
			XMLName  xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-bind bind"`
			Resource string   `xml:"resource"`
		}
	}{Type: "set", ID: "bind_1"}
	v.Bind.Resource = resource
	return marshal(v)
}

// SessionIQ builds the session establishment request.
func SessionIQ() (string, error) {
	v := struct {
		XMLName xml.Name `xml:"jabber:client iq"`
		Type    string   `xml:"type,attr"`
		ID      string   `xml:"id,attr"`
		Session struct {
			XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-session session"`
		}
	}{Type: "set", ID: "session_1"}
	return marshal(v)
}

// JoinPresence builds the room join presence: the MUC join marker plus the
// user-data extension announcing login, avatar and background.
func JoinPresence(to string, u UserData) (string, error) {
	v := struct {
		XMLName xml.Name `xml:"jabber:client presence"`
		To      string   `xml:"to,attr"`
		MUC     struct {
			XMLName xml.Name `xml:"http://jabber.org/protocol/muc x"`
		}
		UserData userDataX
	}{To: to, UserData: newUserDataX(u)}
	return marshal(v)
}

// ChatMessage builds an outgoing chat or groupchat message.
func ChatMessage(to, from, msgType, body string, u UserData) (string, error) {
	v := struct {
		XMLName  xml.Name `xml:"jabber:client message"`
		To       string   `xml:"to,attr"`
		Type     string   `xml:"type,attr"`
		From     string   `xml:"from,attr"`
		Body     string   `xml:"body"`
		UserData userDataX
	}{To: to, Type: msgType, From: from, Body: body, UserData: newUserDataX(u)}
	return marshal(v)
}

type userDataX struct {
	XMLName xml.Name `xml:"klavogonki:userdata x"`
	User    struct {
		Login      string `xml:"login"`
		Avatar     string `xml:"avatar,omitempty"`
		Background string `xml:"background,omitempty"`
	} `xml:"user"`
}

func newUserDataX(u UserData) userDataX {
	var x userDataX
	x.User.Login = u.Login
	x.User.Avatar = u.Avatar
	x.User.Background = u.Background
	return x
}

func marshal(v any) (string, error) {
	raw, err := xml.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
