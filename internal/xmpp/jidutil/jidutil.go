// Package jidutil decodes the user identity that the chat server packs
// into JID resource parts.
package jidutil

import "strings"

// ExtractUserData splits the resource part of a JID into a user ID and a
// login. Room occupant JIDs carry both, separated by '#':
//
//	room@conference.example/42#alice -> ("42", "alice")
//	room@conference.example/alice    -> ("", "alice")
//
// An empty or resource-less JID yields two empty strings.
func ExtractUserData(j string) (userID, login string) {
	if j == "" {
		return "", ""
	}
	resource := j[strings.LastIndex(j, "/")+1:]
	if resource == "" {
		return "", ""
	}
	if strings.Contains(resource, "#") {
		parts := strings.Split(resource, "#")
		return parts[0], trimAtSlash(parts[1])
	}
	return "", trimAtSlash(resource)
}

// Resource returns the resource part of a JID, or the whole string when it
// has no '/'. Presence from the server always addresses occupants by full
// JID, so this is the display fallback when no login is known.
func Resource(j string) string {
	return j[strings.LastIndex(j, "/")+1:]
}

func trimAtSlash(s string) string {
	if i := strings.Index(s, "/"); i >= 0 {
		return s[:i]
	}
	return s
}
