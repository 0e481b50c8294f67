package jidutil

import "testing"

func TestExtractUserDataWithID(t *testing.T) {
	userID, login := ExtractUserData("room@conference.example/42#alice")
	if userID != "42" {
		t.Fatalf("expected user id 42, got %q", userID)
	}
	if login != "alice" {
		t.Fatalf("expected login alice, got %q", login)
	}
}

func TestExtractUserDataLoginOnly(t *testing.T) {
	userID, login := ExtractUserData("room@conference.example/alice")
	if userID != "" {
		t.Fatalf("expected empty user id, got %q", userID)
	}
	if login != "alice" {
		t.Fatalf("expected login alice, got %q", login)
	}
}

func TestExtractUserDataEmpty(t *testing.T) {
	userID, login := ExtractUserData("")
	if userID != "" || login != "" {
		t.Fatalf("expected empty pair, got (%q, %q)", userID, login)
	}
}

func TestExtractUserDataBareResource(t *testing.T) {
	userID, login := ExtractUserData("42#alice")
	if userID != "42" || login != "alice" {
		t.Fatalf("expected (42, alice), got (%q, %q)", userID, login)
	}
}

func TestExtractUserDataTrailingSlashInJID(t *testing.T) {
	userID, login := ExtractUserData("room@conference.example/")
	if userID != "" || login != "" {
		t.Fatalf("expected empty pair, got (%q, %q)", userID, login)
	}
}

func TestExtractUserDataSecondHashIgnored(t *testing.T) {
	userID, login := ExtractUserData("room@conference.example/42#alice#extra")
	if userID != "42" || login != "alice" {
		t.Fatalf("expected (42, alice), got (%q, %q)", userID, login)
	}
}

func TestResource(t *testing.T) {
	if got := Resource("room@conference.example/42#alice"); got != "42#alice" {
		t.Fatalf("unexpected resource: %q", got)
	}
	if got := Resource("no-slash"); got != "no-slash" {
		t.Fatalf("unexpected resource: %q", got)
	}
}
