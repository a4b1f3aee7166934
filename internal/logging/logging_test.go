package logging

import "testing"

func TestNewFormats(t *testing.T) {
	for _, format := range []string{"", "json", "console"} {
		l, err := New("info", format)
		if err != nil {
			t.Fatalf("format %q: %v", format, err)
		}
		if !l.Core().Enabled(0) {
			t.Errorf("format %q: info should be enabled", format)
		}
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLevelFiltering(t *testing.T) {
	l, err := New("warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(0) {
		t.Error("info should be disabled at warn level")
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}
