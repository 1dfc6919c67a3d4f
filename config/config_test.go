package config_test

import (
	"testing"

	"github.com/momentics/fiberd/config"
)

func TestLookupReturnsDefaultBeforeLoad(t *testing.T) {
	r := config.NewRegistry()
	v := config.Lookup(r, "tcp.connect.timeout", 500, "connect timeout in ms")
	if v.Get() != 500 {
		t.Fatalf("expected default 500, got %d", v.Get())
	}
}

func TestLoadYAMLAppliesDottedPath(t *testing.T) {
	r := config.NewRegistry()
	v := config.Lookup(r, "tcp.connect.timeout", 500, "connect timeout in ms")

	yamlDoc := []byte("tcp:\n  connect:\n    timeout: 1500\n")
	if err := r.LoadYAML(yamlDoc); err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if v.Get() != 1500 {
		t.Fatalf("expected 1500 after load, got %d", v.Get())
	}
}

func TestListenerFiresOnChange(t *testing.T) {
	r := config.NewRegistry()
	v := config.Lookup(r, "worker.count", 4, "worker pool size")

	var oldSeen, newSeen int
	v.AddListener(func(old, new int) {
		oldSeen, newSeen = old, new
	})
	v.Set(8)
	if oldSeen != 4 || newSeen != 8 {
		t.Fatalf("expected listener to observe 4->8, got %d->%d", oldSeen, newSeen)
	}
}

func TestSecondLookupReturnsSameVar(t *testing.T) {
	r := config.NewRegistry()
	a := config.Lookup(r, "name", "a", "")
	b := config.Lookup(r, "NAME", "b", "")
	if a != b {
		t.Fatal("expected case-insensitive lookup to return the same ConfigVar")
	}
	if a.Get() != "a" {
		t.Fatalf("expected first registration's default to win, got %q", a.Get())
	}
}
