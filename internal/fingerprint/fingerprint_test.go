package fingerprint

import (
	"strings"
	"testing"
)

func base() Fingerprint {
	return Fingerprint{
		ModulePath:  []string{"/opt/modules/compile", "/opt/modules/lint"},
		SharedTypes: []string{"compile.run", "lint.check"},
		Args:        []string{"--cache-dir", "/tmp/cache"},
		WorkDir:     "/work",
		Env:         map[string]string{"LANG": "C", "TOOL_HOME": "/opt/tool"},
		LogLevel:    "info",
	}
}

func TestKeyStableAcrossMapOrder(t *testing.T) {
	a := base()
	b := base()
	b.Env = map[string]string{"TOOL_HOME": "/opt/tool", "LANG": "C"}

	if a.Key() != b.Key() {
		t.Fatalf("keys differ for equal fingerprints:\n%s\n%s", a.Key(), b.Key())
	}
	if !strings.HasPrefix(a.Key(), "blake3:") {
		t.Fatalf("key = %q, want blake3: prefix", a.Key())
	}
}

func TestSharedTypesAreSetSemantics(t *testing.T) {
	a := base()
	b := base()
	b.SharedTypes = []string{"lint.check", "compile.run", "lint.check"}

	if !a.Equal(b) {
		t.Fatal("shared type order/duplicates should not affect equality")
	}
	if a.Key() != b.Key() {
		t.Fatal("shared type order/duplicates should not affect key")
	}
}

func TestModulePathOrderIsIdentity(t *testing.T) {
	a := base()
	b := base()
	b.ModulePath = []string{"/opt/modules/lint", "/opt/modules/compile"}

	if a.Equal(b) {
		t.Fatal("module path order must affect equality")
	}
	if a.Key() == b.Key() {
		t.Fatal("module path order must affect key")
	}
}

func TestFieldChangesChangeKey(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Fingerprint)
	}{
		{"module path entry", func(f *Fingerprint) { f.ModulePath = append(f.ModulePath, "/opt/modules/extra") }},
		{"args", func(f *Fingerprint) { f.Args = []string{"--cache-dir", "/tmp/other"} }},
		{"work dir", func(f *Fingerprint) { f.WorkDir = "/elsewhere" }},
		{"env value", func(f *Fingerprint) { f.Env = map[string]string{"LANG": "C.UTF-8", "TOOL_HOME": "/opt/tool"} }},
		{"log level", func(f *Fingerprint) { f.LogLevel = "debug" }},
		{"keep alive", func(f *Fingerprint) { f.KeepAlive = KeepAliveProcess }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := base()
			b := base()
			tc.mutate(&b)
			if a.Equal(b) {
				t.Fatal("expected inequality")
			}
			if a.Key() == b.Key() {
				t.Fatal("expected different keys")
			}
		})
	}
}

func TestKeepAliveDefaultsToSession(t *testing.T) {
	a := base()
	b := base()
	b.KeepAlive = KeepAliveSession

	if !a.Equal(b) {
		t.Fatal("zero keep-alive should equal explicit session keep-alive")
	}
	if a.Key() != b.Key() {
		t.Fatal("zero keep-alive should hash like explicit session keep-alive")
	}
	if a.Surviving() {
		t.Fatal("session-scoped fingerprint reported surviving")
	}
	a.KeepAlive = KeepAliveProcess
	if !a.Surviving() {
		t.Fatal("process keep-alive fingerprint not reported surviving")
	}
}

func TestNormalizeDoesNotMutateReceiver(t *testing.T) {
	a := base()
	a.SharedTypes = []string{"z.last", "a.first"}
	_ = a.Normalize()
	if a.SharedTypes[0] != "z.last" {
		t.Fatal("Normalize mutated the receiver's shared types")
	}
}
