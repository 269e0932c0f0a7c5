package sshrunner

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestShellQuote(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"incus", "incus"},
		{"profile", "profile"},
		{"--format=json", "--format=json"},
		{"limits.memory=2GiB", "limits.memory=2GiB"},
		{"two words", "'two words'"},
		{"", "''"},
		{`{"description":"web"}`, `'{"description":"web"}'`},
		{"it's", `'it'"'"'s'`},
		{"a;rm -rf /", `'a;rm -rf /'`},
		{"$HOME", "'$HOME'"},
		{"back`tick", "'back`tick'"},
	}
	for _, tc := range cases {
		if got := shellQuote(tc.in); got != tc.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCommandLine(t *testing.T) {
	got := commandLine("incus", []string{"config", "set", "web-1", "limits.memory=2GiB"})
	want := "incus config set web-1 limits.memory=2GiB"
	if got != want {
		t.Errorf("commandLine = %q, want %q", got, want)
	}

	got = commandLine("incus", []string{"query", "-X", "PATCH", "-d", `{"description":"front end"}`, "/1.0/profiles/web"})
	want = `incus query -X PATCH -d '{"description":"front end"}' /1.0/profiles/web`
	if got != want {
		t.Errorf("commandLine = %q, want %q", got, want)
	}
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig("", "ops")
	if _, err := NewRunner(cfg, zerolog.Nop()); err == nil {
		t.Error("NewRunner accepted an empty host")
	}
}

func TestRunWithoutConnection(t *testing.T) {
	r, err := NewRunner(validConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, _, _, err := r.Run(context.Background(), []string{"profile", "list"}, nil); err == nil {
		t.Error("Run succeeded without a connection")
	}
	if err := r.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck passed without a connection")
	}
}
