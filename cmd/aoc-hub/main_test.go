package main

import "testing"

func TestBuildRootCmdIncludesServe(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}
	if !names["serve"] {
		t.Fatalf("expected subcommand %q to be registered", "serve")
	}
}

func TestRunServe_RequiresSessionID(t *testing.T) {
	err := runServe(nil, serveConfig{})
	if err == nil {
		t.Fatal("expected an error when --session is empty")
	}
}

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("127.0.0.1:42317")
	if err != nil {
		t.Fatal(err)
	}
	if host != "127.0.0.1" || port != "42317" {
		t.Fatalf("splitHostPort() = (%q, %q), want (127.0.0.1, 42317)", host, port)
	}

	if _, _, err := splitHostPort("no-port-here"); err == nil {
		t.Fatal("expected an error for an address with no port")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("AOC_TEST_ENVOR", "")
	if got := envOr("AOC_TEST_ENVOR", "fallback"); got != "fallback" {
		t.Fatalf("envOr() = %q, want fallback", got)
	}
	t.Setenv("AOC_TEST_ENVOR", "set")
	if got := envOr("AOC_TEST_ENVOR", "fallback"); got != "set" {
		t.Fatalf("envOr() = %q, want set", got)
	}
}
