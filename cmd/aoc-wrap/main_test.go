package main

import "testing"

func TestBuildRootCmdRequiresChildCommand(t *testing.T) {
	var exitCode int
	cmd := buildRootCmd(&exitCode)
	cmd.SetArgs([]string{"--session", "s1", "--pane", "p1"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when no child command is given after --")
	}
}

func TestBuildRootCmdRequiresSessionAndPane(t *testing.T) {
	var exitCode int
	cmd := buildRootCmd(&exitCode)
	cmd.SetArgs([]string{"--", "true"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected an error when --session and --pane are empty")
	}
}

func TestEnvFloatAndEnvBool(t *testing.T) {
	t.Setenv("AOC_TEST_FLOAT", "2.5")
	if got := envFloat("AOC_TEST_FLOAT", 1); got != 2.5 {
		t.Fatalf("envFloat() = %v, want 2.5", got)
	}
	t.Setenv("AOC_TEST_FLOAT", "not-a-number")
	if got := envFloat("AOC_TEST_FLOAT", 1); got != 1 {
		t.Fatalf("envFloat() with invalid value = %v, want fallback 1", got)
	}

	t.Setenv("AOC_TEST_BOOL", "false")
	if got := envBool("AOC_TEST_BOOL", true); got != false {
		t.Fatalf("envBool() = %v, want false", got)
	}
	t.Setenv("AOC_TEST_BOOL", "")
	if got := envBool("AOC_TEST_BOOL", true); got != true {
		t.Fatalf("envBool() with unset value = %v, want fallback true", got)
	}
}
