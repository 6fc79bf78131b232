package main

import (
	"testing"

	"github.com/spf13/cobra"
)

func userCmd(t *testing.T, flagValue string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.Flags().String("user", "", "")
	if flagValue != "" {
		if err := cmd.Flags().Set("user", flagValue); err != nil {
			t.Fatal(err)
		}
	}
	return cmd
}

func TestResolveUserFlagWins(t *testing.T) {
	t.Setenv("DRIVEQA_USER", "bob")
	t.Setenv("USER", "carol")

	user, err := resolveUser(userCmd(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	if user != "alice" {
		t.Errorf("user = %q, want alice", user)
	}
}

func TestResolveUserEnvFallback(t *testing.T) {
	t.Setenv("DRIVEQA_USER", "bob")
	t.Setenv("USER", "carol")

	user, err := resolveUser(userCmd(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if user != "bob" {
		t.Errorf("user = %q, want bob", user)
	}

	t.Setenv("DRIVEQA_USER", "")
	user, err = resolveUser(userCmd(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if user != "carol" {
		t.Errorf("user = %q, want carol", user)
	}
}

func TestResolveUserMissing(t *testing.T) {
	t.Setenv("DRIVEQA_USER", "")
	t.Setenv("USER", "")

	if _, err := resolveUser(userCmd(t, "")); err == nil {
		t.Fatal("expected error when no user id is available")
	}
}
