package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, deviceDB string, args ...string) string {
	t.Helper()
	var output bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs(append([]string{"--device-db", deviceDB, "--log-level", "error"}, args...))
	require.NoError(t, cmd.Execute(), output.String())
	return output.String()
}

func TestClientCommandsRunAgainstDeviceStore(t *testing.T) {
	deviceDB := filepath.Join(t.TempDir(), "device.db")

	output := runCLI(t, deviceDB, "vote", "seed-0", "A")
	require.Contains(t, output, "Deep sea 83")

	output = runCLI(t, deviceDB, "whoami")
	require.Contains(t, output, "kind: guest")
	require.Contains(t, output, "mode: local")

	output = runCLI(t, deviceDB, "login", "user1")
	require.Contains(t, output, "logged in as user1 (local)")

	output = runCLI(t, deviceDB, "cards")
	lines := strings.Split(output, "\n")
	require.True(t, strings.HasPrefix(lines[0], "ID"))
	require.Contains(t, output, "Deep sea 82")

	output = runCLI(t, deviceDB, "collections", "create", "Favourites", "--visibility", "public")
	require.Contains(t, output, "created ")
	collectionID := strings.TrimSpace(strings.TrimPrefix(output, "created "))

	output = runCLI(t, deviceDB, "collections", "toggle-card", collectionID, "seed-2")
	require.Contains(t, output, "added")

	output = runCLI(t, deviceDB, "collections", "list")
	require.Contains(t, output, "Favourites")
	require.Contains(t, output, "bookmarks: seed-2")

	output = runCLI(t, deviceDB, "logout")
	require.Contains(t, output, "now guest_")
}

func TestVoteRejectsUnknownOption(t *testing.T) {
	cmd := newRootCommand()
	var output bytes.Buffer
	cmd.SetOut(&output)
	cmd.SetErr(&output)
	cmd.SetArgs([]string{"--device-db", filepath.Join(t.TempDir(), "device.db"), "--log-level", "error", "vote", "seed-0", "C"})
	require.Error(t, cmd.Execute())
}
