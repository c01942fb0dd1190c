package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestMigrateRepairAndIssueToken(t *testing.T) {
	t.Setenv("HEALTHCHAT_DATABASE_DSN", filepath.Join(t.TempDir(), "cli.db"))
	t.Setenv("HEALTHCHAT_LOG_LEVEL", "error")

	runCommand(t, "migrate")

	out := runCommand(t, "repair-parents")
	assert.Contains(t, out, "repaired 0 messages across 0 conversations")

	token := strings.TrimSpace(runCommand(t, "issue-token", "--user", "user-1"))
	assert.Len(t, token, 64)
}

func TestIssueTokenRequiresUser(t *testing.T) {
	t.Setenv("HEALTHCHAT_DATABASE_DSN", filepath.Join(t.TempDir(), "cli.db"))
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"issue-token"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
