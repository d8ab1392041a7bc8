package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Tree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"migrate", "up"},
		{"migrate", "force"},
		{"series", "list"},
		{"series", "set-start"},
		{"verify-chain"},
		{"history"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}
}

func TestCommands_RequireDatabase(t *testing.T) {
	t.Setenv("LEDGER_DATABASE_DSN", "")
	t.Chdir(t.TempDir())

	for _, args := range [][]string{
		{"migrate", "version"},
		{"series", "list"},
		{"verify-chain"},
	} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetArgs(args)
		err := root.Execute()
		require.Error(t, err, args)
		assert.Contains(t, err.Error(), "database.dsn")
	}
}

func TestSetStart_RejectsBadNumber(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"series", "set-start", "A", "ten"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid number")
}
