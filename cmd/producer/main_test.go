package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"exec", "heartbeat", "describe", "register", "enqueue", "flood"})
}

func TestReadProgram(t *testing.T) {
	cmd := newExecCmd(&options{})

	got, err := readProgram(cmd, "fn main() {}", nil)
	require.NoError(t, err)
	assert.Equal(t, "fn main() {}", got)

	path := filepath.Join(t.TempDir(), "main.rs")
	require.NoError(t, os.WriteFile(path, []byte("fn main() { println!(\"hi\"); }"), 0o600))
	got, err = readProgram(cmd, "", []string{path})
	require.NoError(t, err)
	assert.Contains(t, got, "println!")

	cmd.SetIn(strings.NewReader("print(1)"))
	got, err = readProgram(cmd, "", []string{"-"})
	require.NoError(t, err)
	assert.Equal(t, "print(1)", got)

	_, err = readProgram(cmd, "", nil)
	require.Error(t, err)
}

func TestExecRejectsUnknownLanguage(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"exec", "--language", "cobol", "--code", "x"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}
