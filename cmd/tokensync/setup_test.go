package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSystem replaces PATH lookup, stat and command execution for one test.
func stubSystem(t *testing.T, look func(string) (string, error), stat func(string) (os.FileInfo, error)) *[][]string {
	t.Helper()
	origLook, origStat, origRun := lookPath, statPath, runCmd
	t.Cleanup(func() { lookPath, statPath, runCmd = origLook, origStat, origRun })

	var ran [][]string
	lookPath = look
	statPath = stat
	runCmd = func(name string, args ...string) error {
		ran = append(ran, append([]string{name}, args...))
		return nil
	}
	return &ran
}

func notFound(string) (string, error) { return "", exec.ErrNotFound }

func noFiles(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

// projectFiles stats only relative paths so the user's home is never touched.
func projectFiles(name string) (os.FileInfo, error) {
	if filepath.IsAbs(name) {
		return nil, os.ErrNotExist
	}
	return os.Stat(name)
}

func scanner(input string) *bufio.Scanner { return bufio.NewScanner(strings.NewReader(input)) }

func decodeServers(t *testing.T, data []byte, key string) map[string]any {
	t.Helper()
	var config map[string]any
	require.NoError(t, json.Unmarshal(data, &config))
	servers, ok := config[key].(map[string]any)
	require.True(t, ok, "missing %q", key)
	return servers
}

// --- JSON merge ---

func TestMergeServerEntry_EmptyFile(t *testing.T) {
	out, err := mergeServerEntry(nil, "mcpServers", nil)
	require.NoError(t, err)

	entry := decodeServers(t, out, "mcpServers")[mcpServerName].(map[string]any)
	assert.Equal(t, "tokensync", entry["command"])
	assert.Equal(t, []any{"serve", "--mcp"}, entry["args"])
	assert.Equal(t, byte('\n'), out[len(out)-1])
}

func TestMergeServerEntry_KeepsOtherServers(t *testing.T) {
	existing := []byte(`{"mcpServers": {"other": {"command": "other"}}, "theme": "dark"}`)
	out, err := mergeServerEntry(existing, "mcpServers", nil)
	require.NoError(t, err)

	servers := decodeServers(t, out, "mcpServers")
	assert.Contains(t, servers, "other")
	assert.Contains(t, servers, mcpServerName)
	assert.Contains(t, string(out), `"theme": "dark"`)
}

func TestMergeServerEntry_AlreadyConfigured(t *testing.T) {
	existing := []byte(`{"mcpServers": {"tokensync": {"command": "tokensync"}}}`)
	out, err := mergeServerEntry(existing, "mcpServers", nil)
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestMergeServerEntry_ExtraFields(t *testing.T) {
	out, err := mergeServerEntry(nil, "servers", map[string]string{"type": "stdio"})
	require.NoError(t, err)

	entry := decodeServers(t, out, "servers")[mcpServerName].(map[string]any)
	assert.Equal(t, "stdio", entry["type"])
}

func TestMergeServerEntry_InvalidJSON(t *testing.T) {
	_, err := mergeServerEntry([]byte("not json"), "mcpServers", nil)
	assert.ErrorContains(t, err, "invalid JSON")
}

// --- prompts ---

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"\n", true},
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"nope\n", false},
		{"", true},
	}
	for _, tc := range tests {
		w := &bytes.Buffer{}
		assert.Equal(t, tc.want, confirm(scanner(tc.input), w, "Continue?"), "input %q", tc.input)
		assert.Contains(t, w.String(), "Continue?")
	}
}

func TestChooseScope(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"1\n", "project"},
		{"\n", "project"},
		{"2\n", "user"},
		{"3\n", ""},
		{"", "project"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, chooseScope(scanner(tc.input), &bytes.Buffer{}, "Claude Code"), "input %q", tc.input)
	}
}

// --- detection ---

func TestDetectAgents_CLIOnPath(t *testing.T) {
	stubSystem(t, func(name string) (string, error) {
		if name == "claude" {
			return "/usr/bin/claude", nil
		}
		return "", exec.ErrNotFound
	}, noFiles)

	found := detectAgents()
	require.Len(t, found, 1)
	assert.Equal(t, "claude_code", found[0].id)
}

func TestDetectAgents_ProjectMarker(t *testing.T) {
	stubSystem(t, notFound, func(name string) (os.FileInfo, error) {
		if name == ".cursor" {
			return nil, nil
		}
		return nil, os.ErrNotExist
	})

	found := detectAgents()
	require.Len(t, found, 1)
	assert.Equal(t, "cursor", found[0].id)
	assert.Equal(t, filepath.Join(".cursor", "mcp.json"), found[0].config)
}

func TestDetectAgents_None(t *testing.T) {
	stubSystem(t, notFound, noFiles)
	assert.Empty(t, detectAgents())
}

// --- orchestration ---

func TestRunSetup_NoAgents(t *testing.T) {
	stubSystem(t, notFound, noFiles)

	w := &bytes.Buffer{}
	require.NoError(t, runSetup(strings.NewReader(""), w, false))
	assert.Contains(t, w.String(), "No supported AI agents detected.")
}

func TestRunSetup_AutoWritesFileAgent(t *testing.T) {
	t.Chdir(t.TempDir())
	require.NoError(t, os.MkdirAll(".vscode", 0o755))
	stubSystem(t, notFound, projectFiles)

	w := &bytes.Buffer{}
	require.NoError(t, runSetup(strings.NewReader(""), w, true))

	data, err := os.ReadFile(filepath.Join(".vscode", "mcp.json"))
	require.NoError(t, err)
	entry := decodeServers(t, data, "servers")[mcpServerName].(map[string]any)
	assert.Equal(t, "stdio", entry["type"])
	assert.Contains(t, w.String(), "VS Code configured")

	// A second run sees the entry and leaves the file alone.
	w.Reset()
	require.NoError(t, runSetup(strings.NewReader(""), w, true))
	assert.Contains(t, w.String(), "already configured")
}

func TestRunSetup_CLIAgentScope(t *testing.T) {
	t.Chdir(t.TempDir())
	ran := stubSystem(t, func(name string) (string, error) {
		if name == "codex" {
			return "/usr/bin/codex", nil
		}
		return "", exec.ErrNotFound
	}, noFiles)

	w := &bytes.Buffer{}
	require.NoError(t, runSetup(strings.NewReader("y\n2\n"), w, false))

	require.Len(t, *ran, 1)
	assert.Equal(t, []string{"codex", "mcp", "add", "--scope", "user", "tokensync", "--", "tokensync", "serve", "--mcp"}, (*ran)[0])
	assert.Contains(t, w.String(), "scope: user")
}

func TestRunSetup_ReportsFailures(t *testing.T) {
	t.Chdir(t.TempDir())
	stubSystem(t, func(name string) (string, error) {
		if name == "claude" {
			return "/usr/bin/claude", nil
		}
		return "", exec.ErrNotFound
	}, noFiles)
	runCmd = func(string, ...string) error { return errors.New("exit status 1") }

	w := &bytes.Buffer{}
	err := runSetup(strings.NewReader(""), w, true)
	assert.Error(t, err)
	assert.Contains(t, w.String(), "exit status 1")
}

func TestConfigureFile_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "mcp.json")
	d := detected{agent: agent{serversKey: "mcpServers"}, config: path}

	require.NoError(t, configureFile(d))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, decodeServers(t, data, "mcpServers"), mcpServerName)
}
