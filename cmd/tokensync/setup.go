package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// mcpServerName is the key tokensync is registered under in agent configs.
const mcpServerName = "tokensync"

type agentKind int

const (
	// cliAgent is configured by running "<binary> mcp add".
	cliAgent agentKind = iota
	// fileAgent is configured by merging into a JSON file.
	fileAgent
)

// agent describes how to find and configure one MCP-capable client.
type agent struct {
	id         string
	name       string
	kind       agentKind
	binary     string        // cliAgent: executable on PATH
	markers    []string      // fileAgent: project dirs that signal presence
	configPath func() string // fileAgent: config file location
	serversKey string        // "servers" for VS Code, "mcpServers" elsewhere
	extra      map[string]string
}

// detected is an agent found on this machine.
type detected struct {
	agent
	config     string // resolved config path for file agents
	configured bool
}

// Replaceable for testing.
var (
	lookPath = exec.LookPath
	statPath = os.Stat
	runCmd   = func(name string, args ...string) error {
		c := exec.Command(name, args...)
		c.Stdout = os.Stderr
		c.Stderr = os.Stderr
		return c.Run()
	}
)

var knownAgents = []agent{
	{id: "claude_code", name: "Claude Code", kind: cliAgent, binary: "claude"},
	{id: "openai_codex", name: "OpenAI Codex", kind: cliAgent, binary: "codex"},
	{
		id: "vscode", name: "VS Code", kind: fileAgent,
		markers:    []string{".vscode"},
		configPath: func() string { return filepath.Join(".vscode", "mcp.json") },
		serversKey: "servers",
		extra:      map[string]string{"type": "stdio"},
	},
	{
		id: "cursor", name: "Cursor", kind: fileAgent,
		markers:    []string{".cursor"},
		configPath: func() string { return filepath.Join(".cursor", "mcp.json") },
		serversKey: "mcpServers",
	},
	{
		id: "claude_desktop", name: "Claude Desktop", kind: fileAgent,
		configPath: desktopConfigPath,
		serversKey: "mcpServers",
	},
}

func desktopConfigPath() string {
	home, _ := os.UserHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Claude", "claude_desktop_config.json")
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "Claude", "claude_desktop_config.json")
	default:
		return filepath.Join(home, ".config", "Claude", "claude_desktop_config.json")
	}
}

func newSetupCmd(_ *app) *cobra.Command {
	var auto bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the tokensync MCP server with detected agents",
		Args:  cobra.NoArgs,
		// Agent setup needs no cache or config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSetup(cmd.InOrStdin(), cmd.OutOrStdout(), auto)
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "configure every detected agent without prompting")
	return cmd
}

// detectAgents returns the known agents present on this machine.
func detectAgents() []detected {
	var found []detected
	for _, a := range knownAgents {
		switch a.kind {
		case cliAgent:
			if _, err := lookPath(a.binary); err == nil {
				found = append(found, detected{agent: a, configured: hasServer(".mcp.json", "mcpServers")})
			}

		case fileAgent:
			path, ok := locateConfig(a)
			if ok {
				found = append(found, detected{agent: a, config: path, configured: hasServer(path, a.serversKey)})
			}
		}
	}
	return found
}

// locateConfig finds a file agent by its project marker, or, for agents
// without markers, by the existence of its config directory.
func locateConfig(a agent) (string, bool) {
	for _, marker := range a.markers {
		if _, err := statPath(marker); err == nil {
			return a.configPath(), true
		}
	}
	if len(a.markers) == 0 && a.configPath != nil {
		path := a.configPath()
		if _, err := statPath(filepath.Dir(path)); err == nil {
			return path, true
		}
	}
	return "", false
}

// hasServer reports whether the JSON file at path already lists tokensync.
func hasServer(path, serversKey string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var config map[string]any
	if err := json.Unmarshal(data, &config); err != nil {
		return false
	}
	servers, _ := config[serversKey].(map[string]any)
	_, ok := servers[mcpServerName]
	return ok
}

func serverEntry(extra map[string]string) map[string]any {
	entry := map[string]any{
		"command": "tokensync",
		"args":    []any{"serve", "--mcp"},
	}
	for k, v := range extra {
		entry[k] = v
	}
	return entry
}

// mergeServerEntry adds the tokensync entry under serversKey and returns the
// new document. Returns nil, nil when the entry already exists.
func mergeServerEntry(existing []byte, serversKey string, extra map[string]string) ([]byte, error) {
	config := make(map[string]any)
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &config); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	servers, ok := config[serversKey].(map[string]any)
	if !ok {
		servers = make(map[string]any)
	}
	if _, exists := servers[mcpServerName]; exists {
		return nil, nil
	}

	servers[mcpServerName] = serverEntry(extra)
	config[serversKey] = servers

	out, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func configureFile(d detected) error {
	if err := os.MkdirAll(filepath.Dir(d.config), 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	existing, err := os.ReadFile(d.config)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", d.config, err)
	}

	merged, err := mergeServerEntry(existing, d.serversKey, d.extra)
	if err != nil || merged == nil {
		return err
	}
	return os.WriteFile(d.config, merged, 0o644)
}

func configureCLI(d detected, scope string) error {
	args := []string{"mcp", "add"}
	if scope != "" {
		args = append(args, "--scope", scope)
	}
	args = append(args, mcpServerName, "--", "tokensync", "serve", "--mcp")
	return runCmd(d.binary, args...)
}

// runSetup detects agents, asks before changing anything unless auto is set,
// and reports per-agent results on w.
func runSetup(r io.Reader, w io.Writer, auto bool) error {
	agents := detectAgents()
	if len(agents) == 0 {
		fmt.Fprintln(w, "No supported AI agents detected.")
		return nil
	}

	fmt.Fprintln(w, "Detected AI agents:")
	for _, d := range agents {
		suffix := ""
		if d.configured {
			suffix = " (already configured)"
		}
		fmt.Fprintf(w, "  * %s%s\n", d.name, suffix)
	}

	in := bufio.NewScanner(r)
	if !auto && !confirm(in, w, "\nConfigure agents? [Y/n]") {
		return nil
	}

	var failed int
	for _, d := range agents {
		if d.configured {
			fmt.Fprintf(w, "  = %s already configured\n", d.name)
			continue
		}
		if err := configureAgent(in, w, d, auto); err != nil {
			failed++
			fmt.Fprintf(w, "  ! %s: %v\n", d.name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d agent(s) could not be configured", failed)
	}
	return nil
}

func configureAgent(in *bufio.Scanner, w io.Writer, d detected, auto bool) error {
	switch d.kind {
	case cliAgent:
		scope := "project"
		if !auto {
			scope = chooseScope(in, w, d.name)
			if scope == "" {
				fmt.Fprintln(w, "  skipped")
				return nil
			}
		}
		if err := configureCLI(d, scope); err != nil {
			return err
		}
		fmt.Fprintf(w, "  + %s configured (scope: %s)\n", d.name, scope)

	case fileAgent:
		if !auto && !confirm(in, w, fmt.Sprintf("%s: add to %s? [Y/n]", d.name, d.config)) {
			fmt.Fprintln(w, "  skipped")
			return nil
		}
		if err := configureFile(d); err != nil {
			return err
		}
		fmt.Fprintf(w, "  + %s configured (%s)\n", d.name, d.config)
	}
	return nil
}

// confirm reads a yes/no answer. Empty input and EOF mean yes.
func confirm(in *bufio.Scanner, w io.Writer, question string) bool {
	fmt.Fprintf(w, "%s ", question)
	if !in.Scan() {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(in.Text())) {
	case "", "y", "yes":
		return true
	}
	return false
}

// chooseScope returns "project", "user", or "" to skip.
func chooseScope(in *bufio.Scanner, w io.Writer, name string) string {
	fmt.Fprintf(w, "%s: register tokensync for\n  [1] this project\n  [2] your user\n  [3] skip\n  > ", name)
	if !in.Scan() {
		return "project"
	}
	switch strings.TrimSpace(in.Text()) {
	case "", "1":
		return "project"
	case "2":
		return "user"
	}
	return ""
}
