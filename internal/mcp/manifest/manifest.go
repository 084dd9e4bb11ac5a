// Package manifest reads the mcp.json file that lists the tool servers the
// bot connects to.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// File is the on-disk layout, compatible with the common "mcpServers" form.
type File struct {
	Servers map[string]Server `json:"mcpServers"`
}

// Server describes how to reach one tool server: either a websocket URL
// or a command speaking MCP over stdio.
type Server struct {
	Transport *Transport        `json:"transport,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   *bool             `json:"enabled,omitempty"`
}

type Transport struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (s Server) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// IsWebSocket reports whether s is reached over a websocket.
func (s Server) IsWebSocket() bool {
	if s.Transport == nil || s.Transport.URL == "" {
		return false
	}
	t := strings.ToLower(s.Transport.Type)
	return t == "" || t == "ws" || t == "websocket"
}

// Result is the merged view over every manifest that was found.
type Result struct {
	Servers map[string]Server
	// Order lists server names alphabetically; tools are looked up in
	// this order.
	Order   []string
	Sources []string
}

// Load reads path when it is set. Otherwise it merges the workspace
// manifest (.estella/mcp.json) with the user one
// ($XDG_CONFIG_HOME/estella/mcp.json); user entries win. Missing files
// are not an error.
func Load(path string) (Result, error) {
	res := Result{Servers: make(map[string]Server)}
	if path != "" {
		p, err := expandHome(path)
		if err != nil {
			return res, err
		}
		f, err := read(p)
		if err != nil {
			return res, err
		}
		res.merge(p, f)
		res.sort()
		return res, nil
	}

	candidates := []func() (string, error){workspacePath, userPath}
	for _, locate := range candidates {
		p, err := locate()
		if err != nil {
			return res, err
		}
		f, err := read(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return res, err
		}
		res.merge(p, f)
	}
	res.sort()
	return res, nil
}

func (r *Result) merge(source string, f File) {
	for name, s := range f.Servers {
		r.Servers[name] = normalize(s)
	}
	r.Sources = append(r.Sources, source)
}

func (r *Result) sort() {
	r.Order = r.Order[:0]
	for name := range r.Servers {
		r.Order = append(r.Order, name)
	}
	sort.Strings(r.Order)
}

func normalize(s Server) Server {
	if s.Command != "" {
		s.Command = expandOrKeep(s.Command)
	}
	if s.Args != nil {
		args := make([]string, len(s.Args))
		for i, a := range s.Args {
			args[i] = expandOrKeep(a)
		}
		s.Args = args
	}
	if len(s.Env) > 0 {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = os.ExpandEnv(expandOrKeep(v))
		}
		s.Env = env
	}
	if s.Transport != nil {
		t := *s.Transport
		t.URL = os.ExpandEnv(t.URL)
		s.Transport = &t
	}
	return s
}

func read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func workspacePath() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, ".estella", "mcp.json"), nil
}

func userPath() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "estella", "mcp.json"), nil
}

func expandOrKeep(v string) string {
	if out, err := expandHome(v); err == nil {
		return out
	}
	return v
}

func expandHome(v string) (string, error) {
	if v != "~" && !strings.HasPrefix(v, "~/") {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return v, err
	}
	if v == "~" {
		return home, nil
	}
	return filepath.Join(home, v[2:]), nil
}
