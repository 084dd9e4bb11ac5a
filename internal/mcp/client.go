// Package mcp connects to Model Context Protocol tool servers and runs the
// chat backend's tool actions on them.
package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/slofp/estella/internal/logging"
)

const (
	clientName    = "estella"
	clientVersion = "1.0.0"
	pingInterval  = 30 * time.Second
)

var ErrNotConnected = errors.New("mcp: not connected")

// Client is a session with one tool server.
type Client struct {
	name   string
	client *sdk.Client

	mu              sync.Mutex
	session         *sdk.ClientSession
	keepaliveCancel context.CancelFunc
	closers         []func() error
	tools           map[string]struct{}
}

// NewClient creates an unconnected client for the server called name.
func NewClient(name string) *Client {
	impl := &sdk.Implementation{Name: clientName, Version: clientVersion}
	return &Client{name: name, client: sdk.NewClient(impl, nil)}
}

func (c *Client) Name() string { return c.name }

// ConnectWebSocket dials rawurl; http(s) schemes are mapped to ws(s).
func (c *Client) ConnectWebSocket(ctx context.Context, rawurl string) error {
	u, err := url.Parse(rawurl)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("mcp %s: dial: %w", c.name, err)
	}
	if err := c.connect(ctx, NewWebSocketTransport(conn)); err != nil {
		_ = conn.Close()
		return err
	}
	logging.Infow("mcp: connected", "server", c.name, "url", u.Redacted())
	return nil
}

// ConnectCommand starts command and talks MCP over its stdio. The process
// is stopped by Close.
func (c *Client) ConnectCommand(ctx context.Context, command string, args []string, env map[string]string) error {
	if command == "" {
		return errors.New("mcp: command is required")
	}
	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		merged := os.Environ()
		for k, v := range env {
			merged = append(merged, k+"="+v)
		}
		cmd.Env = merged
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mcp %s: start: %w", c.name, err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logging.Debugw("mcp: server stderr", "server", c.name, "line", scanner.Text())
		}
	}()
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	if err := c.connect(ctx, newCommandTransport(stdout, stdin)); err != nil {
		_ = stdin.Close()
		_ = cmd.Process.Kill()
		<-waitCh
		return err
	}
	logging.Infow("mcp: command server started", "server", c.name, "command", command, "args", strings.Join(args, " "))

	c.mu.Lock()
	c.closers = append(c.closers, func() error {
		_ = stdin.Close()
		var err error
		select {
		case err = <-waitCh:
		case <-time.After(2 * time.Second):
			_ = cmd.Process.Kill()
			err = <-waitCh
		}
		if err != nil {
			logging.Debugw("mcp: command server exited", "server", c.name, "err", err)
		}
		return nil
	})
	c.mu.Unlock()
	return nil
}

func (c *Client) connect(ctx context.Context, transport sdk.Transport) error {
	sess, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp %s: connect: %w", c.name, err)
	}
	kaCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
	}
	c.session = sess
	c.keepaliveCancel = cancel
	c.tools = nil
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := sess.Ping(kaCtx, nil); err != nil {
					logging.Debugw("mcp: ping failed", "server", c.name, "err", err)
				}
			}
		}
	}()
	return nil
}

func (c *Client) current() (*sdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session, nil
}

// HasTool reports whether the server offers name. The tool list is
// cached and refreshed when a name is not found.
func (c *Client) HasTool(ctx context.Context, name string) (bool, error) {
	c.mu.Lock()
	_, ok := c.tools[name]
	c.mu.Unlock()
	if ok {
		return true, nil
	}
	tools, err := c.listTools(ctx)
	if err != nil {
		return false, err
	}
	_, ok = tools[name]
	return ok, nil
}

func (c *Client) listTools(ctx context.Context) (map[string]struct{}, error) {
	sess, err := c.current()
	if err != nil {
		return nil, err
	}
	tools := make(map[string]struct{})
	params := &sdk.ListToolsParams{}
	for {
		res, err := sess.ListTools(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("mcp %s: list tools: %w", c.name, err)
		}
		for _, t := range res.Tools {
			tools[t.Name] = struct{}{}
		}
		if res.NextCursor == "" {
			break
		}
		params.Cursor = res.NextCursor
	}
	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool runs name and returns its text output. A result flagged as an
// error by the server is returned as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	sess, err := c.current()
	if err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := sess.CallTool(ctx, &sdk.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp %s: call %s: %w", c.name, name, err)
	}
	var parts []string
	for _, content := range res.Content {
		if t, ok := content.(*sdk.TextContent); ok {
			parts = append(parts, t.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if res.IsError {
		return "", fmt.Errorf("mcp %s: tool %s failed: %s", c.name, name, text)
	}
	return text, nil
}

// Close ends the session and stops a spawned server.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
		c.session = nil
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
