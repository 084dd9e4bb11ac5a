package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/slofp/estella/internal/logging"
	"github.com/slofp/estella/internal/mcp/manifest"
)

var ErrUnknownTool = errors.New("mcp: no server provides this tool")

// Dispatcher runs tool actions on the first connected server that lists
// the tool. It implements voice.ToolDispatcher.
type Dispatcher struct {
	// Timeout bounds one tool call. Zero means no extra bound.
	Timeout time.Duration

	mu      sync.RWMutex
	clients []*Client
}

func NewDispatcher(clients ...*Client) *Dispatcher {
	return &Dispatcher{Timeout: 30 * time.Second, clients: clients}
}

// Connect opens every enabled server in m. Servers that fail to connect
// are logged and skipped.
func Connect(ctx context.Context, m manifest.Result) *Dispatcher {
	d := NewDispatcher()
	for _, name := range m.Order {
		srv := m.Servers[name]
		if !srv.IsEnabled() {
			continue
		}
		c := NewClient(name)
		var err error
		switch {
		case srv.IsWebSocket():
			err = c.ConnectWebSocket(ctx, srv.Transport.URL)
		case srv.Command != "":
			err = c.ConnectCommand(ctx, srv.Command, srv.Args, srv.Env)
		default:
			err = errors.New("neither transport url nor command set")
		}
		if err != nil {
			logging.Warnw("mcp: server unavailable", "server", name, "err", err)
			continue
		}
		d.Add(c)
	}
	return d
}

func (d *Dispatcher) Add(c *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = append(d.clients, c)
}

// Len is the number of connected servers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients)
}

func (d *Dispatcher) Dispatch(ctx context.Context, name string, params map[string]any) (string, error) {
	d.mu.RLock()
	clients := append([]*Client(nil), d.clients...)
	d.mu.RUnlock()

	for _, c := range clients {
		ok, err := c.HasTool(ctx, name)
		if err != nil {
			logging.Debugw("mcp: tool listing failed", "server", c.Name(), "err", err)
			continue
		}
		if !ok {
			continue
		}
		callCtx := ctx
		if d.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
		start := time.Now()
		out, err := c.CallTool(callCtx, name, params)
		logging.Infow("mcp: tool called", "server", c.Name(), "tool", name,
			"took_ms", time.Since(start).Milliseconds(), "ok", err == nil)
		return out, err
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
}

// Close disconnects every server.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	clients := d.clients
	d.clients = nil
	d.mu.Unlock()
	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}
