package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// commandTransport speaks newline-delimited JSON-RPC over a child
// process's stdout and stdin.
type commandTransport struct {
	conn *commandConnection
}

func newCommandTransport(r io.ReadCloser, w io.WriteCloser) *commandTransport {
	return &commandTransport{conn: newCommandConnection(r, w)}
}

func (t *commandTransport) Connect(context.Context) (sdk.Connection, error) {
	return t.conn, nil
}

type commandConnection struct {
	reader   io.ReadCloser
	writer   io.WriteCloser
	incoming chan jsonrpc.Message
	// readErr is set before incoming is closed.
	readErr error

	writeMu   sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newCommandConnection(r io.ReadCloser, w io.WriteCloser) *commandConnection {
	c := &commandConnection{
		reader:   r,
		writer:   w,
		incoming: make(chan jsonrpc.Message, 8),
		closed:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *commandConnection) readLoop() {
	defer close(c.incoming)
	dec := json.NewDecoder(c.reader)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.readErr = err
			return
		}
		msg, err := jsonrpc.DecodeMessage(raw)
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.incoming <- msg:
		case <-c.closed:
			c.readErr = io.EOF
			return
		}
	}
}

func (c *commandConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-c.incoming:
		if !ok {
			if c.readErr != nil {
				return nil, c.readErr
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

func (c *commandConnection) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(append(data, '\n'))
	return err
}

func (c *commandConnection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = errors.Join(c.reader.Close(), c.writer.Close())
	})
	return c.closeErr
}

func (c *commandConnection) SessionID() string { return "" }
