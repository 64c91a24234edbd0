package ctlsock

import (
	"context"
	"fmt"
	"net"
)

// Client is the plantminderctl-side counterpart of Server, issuing
// session_list/session_show/monitor requests over the control socket.
type Client struct {
	path string
}

// NewClient returns a Client that will dial path on each call.
func NewClient(path string) *Client {
	return &Client{path: path}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return nil, fmt.Errorf("ctlsock: dial %s: %w", c.path, err)
	}
	return conn, nil
}

// SessionList returns a snapshot of every tracked node session.
func (c *Client) SessionList(ctx context.Context) ([]SessionView, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, Request{Op: OpSessionList}); err != nil {
		return nil, err
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("ctlsock: session_list: %s", resp.Error)
	}
	return resp.Sessions, nil
}

// SessionShow returns the session tracked under the given EUI.
func (c *Client) SessionShow(ctx context.Context, eui string) (SessionView, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return SessionView{}, err
	}
	defer conn.Close()

	if err := WriteFrame(conn, Request{Op: OpSessionShow, EUI: eui}); err != nil {
		return SessionView{}, err
	}

	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return SessionView{}, err
	}
	if !resp.OK {
		return SessionView{}, fmt.Errorf("ctlsock: session_show %s: %s", eui, resp.Error)
	}
	if resp.Session == nil {
		return SessionView{}, fmt.Errorf("ctlsock: session_show %s: empty response", eui)
	}
	return *resp.Session, nil
}

// Monitor streams live reading/status events until ctx is cancelled, the
// server closes the connection, or fn returns an error. It blocks until one
// of those happens.
func (c *Client) Monitor(ctx context.Context, fn func(Event) error) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := WriteFrame(conn, Request{Op: OpMonitor}); err != nil {
		return err
	}

	// Close the connection when ctx is cancelled; ReadFrame is otherwise a
	// blocking call with no ctx awareness.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var resp Response
		if err := ReadFrame(conn, &resp); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !resp.OK || resp.Event == nil {
			continue
		}
		if err := fn(*resp.Event); err != nil {
			return err
		}
	}
}
