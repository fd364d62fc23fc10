package consolemux

import (
	"fmt"
	"net"
	"time"

	"github.com/vmmd-project/vmmd/internal/wire"
)

// Client is a thin request/response wrapper around the console socket,
// grounded on the dial-encode-decode shape of the teacher's daemon.Client.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient constructs a Client dialing socketPath on demand.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 10 * time.Second}
}

// History requests all entries after since for name, printing each line to
// onLine as it streams in, and returns the terminal reply message.
func (c *Client) History(name string, since wire.Timestamp, onLine func(wire.DataPayload)) (string, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return "", fmt.Errorf("connect to console socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	req := wire.Header{Version: wire.Version, Tag: wire.TagHistory, ID: wire.ParseVMID(name)}
	if err := wire.WriteFrame(conn, req, wire.EncodeHistory(wire.HistoryPayload{Since: since})); err != nil {
		return "", fmt.Errorf("send history request: %w", err)
	}

	for {
		header, payload, err := wire.ReadFrame(conn)
		if err != nil {
			return "", fmt.Errorf("read history stream: %w", err)
		}
		switch header.Tag {
		case wire.TagData:
			data, err := wire.DecodeData(payload)
			if err != nil {
				return "", fmt.Errorf("decode history data: %w", err)
			}
			if onLine != nil {
				onLine(data)
			}
		case wire.TagSuccess, wire.TagFail:
			r, err := wire.DecodeReply(payload)
			if err != nil {
				return "", fmt.Errorf("decode history reply: %w", err)
			}
			if header.Tag == wire.TagFail {
				return "", fmt.Errorf("history failed: %s", r.Message)
			}
			return r.Message, nil
		default:
			return "", fmt.Errorf("unexpected reply tag %d", header.Tag)
		}
	}
}

// Attach opens a long-lived connection subscribed to name's live output,
// invoking onLine for every Data message until the connection closes or
// ctx-equivalent cancellation closes conn from the caller's side.
func (c *Client) Attach(name string, onLine func(wire.DataPayload)) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to console socket %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	req := wire.Header{Version: wire.Version, Tag: wire.TagAttachConsole, ID: wire.ParseVMID(name)}
	if err := wire.WriteFrame(conn, req, nil); err != nil {
		return fmt.Errorf("send attach request: %w", err)
	}

	header, payload, err := wire.ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read attach reply: %w", err)
	}
	r, err := wire.DecodeReply(payload)
	if err != nil {
		return fmt.Errorf("decode attach reply: %w", err)
	}
	if header.Tag == wire.TagFail {
		return fmt.Errorf("attach failed: %s", r.Message)
	}

	for {
		header, payload, err := wire.ReadFrame(conn)
		if err != nil {
			return err
		}
		if header.Tag != wire.TagData {
			continue
		}
		data, err := wire.DecodeData(payload)
		if err != nil {
			return fmt.Errorf("decode attach data: %w", err)
		}
		if onLine != nil {
			onLine(data)
		}
	}
}
