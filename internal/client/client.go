package client

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gamedock/gamedock/internal/protocol"
	"github.com/gamedock/gamedock/internal/store"
)

// ErrTimeout is returned when the server does not answer within the
// configured response window. It maps to wire code 408.
var ErrTimeout = errors.New("timeout")

// ServerError is a non-ok response envelope surfaced as an error.
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Client is a compliant control-plane client: framed JSON envelopes with
// request_id correlation, one in-flight request at a time.
type Client struct {
	conn    *protocol.LineConn
	timeout time.Duration
	nextID  atomic.Int64

	token    string
	username string
}

// Dial connects to the control plane. timeout bounds each request/response
// round trip.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	raw, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{
		conn:    protocol.NewLineConn(raw, timeout),
		timeout: timeout,
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Token returns the active session token, empty when logged out.
func (c *Client) Token() string { return c.token }

// Username returns the identity of the active session.
func (c *Client) Username() string { return c.username }

// Do sends one request and waits for its correlated response. Frames with a
// foreign request_id are discarded; an expired read deadline yields
// ErrTimeout.
func (c *Client) Do(mtype string, payload any) (protocol.Message, error) {
	reqID := strconv.FormatInt(c.nextID.Add(1), 10)
	req := protocol.OK(mtype, reqID, payload)
	req.Status = ""
	req.Code = nil
	req.Token = c.token

	if err := c.conn.Write(req); err != nil {
		return protocol.Message{}, err
	}

	for {
		resp, err := c.conn.Read()
		if err != nil {
			if protocol.IsTimeout(err) {
				return protocol.Message{}, ErrTimeout
			}
			return protocol.Message{}, err
		}
		if resp.RequestID != "" && resp.RequestID != reqID {
			continue
		}
		if resp.Status == protocol.StatusError {
			code := protocol.CodeInternal
			if resp.Code != nil {
				code = *resp.Code
			}
			return resp, &ServerError{Code: code, Message: resp.Message}
		}
		return resp, nil
	}
}

func (c *Client) authenticate(mtype, username, password string) error {
	resp, err := c.Do(mtype, map[string]string{"username": username, "password": password})
	if err != nil {
		return err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := resp.DecodePayload(&out); err != nil {
		return fmt.Errorf("decoding token: %w", err)
	}
	c.token = out.Token
	c.username = username
	return nil
}

// RegisterPlayer creates a player account and opens its session.
func (c *Client) RegisterPlayer(username, password string) error {
	return c.authenticate(protocol.AccountRegisterPlayer, username, password)
}

// LoginPlayer opens a player session.
func (c *Client) LoginPlayer(username, password string) error {
	return c.authenticate(protocol.AccountLoginPlayer, username, password)
}

// RegisterDeveloper creates a developer account and opens its session.
func (c *Client) RegisterDeveloper(username, password string) error {
	return c.authenticate(protocol.AccountRegisterDeveloper, username, password)
}

// LoginDeveloper opens a developer session.
func (c *Client) LoginDeveloper(username, password string) error {
	return c.authenticate(protocol.AccountLoginDeveloper, username, password)
}

// Logout closes the active session.
func (c *Client) Logout() error {
	mtype := protocol.AccountLogoutPlayer
	if _, err := c.Do(mtype, nil); err != nil {
		return err
	}
	c.token = ""
	c.username = ""
	return nil
}

// Upload pushes a package archive through the three-phase upload. The
// default chunk keeps each base64-encoded request frame under the line cap.
func (c *Client) Upload(gameName string, archive []byte, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = store.DefaultChunkSize
	}
	resp, err := c.Do(protocol.GameUploadBegin, map[string]string{"game_name": gameName})
	if err != nil {
		return err
	}
	var begin struct {
		UploadID string `json:"upload_id"`
	}
	if err := resp.DecodePayload(&begin); err != nil {
		return fmt.Errorf("decoding upload_id: %w", err)
	}

	seq := 0
	for off := 0; off < len(archive); off += chunkSize {
		end := min(off+chunkSize, len(archive))
		_, err := c.Do(protocol.GameUploadChunk, map[string]any{
			"upload_id": begin.UploadID,
			"seq":       seq,
			"data":      base64.StdEncoding.EncodeToString(archive[off:end]),
		})
		if err != nil {
			return err
		}
		seq++
	}

	_, err = c.Do(protocol.GameUploadEnd, map[string]string{"upload_id": begin.UploadID})
	return err
}
