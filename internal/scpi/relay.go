package scpi

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"time"

	"dischargectl/internal/errors"
)

// relayEnvelope is the framing used by the Raspberry Pi SCPI relay:
// every command gets one JSON reply line, writes included.
type relayEnvelope struct {
	Success  bool   `json:"success"`
	Response string `json:"response"`
}

// RelayTransport speaks to the JSON-wrapped relay over a persistent
// socket. Unlike LineTransport, every command produces a reply frame,
// so Send also reads and checks one envelope.
type RelayTransport struct {
	conn    net.Conn
	rd      *bufio.Reader
	timeout time.Duration
}

// DialRelay connects a RelayTransport to addr.
func DialRelay(addr string, timeout time.Duration) (*RelayTransport, error) {
	errFactory := errors.New()

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errFactory.Wrap(ErrDialFailed, err)
	}

	return NewRelayTransport(conn, timeout), nil
}

// NewRelayTransport wraps an established connection.
func NewRelayTransport(conn net.Conn, timeout time.Duration) *RelayTransport {
	return &RelayTransport{
		conn:    conn,
		rd:      bufio.NewReader(conn),
		timeout: timeout,
	}
}

func (t *RelayTransport) exchange(text string) (relayEnvelope, error) {
	errFactory := errors.New()
	var env relayEnvelope

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return env, errFactory.Wrap(ErrTransport, err)
	}
	if _, err := t.conn.Write([]byte(text + "\n")); err != nil {
		return env, errFactory.Wrap(ErrTransport, err)
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return env, errFactory.Wrap(ErrTransport, err)
	}
	line, err := t.rd.ReadString('\n')
	if err != nil {
		return env, errFactory.Wrap(ErrTransport, err)
	}

	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &env); err != nil {
		return env, errFactory.Wrap(ErrMalformedReply, err)
	}

	return env, nil
}

func (t *RelayTransport) Send(cmd Command) error {
	env, err := t.exchange(cmd.Text())
	if err != nil {
		return err
	}
	if !env.Success {
		return errors.New().WithData(ErrRelayRejected, cmd.Text())
	}

	return nil
}

func (t *RelayTransport) Ask(cmd Command) (string, error) {
	env, err := t.exchange(cmd.Text())
	if err != nil {
		return "", err
	}
	if !env.Success {
		return "", errors.New().WithData(ErrRelayRejected, cmd.Text())
	}

	return strings.TrimSpace(env.Response), nil
}

// Close tells the relay to drop the session before closing the socket.
func (t *RelayTransport) Close() error {
	t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	t.conn.Write([]byte("QUIT\n")) // best effort

	if err := t.conn.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}
	return nil
}
