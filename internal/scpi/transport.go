package scpi

import (
	"bufio"
	"net"
	"strings"
	"time"

	"dischargectl/internal/errors"
)

const (
	// Protocol errors
	ErrMalformedReply = errors.ErrorCode("protocol_malformed_reply")
	ErrRelayRejected  = errors.ErrorCode("protocol_relay_rejected")

	// Transport errors
	ErrTransport   = errors.ErrorCode("transport_failed")
	ErrDialFailed  = errors.ErrorCode("transport_dial_failed")
	ErrCloseFailed = errors.ErrorCode("transport_close_failed")
)

// Transport carries one command at a time to the instrument. A
// Transport is not safe for concurrent use; the Channel above it
// serializes access.
type Transport interface {
	// Send transmits a command with no expected reply.
	Send(cmd Command) error
	// Ask transmits a query and returns the instrument's reply line.
	Ask(cmd Command) (string, error)
	Close() error
}

// LineTransport speaks newline-terminated SCPI over a raw byte stream,
// the shape a VISA socket or serial bridge presents.
type LineTransport struct {
	conn    net.Conn
	rd      *bufio.Reader
	timeout time.Duration
}

// DialLine connects a LineTransport to addr.
func DialLine(addr string, timeout time.Duration) (*LineTransport, error) {
	errFactory := errors.New()

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errFactory.Wrap(ErrDialFailed, err)
	}

	return NewLineTransport(conn, timeout), nil
}

// NewLineTransport wraps an established connection.
func NewLineTransport(conn net.Conn, timeout time.Duration) *LineTransport {
	return &LineTransport{
		conn:    conn,
		rd:      bufio.NewReader(conn),
		timeout: timeout,
	}
}

func (t *LineTransport) Send(cmd Command) error {
	errFactory := errors.New()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return errFactory.Wrap(ErrTransport, err)
	}
	if _, err := t.conn.Write([]byte(cmd.Text() + "\n")); err != nil {
		return errFactory.Wrap(ErrTransport, err)
	}

	return nil
}

func (t *LineTransport) Ask(cmd Command) (string, error) {
	errFactory := errors.New()

	if err := t.Send(cmd); err != nil {
		return "", err
	}

	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return "", errFactory.Wrap(ErrTransport, err)
	}
	line, err := t.rd.ReadString('\n')
	if err != nil {
		return "", errFactory.Wrap(ErrTransport, err)
	}

	return strings.TrimSpace(line), nil
}

func (t *LineTransport) Close() error {
	if err := t.conn.Close(); err != nil {
		return errors.New().Wrap(ErrCloseFailed, err)
	}
	return nil
}
