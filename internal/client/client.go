// internal/client/client.go
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"

	"go.uber.org/zap"
)

// maxResponseLines bounds how many lines a single reply may span.
const maxResponseLines = 128

// ErrDeviceError is returned when the reply carries the #ERROR header.
// The response body, if any, is the error detail.
var ErrDeviceError = errors.New("device returned an error response")

// Client is a connection to the control daemon's unix socket. It is
// not safe for concurrent use; callers serialize their requests.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	logger *zap.Logger
}

// Dial connects to the control daemon.
func Dial(socketPath string, logger *zap.Logger) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("unable to connect with server: %w", err)
	}
	return New(conn, logger), nil
}

// New wraps an established connection.
func New(conn net.Conn, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
		logger: logger,
	}
}

// Close closes the connection to the daemon.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send submits one command and parses the reply envelope: an optional
// #START or #ERROR header, zero or more body lines and the #STOP
// terminator. The body is returned with lines joined by newlines.
func (c *Client) Send(command string) (string, error) {
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}

	if _, err := c.conn.Write([]byte(command)); err != nil {
		return "", fmt.Errorf("failed to send command to server: %w", err)
	}

	var body []string
	receivedHeader := false
	failed := false

	for line := 0; line < maxResponseLines; line++ {
		raw, err := c.reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read from server: %w", err)
		}
		text := strings.TrimRight(raw, "\r\n")

		switch text {
		case "#START":
			receivedHeader = true
			continue
		case "#ERROR":
			receivedHeader = true
			failed = true
			continue
		case "#STOP":
			response := strings.Join(body, "\n")
			if failed {
				return response, ErrDeviceError
			}
			if response == "" {
				return "", fmt.Errorf("empty response from device")
			}
			return response, nil
		}

		if !receivedHeader {
			c.logger.Warn("Received response line before header start.",
				zap.String("line", text))
			continue
		}

		body = append(body, text)
	}

	return "", fmt.Errorf("response longer than %d lines", maxResponseLines)
}

// RequestState asks for the device state and prints it to stdout, with
// optional surrounding formatting for interactive use.
func (c *Client) RequestState(command string, format bool) error {
	response, err := c.Send(command)
	if err != nil {
		return err
	}

	if format {
		fmt.Println("--- Current KORUZA State ---")
	}
	fmt.Println(response)
	if format {
		fmt.Println("----------------------------")
	}
	return nil
}
