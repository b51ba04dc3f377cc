// Package protocol implements the login handshake and keepalive
// rules layered on top of a Transport: every carrier authenticates the
// same way regardless of whether it is a WebSocket, a UDP socket, or
// an MQTT session.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/meshagent/meshagent"
)

// ErrPermissionDenied is returned by Login when the far end replies
// with "login-fail" instead of "login-ok".
var ErrPermissionDenied = errors.New("protocol: login rejected")

// LoginFrame builds the COMMAND "login" frame an agent sends
// immediately after a transport connects.
func LoginFrame(token string) meshagent.Frame {
	return meshagent.NewFrame("login", meshagent.COMMAND, map[string]any{"token": token}, nil)
}

// IsLoginOK reports whether f is the server's acknowledgement that a
// login succeeded.
func IsLoginOK(f meshagent.Frame) bool {
	return f.Name == "login-ok"
}

// IsLoginFail reports whether f is the server's rejection of a login.
// Both "login-fail" and "login-failed" are accepted spellings.
func IsLoginFail(f meshagent.Frame) bool {
	return f.Name == "login-fail" || f.Name == "login-failed"
}

// Transport is the minimal send/recv contract Login needs. meshagent.Transport
// satisfies it.
type Transport interface {
	Send(ctx context.Context, f meshagent.Frame) error
	Recv(ctx context.Context) (meshagent.Frame, error)
}

// Login performs the frame-level handshake over an already-connected
// Transport: send the login COMMAND, then read frames until the
// expected login-ok/login-fail reply arrives (other frames that arrive
// first, such as an unrelated EVENT, are passed to onOther so callers
// can queue rather than drop them). Returns ErrPermissionDenied on
// login-fail.
func Login(ctx context.Context, t Transport, token string, onOther func(meshagent.Frame)) error {
	if err := t.Send(ctx, LoginFrame(token)); err != nil {
		return fmt.Errorf("protocol: send login: %w", err)
	}

	for {
		f, err := t.Recv(ctx)
		if err != nil {
			return fmt.Errorf("protocol: await login response: %w", err)
		}
		switch {
		case IsLoginOK(f):
			return nil
		case IsLoginFail(f):
			return ErrPermissionDenied
		default:
			if onOther != nil {
				onOther(f)
			}
		}
	}
}

// PingFrame builds the COMMAND "ping" frame used for keepalive.
func PingFrame() meshagent.Frame {
	return meshagent.NewFrame("ping", meshagent.COMMAND, nil, nil)
}

// IsPing reports whether f is a keepalive ping.
func IsPing(f meshagent.Frame) bool {
	return f.Kind == meshagent.COMMAND && f.Name == "ping"
}

// Pong builds the reply to a ping, correlated via meta.reply_to.
func Pong(ping meshagent.Frame) meshagent.Frame {
	return meshagent.NewFrame("pong", meshagent.EVENT, nil, map[string]any{"reply_to": ping.UUID})
}
