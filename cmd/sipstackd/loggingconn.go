package main

import (
	"log/slog"

	"github.com/sipstack/sipstack/sip"
)

// loggingConn is a placeholder sip.Connection used until a real transport
// collaborator is wired in: it logs what would have been written instead
// of touching a socket. Building the actual UDP/TCP/TLS dialer is out of
// scope here (spec.md's "Out of scope" list), so this keeps the demo
// runnable without pretending to speak the wire protocol.
type loggingConn struct {
	log    *slog.Logger
	handle sip.ConnHandle
}

func newLoggingConn(log *slog.Logger) *loggingConn {
	return &loggingConn{log: log, handle: sip.ConnHandle{Index: 1, Generation: 1}}
}

func (c *loggingConn) WriteMsg(msg sip.Message) error {
	c.log.Debug("would write message", "start_line", msg.StartLine())
	return nil
}

func (c *loggingConn) TryClose() (bool, error)  { return false, nil }
func (c *loggingConn) LocalAddr() sip.Addr      { return sip.Addr{Hostname: "0.0.0.0", Port: 5060} }
func (c *loggingConn) RemoteAddr() sip.Addr     { return sip.Addr{} }
func (c *loggingConn) Transport() string        { return "UDP" }
func (c *loggingConn) Handle() sip.ConnHandle   { return c.handle }
