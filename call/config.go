package call

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/outbound"
	"github.com/sipstack/sipstack/sip"
	"github.com/sipstack/sipstack/timer"
)

// Config is the per-service configuration snapshot a call actor is
// initialised with on creation (§4.1 "on creation the actor is
// initialised with the service's configuration snapshot including timer
// constants").
type Config struct {
	// T1/T2/T4 default to 500ms/4s/5s when zero. They are not passed to
	// sip.SetTimers or to the transactions a Call creates, which use the
	// sip package's process-wide timer values.
	T1, T2, T4 time.Duration
	// TimerC is the proxy-only INVITE "no final response" interval (§4.2),
	// default 3 minutes when zero. No timer is armed from it: a forked
	// INVITE branch has no Timer C.
	TimerC time.Duration
	// No100 suppresses the automatic 100 Trying an INVITE UAS transaction
	// would otherwise emit (§4.3).
	No100 bool
	// NoAutoExpire is carried in the snapshot but has no effect: a Call
	// sends no Expires-driven CANCEL for pending INVITEs (§4.2 "Expire
	// timer"), whatever its value.
	NoAutoExpire bool
	// TransTimeout/DialogTimeout feed the check_call sweep (§4.1): a
	// transaction or fork older than 2×TransTimeout, or a dialog untouched
	// for longer than 2×DialogTimeout, is dropped.
	TransTimeout  time.Duration
	DialogTimeout time.Duration
	// SweepInterval is how often check_call runs.
	SweepInterval time.Duration
	// SessionRefreshInterval is the RFC 4028 session-refresh period (§4.6):
	// a confirmed dialog untouched by a refresh re-INVITE/UPDATE for this
	// long emits one itself. Default 1800s (RFC 4028's default Min-SE-
	// derived Session-Expires) when zero.
	SessionRefreshInterval time.Duration

	Callbacks Callbacks

	Timers   *timer.Service
	Conn     sip.Connection
	Logger   *slog.Logger
	Registry *prometheus.Registry

	// Auth performs digest verification for the authorize step (§4.8).
	// A nil Auth disables the built-in challenge/verify path; Callbacks.
	// Authorize is then the only gate. Passwords are resolved through
	// Callbacks.GetUserPass.
	Auth *auth.Service
	// Realm is attached to challenges issued by Auth.
	Realm string

	// Resolver turns a decoded RFC 5626 flow token back into a live
	// connection for strict-proxy forwarding (§4.7).
	Resolver outbound.Resolver

	// UACAuth, when set, makes a forked branch that is challenged with a
	// 401/407 retry once with computed digest credentials instead of the
	// challenge being forwarded upstream as a final response.
	UACAuth *UACCredentials

	// MailboxSize bounds the call actor's work-item channel.
	MailboxSize int
}

func (c Config) withDefaults() Config {
	if c.T1 == 0 {
		c.T1 = 500 * time.Millisecond
	}
	if c.T2 == 0 {
		c.T2 = 4 * time.Second
	}
	if c.T4 == 0 {
		c.T4 = 5 * time.Second
	}
	if c.TimerC == 0 {
		c.TimerC = 3 * time.Minute
	}
	if c.TransTimeout == 0 {
		c.TransTimeout = 32 * time.Second
	}
	if c.DialogTimeout == 0 {
		c.DialogTimeout = 12 * time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.SessionRefreshInterval == 0 {
		c.SessionRefreshInterval = 1800 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 64
	}
	if c.Timers == nil {
		c.Timers = timer.NewService()
	}
	return c
}
