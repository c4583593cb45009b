package main

import (
	"log/slog"
	"time"

	"github.com/sipstack/sipstack/auth"
	"github.com/sipstack/sipstack/call"
	"github.com/sipstack/sipstack/registrar"
	"github.com/sipstack/sipstack/router"
	"github.com/sipstack/sipstack/sip"
)

// credentialStore is a demo stand-in for the external "authentication
// persistence" collaborator spec.md names out of scope; a real deployment
// backs GetUserPass with its own user database.
type credentialStore map[string]string

func (creds credentialStore) lookup(user, realm string, req *sip.Request, c *call.Call) call.UserPassResult {
	pass, ok := creds[user]
	if !ok {
		return call.UserPassResult{Verdict: call.UserPassDenied}
	}
	return call.UserPassResult{Verdict: call.UserPassPlain, Value: pass}
}

// buildService assembles the shared call.Config template every call actor
// for the "default" service is created with (§4.1 "initialised with the
// service's configuration snapshot").
func buildService(logger *slog.Logger, authSvc *auth.Service, store *registrar.Store, conns *connRegistry, realm string, maxCalls int) router.Config {
	creds := credentialStore{"alice": "secret", "bob": "secret"}

	registerHandler := func(req *sip.Request, recvHandle sip.ConnHandle, c *call.Call) *sip.Response {
		now := time.Now()
		result := registrar.Process(store, registrar.AOR(req), req, recvHandle, now)
		return registrar.Respond(req, result, now)
	}

	cfg := call.Config{
		T1: 500 * time.Millisecond, T2: 4 * time.Second, T4: 5 * time.Second,
		Logger:   logger,
		Conn:     newLoggingConn(logger),
		Auth:     authSvc,
		Realm:    realm,
		Resolver: conns,
		Callbacks: call.Callbacks{
			GetUserPass: creds.lookup,
			Register:    registerHandler,
		},
	}

	return router.Config{
		MaxCalls:    maxCalls,
		MsgRouters:  8,
		New:         call.NewActor,
		ActorConfig: cfg,
	}
}
