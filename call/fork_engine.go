package call

import "github.com/sipstack/sipstack/sip"

// startFork implements the "Launch all URIs in the first group" half of
// §4.5 for a UAS request routed with RouteProxy/RouteProxyStateless.
func (c *Call) startFork(stx *sip.ServerTx, req *sip.Request, uris []sip.Uri, opts ForkOpts) {
	forkID := stx.Key()
	var uriset [][]sip.Uri
	if len(uris) > 0 {
		uriset = [][]sip.Uri{uris}
	} else {
		uriset = [][]sip.Uri{{req.Recipient}}
	}

	f := newFork(forkID, req, uriset, opts)
	c.forks[forkID] = f
	c.launchNextGroup(f)
}

func (c *Call) launchNextGroup(f *fork) {
	group := f.nextGroup()
	for _, target := range group {
		branch := sip.GenerateBranch()
		child := f.origin.Clone()
		child.Recipient = target
		if via := child.Via(); via != nil {
			via.Params.Add("branch", branch)
		}

		key, err := sip.ClientTxKeyMake(child)
		if err != nil {
			c.log.Warn("fork: cannot key branch", "error", err)
			continue
		}
		ctx := sip.NewClientTx(key, child, c.cfg.Conn, c.log, c.callID, c.cfg.Timers, c)
		if err := ctx.Init(); err != nil {
			c.log.Error("fork: branch init failed", "error", err)
			continue
		}
		f.launched[key] = ctx
		f.pending[key] = true
		c.touchTx(key, ctx, f.id)
	}

	if group == nil && f.done() {
		c.finishFork(f)
	}
}

// handleForkResponse applies §4.5's classification to one branch response
// and performs the transport/bookkeeping side effects the fork's pure
// onResponse verdict calls for.
func (c *Call) handleForkResponse(f *fork, branchKey string, res *sip.Response) {
	if c.retryChallenge(f, branchKey, res) {
		return
	}

	outcome := f.onResponse(branchKey, res)

	switch outcome.action {
	case forkActionForward:
		c.forwardUpstream(f, res)

	case forkActionForwardAndCancelSiblings:
		c.forwardUpstream(f, res)
		c.cancelFork(f, outcome.cancelReason)
		delete(c.forks, f.id)
		return

	case forkActionFollowRedirect:
		c.launchNextGroup(f)
		return
	}

	if len(f.pending) == 0 {
		if len(f.uriset) > 0 {
			c.launchNextGroup(f)
			return
		}
		c.finishFork(f)
	}
}

// retryChallenge implements the UAC half of §4.8 for a forked branch: a
// 401/407 on a branch retried exactly once with UACAuth's credentials
// instead of being collected as that branch's final response, mirroring
// the teacher client's digestAuthApply/digestProxyAuthApply retry.
func (c *Call) retryChallenge(f *fork, branchKey string, res *sip.Response) bool {
	if c.cfg.UACAuth == nil || f.retried[branchKey] {
		return false
	}
	if res.StatusCode != sip.StatusUnauthorized && res.StatusCode != sip.StatusProxyAuthRequired {
		return false
	}

	ctx, ok := f.launched[branchKey]
	if !ok {
		return false
	}

	child := ctx.Origin().Clone()
	challenged, err := ApplyChallenge(child, res, *c.cfg.UACAuth)
	if err != nil || !challenged {
		if err != nil {
			c.log.Warn("fork: digest retry failed", "error", err, "branch", branchKey)
		}
		return false
	}

	branch := sip.GenerateBranch()
	if via := child.Via(); via != nil {
		via.Params.Add("branch", branch)
	}

	key, err := sip.ClientTxKeyMake(child)
	if err != nil {
		c.log.Warn("fork: cannot key retried branch", "error", err)
		return false
	}

	newCtx := sip.NewClientTx(key, child, c.cfg.Conn, c.log, c.callID, c.cfg.Timers, c)
	if err := newCtx.Init(); err != nil {
		c.log.Error("fork: retried branch init failed", "error", err)
		return false
	}

	delete(f.launched, branchKey)
	delete(f.pending, branchKey)
	f.launched[key] = newCtx
	f.pending[key] = true
	f.retried[key] = true
	c.touchTx(key, newCtx, f.id)
	return true
}

func (c *Call) finishFork(f *fork) {
	if f.final != forkNotFinal {
		delete(c.forks, f.id)
		return
	}
	resp := bestResponse(f.collected)
	if resp == nil {
		resp = sip.NewResponseFromRequest(f.origin, sip.StatusTemporarilyUnavailable, sip.ReasonOf(sip.StatusTemporarilyUnavailable), nil)
	}
	c.forwardUpstream(f, resp)
	delete(c.forks, f.id)
}

func (c *Call) forwardUpstream(f *fork, res *sip.Response) {
	if res.IsProvisional() && res.StatusCode == sip.StatusTrying {
		return
	}
	tx, ok := c.findTx(f.id)
	if !ok {
		return
	}
	stx, ok := tx.(*sip.ServerTx)
	if !ok {
		return
	}
	if err := stx.Respond(res); err != nil {
		c.log.Error("fork: forward upstream failed", "error", err)
	}
}

// cancelFork sends CANCEL to every branch still pending, §4.5 /
// §8 "all other pending UACs receive CANCEL within one scheduling step".
// A branch still in "calling" can't be cancelled yet (RFC 3261 9.1); it's
// deferred the same way a single explicit SendCancel is.
func (c *Call) cancelFork(f *fork, reason string) {
	for key := range f.pending {
		ctx, ok := f.launched[key]
		if !ok {
			continue
		}
		switch ctx.StateName() {
		case sip.StateInviteProceeding:
			c.sendCancel(ctx, reason)
			ctx.Terminate()
		case sip.StateInviteCalling:
			c.pendingCancels[key] = true
		default:
			ctx.Terminate()
		}
	}
	f.pending = map[string]bool{}
}
