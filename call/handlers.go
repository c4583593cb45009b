package call

import (
	"github.com/sipstack/sipstack/sip"
)

// handleIncoming implements the message-arrival half of §4.1/§4.3/§4.4:
// match against existing transactions/dialogs first, then run the UAS
// route pipeline for brand new requests.
func (c *Call) handleIncoming(it Incoming) {
	switch msg := it.Msg.(type) {
	case *sip.Request:
		c.handleIncomingRequest(msg, it.Conn)
	case *sip.Response:
		c.handleIncomingResponse(msg)
	}
}

func (c *Call) handleIncomingRequest(req *sip.Request, conn sip.Connection) {
	key, err := sip.ServerTxKeyMake(req)
	if err != nil {
		c.log.Warn("cannot key incoming request", "error", err)
		return
	}

	if req.IsCancel() {
		c.handleIncomingCancel(req, conn)
		return
	}
	if req.IsAck() {
		if tx, ok := c.findTx(key); ok {
			if stx, ok := tx.(*sip.ServerTx); ok {
				_ = stx.Receive(req)
				c.confirmDialog(req)
			}
		}
		return
	}

	if tx, ok := c.findTx(key); ok {
		// Retransmission of a request already owned by a UAS transaction.
		if stx, ok := tx.(*sip.ServerTx); ok {
			_ = stx.Receive(req)
			c.touchTx(key, tx, "")
		}
		return
	}

	stx := sip.NewServerTx(key, req, conn, c.log, c.callID, c.cfg.Timers, c)
	stx.No100 = c.cfg.No100
	if err := stx.Init(); err != nil {
		c.log.Error("server transaction init failed", "error", err)
		return
	}
	c.touchTx(key, stx, "")
	c.runRoutePipeline(stx, req)
}

// handleIncomingCancel implements §4.3's CANCEL-matching rule: same
// branch and same source address, else "no matching transaction" (481).
func (c *Call) handleIncomingCancel(cancel *sip.Request, conn sip.Connection) {
	inviteKey, err := sip.ServerTxKeyMake(cancel)
	if err != nil {
		return
	}

	tx, ok := c.findTx(inviteKey)
	if !ok {
		resp := sip.NewResponseFromRequest(cancel, sip.StatusCallTransactionDoesNotExist, sip.ReasonOf(sip.StatusCallTransactionDoesNotExist), nil)
		_ = conn.WriteMsg(resp)
		return
	}

	stx, ok := tx.(*sip.ServerTx)
	if !ok {
		return
	}

	if cancel.Source() != stx.Origin().Source() {
		resp := sip.NewResponseFromRequest(cancel, sip.StatusCallTransactionDoesNotExist, sip.ReasonOf(sip.StatusCallTransactionDoesNotExist), nil)
		_ = conn.WriteMsg(resp)
		return
	}

	okResp := sip.NewResponseFromRequest(cancel, sip.StatusOK, sip.ReasonOf(sip.StatusOK), nil)
	_ = conn.WriteMsg(okResp)

	if c.cfg.Callbacks.Cancel != nil {
		c.cfg.Callbacks.Cancel(stx.Origin(), cancel, c)
	}

	if f := c.forkOwning(inviteKey); f != nil {
		c.cancelFork(f, "Request Terminated")
		return
	}

	terminated := sip.NewResponseFromRequest(stx.Origin(), sip.StatusRequestTerminated, sip.ReasonOf(sip.StatusRequestTerminated), nil)
	_ = stx.Respond(terminated)
}

// confirmDialog advances a dialog-forming INVITE's dialog into
// DialogConfirmed once its ACK arrives (§3 "Dialog" invite sub-state), and
// arms the session-refresh timer the confirmed state now owns (§4.6).
func (c *Call) confirmDialog(ack *sip.Request) {
	d, ok := c.dialogs[dialogIDFor(ack)]
	if !ok || d.State() != DialogAccepted {
		return
	}
	d.advance("confirm")
	c.armDialogRefresh(d)
}

func (c *Call) forkOwning(inviteKey string) *fork {
	if f, ok := c.forks[inviteKey]; ok {
		return f
	}
	return nil
}

func (c *Call) handleIncomingResponse(res *sip.Response) {
	key, err := sip.ClientTxKeyMake(res)
	if err != nil {
		c.log.Warn("cannot key incoming response", "error", err)
		return
	}
	tx, ok := c.findTx(key)
	if !ok {
		c.log.Debug("response matches no transaction, dropping", "status", res.StatusCode)
		return
	}
	ctx, ok := tx.(*sip.ClientTx)
	if !ok {
		return
	}
	c.touchTx(key, tx, "")
	ctx.Receive(res)

	// RFC 3261 9.1: a CANCEL deferred in handleSendCancel because the
	// transaction was still in "calling" can now go out if this response
	// is provisional; a final response ends the INVITE first, so the
	// deferred CANCEL is dropped instead.
	if c.pendingCancels[key] {
		delete(c.pendingCancels, key)
		if res.IsProvisional() {
			c.sendCancel(ctx, "")
		}
	}

	if f, owned := c.forkForBranch(key); owned {
		c.handleForkResponse(f, key, res)
	}
}

func (c *Call) forkForBranch(branchKey string) (*fork, bool) {
	for id, f := range c.forks {
		if _, ok := f.launched[branchKey]; ok {
			return f, true
		}
		_ = id
	}
	return nil, false
}

// handleSendRequest originates a brand new UAC transaction (§4.2
// "Stateless UAC" note: Stateless requests are written directly without
// entering the transaction table).
func (c *Call) handleSendRequest(it SendRequest) {
	if it.Req.Via() == nil {
		it.Req.AppendHeader(&sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       it.Req.Transport(),
			Params:          sip.NewParams(),
		})
	}
	if via := it.Req.Via(); via != nil {
		if _, ok := via.Params.Get("branch"); !ok {
			via.Params.Add("branch", sip.GenerateBranch())
		}
	}

	if it.Stateless {
		if err := c.cfg.Conn.WriteMsg(it.Req); err != nil {
			c.log.Error("stateless send failed", "error", err)
		}
		return
	}

	key, err := sip.ClientTxKeyMake(it.Req)
	if err != nil {
		c.log.Warn("cannot key outgoing request", "error", err)
		return
	}
	ctx := sip.NewClientTx(key, it.Req, c.cfg.Conn, c.log, c.callID, c.cfg.Timers, c)
	if err := ctx.Init(); err != nil {
		c.log.Error("client transaction init failed", "error", err)
		return
	}
	c.touchTx(key, ctx, "")

	if it.ResultChan != nil {
		go func() {
			for res := range ctx.Responses() {
				it.ResultChan <- res
				if res.IsSuccess() || res.IsRedirection() || res.IsClientError() || res.IsServerError() || res.IsGlobalError() {
					close(it.ResultChan)
					return
				}
			}
		}()
	}
}

// handleSendInDialog implements §4.6 "In-dialog requests set RURI from
// the remote target, and Route from the stored route set", plus strict
// CSeq enforcement on the local side.
func (c *Call) handleSendInDialog(it SendInDialog) {
	d, ok := c.dialogs[it.DialogID]
	if !ok {
		c.log.Warn("send-in-dialog: unknown dialog", "dialog", it.DialogID)
		return
	}

	it.Req.Recipient = d.remoteURI
	for i := len(d.routeSet) - 1; i >= 0; i-- {
		it.Req.AppendHeader(&sip.RouteHeader{Address: d.routeSet[i]})
	}
	if it.Req.Method != sip.ACK {
		it.Req.AppendHeader(&sip.CSeqHeader{SeqNo: d.nextLocalCSeq(), MethodName: it.Req.Method})
	}
	d.touch()

	c.handleSendRequest(SendRequest{Req: it.Req, ResultChan: it.ResultChan})
}

// handleSendCancel implements §4.2 "CANCEL: from the UAC side": a CANCEL
// can only go out once the INVITE transaction has left "calling" (RFC 3261
// 9.1); until then it's deferred and sent as soon as a provisional
// response arrives.
func (c *Call) handleSendCancel(it SendCancel) {
	tx, ok := c.findTx(it.TxKey)
	if !ok {
		return
	}
	ctx, ok := tx.(*sip.ClientTx)
	if !ok {
		return
	}

	switch ctx.StateName() {
	case sip.StateInviteProceeding:
		c.sendCancel(ctx, "")
	case sip.StateInviteCalling:
		c.pendingCancels[it.TxKey] = true
	default:
		// A final response already arrived (or the transaction is gone);
		// RFC 3261 9.1 only defines CANCEL's effect before that point.
	}
}

// sendCancel writes the CANCEL for ctx's origin request, built per RFC
// 3261 9.1 to carry the same branch/Call-ID/From/To/CSeq as the request
// being cancelled. reason, if non-empty, is attached as a Reason header
// (used by fork cancellation to explain why siblings are being dropped).
func (c *Call) sendCancel(ctx *sip.ClientTx, reason string) {
	cancelReq := sip.NewCancelRequest(ctx.Origin())
	if reason != "" {
		cancelReq.AppendHeader(sip.NewReasonHeader(sip.StatusRequestTerminated, reason))
	}
	if err := c.cfg.Conn.WriteMsg(cancelReq); err != nil {
		c.log.Warn("send cancel failed", "error", err, "tx", ctx.Key())
	}
}

func (c *Call) handleSendReply(it SendReply) {
	tx, ok := c.findTx(it.TxKey)
	if !ok {
		return
	}
	stx, ok := tx.(*sip.ServerTx)
	if !ok {
		return
	}
	if err := stx.Respond(it.Res); err != nil {
		c.log.Error("send reply failed", "error", err, "tx", it.TxKey)
	}
}
