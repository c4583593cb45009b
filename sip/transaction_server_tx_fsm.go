package sip

// Server INVITE transaction state machine, RFC 3261 17.2.1, plus the
// RFC 6026 "Accepted" state for a 2xx response's retransmission window.
func (tx *ServerTx) inviteStateProcceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.goTo(tx.inviteStateProcceeding, stateServerInviteProceeding)
		spinfn = tx.actRespond
	case server_input_cancel:
		tx.goTo(tx.inviteStateProcceeding, stateServerInviteProceeding)
		spinfn = tx.actCancel
	case server_input_user_1xx:
		tx.goTo(tx.inviteStateProcceeding, stateServerInviteProceeding)
		spinfn = tx.actRespond
	case server_input_user_2xx:
		// https://www.rfc-editor.org/rfc/rfc6026#section-7.1
		tx.goTo(tx.inviteStateAccepted, stateServerInviteAccepted)
		spinfn = tx.actRespondAccept
	case server_input_user_300_plus:
		tx.goTo(tx.inviteStateCompleted, stateServerInviteCompleted)
		spinfn = tx.actRespondComplete
	case server_input_transport_err:
		tx.goTo(tx.inviteStateTerminated, stateServerInviteTerminated)
		spinfn = tx.actTransErr
	default:
		return FsmInputNone
	}

	return spinfn()
}

func (tx *ServerTx) inviteStateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.goTo(tx.inviteStateCompleted, stateServerInviteCompleted)
		spinfn = tx.actRespond
	case server_input_ack:
		tx.goTo(tx.inviteStateConfirmed, stateServerInviteConfirmed)
		spinfn = tx.actConfirm
	case server_input_timer_g:
		tx.goTo(tx.inviteStateCompleted, stateServerInviteCompleted)
		spinfn = tx.actRespondComplete
	case server_input_timer_h:
		tx.goTo(tx.inviteStateTerminated, stateServerInviteTerminated)
		spinfn = tx.actDelete
	case server_input_transport_err:
		tx.goTo(tx.inviteStateTerminated, stateServerInviteTerminated)
		spinfn = tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}

	return spinfn()
}

func (tx *ServerTx) inviteStateConfirmed(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_timer_i:
		tx.goTo(tx.inviteStateTerminated, stateServerInviteTerminated)
		spinfn = tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateAccepted(s fsmInput) fsmInput {
	// https://www.rfc-editor.org/rfc/rfc6026#section-7.1
	var spinfn fsmState
	switch s {
	case server_input_ack:
		tx.goTo(tx.inviteStateAccepted, stateServerInviteAccepted)
		spinfn = tx.actPassupAck
	case server_input_user_2xx:
		// The server transaction MUST NOT generate 2xx retransmissions on its
		// own.  Any retransmission of the 2xx response passed from the TU to
		// the transaction while in the "Accepted" state MUST be passed to the
		// transport layer for transmission.
		tx.goTo(tx.inviteStateAccepted, stateServerInviteAccepted)
		spinfn = tx.actRespond
	case server_input_timer_l:
		tx.goTo(tx.inviteStateTerminated, stateServerInviteTerminated)
		spinfn = tx.actDelete
	default:
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) inviteStateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	// Terminated
	switch s {
	case server_input_delete:
		tx.goTo(tx.inviteStateTerminated, stateServerInviteTerminated)
		spinfn = tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Server non-INVITE transaction state machine, RFC 3261 17.2.2.
func (tx *ServerTx) stateTrying(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_user_1xx:
		tx.goTo(tx.stateProceeding, stateServerProceeding)
		spinfn = tx.actRespond
	case server_input_user_2xx:
		tx.goTo(tx.stateCompleted, stateServerCompleted)
		spinfn = tx.actFinal
	case server_input_user_300_plus:
		tx.goTo(tx.stateCompleted, stateServerCompleted)
		spinfn = tx.actFinal
	case server_input_transport_err:
		tx.goTo(tx.stateTerminated, stateServerTerminated)
		spinfn = tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Proceeding
func (tx *ServerTx) stateProceeding(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.goTo(tx.stateProceeding, stateServerProceeding)
		spinfn = tx.actRespond
	case server_input_user_1xx:
		tx.goTo(tx.stateProceeding, stateServerProceeding)
		spinfn = tx.actRespond
	case server_input_user_2xx:
		tx.goTo(tx.stateCompleted, stateServerCompleted)
		spinfn = tx.actFinal
	case server_input_user_300_plus:
		tx.goTo(tx.stateCompleted, stateServerCompleted)
		spinfn = tx.actFinal
	case server_input_transport_err:
		tx.goTo(tx.stateTerminated, stateServerTerminated)
		spinfn = tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Completed
func (tx *ServerTx) stateCompleted(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_request:
		tx.goTo(tx.stateCompleted, stateServerCompleted)
		spinfn = tx.actRespond
	case server_input_timer_j:
		tx.goTo(tx.stateTerminated, stateServerTerminated)
		spinfn = tx.actDelete
	case server_input_transport_err:
		tx.goTo(tx.stateTerminated, stateServerTerminated)
		spinfn = tx.actTransErr
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

// Terminated
func (tx *ServerTx) stateTerminated(s fsmInput) fsmInput {
	var spinfn fsmState
	switch s {
	case server_input_delete:
		tx.goTo(tx.stateTerminated, stateServerTerminated)
		spinfn = tx.actDelete
	default:
		// No changes
		return FsmInputNone
	}
	return spinfn()
}

func (tx *ServerTx) actRespond() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	return FsmInputNone
}

func (tx *ServerTx) actRespondComplete() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	if !tx.reliable {
		tx.timer_g_time *= 2
		if tx.timer_g_time > T2 {
			tx.timer_g_time = T2
		}
		tx.armTimer(timerTagG, tx.timer_g_time)
	}

	tx.armTimer(timerTagH, Timer_H)

	return FsmInputNone
}

func (tx *ServerTx) actRespondAccept() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	tx.armTimer(timerTagL, Timer_L)

	return FsmInputNone
}

func (tx *ServerTx) actPassupAck() fsmInput {
	tx.passAck()
	return FsmInputNone
}

// Send final response
func (tx *ServerTx) actFinal() fsmInput {
	if err := tx.passResp(); err != nil {
		return server_input_transport_err
	}

	// https://datatracker.ietf.org/doc/html/rfc3261#section-17.2.2
	//  When the server transaction enters the "Completed" state, it MUST set
	//    Timer J to fire in 64*T1 seconds for unreliable transports, and zero
	//    seconds for reliable transports.
	tx.armTimer(timerTagJ, tx.timer_j_time)

	return FsmInputNone
}

// Inform user of transport error
func (tx *ServerTx) actTransErr() fsmInput {
	tx.log.Debug("Transport error. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return server_input_delete
}

// Inform user of timeout fsmError
func (tx *ServerTx) actTimeout() fsmInput {
	tx.log.Debug("Timed out. Transaction will terminate", "fsmError", tx.fsmErr, "tx", tx.Key())
	return server_input_delete
}

// Just delete the transaction.
func (tx *ServerTx) actDelete() fsmInput {
	if tx.fsmErr == nil {
		tx.fsmErr = ErrTransactionTerminated
	}
	tx.delete(tx.fsmErr)
	return FsmInputNone
}

func (tx *ServerTx) actConfirm() fsmInput {
	tx.disarmTimer(timerTagG)
	tx.disarmTimer(timerTagH)

	// If transport is reliable this will be 0 and fire imediately
	tx.armTimer(timerTagI, tx.timer_i_time)

	tx.passAck()
	return FsmInputNone
}

func (tx *ServerTx) actCancel() fsmInput {
	r := tx.fsmCancel

	if r == nil {
		return FsmInputNone
	}

	tx.log.Debug("Passing 487 on CANCEL", "tx", tx.Key())
	tx.fsmResp = NewResponseFromRequest(tx.origin, StatusRequestTerminated, "Request Terminated", nil)
	tx.fsmErr = ErrTransactionCanceled // For now only informative

	// Check is there some listener on cancel
	tx.mu.Lock()
	onCancel := tx.onCancel
	tx.mu.Unlock()
	if onCancel != nil {
		onCancel(r)
	}

	return server_input_user_300_plus
}

func (tx *ServerTx) passAck() {
	r := tx.fsmAck
	if r == nil {
		return
	}

	tx.ackSendAsync(r)
}

func (tx *ServerTx) passResp() error {
	lastResp := tx.fsmResp

	if lastResp == nil {
		// We may have received multiple request but without any response
		// placed yet in transaction
		return nil
	}

	err := tx.conn.WriteMsg(lastResp)
	if err != nil {
		tx.log.Debug("fail to pass response", "error", err, "res", lastResp.StartLine(), "tx", tx.Key())
		tx.fsmErr = wrapTransportError(err)
		return err
	}
	return nil
}
