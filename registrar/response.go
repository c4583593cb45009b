package registrar

import (
	"strconv"
	"time"

	"github.com/sipstack/sipstack/sip"
)

// AOR derives the canonical address-of-record key for req from its To
// header, the user@host form §4.7 keys bindings under.
func AOR(req *sip.Request) string {
	to := req.To()
	if to == nil {
		return ""
	}
	return to.Address.User + "@" + to.Address.Host
}

// Respond builds the final response for a processed REGISTER, attaching
// one Contact per live binding with its remaining expires (§4.7) and
// Require: outbound when the registration requires it.
func Respond(req *sip.Request, result Result, now time.Time) *sip.Response {
	if result.Code != sip.StatusOK {
		reason := result.Reason
		if reason == "" {
			reason = sip.ReasonOf(result.Code)
		}
		return sip.NewResponseFromRequest(req, result.Code, reason, nil)
	}

	resp := sip.NewResponseFromRequest(req, sip.StatusOK, sip.ReasonOf(sip.StatusOK), nil)
	for _, b := range result.Bindings {
		remaining := int(b.Expires.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		contact := &sip.ContactHeader{Address: b.Contact, Params: sip.NewParams()}
		contact.Params.Add("expires", strconv.Itoa(remaining))
		resp.AppendHeader(contact)
	}
	if result.RequireOutbound {
		resp.AppendHeader(sip.NewHeader("Require", "outbound"))
	}
	return resp
}
