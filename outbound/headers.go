package outbound

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sipstack/sipstack/sip"
)

// LocalAddr describes the host application's listener used to build the
// host/port portion of a synthesized Path/Record-Route/Contact URI.
type LocalAddr struct {
	Host      string
	Port      int
	Transport string
}

func (a LocalAddr) uri(user string) sip.Uri {
	u := sip.Uri{
		User: user,
		Host: a.Host,
		Port: a.Port,
	}
	if a.Transport != "" && !strings.EqualFold(a.Transport, "UDP") {
		u.UriParams = sip.NewParams()
		u.UriParams.Add("transport", strings.ToLower(a.Transport))
	}
	return u
}

// BuildPath synthesizes a Path header for a REGISTER request traversing this
// node, carrying the inbound flow token so future requests can be routed
// back down the same connection (§4.7 "Header synthesis": "REGISTER
// requests get a Path header... lr always set, plus ob when the request was
// itself flow-annotated").
func BuildPath(local LocalAddr, handle sip.ConnHandle, outboundCapable bool) sip.Header {
	u := local.uri(EncodeFlow(handle))
	u.UriParams.Add("lr", "")
	if outboundCapable {
		u.UriParams.Add("ob", "")
	}
	return sip.NewHeader("Path", "<"+u.String()+">")
}

// BuildRecordRoute synthesizes a Record-Route header for a dialog-forming or
// subscription request (INVITE/SUBSCRIBE/NOTIFY/REFER), pinning the flow the
// request arrived on so in-dialog requests return through the same
// connection (§4.7, §4.6 "route set").
func BuildRecordRoute(local LocalAddr, handle sip.ConnHandle, outboundCapable bool) *sip.RecordRouteHeader {
	u := local.uri(EncodeFlow(handle))
	u.UriParams.Add("lr", "")
	if outboundCapable {
		u.UriParams.Add("ob", "")
	}
	return &sip.RecordRouteHeader{Address: u}
}

// RecordRoutes reports whether method should carry a Record-Route per §4.7's
// method table (REGISTER goes through BuildPath instead).
func RecordRoutes(method sip.RequestMethod) bool {
	switch method {
	case sip.INVITE, sip.SUBSCRIBE, sip.NOTIFY, sip.REFER:
		return true
	default:
		return false
	}
}

// NewInstanceID generates a fresh +sip.instance value for a Contact built
// from scratch, per §4.7's "a UA registering for the first time mints a
// +sip.instance UUID URN". The renderer quotes the value itself since it
// contains ABNF-reserved characters ('<', '>', ':'); callers must not add
// their own quotes.
func NewInstanceID() string {
	return `<urn:uuid:` + uuid.NewString() + `>`
}

// ContactTagOpts selects outbound's Contact parameters for a header: the
// "ob" option-tag (RFC 5626 §3.1) for a dialog-forming or outbound-
// negotiating request, and reg-id/+sip.instance for a REGISTER (§4.7
// "Contact tagging").
type ContactTagOpts struct {
	// Ob marks this Contact as outbound-capable (registrations that
	// succeeded through the outbound mechanism, or requests sent on a
	// flow the UA wants reused).
	Ob bool
	// RegID is the non-zero registration-id for a REGISTER that is
	// registering an additional flow for the same instance (RFC 5626
	// §4.2); 0 means omit the param.
	RegID int
	// InstanceID is the +sip.instance value (including its own quoting),
	// typically produced by NewInstanceID and persisted across restarts.
	InstanceID string
}

func TagContact(c *sip.ContactHeader, opts ContactTagOpts) {
	if c.Params.Length() == 0 {
		c.Params = sip.NewParams()
	}
	if opts.Ob {
		c.Params.Add("ob", "")
	}
	if opts.RegID > 0 {
		c.Params.Add("reg-id", itoa(opts.RegID))
	}
	if opts.InstanceID != "" {
		c.Params.Add("+sip.instance", opts.InstanceID)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
