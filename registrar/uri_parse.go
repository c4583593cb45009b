package registrar

import (
	"strconv"
	"strings"

	"github.com/sipstack/sipstack/sip"
)

// parseURI does minimal parsing of a "sip:user@host:port;p=v;p2=v2" string
// as found inside a Path/Route header's angle brackets. The sip package
// builds messages programmatically and has no wire parser of its own; this
// covers the one case the registrar needs, header values it already holds
// as plain strings.
func parseURI(raw string) (sip.Uri, bool) {
	raw = strings.TrimSpace(raw)
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return sip.Uri{}, false
	}

	var u sip.Uri
	switch strings.ToLower(scheme) {
	case "sip":
	case "sips":
		u.Encrypted = true
	default:
		return sip.Uri{}, false
	}

	hostpart := rest
	if semi := strings.IndexByte(rest, ';'); semi >= 0 {
		hostpart = rest[:semi]
		u.UriParams = parseParams(rest[semi+1:])
	} else {
		u.UriParams = sip.NewParams()
	}

	if at := strings.LastIndexByte(hostpart, '@'); at >= 0 {
		u.User = hostpart[:at]
		hostpart = hostpart[at+1:]
	}

	if strings.HasPrefix(hostpart, "[") {
		if end := strings.IndexByte(hostpart, ']'); end >= 0 {
			u.Host = hostpart[:end+1]
			hostpart = hostpart[end+1:]
			if strings.HasPrefix(hostpart, ":") {
				if p, err := strconv.Atoi(hostpart[1:]); err == nil {
					u.Port = p
				}
			}
			return u, true
		}
	}

	if colon := strings.LastIndexByte(hostpart, ':'); colon >= 0 {
		u.Host = hostpart[:colon]
		if p, err := strconv.Atoi(hostpart[colon+1:]); err == nil {
			u.Port = p
		}
	} else {
		u.Host = hostpart
	}

	return u, true
}

func parseParams(s string) sip.HeaderParams {
	params := sip.NewParams()
	for _, piece := range strings.Split(s, ";") {
		if piece == "" {
			continue
		}
		k, v, _ := strings.Cut(piece, "=")
		params.Add(strings.TrimSpace(k), strings.TrimSpace(v))
	}
	return params
}
