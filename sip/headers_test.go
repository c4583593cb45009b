package sip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRemoveHeaderClearsTypedAccessor(t *testing.T) {
	req := NewRequest(INVITE, Uri{Host: "example.com"})
	req.AppendHeader(&RouteHeader{Address: Uri{Host: "proxy1.example.com"}})
	assert.NotNil(t, req.Route())

	req.RemoveHeader("Route")
	assert.Nil(t, req.Route())
}

func TestAppendHeaderThenRemoveKeepsRemainingOccurrence(t *testing.T) {
	req := NewRequest(INVITE, Uri{Host: "example.com"})
	r1 := &RouteHeader{Address: Uri{Host: "p1.example.com"}}
	req.AppendHeader(r1)
	req.AppendHeader(&RouteHeader{Address: Uri{Host: "p2.example.com"}})
	req.RemoveHeader("Route")

	got := req.Route()
	assert.Equal(t, "p2.example.com", got.Address.Host)
}

func TestReplaceHeaderUpdatesTypedAccessor(t *testing.T) {
	req := NewRequest(INVITE, Uri{Host: "example.com"})
	req.AppendHeader(&RouteHeader{Address: Uri{Host: "p1.example.com"}})
	req.ReplaceHeader(&RouteHeader{Address: Uri{Host: "p2.example.com"}})

	assert.Equal(t, "p2.example.com", req.Route().Address.Host)
	assert.Len(t, req.Headers(), 1)
}
