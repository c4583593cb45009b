package registrar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/registrar"
	"github.com/sipstack/sipstack/sip"
)

func TestAORFromToHeader(t *testing.T) {
	req := baseRegister(t)
	assert.Equal(t, "alice@example.com", registrar.AOR(req))
}

func TestRespondOKCarriesContactPerBinding(t *testing.T) {
	store := registrar.NewStore()
	req := baseRegister(t)
	contact := &sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "10.0.0.5", Port: 5060}, Params: sip.NewParams()}
	contact.Params.Add("expires", "3600")
	req.AppendHeader(contact)

	now := time.Unix(1000, 0)
	result := registrar.Process(store, "alice@example.com", req, sip.ConnHandle{Index: 1, Generation: 1}, now)
	require.Equal(t, sip.StatusOK, result.Code)

	resp := registrar.Respond(req, result, now)
	assert.Equal(t, sip.StatusOK, resp.StatusCode)
	require.NotNil(t, resp.Contact())
	assert.Equal(t, "10.0.0.5", resp.Contact().Address.Host)
}

func TestRespondErrorCodeCarriesNoContact(t *testing.T) {
	req := baseRegister(t)
	resp := registrar.Respond(req, registrar.Result{Code: sip.StatusBadRequest}, time.Unix(0, 0))
	assert.Equal(t, sip.StatusBadRequest, resp.StatusCode)
	assert.Nil(t, resp.Contact())
}
