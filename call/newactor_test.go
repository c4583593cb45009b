package call_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipstack/sipstack/call"
	"github.com/sipstack/sipstack/router"
)

func TestNewActorSatisfiesActorFactory(t *testing.T) {
	var factory router.ActorFactory = call.NewActor
	conn := newFakeConn()

	actor, err := factory("svc", "call-factory-1", call.Config{Conn: conn})
	require.NoError(t, err)
	require.NotNil(t, actor)

	assert.NoError(t, actor.Deliver(call.Info{Note: "hi"}))
	require.NoError(t, actor.Deliver(call.Crash{Reason: assert.AnError}))
	<-actor.Stopped()
}

func TestNewActorRejectsWrongConfigType(t *testing.T) {
	_, err := call.NewActor("svc", "call-factory-2", "not-a-config")
	assert.Error(t, err)
}
