package websocket

import (
	"context"
	"testing"

	"github.com/centrifugal/centrifuge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnConnectingRequiresCredentials(t *testing.T) {
	connecting := onConnecting("demo")

	_, err := connecting(context.Background(), centrifuge.ConnectEvent{})
	assert.ErrorIs(t, err, centrifuge.DisconnectServerError)
}

func TestOnConnectingSubscribesPreviewChannel(t *testing.T) {
	connecting := onConnecting("demo")
	ctx := centrifuge.SetCredentials(context.Background(), &centrifuge.Credentials{UserID: "preview"})

	reply, err := connecting(ctx, centrifuge.ConnectEvent{})
	require.NoError(t, err)

	require.Contains(t, reply.Subscriptions, "surface:demo")
	assert.True(t, reply.Subscriptions["surface:demo"].EmitPresence)
	assert.Len(t, reply.Subscriptions, 1)
}

func TestCentrifugeLevel(t *testing.T) {
	assert.Equal(t, centrifuge.LogLevelDebug, centrifugeLevel("debug"))
	assert.Equal(t, centrifuge.LogLevelWarn, centrifugeLevel("WARN"))
	assert.Equal(t, centrifuge.LogLevelError, centrifugeLevel("error"))
	assert.Equal(t, centrifuge.LogLevelInfo, centrifugeLevel("chatty"))
}
