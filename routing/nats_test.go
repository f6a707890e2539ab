package routing

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeReturnRoute(t *testing.T) {
	data, err := encodeEnvelope("node-a", Message{
		OnwardRoute: NewRoute("listener"),
		ReturnRoute: NewRoute("decryptor"),
		Payload:     []byte("m1"),
		LocalInfo:   []LocalInfo{{Key: "secret", Value: []byte("x")}},
	})
	require.NoError(t, err)

	msg, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, Route{"listener"}, msg.OnwardRoute)
	assert.Equal(t, Route{"nats#node-a", "decryptor"}, msg.ReturnRoute)
	assert.Equal(t, []byte("m1"), msg.Payload)
	assert.Empty(t, msg.LocalInfo, "local info must not cross the wire")
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope([]byte{0xff, 0x00})
	assert.Error(t, err)

	data, err := encodeEnvelope("", Message{OnwardRoute: NewRoute("x")})
	require.NoError(t, err)
	_, err = decodeEnvelope(data)
	assert.Error(t, err)
}

// TestNATSTransportRoundTrip needs a running server; set SECHANNEL_NATS_URL
// to run it.
func TestNATSTransportRoundTrip(t *testing.T) {
	url := os.Getenv("SECHANNEL_NATS_URL")
	if url == "" {
		t.Skip("SECHANNEL_NATS_URL not set")
	}

	connA, err := ConnectNATS(NATSOptions{URL: url, Name: "a", ReconnectWait: time.Second, MaxReconnects: 1})
	require.NoError(t, err)
	defer connA.Close()
	connB, err := ConnectNATS(NATSOptions{URL: url, Name: "b", ReconnectWait: time.Second, MaxReconnects: 1})
	require.NoError(t, err)
	defer connB.Close()

	nodeA, nodeB := NewNode("a"), NewNode("b")
	defer nodeA.Close()
	defer nodeB.Close()

	subjectA := "sechannel.test.a." + string(RandomAddress())
	subjectB := "sechannel.test.b." + string(RandomAddress())
	ta, err := NewNATSTransport(nodeA, connA, subjectA)
	require.NoError(t, err)
	defer ta.Close()
	tb, err := NewNATSTransport(nodeB, connB, subjectB)
	require.NoError(t, err)
	defer tb.Close()

	c := newCollector()
	require.NoError(t, nodeB.Register("echo", c))
	require.NoError(t, connA.Flush())
	require.NoError(t, connB.Flush())

	require.NoError(t, nodeA.SendFrom(context.Background(), "app", NewRoute(tb.Address(), "echo"), []byte("ping")))

	d := c.wait(t)
	assert.Equal(t, []byte("ping"), d.Message.Payload)
	assert.Equal(t, Route{ta.Address(), "app"}, d.Message.ReturnRoute)
}
