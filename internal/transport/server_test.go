package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

const testMaxFrame = 512_000

func testIdentity(t *testing.T, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(uuid.NewString(), name)
	require.NoError(t, err)
	return id
}

// readUntil skips unrelated frames (the QUIC dial path sends an initial
// keep-alive) until the wanted payload arrives.
func readUntil(t *testing.T, ctx context.Context, conn Connection, want []byte) {
	t.Helper()
	for i := 0; i < 5; i++ {
		got, err := conn.ReadMessage(ctx)
		require.NoError(t, err)
		if bytes.Equal(got, want) {
			return
		}
	}
	t.Fatalf("payload %s never arrived", want)
}

func TestRebindKeepsEstablishedConnections(t *testing.T) {
	backends := map[string]Backend{
		"websocket": WebSocketBackend{},
		"quic":      NewQUICBackend(),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			serverID := testIdentity(t, "monitor")
			clientID := testIdentity(t, "remote")

			trustStore := trust.NewStore()
			trustStore.Add(trust.Peer{DeviceID: clientID.DeviceID, Fingerprint: clientID.Fingerprint})

			srv := NewServer(backend, "127.0.0.1:0", serverID, trustStore, testMaxFrame)
			require.NoError(t, srv.Start())
			defer srv.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			client, err := backend.Dial(ctx, DialOptions{
				Endpoint:      srv.Addr().String(),
				Identity:      clientID,
				MaxFrameBytes: testMaxFrame,
			})
			require.NoError(t, err)
			defer client.Close("test done")

			var serverConn Connection
			select {
			case serverConn = <-srv.Connections():
			case <-ctx.Done():
				t.Fatal("connection was not accepted")
			}
			assert.True(t, serverConn.Trusted())

			// a trust mutation swaps the listener generation; the
			// established connection must survive in both directions
			require.NoError(t, srv.Rebind())
			assert.Equal(t, 2, srv.Generation())

			fromClient := []byte(`{"type":"ping","nonce":"after-rebind"}`)
			require.NoError(t, client.Send(ctx, fromClient))
			readUntil(t, ctx, serverConn, fromClient)

			fromServer := []byte(`{"type":"pong","nonce":"after-rebind"}`)
			require.NoError(t, serverConn.Send(ctx, fromServer))
			readUntil(t, ctx, client, fromServer)
		})
	}
}

func TestHandleTrustChange(t *testing.T) {
	serverID := testIdentity(t, "monitor")
	trustStore := trust.NewStore()

	srv := NewServer(WebSocketBackend{}, "127.0.0.1:0", serverID, trustStore, testMaxFrame)
	require.NoError(t, srv.Start())
	defer srv.Close()
	require.Equal(t, 1, srv.Generation())

	t.Run("membership change rebinds", func(t *testing.T) {
		peer := trust.Peer{DeviceID: "remote-1", Fingerprint: "fp-1"}
		require.NoError(t, srv.HandleTrustChange(trust.Change{Kind: trust.PeerAdded, Peer: peer}))
		assert.Equal(t, 2, srv.Generation())

		require.NoError(t, srv.HandleTrustChange(trust.Change{Kind: trust.PeerRemoved, Peer: peer}))
		assert.Equal(t, 3, srv.Generation())
	})

	t.Run("push token rotation keeps the generation", func(t *testing.T) {
		peer := trust.Peer{DeviceID: "remote-1", Fingerprint: "fp-1", PushToken: "rotated"}
		require.NoError(t, srv.HandleTrustChange(trust.Change{Kind: trust.PeerUpdated, Peer: peer}))
		assert.Equal(t, 3, srv.Generation())
	})
}

func TestRebindAcceptsOnNewGeneration(t *testing.T) {
	serverID := testIdentity(t, "monitor")
	clientID := testIdentity(t, "remote")

	trustStore := trust.NewStore()
	backend := NewQUICBackend()

	srv := NewServer(backend, "127.0.0.1:0", serverID, trustStore, testMaxFrame)
	require.NoError(t, srv.Start())
	defer srv.Close()

	// peer becomes trusted only after the rebind freezes a new snapshot
	trustStore.Add(trust.Peer{DeviceID: clientID.DeviceID, Fingerprint: clientID.Fingerprint})
	require.NoError(t, srv.Rebind())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := backend.Dial(ctx, DialOptions{
		Endpoint:      srv.Addr().String(),
		Identity:      clientID,
		MaxFrameBytes: testMaxFrame,
	})
	require.NoError(t, err)
	defer client.Close("test done")

	select {
	case conn := <-srv.Connections():
		assert.True(t, conn.Trusted())
		assert.Equal(t, clientID.Fingerprint, conn.PeerFingerprint())
	case <-ctx.Done():
		t.Fatal("connection was not accepted after rebind")
	}
}
