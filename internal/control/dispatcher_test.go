package control

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cribcall/monitor-server-go/internal/channel"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/pairing"
	"github.com/cribcall/monitor-server-go/internal/protocol"
	"github.com/cribcall/monitor-server-go/internal/settings"
	"github.com/cribcall/monitor-server-go/internal/subscription"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

type stubConn struct {
	fp      string
	trusted atomic.Bool

	inbound chan []byte
	done    chan struct{}
	once    sync.Once

	mu   sync.Mutex
	sent chan []byte
}

func newStubConn(fp string, trusted bool) *stubConn {
	c := &stubConn{
		fp:      fp,
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
		sent:    make(chan []byte, 16),
	}
	c.trusted.Store(trusted)
	return c
}

func (c *stubConn) ID() string              { return "conn-test" }
func (c *stubConn) PeerFingerprint() string { return c.fp }
func (c *stubConn) RemoteAddr() net.Addr    { return &net.TCPAddr{} }
func (c *stubConn) Trusted() bool           { return c.trusted.Load() }
func (c *stubConn) Elevate()                { c.trusted.Store(true) }

func (c *stubConn) Send(_ context.Context, payload []byte) error {
	c.sent <- payload
	return nil
}

func (c *stubConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case p := <-c.inbound:
		return p, nil
	case <-c.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *stubConn) Close(string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *stubConn) feed(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *stubConn) nextReply(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case payload := <-c.sent:
		msg, err := protocol.Decode(payload)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no reply on connection")
		return nil
	}
}

type fixture struct {
	dispatcher *Dispatcher
	engine     *pairing.Engine
	trust      *trust.Store
	subs       *subscription.Registry
	settings   *settings.Store
	identity   *identity.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	id, err := identity.Generate("monitor-1", "Nursery Monitor")
	require.NoError(t, err)

	trustStore := trust.NewStore()
	subs := subscription.NewRegistry()
	settingsStore := settings.NewStore(settings.Snapshot{
		MonitorName:     "Nursery",
		NoiseThreshold:  60,
		CooldownSeconds: 30,
	})
	engine := pairing.NewEngine(id, trustStore)
	d := NewDispatcher(engine, trustStore, subs, settingsStore, Hooks{})

	return &fixture{
		dispatcher: d,
		engine:     engine,
		trust:      trustStore,
		subs:       subs,
		settings:   settingsStore,
		identity:   id,
	}
}

func startChannel(t *testing.T, f *fixture, conn *stubConn) *channel.Channel {
	t.Helper()
	ch := channel.New(conn, f.dispatcher.Handle)
	ch.Start()
	t.Cleanup(ch.Dispose)
	return ch
}

func TestKeepAlive(t *testing.T) {
	t.Run("ping is answered with a pong echoing the nonce", func(t *testing.T) {
		f := newFixture(t)
		conn := newStubConn("fp-a", true)
		startChannel(t, f, conn)

		conn.feed(t, protocol.Ping{Type: protocol.TypePing, Nonce: 42})

		pong, ok := conn.nextReply(t).(protocol.Pong)
		require.True(t, ok)
		assert.Equal(t, int64(42), pong.Nonce)
	})

	t.Run("ping works before trust", func(t *testing.T) {
		f := newFixture(t)
		conn := newStubConn("fp-a", false)
		startChannel(t, f, conn)

		conn.feed(t, protocol.Ping{Type: protocol.TypePing, Nonce: 7})

		pong, ok := conn.nextReply(t).(protocol.Pong)
		require.True(t, ok)
		assert.Equal(t, int64(7), pong.Nonce)
	})
}

func TestPushTokenUpdate(t *testing.T) {
	t.Run("rotates the trust store token and the live subscription", func(t *testing.T) {
		f := newFixture(t)
		f.trust.Add(trust.Peer{DeviceID: "dev-a", Fingerprint: "fp-a", PushToken: "old"})
		_, err := f.subs.Subscribe(subscription.SubscribeRequest{
			Fingerprint:   "fp-a",
			DeliveryToken: "old",
		})
		require.NoError(t, err)

		conn := newStubConn("fp-a", true)
		startChannel(t, f, conn)
		conn.feed(t, protocol.PushTokenUpdate{Type: protocol.TypePushTokenUpdate, Token: "new", Platform: "ios"})

		require.Eventually(t, func() bool {
			peer, _ := f.trust.Get("fp-a")
			return peer.PushToken == "new"
		}, 2*time.Second, 10*time.Millisecond)

		sub, ok := f.subs.Get("fp-a")
		require.True(t, ok)
		assert.Equal(t, "new", sub.DeliveryToken)
		assert.Equal(t, "ios", sub.Platform)
	})

	t.Run("unknown peer is ignored", func(t *testing.T) {
		f := newFixture(t)
		conn := newStubConn("fp-unknown", true)
		startChannel(t, f, conn)

		conn.feed(t, protocol.PushTokenUpdate{Type: protocol.TypePushTokenUpdate, Token: "tok"})
		conn.feed(t, protocol.Ping{Type: protocol.TypePing})
		conn.nextReply(t) // pong, proving the update was processed first

		assert.False(t, f.trust.IsTrusted("fp-unknown"))
	})
}

func TestSettingsOverChannel(t *testing.T) {
	t.Run("get returns the snapshot", func(t *testing.T) {
		f := newFixture(t)
		conn := newStubConn("fp-a", true)
		startChannel(t, f, conn)

		conn.feed(t, protocol.SettingsGet{Type: protocol.TypeSettingsGet})

		state, ok := conn.nextReply(t).(protocol.SettingsState)
		require.True(t, ok)
		assert.Equal(t, "Nursery", state.MonitorName)
		assert.Equal(t, 60.0, state.NoiseThreshold)
	})

	t.Run("update applies and answers with the new state", func(t *testing.T) {
		f := newFixture(t)
		conn := newStubConn("fp-a", true)
		startChannel(t, f, conn)

		threshold := 80.0
		conn.feed(t, protocol.SettingsUpdate{Type: protocol.TypeSettingsUpdate, NoiseThreshold: &threshold})

		state, ok := conn.nextReply(t).(protocol.SettingsState)
		require.True(t, ok)
		assert.Equal(t, 80.0, state.NoiseThreshold)
		assert.Equal(t, 80.0, f.settings.Get().NoiseThreshold)
	})
}

func TestMediaHooks(t *testing.T) {
	t.Run("stream and webrtc messages reach the hooks", func(t *testing.T) {
		f := newFixture(t)
		got := make(chan protocol.Type, 4)
		f.dispatcher.hooks = Hooks{
			OnStreamStart:  func(_ *channel.Channel, m protocol.StreamStart) { got <- m.MessageType() },
			OnWebRTCSignal: func(_ *channel.Channel, m protocol.WebRTCSignal) { got <- m.MessageType() },
		}

		conn := newStubConn("fp-a", true)
		startChannel(t, f, conn)

		conn.feed(t, protocol.StreamStart{Type: protocol.TypeStreamStart, StreamType: "audio"})
		conn.feed(t, protocol.WebRTCSignal{Type: protocol.TypeWebRTCOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)})

		assert.Equal(t, protocol.TypeStreamStart, <-got)
		assert.Equal(t, protocol.TypeWebRTCOffer, <-got)
	})
}

func TestPairingOverChannel(t *testing.T) {
	pairRequest := func(t *testing.T, op string, payload any) protocol.PairRequest {
		t.Helper()
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		return protocol.PairRequest{Type: protocol.TypePairRequest, Op: op, Payload: data}
	}

	t.Run("full numeric comparison flow elevates the connection", func(t *testing.T) {
		f := newFixture(t)
		remote, err := identity.Generate("remote-1", "Parent Phone")
		require.NoError(t, err)

		remoteKey, err := remote.PublicKeyDER()
		require.NoError(t, err)

		conn := newStubConn(remote.Fingerprint, false)
		startChannel(t, f, conn)

		conn.feed(t, pairRequest(t, "init", pairing.InitWireRequest{
			RemoteDeviceID:  "remote-1",
			RemoteName:      "Parent Phone",
			RemotePublicKey: remoteKey,
			RemoteCert:      remote.CertificateDER,
		}))

		initReply, ok := conn.nextReply(t).(protocol.PairResponse)
		require.True(t, ok)
		var initResp pairing.InitWireResponse
		require.NoError(t, json.Unmarshal(initReply.Payload, &initResp))
		require.NotEmpty(t, initResp.PairingSessionID)

		// monitor user approves the comparison code
		require.NoError(t, f.engine.SetDecision(initResp.PairingSessionID, true))

		// remote derives the same pairing key and signs the transcript
		monitorKey, err := identity.ParsePublicKeyDER(initResp.MonitorPublicKey)
		require.NoError(t, err)
		derived, err := pairing.Derive(remote.PrivateKey, monitorKey)
		require.NoError(t, err)

		transcript := pairing.Transcript{
			SessionID:             initResp.PairingSessionID,
			RemoteDeviceID:        "remote-1",
			RemoteCertFingerprint: remote.Fingerprint,
			HostCertFingerprint:   f.identity.Fingerprint,
		}
		tag, err := pairing.AuthTag(derived.PairingKey, transcript)
		require.NoError(t, err)

		conn.feed(t, pairRequest(t, "confirm", pairing.ConfirmWireRequest{
			SessionID:  initResp.PairingSessionID,
			Transcript: transcript,
			AuthTag:    tag,
		}))

		confirmReply, ok := conn.nextReply(t).(protocol.PairResponse)
		require.True(t, ok)
		var confirmResp pairing.ConfirmWireResponse
		require.NoError(t, json.Unmarshal(confirmReply.Payload, &confirmResp))
		assert.Equal(t, pairing.StatusAccepted, confirmResp.Status)
		assert.Equal(t, f.identity.Fingerprint, confirmResp.CertFingerprint)

		cert, err := x509.ParseCertificate(confirmResp.CertificateDER)
		require.NoError(t, err)
		assert.NotNil(t, cert)

		assert.True(t, f.trust.IsTrusted(remote.Fingerprint))
		assert.True(t, conn.Trusted())

		// a non-pairing message now succeeds on the same connection
		conn.feed(t, protocol.SettingsGet{Type: protocol.TypeSettingsGet})
		_, ok = conn.nextReply(t).(protocol.SettingsState)
		assert.True(t, ok)
	})

	t.Run("token redemption elevates the connection", func(t *testing.T) {
		f := newFixture(t)
		remote, err := identity.Generate("remote-2", "Grandma Tablet")
		require.NoError(t, err)

		token, _, err := f.engine.GenerateToken()
		require.NoError(t, err)

		conn := newStubConn(remote.Fingerprint, false)
		startChannel(t, f, conn)

		conn.feed(t, pairRequest(t, "token", pairing.TokenWireRequest{
			Token:          token,
			RemoteDeviceID: "remote-2",
			RemoteName:     "Grandma Tablet",
			RemoteCert:     remote.CertificateDER,
		}))

		reply, ok := conn.nextReply(t).(protocol.PairResponse)
		require.True(t, ok)
		var resp pairing.ConfirmWireResponse
		require.NoError(t, json.Unmarshal(reply.Payload, &resp))
		assert.Equal(t, pairing.StatusAccepted, resp.Status)
		assert.True(t, conn.Trusted())
	})

	t.Run("bad token reports the wire code", func(t *testing.T) {
		f := newFixture(t)
		_, _, err := f.engine.GenerateToken()
		require.NoError(t, err)

		conn := newStubConn("fp-x", false)
		startChannel(t, f, conn)

		conn.feed(t, pairRequest(t, "token", pairing.TokenWireRequest{
			Token:          "wrong",
			RemoteDeviceID: "remote-3",
			RemoteCert:     []byte{1, 2, 3},
		}))

		reply, ok := conn.nextReply(t).(protocol.PairResponse)
		require.True(t, ok)
		var resp pairing.ConfirmWireResponse
		require.NoError(t, json.Unmarshal(reply.Payload, &resp))
		assert.Equal(t, pairing.StatusRejected, resp.Status)
		assert.Equal(t, "invalid_token", resp.Reason)
		assert.False(t, conn.Trusted())
	})

	t.Run("unknown op is rejected", func(t *testing.T) {
		f := newFixture(t)
		conn := newStubConn("fp-x", false)
		startChannel(t, f, conn)

		conn.feed(t, protocol.PairRequest{Type: protocol.TypePairRequest, Op: "bogus", Payload: json.RawMessage(`{}`)})

		reply, ok := conn.nextReply(t).(protocol.PairResponse)
		require.True(t, ok)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(reply.Payload, &resp))
		assert.Equal(t, "INVALID_INPUT", resp["code"])
	})
}
