// Package control routes inbound control-channel messages on the monitor
// side: keep-alive, pairing over the channel, push-token rotation, settings,
// and media signals handed off to the embedding application.
package control

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/channel"
	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/pairing"
	"github.com/cribcall/monitor-server-go/internal/protocol"
	"github.com/cribcall/monitor-server-go/internal/settings"
	"github.com/cribcall/monitor-server-go/internal/subscription"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

const replyTimeout = 10 * time.Second

// Hooks are the media-plane callbacks. The core forwards stream and WebRTC
// signals verbatim; what they mean is the embedding application's business.
type Hooks struct {
	OnStreamStart  func(ch *channel.Channel, msg protocol.StreamStart)
	OnStreamEnd    func(ch *channel.Channel, msg protocol.StreamEnd)
	OnStreamPin    func(ch *channel.Channel, msg protocol.StreamPin)
	OnWebRTCSignal func(ch *channel.Channel, msg protocol.WebRTCSignal)
}

// Dispatcher is the channel.MessageHandler for monitor-side connections.
type Dispatcher struct {
	pairing  *pairing.Engine
	trust    *trust.Store
	subs     *subscription.Registry
	settings *settings.Store
	hooks    Hooks
}

func NewDispatcher(engine *pairing.Engine, trustStore *trust.Store, subs *subscription.Registry, settingsStore *settings.Store, hooks Hooks) *Dispatcher {
	return &Dispatcher{
		pairing:  engine,
		trust:    trustStore,
		subs:     subs,
		settings: settingsStore,
		hooks:    hooks,
	}
}

// Handle processes one inbound message. The channel has already enforced
// the untrusted whitelist; everything beyond pairing and keep-alive arrives
// on a trusted connection.
func (d *Dispatcher) Handle(ch *channel.Channel, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ping:
		d.reply(ch, protocol.Pong{Type: protocol.TypePong, Nonce: m.Nonce})

	case protocol.Pong:
		log.Debug().Str("connectionId", ch.ID()).Int64("nonce", m.Nonce).Msg("Pong received")

	case protocol.PushTokenUpdate:
		d.handlePushTokenUpdate(ch, m)

	case protocol.SettingsGet:
		d.reply(ch, d.settings.State())

	case protocol.SettingsUpdate:
		d.settings.Apply(m)
		d.reply(ch, d.settings.State())

	case protocol.StreamStart:
		if d.hooks.OnStreamStart != nil {
			d.hooks.OnStreamStart(ch, m)
		}

	case protocol.StreamEnd:
		if d.hooks.OnStreamEnd != nil {
			d.hooks.OnStreamEnd(ch, m)
		}

	case protocol.StreamPin:
		if d.hooks.OnStreamPin != nil {
			d.hooks.OnStreamPin(ch, m)
		}

	case protocol.WebRTCSignal:
		if d.hooks.OnWebRTCSignal != nil {
			d.hooks.OnWebRTCSignal(ch, m)
		}

	case protocol.PairRequest:
		d.handlePairRequest(ch, m)

	default:
		log.Warn().
			Str("connectionId", ch.ID()).
			Str("type", string(msg.MessageType())).
			Msg("Unhandled control message")
	}
}

func (d *Dispatcher) handlePushTokenUpdate(ch *channel.Channel, m protocol.PushTokenUpdate) {
	fp := ch.PeerFingerprint()
	if !d.trust.UpdatePushToken(fp, m.Token, m.Platform) {
		log.Warn().Str("fingerprint", fp).Msg("Push token update from unknown peer")
		return
	}
	d.subs.RefreshToken(fp, m.Token, m.Platform)
	log.Info().Str("fingerprint", fp).Str("platform", m.Platform).Msg("Push token rotated")
}

// handlePairRequest mirrors the HTTP pairing endpoints for peers that open
// the control channel before trusting the monitor. On success the live
// connection is elevated in place.
func (d *Dispatcher) handlePairRequest(ch *channel.Channel, m protocol.PairRequest) {
	switch m.Op {
	case "init":
		var req pairing.InitWireRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			d.replyPairError(ch, m.Op, apperrors.InvalidInput("payload", err.Error()))
			return
		}
		result, err := d.pairing.Init(pairing.InitRequest{
			RemoteDeviceID:     req.RemoteDeviceID,
			RemoteName:         req.RemoteName,
			RemotePublicKeyDER: req.RemotePublicKey,
			RemoteCertDER:      req.RemoteCert,
		})
		if err != nil {
			d.replyPairError(ch, m.Op, err)
			return
		}
		d.replyPair(ch, m.Op, pairing.InitWireResponse{
			PairingSessionID: result.SessionID,
			MonitorPublicKey: result.MonitorPublicKeyDER,
			ExpiresInSec:     int(result.ExpiresIn.Seconds()),
		})

	case "confirm":
		var req pairing.ConfirmWireRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			d.replyPairError(ch, m.Op, apperrors.InvalidInput("payload", err.Error()))
			return
		}
		result := d.pairing.Confirm(req.SessionID, req.Transcript, req.AuthTag)
		d.maybeElevate(ch, result.Status == pairing.StatusAccepted)
		resp := pairing.ConfirmWireResponse{Status: result.Status, Reason: string(result.Reason)}
		if result.Host != nil {
			resp.RemoteDeviceID = result.Host.RemoteDeviceID
			resp.MonitorName = result.Host.MonitorName
			resp.CertFingerprint = result.Host.CertFingerprint
			resp.CertificateDER = result.Host.CertificateDER
		}
		d.replyPair(ch, m.Op, resp)

	case "token":
		var req pairing.TokenWireRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			d.replyPairError(ch, m.Op, apperrors.InvalidInput("payload", err.Error()))
			return
		}
		result := d.pairing.RedeemToken(req.Token, pairing.InitRequest{
			RemoteDeviceID:     req.RemoteDeviceID,
			RemoteName:         req.RemoteName,
			RemotePublicKeyDER: req.RemotePublicKey,
			RemoteCertDER:      req.RemoteCert,
		})
		d.maybeElevate(ch, result.Accepted)
		resp := pairing.ConfirmWireResponse{Status: pairing.StatusRejected, Reason: string(result.Reason)}
		if result.Accepted {
			resp.Status = pairing.StatusAccepted
			resp.Reason = ""
			resp.RemoteDeviceID = result.Host.RemoteDeviceID
			resp.MonitorName = result.Host.MonitorName
			resp.CertFingerprint = result.Host.CertFingerprint
			resp.CertificateDER = result.Host.CertificateDER
		}
		d.replyPair(ch, m.Op, resp)

	default:
		d.replyPairError(ch, m.Op, apperrors.InvalidInput("op", "must be init, confirm, or token"))
	}
}

// maybeElevate flips the connection to trusted once pairing succeeded and
// the trust store actually contains this connection's fingerprint.
func (d *Dispatcher) maybeElevate(ch *channel.Channel, accepted bool) {
	if !accepted || ch.Trusted() {
		return
	}
	if d.trust.IsTrusted(ch.PeerFingerprint()) {
		ch.Elevate()
	}
}

func (d *Dispatcher) replyPair(ch *channel.Channel, op string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("op", op).Msg("Marshal pair response")
		return
	}
	d.reply(ch, protocol.PairResponse{Type: protocol.TypePairResponse, Op: op, Payload: data})
}

func (d *Dispatcher) replyPairError(ch *channel.Channel, op string, err error) {
	code := apperrors.GetCode(err)
	log.Warn().Err(err).Str("op", op).Msg("Pair request failed")
	data, merr := json.Marshal(map[string]string{
		"error": err.Error(),
		"code":  string(code),
	})
	if merr != nil {
		return
	}
	d.reply(ch, protocol.PairResponse{Type: protocol.TypePairResponse, Op: op, Payload: data})
}

func (d *Dispatcher) reply(ch *channel.Channel, msg protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	if err := ch.Send(ctx, msg); err != nil {
		log.Warn().Err(err).
			Str("connectionId", ch.ID()).
			Str("type", string(msg.MessageType())).
			Msg("Control reply failed")
	}
}
