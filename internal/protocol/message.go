package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminant carried in every message's "type" field.
// The string values are part of the protocol and must stay stable.
type Type string

const (
	TypeNoiseAlert      Type = "noise_alert"
	TypeStreamStart     Type = "stream_start"
	TypeStreamEnd       Type = "stream_end"
	TypeStreamPin       Type = "stream_pin"
	TypeWebRTCOffer     Type = "webrtc_offer"
	TypeWebRTCAnswer    Type = "webrtc_answer"
	TypeWebRTCICE       Type = "webrtc_ice"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypePushTokenUpdate Type = "push_token_update"
	TypeSettingsGet     Type = "settings_get"
	TypeSettingsUpdate  Type = "settings_update"
	TypeSettingsState   Type = "settings_state"
	TypePairRequest     Type = "pair_request"
	TypePairResponse    Type = "pair_response"
)

// Message is the closed set of control-plane wire messages.
type Message interface {
	MessageType() Type
}

// NoiseAlert notifies a remote that the monitor detected noise above the
// subscriber's threshold.
type NoiseAlert struct {
	Type        Type    `json:"type"`
	TimestampMs int64   `json:"timestampMs"`
	PeakLevel   float64 `json:"peakLevel"`
	MonitorName string  `json:"monitorName,omitempty"`
}

func (m NoiseAlert) MessageType() Type { return TypeNoiseAlert }

// StreamStart asks the monitor to begin a media stream.
type StreamStart struct {
	Type        Type   `json:"type"`
	StreamType  string `json:"streamType"` // "audio" or "video"
	DurationSec int    `json:"durationSec,omitempty"`
}

func (m StreamStart) MessageType() Type { return TypeStreamStart }

// StreamEnd ends an in-progress stream.
type StreamEnd struct {
	Type     Type   `json:"type"`
	StreamID string `json:"streamId,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (m StreamEnd) MessageType() Type { return TypeStreamEnd }

// StreamPin keeps a stream alive past its auto-stop duration.
type StreamPin struct {
	Type     Type   `json:"type"`
	StreamID string `json:"streamId"`
	Pinned   bool   `json:"pinned"`
}

func (m StreamPin) MessageType() Type { return TypeStreamPin }

// WebRTCSignal carries an offer, answer, or ICE candidate. The payload is
// opaque to this layer and forwarded verbatim to the media plane.
type WebRTCSignal struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (m WebRTCSignal) MessageType() Type { return m.Type }

// Ping is a keep-alive probe; the receiver answers with a Pong echoing the
// nonce.
type Ping struct {
	Type  Type  `json:"type"`
	Nonce int64 `json:"nonce,omitempty"`
}

func (m Ping) MessageType() Type { return TypePing }

type Pong struct {
	Type  Type  `json:"type"`
	Nonce int64 `json:"nonce,omitempty"`
}

func (m Pong) MessageType() Type { return TypePong }

// PushTokenUpdate rotates the sender's push-notification token.
type PushTokenUpdate struct {
	Type     Type   `json:"type"`
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

func (m PushTokenUpdate) MessageType() Type { return TypePushTokenUpdate }

// SettingsGet requests the monitor's current settings snapshot.
type SettingsGet struct {
	Type Type `json:"type"`
}

func (m SettingsGet) MessageType() Type { return TypeSettingsGet }

// SettingsUpdate applies a partial settings change; absent fields are left
// untouched.
type SettingsUpdate struct {
	Type            Type     `json:"type"`
	MonitorName     *string  `json:"monitorName,omitempty"`
	NoiseThreshold  *float64 `json:"noiseThreshold,omitempty"`
	CooldownSeconds *int     `json:"cooldownSeconds,omitempty"`
	AutoStreamType  *string  `json:"autoStreamType,omitempty"`
}

func (m SettingsUpdate) MessageType() Type { return TypeSettingsUpdate }

// SettingsState is the monitor's reply to SettingsGet and SettingsUpdate.
type SettingsState struct {
	Type            Type    `json:"type"`
	MonitorName     string  `json:"monitorName"`
	NoiseThreshold  float64 `json:"noiseThreshold"`
	CooldownSeconds int     `json:"cooldownSeconds"`
	AutoStreamType  string  `json:"autoStreamType"`
}

func (m SettingsState) MessageType() Type { return TypeSettingsState }

// PairRequest and PairResponse mirror the HTTP pairing exchange for peers
// that reach the monitor over an already-open (untrusted) channel.
type PairRequest struct {
	Type    Type            `json:"type"`
	Op      string          `json:"op"` // "init", "confirm", "token"
	Payload json.RawMessage `json:"payload"`
}

func (m PairRequest) MessageType() Type { return TypePairRequest }

type PairResponse struct {
	Type    Type            `json:"type"`
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

func (m PairResponse) MessageType() Type { return TypePairResponse }

// untrustedTypes is the whitelist a not-yet-trusted connection may use.
// Anything else before elevation is a protocol violation.
var untrustedTypes = map[Type]bool{
	TypePairRequest:  true,
	TypePairResponse: true,
	TypePing:         true,
	TypePong:         true,
}

// AllowedUntrusted reports whether a message type may be exchanged before
// the peer's fingerprint is in the trust store.
func AllowedUntrusted(t Type) bool {
	return untrustedTypes[t]
}

type envelope struct {
	Type Type `json:"type"`
}

// Encode serializes a message, verifying its type tag is populated.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.MessageType(), err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return nil, fmt.Errorf("encode message: missing type tag (construct with the Type field set)")
	}
	return data, nil
}

// Decode parses a frame payload into its concrete message type.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeNoiseAlert:
		msg, err = decodeAs[NoiseAlert](data)
	case TypeStreamStart:
		msg, err = decodeAs[StreamStart](data)
	case TypeStreamEnd:
		msg, err = decodeAs[StreamEnd](data)
	case TypeStreamPin:
		msg, err = decodeAs[StreamPin](data)
	case TypeWebRTCOffer, TypeWebRTCAnswer, TypeWebRTCICE:
		msg, err = decodeAs[WebRTCSignal](data)
	case TypePing:
		msg, err = decodeAs[Ping](data)
	case TypePong:
		msg, err = decodeAs[Pong](data)
	case TypePushTokenUpdate:
		msg, err = decodeAs[PushTokenUpdate](data)
	case TypeSettingsGet:
		msg, err = decodeAs[SettingsGet](data)
	case TypeSettingsUpdate:
		msg, err = decodeAs[SettingsUpdate](data)
	case TypeSettingsState:
		msg, err = decodeAs[SettingsState](data)
	case TypePairRequest:
		msg, err = decodeAs[PairRequest](data)
	case TypePairResponse:
		msg, err = decodeAs[PairResponse](data)
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s message: %w", env.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
