package pairing

// Wire bodies for the pairing HTTP endpoints, shared by the monitor-side
// handlers and the remote-side client. Binary fields are base64 per
// encoding/json's []byte convention.

type InitWireRequest struct {
	RemoteDeviceID  string `json:"remoteDeviceId"`
	RemoteName      string `json:"remoteName"`
	RemotePublicKey []byte `json:"remotePublicKey"`
	RemoteCert      []byte `json:"remoteCert"`
}

type InitWireResponse struct {
	PairingSessionID string `json:"pairingSessionId"`
	MonitorPublicKey []byte `json:"monitorPublicKey"`
	ExpiresInSec     int    `json:"expiresInSec"`
}

type ConfirmWireRequest struct {
	SessionID  string     `json:"sessionId"`
	Transcript Transcript `json:"transcript"`
	AuthTag    []byte     `json:"authTag"`
}

type ConfirmWireResponse struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`

	// populated when Status is accepted
	RemoteDeviceID  string `json:"remoteDeviceId,omitempty"`
	MonitorName     string `json:"monitorName,omitempty"`
	CertFingerprint string `json:"certFingerprint,omitempty"`
	CertificateDER  []byte `json:"certificateDer,omitempty"`
}

type TokenWireRequest struct {
	Token           string `json:"token"`
	RemoteDeviceID  string `json:"remoteDeviceId"`
	RemoteName      string `json:"remoteName"`
	RemotePublicKey []byte `json:"remotePublicKey,omitempty"`
	RemoteCert      []byte `json:"remoteCert"`
}
