package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize(t *testing.T) {
	t.Run("sorts object keys", func(t *testing.T) {
		out, err := CanonicalizeJSON([]byte(`{"b":1,"a":2}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":2,"b":1}`, string(out))
	})

	t.Run("invariant to key order", func(t *testing.T) {
		first, err := CanonicalizeJSON([]byte(`{"sessionId":"s1","remoteDeviceId":"d1","hostCertFingerprint":"h"}`))
		require.NoError(t, err)
		second, err := CanonicalizeJSON([]byte(`{"hostCertFingerprint":"h","remoteDeviceId":"d1","sessionId":"s1"}`))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("recurses into nested objects and arrays", func(t *testing.T) {
		out, err := CanonicalizeJSON([]byte(`{"z":{"y":1,"x":[{"b":2,"a":3}]},"a":null}`))
		require.NoError(t, err)
		assert.Equal(t, `{"a":null,"z":{"x":[{"a":3,"b":2}],"y":1}}`, string(out))
	})

	t.Run("preserves number representation", func(t *testing.T) {
		out, err := CanonicalizeJSON([]byte(`{"big":1762020422123,"f":0.5}`))
		require.NoError(t, err)
		assert.Equal(t, `{"big":1762020422123,"f":0.5}`, string(out))
	})

	t.Run("canonicalizes Go values through structs and maps identically", func(t *testing.T) {
		type transcript struct {
			SessionID  string `json:"sessionId"`
			RemoteID   string `json:"remoteDeviceId"`
			RemoteCert string `json:"remoteCertFingerprint"`
			HostCert   string `json:"hostCertFingerprint"`
		}

		fromStruct, err := Canonicalize(transcript{
			SessionID: "s1", RemoteID: "d1", RemoteCert: "rc", HostCert: "hc",
		})
		require.NoError(t, err)

		fromMap, err := Canonicalize(map[string]string{
			"hostCertFingerprint":   "hc",
			"remoteCertFingerprint": "rc",
			"remoteDeviceId":        "d1",
			"sessionId":             "s1",
		})
		require.NoError(t, err)

		assert.Equal(t, fromStruct, fromMap)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := CanonicalizeJSON([]byte(`{`))
		assert.Error(t, err)
	})
}
