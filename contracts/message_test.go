package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("classifies handshake", func(t *testing.T) {
		msg, err := Parse([]byte(`{"result":{"version":"1.4"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindHandshake, msg.Kind)
		assert.Equal(t, "1.4", msg.Handshake.Result.Version)
	})

	t.Run("result with extra fields is not a handshake", func(t *testing.T) {
		msg, err := Parse([]byte(`{"result":{"version":"1.4","data":"x"}}`))
		require.NoError(t, err)
		assert.Equal(t, KindResponse, msg.Kind)
	})

	t.Run("classifies module request", func(t *testing.T) {
		msg, err := Parse([]byte(`{"module":"kz.gov.pki.knca.commonUtils","method":"signXml","args":["PKCS12"]}`))
		require.NoError(t, err)
		require.Equal(t, KindRequest, msg.Kind)
		assert.Equal(t, "signXml", msg.Request.Operation())
	})

	t.Run("classifies system request", func(t *testing.T) {
		msg, err := Parse([]byte(`{"namespace":"SYSAPI","Function":"SetAPIKey","Param":{"apiKey":"X"}}`))
		require.NoError(t, err)
		require.Equal(t, KindRequest, msg.Kind)
		assert.Equal(t, SystemNamespace, msg.Request.Namespace)
		assert.Equal(t, "SetAPIKey", msg.Request.Operation())
		assert.Equal(t, "X", msg.Request.ParamString("apiKey"))
	})

	t.Run("classifies tagged response", func(t *testing.T) {
		msg, err := Parse([]byte(`{"Function":"signXml","result":{"xml":"<signed/>"}}`))
		require.NoError(t, err)
		require.Equal(t, KindResponse, msg.Kind)
		assert.Equal(t, "signXml", msg.Response.Function)
		assert.True(t, msg.Response.Successful())
	})

	t.Run("classifies failure as error", func(t *testing.T) {
		msg, err := Parse([]byte(`{"success":false,"error":"storage not found"}`))
		require.NoError(t, err)
		require.Equal(t, KindError, msg.Kind)
		assert.True(t, msg.Response.Failed())
		assert.Equal(t, "storage not found", msg.Response.ErrorText())
	})

	t.Run("structured error renders as JSON", func(t *testing.T) {
		msg, err := Parse([]byte(`{"error":{"code":7,"text":"bad password"}}`))
		require.NoError(t, err)
		require.Equal(t, KindError, msg.Kind)
		assert.Contains(t, msg.Response.ErrorText(), "bad password")
	})

	t.Run("unknown object falls back to opaque", func(t *testing.T) {
		msg, err := Parse([]byte(`{"ping":1}`))
		require.NoError(t, err)
		assert.Equal(t, KindOpaque, msg.Kind)
	})

	t.Run("rejects non-JSON frames", func(t *testing.T) {
		_, err := Parse([]byte("not json at all"))
		assert.ErrorIs(t, err, ErrNotJSON)
	})

	t.Run("rejects empty frames", func(t *testing.T) {
		_, err := Parse([]byte("  \n"))
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})
}

func TestHandshakeAck(t *testing.T) {
	msg, err := Parse(HandshakeAck())
	require.NoError(t, err)
	assert.Equal(t, KindHandshake, msg.Kind)
	assert.Equal(t, ProtocolVersion, msg.Handshake.Result.Version)
}

func TestResponseShapes(t *testing.T) {
	t.Run("sign-only payload is successful", func(t *testing.T) {
		msg, err := Parse([]byte(`{"sign":"ZmFrZQ=="}`))
		require.NoError(t, err)
		assert.True(t, msg.Response.Successful())
	})

	t.Run("empty response is not successful", func(t *testing.T) {
		msg, err := Parse([]byte(`{"status":"pending"}`))
		require.NoError(t, err)
		require.NotNil(t, msg.Response)
		assert.False(t, msg.Response.Successful())
		assert.False(t, msg.Response.Failed())
	})
}
