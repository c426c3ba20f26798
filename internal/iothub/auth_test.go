package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConnectionString = "HostName=Fleet.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=c2VjcmV0LWtleQ=="

func TestParseConnectionString(t *testing.T) {
	cs, err := ParseConnectionString(testConnectionString + ";")
	require.NoError(t, err)
	assert.Equal(t, "Fleet.azure-devices.net", cs.HostName)
	assert.Equal(t, "iothubowner", cs.SharedAccessKeyName)
	assert.Equal(t, "c2VjcmV0LWtleQ==", cs.SharedAccessKey)
	assert.Equal(t, "https://Fleet.azure-devices.net", cs.BaseURL())
}

func TestParseConnectionString_Rejects(t *testing.T) {
	for name, input := range map[string]string{
		"empty":       "",
		"no host":     "SharedAccessKeyName=iothubowner;SharedAccessKey=c2VjcmV0",
		"no key name": "HostName=fleet.azure-devices.net;SharedAccessKey=c2VjcmV0",
		"no key":      "HostName=fleet.azure-devices.net;SharedAccessKeyName=iothubowner",
		"bad segment": "HostName=fleet.azure-devices.net;garbage",
		"bad key":     "HostName=fleet.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=%%%",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConnectionString(input)
			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestSharedAccessKeyCredentials(t *testing.T) {
	cs, err := ParseConnectionString(testConnectionString)
	require.NoError(t, err)

	credentials := NewSharedAccessKeyCredentials(cs)
	credentials.now = func() time.Time { return time.Unix(1700000000, 0) }

	token, err := credentials.Token()
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "SharedAccessSignature "))

	values, err := url.ParseQuery(strings.TrimPrefix(token, "SharedAccessSignature "))
	require.NoError(t, err)
	assert.Equal(t, "fleet.azure-devices.net", values.Get("sr"))
	assert.Equal(t, "1700003600", values.Get("se"))
	assert.Equal(t, "iothubowner", values.Get("skn"))

	mac := hmac.New(sha256.New, []byte("secret-key"))
	mac.Write([]byte("fleet.azure-devices.net\n1700003600"))
	assert.Equal(t, base64.StdEncoding.EncodeToString(mac.Sum(nil)), values.Get("sig"))

	credentials.Key = "%%%"
	_, err = credentials.Token()
	require.Error(t, err)
}

func TestStaticTokenCredentials(t *testing.T) {
	token, err := StaticTokenCredentials("SharedAccessSignature sr=a").Token()
	require.NoError(t, err)
	assert.Equal(t, "SharedAccessSignature sr=a", token)
}
