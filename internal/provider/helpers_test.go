package provider

import (
	"log"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"strings"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/providerserver"
	"github.com/hashicorp/terraform-plugin-go/tfprotov6"
	"github.com/stretchr/testify/require"
	"github.com/thanhpk/randstr"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/iothubtest"
)

const testConnectionString = "HostName=fleet.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=c2VjcmV0LWtleQ=="

var testProviderFactories = map[string]func() (tfprotov6.ProviderServer, error){
	"iothub": providerserver.NewProtocol6WithError(New("test")()),
}

// GenerateConfigurationID a random configuration id
func GenerateConfigurationID(t *testing.T) string {
	t.Helper()

	return "cfg-" + strings.ToLower(randstr.String(16))
}

// newFakeHub points the provider at an in-memory hub for the duration of t.
func newFakeHub(t *testing.T) *iothubtest.Server {
	t.Helper()

	configureOnce.Reset()

	hub := iothubtest.NewServer()
	t.Cleanup(hub.Close)

	t.Setenv("TF_IOTHUB_CONNECTION_STRING", testConnectionString)
	t.Setenv("TF_IOTHUB_API_BASE_URL", hub.URL)

	return hub
}

// mockIoTHubAPI serves the expected handlers in order and fails the test on
// any extra or missing call.
func mockIoTHubAPI(t *testing.T) (string, func(http.HandlerFunc), func()) {
	var (
		receivedCalls   int
		expectedCalls   []http.HandlerFunc
		addExpectedCall = func(h http.HandlerFunc) {
			expectedCalls = append(expectedCalls, h)
		}
		r = require.New(t)
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		reqDump, err := httputil.DumpRequest(req, true)
		if err != nil {
			log.Fatal(err)
		}
		if receivedCalls >= len(expectedCalls) {
			w.WriteHeader(http.StatusNotFound)
			r.Failf("unexpected call",
				"we have already received %d calls from expected %d.\nunexpected request: %s",
				receivedCalls,
				len(expectedCalls),
				string(reqDump),
			)
			return
		}

		expectedCalls[receivedCalls](w, req)

		receivedCalls++
	}))

	return ts.URL, addExpectedCall, func() {
		ts.Close()
		r.Equal(
			len(expectedCalls),
			receivedCalls,
			"expected one more request",
		)
	}
}
