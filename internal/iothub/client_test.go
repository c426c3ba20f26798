package iothub

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/iothubtest"
)

// recordingTransport answers every exchange with the next canned response.
type recordingTransport struct {
	requests  []*Request
	responses []*Response
	err       error
}

func (t *recordingTransport) Send(_ context.Context, req *Request) (*Response, error) {
	t.requests = append(t.requests, req)
	if t.err != nil {
		return nil, t.err
	}
	if len(t.responses) == 0 {
		return &Response{StatusCode: http.StatusInternalServerError}, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return resp, nil
}

func newTestClient(t *testing.T) (*Client, *iothubtest.Server) {
	t.Helper()
	server := iothubtest.NewServer()
	t.Cleanup(server.Close)
	return New(server.URL, StaticTokenCredentials(iothubtest.Token)), server
}

func scenarioCreateRequest(t *testing.T) *configuration.CreateRequest {
	t.Helper()

	labels, err := configuration.BuildLabelSet(configuration.NewPair("env", "prod"))
	require.NoError(t, err)
	metrics, err := configuration.BuildMetricsDefinition(configuration.NewPair("temp", "SELECT COUNT() FROM devices"))
	require.NoError(t, err)

	return &configuration.CreateRequest{
		ID:              "cfg-1",
		TargetCondition: "tag.env='prod'",
		Priority:        10,
		Content:         configuration.Content{DeviceContent: "{}"},
		Labels:          labels,
		Metrics:         metrics,
	}
}

func TestCreateConfiguration(t *testing.T) {
	r := require.New(t)
	client, server := newTestClient(t)

	config, err := client.CreateConfiguration(context.Background(), scenarioCreateRequest(t))
	r.NoError(err)

	r.Equal("cfg-1", config.ID)
	r.NotEmpty(config.ETag)
	r.Equal(configuration.Bound, config.State())
	r.Equal("tag.env='prod'", config.TargetCondition)
	r.Equal(10, config.Priority)
	r.JSONEq("{}", config.Content.DeviceContent)
	r.Equal(1, config.Labels.Len())
	r.Equal(1, config.MetricsDefinition.Len())
	r.Equal(1, config.MetricResult.Len())
	r.Equal(2, config.SystemMetricsDefinition.Len())
	r.False(config.CreatedTimeUTC.IsZero())
	r.Equal(1, server.Len())
	r.Equal([]string{"PUT /configurations/cfg-1"}, server.Requests())
}

func TestCreateConfiguration_AlreadyExists(t *testing.T) {
	client, server := newTestClient(t)
	server.Seed(scenarioCreateRequest(t))

	_, err := client.CreateConfiguration(context.Background(), scenarioCreateRequest(t))
	require.ErrorIs(t, err, ErrAlreadyExists)
	assert.Contains(t, err.Error(), "ConfigurationAlreadyExists")
}

func TestCreateConfiguration_InvalidRequestSendsNothing(t *testing.T) {
	tests := []struct {
		name   string
		modify func(req *configuration.CreateRequest)
	}{
		{name: "empty id", modify: func(req *configuration.CreateRequest) { req.ID = "" }},
		{name: "no content", modify: func(req *configuration.CreateRequest) { req.Content = configuration.Content{} }},
		{name: "content not json", modify: func(req *configuration.CreateRequest) { req.Content.ModuleContent = "{" }},
		{name: "negative priority", modify: func(req *configuration.CreateRequest) { req.Priority = -2 }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			transport := &recordingTransport{}
			client := NewWithTransport(transport)

			req := scenarioCreateRequest(t)
			test.modify(req)

			_, err := client.CreateConfiguration(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidArgument)
			assert.Empty(t, transport.requests)
		})
	}

	transport := &recordingTransport{}
	_, err := NewWithTransport(transport).CreateConfiguration(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, transport.requests)
}

func TestGetConfiguration(t *testing.T) {
	r := require.New(t)
	client, server := newTestClient(t)
	etag := server.Seed(scenarioCreateRequest(t))

	config, err := client.GetConfiguration(context.Background(), "cfg-1")
	r.NoError(err)
	r.Equal(etag, config.ETag)
	r.Equal([]string{"env"}, config.Labels.Names())

	_, err = client.GetConfiguration(context.Background(), "cfg-missing")
	r.ErrorIs(err, ErrNotFound)
	r.False(IsRetryable(err))

	_, err = client.GetConfiguration(context.Background(), "")
	r.ErrorIs(err, ErrInvalidArgument)
}

func TestGetConfigurations_PreservesServerOrder(t *testing.T) {
	r := require.New(t)
	client, server := newTestClient(t)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		req := scenarioCreateRequest(t)
		req.ID = id
		server.Seed(req)
	}

	configs, err := client.GetConfigurations(context.Background(), 5)
	r.NoError(err)
	r.Len(configs, 3)
	r.Equal("zeta", configs[0].ID)
	r.Equal("alpha", configs[1].ID)
	r.Equal("mid", configs[2].ID)
	for _, config := range configs {
		r.Equal(configuration.Bound, config.State())
	}

	configs, err = client.GetConfigurations(context.Background(), 2)
	r.NoError(err)
	r.Len(configs, 2)
	r.Equal("alpha", configs[1].ID)
}

func TestGetConfigurations_CapsOversizedPages(t *testing.T) {
	transport := &recordingTransport{responses: []*Response{{
		StatusCode: http.StatusOK,
		Body: []byte(`[
			{"id":"a","etag":"MQ=="},
			{"id":"b","etag":"Mg=="},
			{"id":"c","etag":"Mw=="}
		]`),
	}}}

	configs, err := NewWithTransport(transport).GetConfigurations(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "a", configs[0].ID)
	assert.Equal(t, "b", configs[1].ID)

	require.Len(t, transport.requests, 1)
	assert.Equal(t, "2", transport.requests[0].Query.Get("top"))
	assert.Equal(t, DefaultAPIVersion, transport.requests[0].Query.Get("api-version"))
}

func TestGetConfigurations_Rejects(t *testing.T) {
	transport := &recordingTransport{}
	_, err := NewWithTransport(transport).GetConfigurations(context.Background(), 0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, transport.requests)

	transport = &recordingTransport{responses: []*Response{{
		StatusCode: http.StatusOK,
		Body:       []byte(`[{"id":"a","etag":"MQ=="},{"id":"b","labels":{"x":"1","x":"2"},"etag":"Mg=="}]`),
	}}}
	configs, err := NewWithTransport(transport).GetConfigurations(context.Background(), 5)
	require.ErrorIs(t, err, ErrSerialization)
	assert.Nil(t, configs)

	transport = &recordingTransport{responses: []*Response{{StatusCode: http.StatusOK, Body: []byte(`{"id":"a"}`)}}}
	_, err = NewWithTransport(transport).GetConfigurations(context.Background(), 5)
	require.ErrorIs(t, err, ErrSerialization)
}

func TestUpdateConfiguration_ETagDiscipline(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	client, _ := newTestClient(t)

	_, err := client.CreateConfiguration(ctx, scenarioCreateRequest(t))
	r.NoError(err)

	current, err := client.GetConfiguration(ctx, "cfg-1")
	r.NoError(err)
	e1 := current.ETag

	update, err := current.UpdateRequest()
	r.NoError(err)
	update.Priority = 20
	r.NoError(update.Labels.Append("owner", "fleet-team"))

	updated, err := client.UpdateConfiguration(ctx, update)
	r.NoError(err)
	e2 := updated.ETag
	r.NotEmpty(e2)
	r.NotEqual(e1, e2)
	r.Equal(20, updated.Priority)
	r.Equal([]string{"env", "owner"}, updated.Labels.Names())
	r.JSONEq("{}", updated.Content.DeviceContent, "content survives updates")
	r.Equal(current.CreatedTimeUTC, updated.CreatedTimeUTC)

	stale, err := current.UpdateRequest()
	r.NoError(err)
	stale.Priority = 30
	_, err = client.UpdateConfiguration(ctx, stale)
	r.ErrorIs(err, ErrPreconditionFailed)

	var iothubErr *Error
	r.True(errors.As(err, &iothubErr))
	r.Equal(http.StatusPreconditionFailed, iothubErr.StatusCode)

	stored, err := client.GetConfiguration(ctx, "cfg-1")
	r.NoError(err)
	r.Equal(20, stored.Priority, "a stale write must not land")
	r.Equal(e2, stored.ETag)
}

func TestUpdateConfiguration_WithoutETagIsUnconditional(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	client, server := newTestClient(t)
	server.Seed(scenarioCreateRequest(t))

	updated, err := client.UpdateConfiguration(ctx, &configuration.UpdateRequest{ID: "cfg-1", Priority: 1})
	r.NoError(err)
	r.Equal(1, updated.Priority)

	_, err = client.UpdateConfiguration(ctx, &configuration.UpdateRequest{ID: "cfg-missing"})
	r.ErrorIs(err, ErrNotFound)
}

func TestUpdateConfiguration_ContentRejectedBeforeTransport(t *testing.T) {
	transport := &recordingTransport{}
	client := NewWithTransport(transport)

	_, err := client.UpdateConfiguration(context.Background(), &configuration.UpdateRequest{
		ID:      "cfg-1",
		ETag:    "MQ==",
		Content: &configuration.Content{DeviceContent: `{"a":1}`},
	})
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, transport.requests)

	_, err = client.UpdateConfiguration(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
	assert.Empty(t, transport.requests)
}

func TestUpdateConfiguration_IfMatchHeader(t *testing.T) {
	body := `{"id":"cfg-1","etag":"Mg=="}`
	transport := &recordingTransport{responses: []*Response{
		{StatusCode: http.StatusOK, Body: []byte(body)},
		{StatusCode: http.StatusOK, Body: []byte(body)},
	}}
	client := NewWithTransport(transport)

	_, err := client.UpdateConfiguration(context.Background(), &configuration.UpdateRequest{ID: "cfg-1", ETag: "MQ=="})
	require.NoError(t, err)
	_, err = client.UpdateConfiguration(context.Background(), &configuration.UpdateRequest{ID: "cfg-1"})
	require.NoError(t, err)

	require.Len(t, transport.requests, 2)
	assert.Equal(t, `"MQ=="`, transport.requests[0].IfMatch)
	assert.Equal(t, "*", transport.requests[1].IfMatch)
	assert.Equal(t, http.MethodPut, transport.requests[0].Method)
	assert.Equal(t, "/configurations/cfg-1", transport.requests[0].Path)
	assert.NotContains(t, string(transport.requests[0].Body), "content")
}

func TestDeleteConfiguration(t *testing.T) {
	r := require.New(t)
	ctx := context.Background()
	client, server := newTestClient(t)

	r.ErrorIs(client.DeleteConfiguration(ctx, "cfg-missing", ""), ErrNotFound)

	etag := server.Seed(scenarioCreateRequest(t))
	r.ErrorIs(client.DeleteConfiguration(ctx, "cfg-1", "c3RhbGU="), ErrPreconditionFailed)
	r.Equal(1, server.Len())

	r.NoError(client.DeleteConfiguration(ctx, "cfg-1", etag))
	r.Equal(0, server.Len())

	server.Seed(scenarioCreateRequest(t))
	r.NoError(client.DeleteConfiguration(ctx, "cfg-1", ""))
	r.Equal(0, server.Len())

	r.ErrorIs(client.DeleteConfiguration(ctx, "", ""), ErrInvalidArgument)
}

func TestDecodeConfiguration(t *testing.T) {
	tests := []struct {
		name     string
		resp     *Response
		wantErr  error
		wantETag string
	}{
		{
			name:     "etag from body",
			resp:     &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"cfg-1","etag":"MQ=="}`), ETag: `"other"`},
			wantETag: "MQ==",
		},
		{
			name:     "etag from header",
			resp:     &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"cfg-1"}`), ETag: `W/"Mg=="`},
			wantETag: "Mg==",
		},
		{
			name:    "no etag",
			resp:    &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"cfg-1"}`)},
			wantErr: ErrSerialization,
		},
		{
			name:    "other configuration",
			resp:    &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"cfg-2","etag":"MQ=="}`)},
			wantErr: ErrSerialization,
		},
		{
			name:    "duplicate labels",
			resp:    &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"cfg-1","labels":{"a":"1","a":"2"},"etag":"MQ=="}`)},
			wantErr: ErrSerialization,
		},
		{
			name:    "duplicate metric results",
			resp:    &Response{StatusCode: http.StatusOK, Body: []byte(`{"id":"cfg-1","metrics":{"queries":{"a":"q"},"results":{"a":1,"a":1}},"etag":"MQ=="}`)},
			wantErr: ErrSerialization,
		},
		{
			name:    "not json",
			resp:    &Response{StatusCode: http.StatusOK, Body: []byte(`<html>`)},
			wantErr: ErrSerialization,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			config, err := decodeConfiguration(test.resp, "cfg-1")
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				assert.Nil(t, config)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.wantETag, config.ETag)
		})
	}
}

func TestClient_ResponseLimit(t *testing.T) {
	transport := &recordingTransport{responses: []*Response{{
		StatusCode: http.StatusOK,
		Body:       []byte(`{"id":"cfg-1","etag":"MQ==","targetCondition":"` + strings.Repeat("x", 64) + `"}`),
	}}}
	client := NewWithTransport(transport)
	client.MaxResponseBytes = 32

	_, err := client.GetConfiguration(context.Background(), "cfg-1")
	require.ErrorIs(t, err, ErrOutOfMemory)
	require.Len(t, transport.requests, 1)
	assert.Equal(t, 32, transport.requests[0].MaxResponseBytes)
}

func TestClient_ResponseLimitOverHTTP(t *testing.T) {
	r := require.New(t)
	client, _ := newTestClient(t)

	req := scenarioCreateRequest(t)
	defer req.Release()
	created, err := client.CreateConfiguration(context.Background(), req)
	r.NoError(err)
	created.Release()

	client.MaxResponseBytes = 16
	_, err = client.GetConfiguration(context.Background(), "cfg-1")
	r.ErrorIs(err, ErrOutOfMemory)
	r.Contains(err.Error(), "response body exceeds 16 bytes")

	client.MaxResponseBytes = DefaultMaxResponseBytes
	config, err := client.GetConfiguration(context.Background(), "cfg-1")
	r.NoError(err)
	config.Release()
}

func TestClient_TransportFailures(t *testing.T) {
	transport := &recordingTransport{err: context.DeadlineExceeded}
	_, err := NewWithTransport(transport).GetConfiguration(context.Background(), "cfg-1")
	require.ErrorIs(t, err, ErrRemote)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsRetryable(err))

	transport = &recordingTransport{err: errors.New("connection reset by peer")}
	_, err = NewWithTransport(transport).GetConfiguration(context.Background(), "cfg-1")
	require.ErrorIs(t, err, ErrRemote)
	assert.False(t, IsRetryable(err))

	_, err = (&Client{}).GetConfiguration(context.Background(), "cfg-1")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestClient_RemoteStatuses(t *testing.T) {
	r := require.New(t)
	client, server := newTestClient(t)

	server.FailNext(http.StatusServiceUnavailable)
	_, err := client.GetConfiguration(context.Background(), "cfg-1")
	r.ErrorIs(err, ErrRemote)
	r.True(IsRetryable(err))

	server.FailNext(http.StatusBadRequest)
	_, err = client.GetConfigurations(context.Background(), 1)
	r.ErrorIs(err, ErrRemote)
	r.False(IsRetryable(err))

	unauthorized := New(server.URL, StaticTokenCredentials("Bearer nope"))
	_, err = unauthorized.GetConfiguration(context.Background(), "cfg-1")
	r.ErrorIs(err, ErrUnauthorized)
}

func TestNewFromConnectionString(t *testing.T) {
	client, err := NewFromConnectionString("HostName=fleet.azure-devices.net;SharedAccessKeyName=iothubowner;SharedAccessKey=c2VjcmV0")
	require.NoError(t, err)

	transport, ok := client.Transport.(*RestyTransport)
	require.True(t, ok)
	assert.Equal(t, "https://fleet.azure-devices.net", transport.HTTPClient.BaseURL)

	_, err = NewFromConnectionString("HostName=fleet.azure-devices.net")
	require.ErrorIs(t, err, ErrInvalidArgument)
}
