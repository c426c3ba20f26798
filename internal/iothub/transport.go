package iothub

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-sdk/v2/helper/logging"
)

// Request is a single exchange with the configuration store.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
	// IfMatch is sent verbatim as the If-Match header when set.
	IfMatch string
	// MaxResponseBytes stops reading the response body one byte past this
	// limit when positive.
	MaxResponseBytes int
}

type Response struct {
	StatusCode int
	Body       []byte
	ETag       string
}

// Transport performs request/response exchanges with the remote store. It
// returns an error only when no response was received; non-2xx statuses are
// returned as responses.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

type TransportOption func(*resty.Client)

// WithTimeout bounds every exchange.
func WithTimeout(timeout time.Duration) TransportOption {
	return func(c *resty.Client) {
		c.SetTimeout(timeout)
	}
}

// WithRetryCount lets resty repeat exchanges that failed without a response.
// Disabled by default.
func WithRetryCount(count int) TransportOption {
	return func(c *resty.Client) {
		c.SetRetryCount(count)
	}
}

// RestyTransport sends exchanges over HTTPS.
type RestyTransport struct {
	HTTPClient *resty.Client
}

func NewRestyTransport(baseURL string, credentials Credentials, options ...TransportOption) *RestyTransport {
	transport := logging.NewLoggingHTTPTransport(http.DefaultTransport)

	clientName, _ := os.Executable()

	httpClient := resty.NewWithClient(&http.Client{Transport: transport}).
		SetHeader("User-Agent", filepath.Base(clientName)).
		SetBaseURL(baseURL).
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			token, err := credentials.Token()
			if err != nil {
				return err
			}
			r.SetHeader("Authorization", token)
			return nil
		})
	for _, option := range options {
		option(httpClient)
	}

	return &RestyTransport{HTTPClient: httpClient}
}

func (t *RestyTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	request := t.HTTPClient.R().
		SetHeader("Accept", "application/json").
		SetHeader("x-ms-client-request-id", uuid.NewString()).
		SetContext(ctx)
	if req.Query != nil {
		request.SetQueryParamsFromValues(req.Query)
	}
	if req.Body != nil {
		request.
			SetHeader("Content-Type", "application/json; charset=utf-8").
			SetBody(req.Body)
	}
	if req.IfMatch != "" {
		request.SetHeader("If-Match", req.IfMatch)
	}

	if req.MaxResponseBytes > 0 {
		request.SetDoNotParseResponse(true)
	}

	resp, err := request.Execute(req.Method, req.Path)
	if err != nil {
		return nil, err
	}

	body := resp.Body()
	if req.MaxResponseBytes > 0 {
		// The sdk logging transport still dumps whole bodies at debug level.
		raw := resp.RawBody()
		defer raw.Close()
		body, err = io.ReadAll(io.LimitReader(raw, int64(req.MaxResponseBytes)+1))
		if err != nil {
			return nil, err
		}
	}

	return &Response{
		StatusCode: resp.StatusCode(),
		Body:       body,
		ETag:       resp.Header().Get("ETag"),
	}, nil
}
