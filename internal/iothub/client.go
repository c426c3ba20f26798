package iothub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

const (
	DefaultAPIVersion       = "2021-04-12"
	DefaultMaxResponseBytes = 4 << 20
)

// ConfigurationManager is the set of configuration operations offered by
// Client.
type ConfigurationManager interface {
	CreateConfiguration(ctx context.Context, req *configuration.CreateRequest) (*configuration.Configuration, error)
	GetConfiguration(ctx context.Context, id string) (*configuration.Configuration, error)
	GetConfigurations(ctx context.Context, maxCount int) ([]*configuration.Configuration, error)
	UpdateConfiguration(ctx context.Context, req *configuration.UpdateRequest) (*configuration.Configuration, error)
	DeleteConfiguration(ctx context.Context, id string, etag string) error
}

var _ ConfigurationManager = &Client{}

// Client manages device configurations of one hub. A Client performs one
// synchronous exchange per call and keeps no state between calls; callers
// sharing a Client across goroutines must serialize access themselves.
type Client struct {
	Transport        Transport
	APIVersion       string
	// MaxResponseBytes bounds how much of a response body the transport
	// reads. Longer bodies fail with ErrOutOfMemory.
	MaxResponseBytes int
}

func New(baseURL string, credentials Credentials, options ...TransportOption) *Client {
	return NewWithTransport(NewRestyTransport(baseURL, credentials, options...))
}

func NewFromConnectionString(connectionString string, options ...TransportOption) (*Client, error) {
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	return New(cs.BaseURL(), NewSharedAccessKeyCredentials(cs), options...), nil
}

func NewWithTransport(transport Transport) *Client {
	return &Client{
		Transport:        transport,
		APIVersion:       DefaultAPIVersion,
		MaxResponseBytes: DefaultMaxResponseBytes,
	}
}

func (c *Client) CreateConfiguration(ctx context.Context, req *configuration.CreateRequest) (*configuration.Configuration, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil create request", ErrInvalidArgument)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	resp, err := c.send(ctx, &Request{
		Method: http.MethodPut,
		Path:   configurationPath(req.ID),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}
	return decodeConfiguration(resp, req.ID)
}

func (c *Client) GetConfiguration(ctx context.Context, id string) (*configuration.Configuration, error) {
	if err := configuration.ValidateID(id); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, &Request{
		Method: http.MethodGet,
		Path:   configurationPath(id),
	})
	if err != nil {
		return nil, err
	}
	return decodeConfiguration(resp, id)
}

// GetConfigurations returns at most maxCount configurations in the order the
// service lists them.
func (c *Client) GetConfigurations(ctx context.Context, maxCount int) ([]*configuration.Configuration, error) {
	if maxCount < 1 {
		return nil, fmt.Errorf("%w: maxCount must be positive, got %d", ErrInvalidArgument, maxCount)
	}

	resp, err := c.send(ctx, &Request{
		Method: http.MethodGet,
		Path:   "/configurations",
		Query:  url.Values{"top": []string{strconv.Itoa(maxCount)}},
	})
	if err != nil {
		return nil, err
	}

	var documents []json.RawMessage
	if err := json.Unmarshal(resp.Body, &documents); err != nil {
		return nil, serializationError(err)
	}
	if len(documents) > maxCount {
		documents = documents[:maxCount]
	}

	configurations := make([]*configuration.Configuration, 0, len(documents))
	for i, document := range documents {
		config, err := decodeDocument(document, "", "")
		if err != nil {
			for _, decoded := range configurations {
				decoded.Release()
			}
			return nil, fmt.Errorf("configuration %d: %w", i, err)
		}
		configurations = append(configurations, config)
	}
	return configurations, nil
}

// UpdateConfiguration replaces the mutable fields of a stored configuration.
// The write is conditional on req.ETag; without one it overwrites whatever
// version is stored.
func (c *Client) UpdateConfiguration(ctx context.Context, req *configuration.UpdateRequest) (*configuration.Configuration, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil update request", ErrInvalidArgument)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	resp, err := c.send(ctx, &Request{
		Method:  http.MethodPut,
		Path:    configurationPath(req.ID),
		Body:    body,
		IfMatch: ifMatch(req.ETag),
	})
	if err != nil {
		return nil, err
	}
	return decodeConfiguration(resp, req.ID)
}

// DeleteConfiguration removes a configuration. An empty etag deletes
// whatever version is stored.
func (c *Client) DeleteConfiguration(ctx context.Context, id string, etag string) error {
	if err := configuration.ValidateID(id); err != nil {
		return err
	}

	_, err := c.send(ctx, &Request{
		Method:  http.MethodDelete,
		Path:    configurationPath(id),
		IfMatch: ifMatch(etag),
	})
	return err
}

func (c *Client) send(ctx context.Context, req *Request) (*Response, error) {
	if c.Transport == nil {
		return nil, fmt.Errorf("%w: client has no transport", ErrInvalidArgument)
	}
	if req.Query == nil {
		req.Query = url.Values{}
	}
	apiVersion := c.APIVersion
	if apiVersion == "" {
		apiVersion = DefaultAPIVersion
	}
	req.Query.Set("api-version", apiVersion)
	req.MaxResponseBytes = c.MaxResponseBytes

	resp, err := c.Transport.Send(ctx, req)
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, handleError(resp)
	}
	if c.MaxResponseBytes > 0 && len(resp.Body) > c.MaxResponseBytes {
		return nil, &Error{
			Kind:       ErrOutOfMemory,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("response body exceeds %d bytes", c.MaxResponseBytes),
		}
	}
	return resp, nil
}

func decodeConfiguration(resp *Response, id string) (*configuration.Configuration, error) {
	return decodeDocument(resp.Body, unquoteETag(resp.ETag), id)
}

// decodeDocument decodes a stored configuration. The result must be bound:
// it needs an etag from the body or headerETag, and must carry id when id is
// set.
func decodeDocument(body []byte, headerETag string, id string) (*configuration.Configuration, error) {
	config := &configuration.Configuration{}
	if err := json.Unmarshal(body, config); err != nil {
		return nil, serializationError(err)
	}
	if config.ETag == "" {
		config.ETag = headerETag
	}
	if config.ETag == "" {
		configID := config.ID
		config.Release()
		return nil, fmt.Errorf("%w: configuration %q has no etag", ErrSerialization, configID)
	}
	if id != "" && config.ID != id {
		configID := config.ID
		config.Release()
		return nil, fmt.Errorf("%w: expected configuration %q, got %q", ErrSerialization, id, configID)
	}
	return config, nil
}

func serializationError(err error) error {
	if errors.Is(err, ErrSerialization) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrSerialization, err)
}

func configurationPath(id string) string {
	return "/configurations/" + url.PathEscape(id)
}

func ifMatch(etag string) string {
	if etag == "" || etag == "*" {
		return "*"
	}
	return `"` + etag + `"`
}

func unquoteETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}
