package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTokenTTL = time.Hour

// ConnectionString holds the parts of an IoT Hub service connection string.
type ConnectionString struct {
	HostName            string
	SharedAccessKeyName string
	SharedAccessKey     string
}

// ParseConnectionString parses
// "HostName=<hub>.azure-devices.net;SharedAccessKeyName=<policy>;SharedAccessKey=<key>".
func ParseConnectionString(s string) (*ConnectionString, error) {
	cs := &ConnectionString{}
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: malformed connection string segment %q", ErrInvalidArgument, key)
		}
		switch key {
		case "HostName":
			cs.HostName = value
		case "SharedAccessKeyName":
			cs.SharedAccessKeyName = value
		case "SharedAccessKey":
			cs.SharedAccessKey = value
		}
	}

	switch {
	case cs.HostName == "":
		return nil, fmt.Errorf("%w: connection string has no HostName", ErrInvalidArgument)
	case cs.SharedAccessKeyName == "":
		return nil, fmt.Errorf("%w: connection string has no SharedAccessKeyName", ErrInvalidArgument)
	case cs.SharedAccessKey == "":
		return nil, fmt.Errorf("%w: connection string has no SharedAccessKey", ErrInvalidArgument)
	}
	if _, err := base64.StdEncoding.DecodeString(cs.SharedAccessKey); err != nil {
		return nil, fmt.Errorf("%w: SharedAccessKey is not base64: %v", ErrInvalidArgument, err)
	}
	return cs, nil
}

// BaseURL is the service endpoint of the hub.
func (cs *ConnectionString) BaseURL() string {
	return "https://" + cs.HostName
}

// Credentials supply the Authorization header of every request.
type Credentials interface {
	Token() (string, error)
}

// StaticTokenCredentials sends a token minted elsewhere.
type StaticTokenCredentials string

func (t StaticTokenCredentials) Token() (string, error) {
	return string(t), nil
}

// SharedAccessKeyCredentials mints shared access signatures from a policy key.
type SharedAccessKeyCredentials struct {
	HostName string
	KeyName  string
	Key      string
	TTL      time.Duration

	now func() time.Time
}

func NewSharedAccessKeyCredentials(cs *ConnectionString) *SharedAccessKeyCredentials {
	return &SharedAccessKeyCredentials{
		HostName: cs.HostName,
		KeyName:  cs.SharedAccessKeyName,
		Key:      cs.SharedAccessKey,
		TTL:      defaultTokenTTL,
		now:      time.Now,
	}
}

func (c *SharedAccessKeyCredentials) Token() (string, error) {
	key, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return "", fmt.Errorf("decode shared access key: %w", err)
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	expiry := strconv.FormatInt(now().Add(ttl).Unix(), 10)
	resource := url.QueryEscape(strings.ToLower(c.HostName))

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(resource + "\n" + expiry))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=%s",
		resource, url.QueryEscape(signature), expiry, url.QueryEscape(c.KeyName)), nil
}
