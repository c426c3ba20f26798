package configuration

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

const SchemaVersion1 = "1.0"

// State is the lifecycle stage of a Configuration value held by a client.
type State int

const (
	// Unbound values have no remote counterpart yet.
	Unbound State = iota
	// Bound values carry the id and etag of a stored configuration.
	Bound
	// Released values had their members freed with Release.
	Released
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Bound:
		return "bound"
	case Released:
		return "released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Content holds the JSON documents applied to devices and modules.
type Content struct {
	DeviceContent string
	ModuleContent string
}

func (c Content) IsEmpty() bool {
	return c.DeviceContent == "" && c.ModuleContent == ""
}

// Equivalent reports whether c and other hold the same documents, ignoring
// formatting and key order.
func (c Content) Equivalent(other Content) bool {
	return JSONEqual(c.DeviceContent, other.DeviceContent) && JSONEqual(c.ModuleContent, other.ModuleContent)
}

// JSONEqual reports whether a and b encode the same JSON value.
func JSONEqual(a, b string) bool {
	if a == b {
		return true
	}
	var left, right interface{}
	if json.Unmarshal([]byte(a), &left) != nil || json.Unmarshal([]byte(b), &right) != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}

// Configuration is a device configuration as stored by IoT Hub.
type Configuration struct {
	ID              string
	SchemaVersion   string
	ETag            string
	TargetCondition string
	Priority        int

	Content     Content
	ContentType string
	Labels      Labels

	CreatedTimeUTC     time.Time
	LastUpdatedTimeUTC time.Time

	MetricsDefinition       MetricsDefinition
	MetricResult            MetricsResult
	SystemMetricsDefinition MetricsDefinition
	SystemMetricsResult     MetricsResult

	released bool
}

// State is derived from the members: a released value becomes Unbound or
// Bound again as soon as the caller assigns an id or decodes into it.
func (c *Configuration) State() State {
	switch {
	case c.ID != "" && c.ETag != "":
		return Bound
	case c.released && c.ID == "":
		return Released
	default:
		return Unbound
	}
}

// Release frees every member of c while leaving c itself usable. Releasing
// twice is a no-op.
func (c *Configuration) Release() {
	if c.State() == Released {
		return
	}
	c.Labels.Release()
	c.MetricsDefinition.Release()
	c.MetricResult.Release()
	c.SystemMetricsDefinition.Release()
	c.SystemMetricsResult.Release()
	*c = Configuration{released: true}
}

// UpdateRequest returns a request that rewrites c's mutable fields under the
// etag c was read with. Content is left out: it cannot change after creation.
func (c *Configuration) UpdateRequest() (*UpdateRequest, error) {
	if state := c.State(); state != Bound {
		return nil, fmt.Errorf("%w: configuration %q is %s", ErrInvalidArgument, c.ID, state)
	}
	return &UpdateRequest{
		ID:              c.ID,
		TargetCondition: c.TargetCondition,
		Priority:        c.Priority,
		Labels:          c.Labels.Clone(),
		Metrics:         c.MetricsDefinition.Clone(),
		ETag:            c.ETag,
	}, nil
}

// Validate checks the structural invariants of a decoded configuration.
func (c *Configuration) Validate() error {
	if c.State() == Released {
		return fmt.Errorf("%w: configuration has been released", ErrInvalidArgument)
	}
	if err := ValidateID(c.ID); err != nil {
		return err
	}
	if c.Priority < 0 {
		return fmt.Errorf("%w: negative priority %d", ErrInvalidArgument, c.Priority)
	}
	for _, check := range []struct {
		name       string
		consistent bool
	}{
		{"labels", c.Labels.consistent()},
		{"metrics definition", c.MetricsDefinition.consistent()},
		{"metrics result", c.MetricResult.consistent()},
		{"system metrics definition", c.SystemMetricsDefinition.consistent()},
		{"system metrics result", c.SystemMetricsResult.consistent()},
	} {
		if !check.consistent {
			return fmt.Errorf("%w: %s names and values disagree", ErrInvalidArgument, check.name)
		}
	}
	return nil
}

type wireContent struct {
	DeviceContent json.RawMessage `json:"deviceContent,omitempty"`
	ModuleContent json.RawMessage `json:"moduleContent,omitempty"`
}

type wireMetrics struct {
	Queries MetricsDefinition `json:"queries"`
	Results MetricsResult     `json:"results"`
}

type wireConfiguration struct {
	ID                 string       `json:"id"`
	SchemaVersion      string       `json:"schemaVersion,omitempty"`
	Labels             Labels       `json:"labels"`
	Content            *wireContent `json:"content,omitempty"`
	ContentType        string       `json:"contentType,omitempty"`
	TargetCondition    string       `json:"targetCondition"`
	CreatedTimeUTC     *time.Time   `json:"createdTimeUtc,omitempty"`
	LastUpdatedTimeUTC *time.Time   `json:"lastUpdatedTimeUtc,omitempty"`
	Priority           int          `json:"priority"`
	SystemMetrics      *wireMetrics `json:"systemMetrics,omitempty"`
	Metrics            *wireMetrics `json:"metrics,omitempty"`
	ETag               string       `json:"etag,omitempty"`
}

func (c Configuration) MarshalJSON() ([]byte, error) {
	w := wireConfiguration{
		ID:              c.ID,
		SchemaVersion:   c.SchemaVersion,
		Labels:          c.Labels,
		Content:         encodeContent(c.Content),
		ContentType:     c.ContentType,
		TargetCondition: c.TargetCondition,
		Priority:        c.Priority,
		SystemMetrics:   &wireMetrics{Queries: c.SystemMetricsDefinition, Results: c.SystemMetricsResult},
		Metrics:         &wireMetrics{Queries: c.MetricsDefinition, Results: c.MetricResult},
		ETag:            c.ETag,
	}
	if !c.CreatedTimeUTC.IsZero() {
		w.CreatedTimeUTC = &c.CreatedTimeUTC
	}
	if !c.LastUpdatedTimeUTC.IsZero() {
		w.LastUpdatedTimeUTC = &c.LastUpdatedTimeUTC
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a configuration document. On failure c is left
// untouched and nothing decoded so far is retained.
func (c *Configuration) UnmarshalJSON(data []byte) error {
	var w wireConfiguration
	if err := json.Unmarshal(data, &w); err != nil {
		releaseWire(&w)
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	decoded := Configuration{
		ID:              w.ID,
		SchemaVersion:   w.SchemaVersion,
		ETag:            w.ETag,
		TargetCondition: w.TargetCondition,
		Priority:        w.Priority,
		ContentType:     w.ContentType,
		Labels:          w.Labels,
	}
	if w.Content != nil {
		decoded.Content = Content{
			DeviceContent: contentString(w.Content.DeviceContent),
			ModuleContent: contentString(w.Content.ModuleContent),
		}
	}
	if w.CreatedTimeUTC != nil {
		decoded.CreatedTimeUTC = *w.CreatedTimeUTC
	}
	if w.LastUpdatedTimeUTC != nil {
		decoded.LastUpdatedTimeUTC = *w.LastUpdatedTimeUTC
	}
	if w.Metrics != nil {
		decoded.MetricsDefinition = w.Metrics.Queries
		decoded.MetricResult = w.Metrics.Results
	}
	if w.SystemMetrics != nil {
		decoded.SystemMetricsDefinition = w.SystemMetrics.Queries
		decoded.SystemMetricsResult = w.SystemMetrics.Results
	}

	if err := decoded.Validate(); err != nil {
		decoded.Release()
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	*c = decoded
	return nil
}

func releaseWire(w *wireConfiguration) {
	w.Labels.Release()
	if w.Metrics != nil {
		w.Metrics.Queries.Release()
		w.Metrics.Results.Release()
	}
	if w.SystemMetrics != nil {
		w.SystemMetrics.Queries.Release()
		w.SystemMetrics.Results.Release()
	}
}

func encodeContent(c Content) *wireContent {
	if c.IsEmpty() {
		return nil
	}
	w := &wireContent{}
	if c.DeviceContent != "" {
		w.DeviceContent = json.RawMessage(c.DeviceContent)
	}
	if c.ModuleContent != "" {
		w.ModuleContent = json.RawMessage(c.ModuleContent)
	}
	return w
}

func contentString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw)
}
