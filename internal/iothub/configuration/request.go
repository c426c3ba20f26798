package configuration

import (
	"encoding/json"
	"fmt"
)

// CreateRequest describes a configuration that does not exist yet.
type CreateRequest struct {
	ID              string
	TargetCondition string
	Priority        int
	Content         Content
	Labels          Labels
	Metrics         MetricsDefinition
}

func (r *CreateRequest) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if r.Priority < 0 {
		return fmt.Errorf("%w: negative priority %d", ErrInvalidArgument, r.Priority)
	}
	if err := validateContent(r.Content); err != nil {
		return err
	}
	if !r.Labels.consistent() {
		return fmt.Errorf("%w: labels names and values disagree", ErrInvalidArgument)
	}
	if !r.Metrics.consistent() {
		return fmt.Errorf("%w: metrics names and queries disagree", ErrInvalidArgument)
	}
	return validateQueries(r.Metrics)
}

// Release frees the request's nested collections.
func (r *CreateRequest) Release() {
	r.Labels.Release()
	r.Metrics.Release()
	r.Content = Content{}
}

func (r *CreateRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireConfiguration{
		ID:              r.ID,
		SchemaVersion:   SchemaVersion1,
		Labels:          r.Labels,
		Content:         encodeContent(r.Content),
		TargetCondition: r.TargetCondition,
		Priority:        r.Priority,
		Metrics:         &wireMetrics{Queries: r.Metrics},
	})
}

// UpdateRequest rewrites the mutable fields of a stored configuration.
//
// An empty ETag makes the update unconditional: whatever is stored is
// overwritten, including changes made since the caller last read it.
type UpdateRequest struct {
	ID              string
	TargetCondition string
	Priority        int
	Labels          Labels
	Metrics         MetricsDefinition
	ETag            string

	// Content must stay nil. Configuration content is fixed at creation and
	// requests carrying it are rejected.
	Content *Content
}

func (r *UpdateRequest) Validate() error {
	if err := ValidateID(r.ID); err != nil {
		return err
	}
	if r.Content != nil {
		return fmt.Errorf("%w: content of configuration %q cannot be updated", ErrInvalidArgument, r.ID)
	}
	if r.Priority < 0 {
		return fmt.Errorf("%w: negative priority %d", ErrInvalidArgument, r.Priority)
	}
	if !r.Labels.consistent() {
		return fmt.Errorf("%w: labels names and values disagree", ErrInvalidArgument)
	}
	if !r.Metrics.consistent() {
		return fmt.Errorf("%w: metrics names and queries disagree", ErrInvalidArgument)
	}
	return validateQueries(r.Metrics)
}

func (r *UpdateRequest) Release() {
	r.Labels.Release()
	r.Metrics.Release()
}

func (r *UpdateRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireConfiguration{
		ID:              r.ID,
		SchemaVersion:   SchemaVersion1,
		Labels:          r.Labels,
		TargetCondition: r.TargetCondition,
		Priority:        r.Priority,
		Metrics:         &wireMetrics{Queries: r.Metrics},
		ETag:            r.ETag,
	})
}
