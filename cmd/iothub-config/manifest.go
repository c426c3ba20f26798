package main

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

// Manifest is the YAML description of a configuration read by apply.
//
//	id: fleet-eco-mode
//	targetCondition: tags.environment='prod'
//	priority: 10
//	content:
//	  deviceContent:
//	    properties.desired.mode: eco
//	labels:
//	  environment: prod
//	metrics:
//	  compliant: SELECT deviceId FROM devices WHERE properties.reported.mode = 'eco'
//
// Content documents may be YAML mappings or JSON strings. Labels and metrics
// keep the order they are written in.
type Manifest struct {
	ID              string          `yaml:"id"`
	TargetCondition string          `yaml:"targetCondition"`
	Priority        int             `yaml:"priority"`
	Content         manifestContent `yaml:"content"`
	Labels          yaml.Node       `yaml:"labels"`
	Metrics         yaml.Node       `yaml:"metrics"`
}

type manifestContent struct {
	DeviceContent yaml.Node `yaml:"deviceContent"`
	ModuleContent yaml.Node `yaml:"moduleContent"`
}

func LoadManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// CreateRequest converts the manifest into a validated create request.
func (m *Manifest) CreateRequest() (*configuration.CreateRequest, error) {
	deviceContent, err := contentDocument(&m.Content.DeviceContent)
	if err != nil {
		return nil, fmt.Errorf("deviceContent: %w", err)
	}
	moduleContent, err := contentDocument(&m.Content.ModuleContent)
	if err != nil {
		return nil, fmt.Errorf("moduleContent: %w", err)
	}
	labels, err := orderedPairs(&m.Labels)
	if err != nil {
		return nil, fmt.Errorf("labels: %w", err)
	}
	metrics, err := orderedPairs(&m.Metrics)
	if err != nil {
		labels.Release()
		return nil, fmt.Errorf("metrics: %w", err)
	}

	req := &configuration.CreateRequest{
		ID:              m.ID,
		TargetCondition: m.TargetCondition,
		Priority:        m.Priority,
		Content: configuration.Content{
			DeviceContent: deviceContent,
			ModuleContent: moduleContent,
		},
		Labels:  labels,
		Metrics: metrics,
	}
	if err := req.Validate(); err != nil {
		req.Release()
		return nil, err
	}
	return req, nil
}

// orderedPairs reads a mapping of scalars in document order.
func orderedPairs(node *yaml.Node) (configuration.Pairs[string], error) {
	var pairs configuration.Pairs[string]
	if node.Kind == 0 || node.Tag == "!!null" {
		return pairs, nil
	}
	if node.Kind != yaml.MappingNode {
		return pairs, fmt.Errorf("%w: line %d: expected a mapping", configuration.ErrInvalidArgument, node.Line)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		if value.Kind != yaml.ScalarNode {
			pairs.Release()
			return configuration.Pairs[string]{}, fmt.Errorf("%w: line %d: value of %q must be a string",
				configuration.ErrInvalidArgument, value.Line, key.Value)
		}
		if err := pairs.Append(key.Value, value.Value); err != nil {
			pairs.Release()
			return configuration.Pairs[string]{}, fmt.Errorf("line %d: %w", key.Line, err)
		}
	}
	return pairs, nil
}

// contentDocument renders a content node as JSON text.
func contentDocument(node *yaml.Node) (string, error) {
	switch {
	case node.Kind == 0 || node.Tag == "!!null":
		return "", nil
	case node.Kind == yaml.ScalarNode:
		return node.Value, nil
	}

	var document interface{}
	if err := node.Decode(&document); err != nil {
		return "", err
	}
	data, err := json.Marshal(document)
	if err != nil {
		return "", fmt.Errorf("%w: line %d: %v", configuration.ErrInvalidArgument, node.Line, err)
	}
	return string(data), nil
}
