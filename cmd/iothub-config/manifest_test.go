package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

const ecoManifest = `
id: fleet-eco-mode
targetCondition: tags.environment='prod'
priority: 10
content:
  deviceContent:
    properties.desired.mode: eco
    properties.desired.interval: 30
labels:
  zone: eu-west
  environment: prod
  owner: fleet-team
metrics:
  compliant: SELECT deviceId FROM devices WHERE properties.reported.mode = 'eco'
`

func TestLoadManifest(t *testing.T) {
	r := require.New(t)

	manifest, err := LoadManifest(strings.NewReader(ecoManifest))
	r.NoError(err)

	req, err := manifest.CreateRequest()
	r.NoError(err)
	defer req.Release()

	r.Equal("fleet-eco-mode", req.ID)
	r.Equal("tags.environment='prod'", req.TargetCondition)
	r.Equal(10, req.Priority)
	r.JSONEq(`{"properties.desired.mode":"eco","properties.desired.interval":30}`, req.Content.DeviceContent)
	r.Empty(req.Content.ModuleContent)
	r.Equal([]string{"zone", "environment", "owner"}, req.Labels.Names(), "labels keep document order")
	r.Equal(1, req.Metrics.Len())
}

func TestLoadManifest_JSONStringContent(t *testing.T) {
	manifest, err := LoadManifest(strings.NewReader(`
id: modules
content:
  moduleContent: '{"$edgeAgent":{"properties.desired":{}}}'
`))
	require.NoError(t, err)

	req, err := manifest.CreateRequest()
	require.NoError(t, err)
	assert.Equal(t, `{"$edgeAgent":{"properties.desired":{}}}`, req.Content.ModuleContent)
	assert.Equal(t, 0, req.Labels.Len())
}

func TestLoadManifest_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown field": `
id: cfg
contents: {}
`,
		"no content": `
id: cfg
`,
		"content string not json": `
id: cfg
content:
  deviceContent: not json
`,
		"duplicate label": `
id: cfg
content:
  deviceContent: {}
labels:
  env: prod
  env: dev
`,
		"nested label": `
id: cfg
content:
  deviceContent: {}
labels:
  env:
    name: prod
`,
		"labels not a mapping": `
id: cfg
content:
  deviceContent: {}
labels: [a, b]
`,
		"bad id": `
id: Not_Valid
content:
  deviceContent: {}
`,
		"empty metric query": `
id: cfg
content:
  deviceContent: {}
metrics:
  compliant: ""
`,
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			manifest, err := LoadManifest(strings.NewReader(input))
			if err == nil {
				_, err = manifest.CreateRequest()
			}
			require.Error(t, err)
		})
	}
}

func TestLoadManifest_InvalidArgument(t *testing.T) {
	manifest, err := LoadManifest(strings.NewReader(`
id: cfg
content:
  deviceContent: {}
labels: [a, b]
`))
	require.NoError(t, err)
	_, err = manifest.CreateRequest()
	require.ErrorIs(t, err, configuration.ErrInvalidArgument)
}
