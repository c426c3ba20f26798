package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

// pairsFromMap converts a Terraform map into pairs ordered by name.
func pairsFromMap(ctx context.Context, attribute string, m types.Map) (configuration.Pairs[string], diag.Diagnostics) {
	var pairs configuration.Pairs[string]
	if m.IsNull() || m.IsUnknown() {
		return pairs, nil
	}

	values := make(map[string]string)
	diags := m.ElementsAs(ctx, &values, false)
	if diags.HasError() {
		return pairs, diags
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := pairs.Append(name, values[name]); err != nil {
			pairs.Release()
			diags.AddError(fmt.Sprintf("Invalid %s", attribute), err.Error())
			return configuration.Pairs[string]{}, diags
		}
	}
	return pairs, diags
}

func stringMapValue(p configuration.Pairs[string]) types.Map {
	elements := make(map[string]attr.Value, p.Len())
	p.Range(func(name, value string) bool {
		elements[name] = types.StringValue(value)
		return true
	})
	return types.MapValueMust(types.StringType, elements)
}

// userMapValue keeps a map the user left unset null when the hub reports it
// empty.
func userMapValue(current types.Map, p configuration.Pairs[string]) types.Map {
	if current.IsNull() && p.Len() == 0 {
		return types.MapNull(types.StringType)
	}
	return stringMapValue(p)
}

// resultMapValue renders metric results as JSON text.
func resultMapValue(p configuration.MetricsResult) types.Map {
	elements := make(map[string]attr.Value, p.Len())
	for i := 0; i < p.Len(); i++ {
		name, value := p.At(i)
		elements[name] = types.StringValue(string(value))
	}
	return types.MapValueMust(types.StringType, elements)
}

func timeValue(t time.Time) types.String {
	if t.IsZero() {
		return types.StringNull()
	}
	return types.StringValue(t.UTC().Format(time.RFC3339Nano))
}

// contentValue keeps the user's text while it still describes the stored
// document.
func contentValue(current types.String, remote string) types.String {
	if remote == "" {
		return types.StringNull()
	}
	if !current.IsNull() && !current.IsUnknown() && configuration.JSONEqual(current.ValueString(), remote) {
		return current
	}
	return types.StringValue(remote)
}
