package provider

import (
	"context"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
)

type jsonDocumentValidator struct{}

// Description returns a plain text description of the validator's behavior, suitable for a practitioner to understand its impact.
func (v jsonDocumentValidator) Description(ctx context.Context) string {
	return "value must be a JSON document, for example the result of jsonencode()"
}

// MarkdownDescription returns a markdown formatted description of the validator's behavior, suitable for a practitioner to understand its impact.
func (v jsonDocumentValidator) MarkdownDescription(ctx context.Context) string {
	return "value must be a JSON document, for example the result of `jsonencode()`"
}

// ValidateString Validate runs the main validation logic of the validator, reading configuration data out of `req` and updating `resp` with diagnostics.
func (v jsonDocumentValidator) ValidateString(ctx context.Context, req validator.StringRequest, resp *validator.StringResponse) {
	// If the value is unknown or null, there is nothing to validate.
	if req.ConfigValue.IsUnknown() || req.ConfigValue.IsNull() {
		return
	}

	if !govalidator.IsJSON(req.ConfigValue.ValueString()) {
		resp.Diagnostics.AddAttributeError(
			req.Path,
			"Invalid JSON document",
			"Configuration content must be a JSON document. Use jsonencode() to build it from an HCL object.",
		)
	}
}

type durationValidator struct{}

func (v durationValidator) Description(ctx context.Context) string {
	return "value must be a Go duration such as 30s or 2m"
}

func (v durationValidator) MarkdownDescription(ctx context.Context) string {
	return "value must be a Go duration such as `30s` or `2m`"
}

func (v durationValidator) ValidateString(ctx context.Context, req validator.StringRequest, resp *validator.StringResponse) {
	if req.ConfigValue.IsUnknown() || req.ConfigValue.IsNull() {
		return
	}

	d, err := time.ParseDuration(req.ConfigValue.ValueString())
	if err != nil || d <= 0 {
		resp.Diagnostics.AddAttributeError(
			req.Path,
			"Invalid duration",
			"Expected a positive Go duration such as 30s or 2m, got "+req.ConfigValue.String(),
		)
	}
}
