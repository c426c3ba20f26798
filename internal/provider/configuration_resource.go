package provider

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-timeouts/resource/timeouts"
	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/resourcevalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/int64planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/planmodifier"
	"github.com/hashicorp/terraform-plugin-framework/resource/schema/stringplanmodifier"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	sdkresource "github.com/hashicorp/terraform-plugin-sdk/v2/helper/resource"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

const (
	defaultCreateTimeout = 5 * time.Minute
	defaultUpdateTimeout = 5 * time.Minute
	defaultDeleteTimeout = 5 * time.Minute
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ resource.Resource = &ConfigurationResource{}
var _ resource.ResourceWithImportState = &ConfigurationResource{}
var _ resource.ResourceWithConfigure = &ConfigurationResource{}
var _ resource.ResourceWithConfigValidators = &ConfigurationResource{}

func NewConfigurationResource() resource.Resource {
	return &ConfigurationResource{}
}

// ConfigurationResource defines the resource implementation.
type ConfigurationResource struct {
	client *iothub.Client
}

// ConfigurationResourceModel describes the resource data model.
type ConfigurationResourceModel struct {
	ID                  types.String   `tfsdk:"id"`
	TargetCondition     types.String   `tfsdk:"target_condition"`
	Priority            types.Int64    `tfsdk:"priority"`
	DeviceContent       types.String   `tfsdk:"device_content"`
	ModuleContent       types.String   `tfsdk:"module_content"`
	Labels              types.Map      `tfsdk:"labels"`
	Metrics             types.Map      `tfsdk:"metrics"`
	ETag                types.String   `tfsdk:"etag"`
	SchemaVersion       types.String   `tfsdk:"schema_version"`
	ContentType         types.String   `tfsdk:"content_type"`
	CreatedTimeUTC      types.String   `tfsdk:"created_time_utc"`
	LastUpdatedTimeUTC  types.String   `tfsdk:"last_updated_time_utc"`
	MetricResults       types.Map      `tfsdk:"metric_results"`
	SystemMetrics       types.Map      `tfsdk:"system_metrics"`
	SystemMetricResults types.Map      `tfsdk:"system_metric_results"`
	Timeouts            timeouts.Value `tfsdk:"timeouts"`
}

// apply copies a stored configuration into the model.
func (m *ConfigurationResourceModel) apply(config *configuration.Configuration) {
	m.ID = types.StringValue(config.ID)
	m.TargetCondition = types.StringValue(config.TargetCondition)
	m.Priority = types.Int64Value(int64(config.Priority))
	m.DeviceContent = contentValue(m.DeviceContent, config.Content.DeviceContent)
	m.ModuleContent = contentValue(m.ModuleContent, config.Content.ModuleContent)
	m.Labels = userMapValue(m.Labels, config.Labels)
	m.Metrics = userMapValue(m.Metrics, config.MetricsDefinition)
	m.ETag = types.StringValue(config.ETag)
	m.SchemaVersion = types.StringValue(config.SchemaVersion)
	m.ContentType = types.StringValue(config.ContentType)
	m.CreatedTimeUTC = timeValue(config.CreatedTimeUTC)
	m.LastUpdatedTimeUTC = timeValue(config.LastUpdatedTimeUTC)
	m.MetricResults = resultMapValue(config.MetricResult)
	m.SystemMetrics = stringMapValue(config.SystemMetricsDefinition)
	m.SystemMetricResults = resultMapValue(config.SystemMetricsResult)
}

func (r *ConfigurationResource) Metadata(ctx context.Context, req resource.MetadataRequest, resp *resource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_configuration"
}

func (r *ConfigurationResource) Schema(ctx context.Context, req resource.SchemaRequest, resp *resource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Creates and manages an IoT Hub device configuration. " +
			"A configuration applies device or module twin content to every device matching its target condition.",
		MarkdownDescription: "Creates and manages an IoT Hub device configuration.\n\n" +
			"A configuration applies device or module twin content to every device matching its target condition. " +
			"When several configurations target the same device the one with the highest `priority` wins.\n\n" +
			"Content cannot change after creation: changing `device_content` or `module_content` replaces the configuration.",
		Attributes: map[string]schema.Attribute{
			"id": schema.StringAttribute{
				Required:            true,
				Description:         "The configuration id. Lowercase letters, digits and -:+%_#*?!(),=@;$' only.",
				MarkdownDescription: "The configuration id. Lowercase letters, digits and `-:+%_#*?!(),=@;$'` only.",
				Validators: []validator.String{
					stringvalidator.LengthBetween(1, configuration.MaxIDLength),
					stringvalidator.RegexMatches(
						configuration.IDPattern,
						"must contain only lowercase letters, digits and -:+%_#*?!(),=@;$'",
					),
				},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"target_condition": schema.StringAttribute{
				Optional:            true,
				Computed:            true,
				Description:         "Query selecting the devices the configuration applies to, for example tags.environment='prod'.",
				MarkdownDescription: "Query selecting the devices the configuration applies to, for example `tags.environment='prod'`.",
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"priority": schema.Int64Attribute{
				Optional:    true,
				Computed:    true,
				Description: "Priority used to resolve conflicts between configurations targeting the same device.",
				Validators: []validator.Int64{
					int64validator.AtLeast(0),
				},
				PlanModifiers: []planmodifier.Int64{
					int64planmodifier.UseStateForUnknown(),
				},
			},
			"device_content": schema.StringAttribute{
				Optional:            true,
				Description:         "JSON document applied to the device twins.",
				MarkdownDescription: "JSON document applied to the device twins, usually built with `jsonencode()`.",
				Validators: []validator.String{
					jsonDocumentValidator{},
				},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"module_content": schema.StringAttribute{
				Optional:            true,
				Description:         "JSON document applied to the module twins.",
				MarkdownDescription: "JSON document applied to the module twins, usually built with `jsonencode()`.",
				Validators: []validator.String{
					jsonDocumentValidator{},
				},
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.RequiresReplace(),
				},
			},
			"labels": schema.MapAttribute{
				Optional:    true,
				ElementType: types.StringType,
				Description: "Labels attached to the configuration.",
			},
			"metrics": schema.MapAttribute{
				Optional:    true,
				ElementType: types.StringType,
				Description: "Custom metric queries by name.",
			},
			"etag": schema.StringAttribute{
				Computed:    true,
				Description: "Version of the stored configuration. Every update is conditional on it.",
			},
			"schema_version": schema.StringAttribute{
				Computed: true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"content_type": schema.StringAttribute{
				Computed: true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"created_time_utc": schema.StringAttribute{
				Computed: true,
				PlanModifiers: []planmodifier.String{
					stringplanmodifier.UseStateForUnknown(),
				},
			},
			"last_updated_time_utc": schema.StringAttribute{
				Computed: true,
			},
			"metric_results": schema.MapAttribute{
				Computed:    true,
				ElementType: types.StringType,
				Description: "Results of the custom metric queries, as JSON.",
			},
			"system_metrics": schema.MapAttribute{
				Computed:    true,
				ElementType: types.StringType,
				Description: "Queries of the metrics maintained by IoT Hub.",
			},
			"system_metric_results": schema.MapAttribute{
				Computed:    true,
				ElementType: types.StringType,
				Description: "Results of the metrics maintained by IoT Hub, as JSON.",
			},
		},
		Blocks: map[string]schema.Block{
			"timeouts": timeouts.Block(ctx, timeouts.Opts{
				Create: true,
				Update: true,
				Delete: true,
			}),
		},
	}
}

func (r *ConfigurationResource) ConfigValidators(ctx context.Context) []resource.ConfigValidator {
	return []resource.ConfigValidator{
		resourcevalidator.AtLeastOneOf(
			path.MatchRoot("device_content"),
			path.MatchRoot("module_content"),
		),
	}
}

func (r *ConfigurationResource) Configure(ctx context.Context, req resource.ConfigureRequest, resp *resource.ConfigureResponse) {
	if req.ProviderData == nil {
		return
	}

	client, ok := req.ProviderData.(*iothub.Client)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Resource Configure Type",
			fmt.Sprintf("Expected *iothub.Client, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)
		return
	}

	r.client = client
}

func (r *ConfigurationResource) Create(ctx context.Context, req resource.CreateRequest, resp *resource.CreateResponse) {
	var data ConfigurationResourceModel

	resp.Diagnostics.Append(req.Plan.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	createTimeout, diags := data.Timeouts.Create(ctx, defaultCreateTimeout)
	resp.Diagnostics.Append(diags...)

	labels, diags := pairsFromMap(ctx, "labels", data.Labels)
	resp.Diagnostics.Append(diags...)

	metrics, diags := pairsFromMap(ctx, "metrics", data.Metrics)
	resp.Diagnostics.Append(diags...)

	if resp.Diagnostics.HasError() {
		return
	}

	createReq := &configuration.CreateRequest{
		ID:              data.ID.ValueString(),
		TargetCondition: data.TargetCondition.ValueString(),
		Priority:        int(data.Priority.ValueInt64()),
		Content: configuration.Content{
			DeviceContent: data.DeviceContent.ValueString(),
			ModuleContent: data.ModuleContent.ValueString(),
		},
		Labels:  labels,
		Metrics: metrics,
	}
	defer createReq.Release()

	var (
		config   *configuration.Configuration
		attempts int
	)
	err := retryRemote(ctx, createTimeout, func() (err error) {
		attempts++
		config, err = r.client.CreateConfiguration(ctx, createReq)
		if attempts > 1 && errors.Is(err, iothub.ErrAlreadyExists) {
			// An earlier attempt landed even though its response was lost.
			config, err = r.client.GetConfiguration(ctx, createReq.ID)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, iothub.ErrAlreadyExists) {
			resp.Diagnostics.AddError(
				"Configuration already exists",
				fmt.Sprintf("Configuration %q already exists. Import it with terraform import to manage it.", createReq.ID),
			)
			return
		}
		resp.Diagnostics.AddError("Error creating configuration", err.Error())
		return
	}
	defer config.Release()

	data.apply(config)

	tflog.Trace(ctx, "created configuration resource", map[string]interface{}{
		"id":   config.ID,
		"etag": config.ETag,
	})

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *ConfigurationResource) Read(ctx context.Context, req resource.ReadRequest, resp *resource.ReadResponse) {
	var data ConfigurationResourceModel

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	config, err := r.client.GetConfiguration(ctx, data.ID.ValueString())
	if err != nil {
		if errors.Is(err, iothub.ErrNotFound) {
			tflog.Warn(ctx, "IoT Hub configuration not found, removing from state", map[string]interface{}{
				"id": data.ID.ValueString(),
			})
			resp.State.RemoveResource(ctx)
			return
		}
		resp.Diagnostics.AddError("Error reading configuration", err.Error())
		return
	}
	defer config.Release()

	data.apply(config)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

func (r *ConfigurationResource) Update(ctx context.Context, req resource.UpdateRequest, resp *resource.UpdateResponse) {
	var plan ConfigurationResourceModel
	var state ConfigurationResourceModel

	resp.Diagnostics.Append(req.Plan.Get(ctx, &plan)...)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(req.State.Get(ctx, &state)...)
	if resp.Diagnostics.HasError() {
		return
	}

	updateTimeout, diags := plan.Timeouts.Update(ctx, defaultUpdateTimeout)
	resp.Diagnostics.Append(diags...)

	labels, diags := pairsFromMap(ctx, "labels", plan.Labels)
	resp.Diagnostics.Append(diags...)

	metrics, diags := pairsFromMap(ctx, "metrics", plan.Metrics)
	resp.Diagnostics.Append(diags...)

	if resp.Diagnostics.HasError() {
		return
	}

	updateReq := &configuration.UpdateRequest{
		ID:              state.ID.ValueString(),
		TargetCondition: plan.TargetCondition.ValueString(),
		Priority:        int(plan.Priority.ValueInt64()),
		Labels:          labels,
		Metrics:         metrics,
		ETag:            state.ETag.ValueString(),
	}
	defer updateReq.Release()

	var (
		config   *configuration.Configuration
		attempts int
	)
	err := retryRemote(ctx, updateTimeout, func() (err error) {
		attempts++
		config, err = r.client.UpdateConfiguration(ctx, updateReq)
		if attempts > 1 && errors.Is(err, iothub.ErrPreconditionFailed) {
			// An earlier attempt may have landed and moved the etag on.
			if stored, getErr := r.client.GetConfiguration(ctx, updateReq.ID); getErr == nil {
				if updateApplied(stored, updateReq) {
					config = stored
					return nil
				}
				stored.Release()
			}
		}
		return err
	})
	if err != nil {
		if errors.Is(err, iothub.ErrPreconditionFailed) {
			resp.Diagnostics.AddError(
				"Configuration changed outside Terraform",
				fmt.Sprintf("Configuration %q no longer has etag %q. Refresh the state and apply again.",
					updateReq.ID, updateReq.ETag),
			)
			return
		}
		resp.Diagnostics.AddError("Error updating configuration", err.Error())
		return
	}
	defer config.Release()

	plan.apply(config)

	tflog.Trace(ctx, "updated configuration resource", map[string]interface{}{
		"id":   config.ID,
		"etag": config.ETag,
	})

	resp.Diagnostics.Append(resp.State.Set(ctx, &plan)...)
}

func (r *ConfigurationResource) Delete(ctx context.Context, req resource.DeleteRequest, resp *resource.DeleteResponse) {
	var data ConfigurationResourceModel

	resp.Diagnostics.Append(req.State.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	deleteTimeout, diags := data.Timeouts.Delete(ctx, defaultDeleteTimeout)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}

	err := retryRemote(ctx, deleteTimeout, func() error {
		return r.client.DeleteConfiguration(ctx, data.ID.ValueString(), data.ETag.ValueString())
	})
	if err != nil {
		if errors.Is(err, iothub.ErrNotFound) {
			tflog.Warn(ctx, "IoT Hub configuration already deleted", map[string]interface{}{
				"id": data.ID.ValueString(),
			})
			return
		}
		resp.Diagnostics.AddError("Error deleting configuration", err.Error())
		return
	}

	tflog.Trace(ctx, "deleted configuration resource", map[string]interface{}{
		"id": data.ID.ValueString(),
	})
}

func (r *ConfigurationResource) ImportState(ctx context.Context, req resource.ImportStateRequest, resp *resource.ImportStateResponse) {
	resource.ImportStatePassthroughID(ctx, path.Root("id"), req, resp)
}

// retryRemote repeats fn while it fails with a retryable remote error.
// updateApplied reports whether stored already carries every field req writes.
func updateApplied(stored *configuration.Configuration, req *configuration.UpdateRequest) bool {
	return stored.TargetCondition == req.TargetCondition &&
		stored.Priority == req.Priority &&
		reflect.DeepEqual(stored.Labels.Map(), req.Labels.Map()) &&
		reflect.DeepEqual(stored.MetricsDefinition.Map(), req.Metrics.Map())
}

func retryRemote(ctx context.Context, timeout time.Duration, fn func() error) error {
	return sdkresource.RetryContext(ctx, timeout, func() *sdkresource.RetryError {
		err := fn()
		if err == nil {
			return nil
		}
		if iothub.IsRetryable(err) {
			tflog.Warn(ctx, "retrying IoT Hub request", map[string]interface{}{
				"error": err.Error(),
			})
			return sdkresource.RetryableError(err)
		}
		return sdkresource.NonRetryableError(err)
	})
}
