package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
)

// Ensure provider defined types fully satisfy framework interfaces
var _ datasource.DataSource = &ConfigurationDataSource{}

func NewConfigurationDataSource() datasource.DataSource {
	return &ConfigurationDataSource{}
}

// ConfigurationDataSource defines the data source implementation.
type ConfigurationDataSource struct {
	client *iothub.Client
}

type ConfigurationDataSourceModel struct {
	ID                  types.String `tfsdk:"id"`
	TargetCondition     types.String `tfsdk:"target_condition"`
	Priority            types.Int64  `tfsdk:"priority"`
	DeviceContent       types.String `tfsdk:"device_content"`
	ModuleContent       types.String `tfsdk:"module_content"`
	Labels              types.Map    `tfsdk:"labels"`
	Metrics             types.Map    `tfsdk:"metrics"`
	ETag                types.String `tfsdk:"etag"`
	SchemaVersion       types.String `tfsdk:"schema_version"`
	ContentType         types.String `tfsdk:"content_type"`
	CreatedTimeUTC      types.String `tfsdk:"created_time_utc"`
	LastUpdatedTimeUTC  types.String `tfsdk:"last_updated_time_utc"`
	MetricResults       types.Map    `tfsdk:"metric_results"`
	SystemMetrics       types.Map    `tfsdk:"system_metrics"`
	SystemMetricResults types.Map    `tfsdk:"system_metric_results"`
}

func configurationDataSourceModel(config *configuration.Configuration) ConfigurationDataSourceModel {
	return ConfigurationDataSourceModel{
		ID:                  types.StringValue(config.ID),
		TargetCondition:     types.StringValue(config.TargetCondition),
		Priority:            types.Int64Value(int64(config.Priority)),
		DeviceContent:       contentValue(types.StringNull(), config.Content.DeviceContent),
		ModuleContent:       contentValue(types.StringNull(), config.Content.ModuleContent),
		Labels:              stringMapValue(config.Labels),
		Metrics:             stringMapValue(config.MetricsDefinition),
		ETag:                types.StringValue(config.ETag),
		SchemaVersion:       types.StringValue(config.SchemaVersion),
		ContentType:         types.StringValue(config.ContentType),
		CreatedTimeUTC:      timeValue(config.CreatedTimeUTC),
		LastUpdatedTimeUTC:  timeValue(config.LastUpdatedTimeUTC),
		MetricResults:       resultMapValue(config.MetricResult),
		SystemMetrics:       stringMapValue(config.SystemMetricsDefinition),
		SystemMetricResults: resultMapValue(config.SystemMetricsResult),
	}
}

// configurationAttributes are the attributes describing one stored
// configuration. The id is required when idRequired is set.
func configurationAttributes(idRequired bool) map[string]schema.Attribute {
	return map[string]schema.Attribute{
		"id": schema.StringAttribute{
			Required:    idRequired,
			Computed:    !idRequired,
			Description: "The configuration id",
		},
		"target_condition": schema.StringAttribute{
			Computed:    true,
			Description: "Query selecting the devices the configuration applies to",
		},
		"priority": schema.Int64Attribute{
			Computed:    true,
			Description: "Priority of the configuration",
		},
		"device_content": schema.StringAttribute{
			Computed:    true,
			Description: "JSON document applied to the device twins",
		},
		"module_content": schema.StringAttribute{
			Computed:    true,
			Description: "JSON document applied to the module twins",
		},
		"labels": schema.MapAttribute{
			Computed:    true,
			ElementType: types.StringType,
		},
		"metrics": schema.MapAttribute{
			Computed:    true,
			ElementType: types.StringType,
			Description: "Custom metric queries by name",
		},
		"etag": schema.StringAttribute{
			Computed: true,
		},
		"schema_version": schema.StringAttribute{
			Computed: true,
		},
		"content_type": schema.StringAttribute{
			Computed: true,
		},
		"created_time_utc": schema.StringAttribute{
			Computed: true,
		},
		"last_updated_time_utc": schema.StringAttribute{
			Computed: true,
		},
		"metric_results": schema.MapAttribute{
			Computed:    true,
			ElementType: types.StringType,
		},
		"system_metrics": schema.MapAttribute{
			Computed:    true,
			ElementType: types.StringType,
		},
		"system_metric_results": schema.MapAttribute{
			Computed:    true,
			ElementType: types.StringType,
		},
	}
}

func (d *ConfigurationDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_configuration"
}

func (d *ConfigurationDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Returns a stored IoT Hub device configuration",
		Attributes:  configurationAttributes(true),
	}
}

func (d *ConfigurationDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	// Prevent panic if the provider has not been configured.
	if req.ProviderData == nil {
		return
	}

	client, ok := req.ProviderData.(*iothub.Client)

	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Data Source Configure Type",
			fmt.Sprintf("Expected *iothub.Client, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)

		return
	}

	d.client = client
}

func (d *ConfigurationDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data ConfigurationDataSourceModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)

	if resp.Diagnostics.HasError() {
		return
	}

	config, err := d.client.GetConfiguration(ctx, data.ID.ValueString())
	if err != nil {
		resp.Diagnostics.AddError("Unable to read IoT Hub configuration", err.Error())
		return
	}
	defer config.Release()

	data = configurationDataSourceModel(config)

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}
