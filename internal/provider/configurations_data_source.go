package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
)

const (
	defaultMaxCount = 20
	maxMaxCount     = 100
)

// Ensure provider defined types fully satisfy framework interfaces
var _ datasource.DataSource = &ConfigurationsDataSource{}

func NewConfigurationsDataSource() datasource.DataSource {
	return &ConfigurationsDataSource{}
}

// ConfigurationsDataSource defines the data source implementation.
type ConfigurationsDataSource struct {
	client *iothub.Client
}

// ConfigurationsDataSourceModel describes the data source data model.
type ConfigurationsDataSourceModel struct {
	MaxCount       types.Int64                    `tfsdk:"max_count"`
	Configurations []ConfigurationDataSourceModel `tfsdk:"configurations"`
}

func (d *ConfigurationsDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_configurations"
}

func (d *ConfigurationsDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Lists IoT Hub device configurations in the order the hub returns them",
		Attributes: map[string]schema.Attribute{
			"max_count": schema.Int64Attribute{
				Optional:            true,
				Description:         fmt.Sprintf("Maximum number of configurations to return, between 1 and %d. Defaults to %d.", maxMaxCount, defaultMaxCount),
				MarkdownDescription: fmt.Sprintf("Maximum number of configurations to return, between 1 and %d. Defaults to `%d`.", maxMaxCount, defaultMaxCount),
				Validators: []validator.Int64{
					int64validator.Between(1, maxMaxCount),
				},
			},
			"configurations": schema.ListNestedAttribute{
				Computed: true,
				NestedObject: schema.NestedAttributeObject{
					Attributes: configurationAttributes(false),
				},
			},
		},
	}
}

func (d *ConfigurationsDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
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

func (d *ConfigurationsDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var state ConfigurationsDataSourceModel

	// Read Terraform configuration data into the model
	resp.Diagnostics.Append(req.Config.Get(ctx, &state)...)

	if resp.Diagnostics.HasError() {
		return
	}

	maxCount := int64(defaultMaxCount)
	if !state.MaxCount.IsNull() && !state.MaxCount.IsUnknown() {
		maxCount = state.MaxCount.ValueInt64()
	}

	configurations, err := d.client.GetConfigurations(ctx, int(maxCount))
	if err != nil {
		resp.Diagnostics.AddError("Unable to list IoT Hub configurations", err.Error())
		return
	}

	state.Configurations = make([]ConfigurationDataSourceModel, 0, len(configurations))
	for _, config := range configurations {
		state.Configurations = append(state.Configurations, configurationDataSourceModel(config))
		config.Release()
	}

	// Set state
	diags := resp.State.Set(ctx, &state)
	resp.Diagnostics.Append(diags...)
	if resp.Diagnostics.HasError() {
		return
	}
}
