package provider

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/matryer/resync"

	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
)

// Ensure iotHubProvider satisfies various provider interfaces.
var _ provider.Provider = &iotHubProvider{}

var configureOnce resync.Once

const defaultRequestTimeout = 30 * time.Second

// iotHubProvider defines the provider implementation.
type iotHubProvider struct {
	// version is set to the provider version on release, "dev" when the
	// provider is built and ran locally, and "test" when running acceptance
	// testing.
	version string
}

// IoTHubProviderModel describes the provider data model.
type IoTHubProviderModel struct {
	ConnectionString types.String `tfsdk:"connection_string"`
	BaseURL          types.String `tfsdk:"base_url"`
	APIVersion       types.String `tfsdk:"api_version"`
	RequestTimeout   types.String `tfsdk:"request_timeout"`
}

func (p *iotHubProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "iothub"
	resp.Version = p.version
}

func (p *iotHubProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	resp.Schema = schema.Schema{
		Description: "Manages IoT Hub device configurations",
		Attributes: map[string]schema.Attribute{
			"connection_string": schema.StringAttribute{
				MarkdownDescription: "IoT Hub service connection string with a shared access policy allowed to read and write the registry. " +
					"Defaults to the `TF_IOTHUB_CONNECTION_STRING` environment variable.",
				Optional:  true,
				Sensitive: true,
			},
			"base_url": schema.StringAttribute{
				MarkdownDescription: "Overrides the service endpoint derived from the connection string host name.",
				Optional:            true,
			},
			"api_version": schema.StringAttribute{
				MarkdownDescription: "Service API version sent with every request. Defaults to `" + iothub.DefaultAPIVersion + "`.",
				Optional:            true,
			},
			"request_timeout": schema.StringAttribute{
				MarkdownDescription: "Timeout of a single request as a Go duration, for example `30s`.",
				Optional:            true,
				Validators: []validator.String{
					durationValidator{},
				},
			},
		},
	}
}

// Function to read environment with a default value
func getEnv(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return value
}

func (p *iotHubProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	connectionString := os.Getenv("TF_IOTHUB_CONNECTION_STRING")
	baseURL := os.Getenv("TF_IOTHUB_API_BASE_URL")
	apiVersion := getEnv("TF_IOTHUB_API_VERSION", iothub.DefaultAPIVersion)
	requestTimeout := defaultRequestTimeout

	var data IoTHubProviderModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)

	if resp.Diagnostics.HasError() {
		return
	}

	// Check configuration data, which should take precedence over
	// environment variable data, if found.
	if data.ConnectionString.ValueString() != "" {
		connectionString = data.ConnectionString.ValueString()
	}

	if data.BaseURL.ValueString() != "" {
		baseURL = data.BaseURL.ValueString()
	}

	if data.APIVersion.ValueString() != "" {
		apiVersion = data.APIVersion.ValueString()
	}

	if data.RequestTimeout.ValueString() != "" {
		timeout, err := time.ParseDuration(data.RequestTimeout.ValueString())
		if err != nil {
			resp.Diagnostics.AddAttributeError(path.Root("request_timeout"), "Invalid request timeout", err.Error())
			return
		}
		requestTimeout = timeout
	}

	if connectionString == "" {
		resp.Diagnostics.AddError(
			"Missing IoT Hub Connection String Configuration",
			"While configuring the provider, the connection string was not found in "+
				"the TF_IOTHUB_CONNECTION_STRING environment variable or provider "+
				"configuration block connection_string attribute.",
		)
		return
	}

	cs, err := iothub.ParseConnectionString(connectionString)
	if err != nil {
		resp.Diagnostics.AddAttributeError(
			path.Root("connection_string"),
			"Invalid IoT Hub Connection String",
			"While configuring the provider, the connection string could not be parsed: "+err.Error(),
		)
		return
	}

	if baseURL == "" {
		baseURL = cs.BaseURL()
	}

	client := iothub.New(baseURL, iothub.NewSharedAccessKeyCredentials(cs), iothub.WithTimeout(requestTimeout))
	client.APIVersion = apiVersion

	configureOnce.Do(func() {
		configurations, err := client.GetConfigurations(ctx, 1)
		if err != nil {
			if errors.Is(err, iothub.ErrUnauthorized) {
				resp.Diagnostics.AddError(
					"Unable to connect to IoT Hub",
					"While configuring the provider, the shared access policy was not accepted.",
				)
				return
			}
			resp.Diagnostics.AddError(
				"Unable to connect to IoT Hub",
				"While configuring the provider, the API returns error: "+err.Error(),
			)
			return
		}
		for _, config := range configurations {
			config.Release()
		}
		tflog.Trace(ctx, "connected to IoT Hub", map[string]interface{}{
			"host":        cs.HostName,
			"api_version": apiVersion,
		})
	})

	if resp.Diagnostics.HasError() {
		return
	}

	resp.DataSourceData = client
	resp.ResourceData = client
}

func (p *iotHubProvider) Resources(ctx context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		NewConfigurationResource,
	}
}

func (p *iotHubProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewConfigurationDataSource,
		NewConfigurationsDataSource,
	}
}

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &iotHubProvider{
			version: version,
		}
	}
}
