// Iothub-config manages IoT Hub device configurations from the command line.
//
// Usage:
//
//	iothub-config [command] [flags]
//
// Results are printed to stdout as JSON. See 'iothub-config --help' for the
// available commands.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
	"github.com/iotfleet/terraform-provider-iothub/internal/logging"
)

// ConnectionStringEnvVar supplies --connection-string when the flag is unset.
const ConnectionStringEnvVar = "IOTHUB_CONNECTION_STRING"

// version is set at build time via -ldflags "-X main.version=v1.2.3".
var version = "dev"

func main() {
	os.Exit(execute(newRootCmd(), os.Stderr))
}

// execute runs cmd and returns the process exit code.
func execute(cmd *cobra.Command, stderr io.Writer) int {
	err := cmd.Execute()
	if err != nil {
		logging.Error("command failed", zap.Error(err))
	}
	logging.Sync()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// options are the flags shared by every command.
type options struct {
	connectionString string
	baseURL          string
	apiVersion       string
	timeout          time.Duration
	logLevel         string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "iothub-config",
		Short: "IoT Hub device configuration utility",
		Long: `Create, inspect, update and delete IoT Hub device configurations.

The hub is selected with a service connection string, passed with
--connection-string or the ` + ConnectionStringEnvVar + ` environment variable.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.Initialize(opts.logLevel)
		},
	}

	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&opts.connectionString, "connection-string", "", "IoT Hub service connection string (default $"+ConnectionStringEnvVar+")")
	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "base-url", "", "Override the endpoint derived from the connection string")
	rootCmd.PersistentFlags().StringVar(&opts.apiVersion, "api-version", iothub.DefaultAPIVersion, "Service API version")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Timeout of a single request")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level written to stderr: debug, info, warn or error (default $"+logging.LogLevelEnvVar+")")

	rootCmd.AddCommand(
		newGetCmd(opts),
		newListCmd(opts),
		newApplyCmd(opts),
		newDeleteCmd(opts),
		newVersionCmd(),
	)

	return rootCmd
}

// client builds a configuration client from the shared flags.
func (o *options) client() (*iothub.Client, error) {
	connectionString := o.connectionString
	if connectionString == "" {
		connectionString = os.Getenv(ConnectionStringEnvVar)
	}
	if connectionString == "" {
		return nil, fmt.Errorf("no connection string: set --connection-string or %s", ConnectionStringEnvVar)
	}

	cs, err := iothub.ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	baseURL := o.baseURL
	if baseURL == "" {
		baseURL = cs.BaseURL()
	}

	transport := iothub.NewRestyTransport(baseURL, iothub.NewSharedAccessKeyCredentials(cs), iothub.WithTimeout(o.timeout))
	client := iothub.NewWithTransport(&loggingTransport{next: transport})
	client.APIVersion = o.apiVersion
	return client, nil
}
