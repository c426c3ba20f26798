package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
	"github.com/iotfleet/terraform-provider-iothub/internal/iothub/configuration"
	"github.com/iotfleet/terraform-provider-iothub/internal/logging"
)

const (
	actionCreated   = "created"
	actionUpdated   = "updated"
	actionUnchanged = "unchanged"
	actionDeleted   = "deleted"
)

type result struct {
	Action        string                       `json:"action"`
	ID            string                       `json:"id"`
	Configuration *configuration.Configuration `json:"configuration,omitempty"`
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Print a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			config, err := client.GetConfiguration(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get configuration %s: %w", args[0], err)
			}
			defer config.Release()

			return writeJSON(cmd.OutOrStdout(), config)
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var maxCount int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configurations in the order the hub returns them",
		Example: `  # First 20 configurations
  iothub-config list

  # Up to 100
  iothub-config list --max 100`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			configurations, err := client.GetConfigurations(cmd.Context(), maxCount)
			if err != nil {
				return fmt.Errorf("list configurations: %w", err)
			}
			defer func() {
				for _, config := range configurations {
					config.Release()
				}
			}()

			return writeJSON(cmd.OutOrStdout(), configurations)
		},
	}
	cmd.Flags().IntVar(&maxCount, "max", 20, "Maximum number of configurations to return")

	return cmd
}

func newApplyCmd(opts *options) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply -f <manifest.yaml>",
		Short: "Create or update a configuration from a manifest",
		Long: `Create the configuration described by a YAML manifest, or update it when it
already exists.

Updates are conditional on the etag read just before writing, so concurrent
changes are reported instead of overwritten. Content cannot change after
creation: apply refuses manifests whose content differs from the stored one.`,
		Example: `  iothub-config apply -f eco-mode.yaml

  # Read the manifest from stdin
  cat eco-mode.yaml | iothub-config apply -f -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			manifest, err := LoadManifest(r)
			if err != nil {
				return err
			}

			client, err := opts.client()
			if err != nil {
				return err
			}

			res, err := applyManifest(cmd.Context(), client, manifest)
			if err != nil {
				return err
			}
			if res.Configuration != nil {
				defer res.Configuration.Release()
			}

			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Manifest file, - for stdin")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	var etag string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a configuration",
		Long: `Delete a configuration. With --etag the delete only succeeds while the
stored configuration still has that etag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}

			if err := client.DeleteConfiguration(cmd.Context(), args[0], etag); err != nil {
				return fmt.Errorf("delete configuration %s: %w", args[0], err)
			}
			logging.Info("configuration deleted", zap.String("id", args[0]))

			return writeJSON(cmd.OutOrStdout(), result{Action: actionDeleted, ID: args[0]})
		},
	}
	cmd.Flags().StringVar(&etag, "etag", "", "Only delete this version of the configuration")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "iothub-config %s (api-version %s)\n", version, iothub.DefaultAPIVersion)
		},
	}
}

// applyManifest creates the configuration described by m, or updates the
// stored one under the etag it was just read with.
func applyManifest(ctx context.Context, manager iothub.ConfigurationManager, m *Manifest) (*result, error) {
	req, err := m.CreateRequest()
	if err != nil {
		return nil, err
	}
	defer req.Release()

	existing, err := manager.GetConfiguration(ctx, req.ID)
	if errors.Is(err, iothub.ErrNotFound) {
		created, err := manager.CreateConfiguration(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("create configuration %s: %w", req.ID, err)
		}
		logging.Info("configuration created", zap.String("id", created.ID), zap.String("etag", created.ETag))
		return &result{Action: actionCreated, ID: created.ID, Configuration: created}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get configuration %s: %w", req.ID, err)
	}

	if !existing.Content.Equivalent(req.Content) {
		existing.Release()
		return nil, fmt.Errorf("%w: content of configuration %s differs from the stored content; delete and recreate it to change content",
			iothub.ErrInvalidArgument, req.ID)
	}

	if existing.TargetCondition == req.TargetCondition &&
		existing.Priority == req.Priority &&
		samePairs(existing.Labels, req.Labels) &&
		samePairs(existing.MetricsDefinition, req.Metrics) {
		logging.Debug("configuration unchanged", zap.String("id", existing.ID))
		return &result{Action: actionUnchanged, ID: existing.ID, Configuration: existing}, nil
	}

	update := &configuration.UpdateRequest{
		ID:              req.ID,
		TargetCondition: req.TargetCondition,
		Priority:        req.Priority,
		Labels:          req.Labels.Clone(),
		Metrics:         req.Metrics.Clone(),
		ETag:            existing.ETag,
	}
	defer update.Release()
	existing.Release()

	updated, err := manager.UpdateConfiguration(ctx, update)
	if err != nil {
		if errors.Is(err, iothub.ErrPreconditionFailed) {
			return nil, fmt.Errorf("configuration %s changed while applying, retry: %w", req.ID, err)
		}
		return nil, fmt.Errorf("update configuration %s: %w", req.ID, err)
	}
	logging.Info("configuration updated", zap.String("id", updated.ID), zap.String("etag", updated.ETag))
	return &result{Action: actionUpdated, ID: updated.ID, Configuration: updated}, nil
}

func samePairs(a, b configuration.Pairs[string]) bool {
	if a.Len() == 0 && b.Len() == 0 {
		return true
	}
	return reflect.DeepEqual(a.Names(), b.Names()) && reflect.DeepEqual(a.Map(), b.Map())
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
