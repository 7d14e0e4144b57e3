// Package repoctl implements the command line client for a running repod
// server: repository index, explicit load/unload, readiness, stats and
// ad-hoc inference.
package repoctl

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"repod/pkg/types"
)

// Options carries the persistent flags shared by every subcommand.
type Options struct {
	Server    string
	Namespace string
	Timeout   time.Duration
}

// BuildRootCmd constructs the Cobra command tree.
func BuildRootCmd() *cobra.Command {
	opts := &Options{}
	root := &cobra.Command{
		Use:           "repoctl",
		Short:         "Control a repod model repository server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.Server, "server", envOr("REPOCTL_SERVER", "http://localhost:8000"), "repod server base URL")
	root.PersistentFlags().StringVar(&opts.Namespace, "namespace", "", "Namespace qualifier for model references")
	root.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Request timeout")

	client := func() *Client { return NewClient(opts.Server, opts.Timeout) }

	indexCmd := &cobra.Command{
		Use:   "index",
		Short: "List every model the repository knows, loaded or not",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			onlyReady, _ := cmd.Flags().GetBool("ready")
			idx, err := client().Index(cmd.Context(), onlyReady)
			if err != nil {
				return err
			}
			return printJSON(cmd, idx)
		},
	}
	indexCmd.Flags().Bool("ready", false, "Only list READY versions")

	loadCmd := &cobra.Command{
		Use:   "load <model>",
		Short: "Explicitly load (or reload) a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().Load(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
			return nil
		},
	}

	unloadCmd := &cobra.Command{
		Use:   "unload <model>",
		Short: "Unload a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dependents, _ := cmd.Flags().GetBool("dependents")
			if err := client().Unload(cmd.Context(), args[0], dependents); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unloaded %s\n", args[0])
			return nil
		},
	}
	unloadCmd.Flags().Bool("dependents", false, "Also unload composing models nothing else needs")

	readyCmd := &cobra.Command{
		Use:   "ready <model> [version]",
		Short: "Check whether a model (or one version) can serve",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := optionalVersion(args)
			if err != nil {
				return err
			}
			ready, err := client().Ready(cmd.Context(), args[0], version, opts.Namespace)
			if err != nil {
				return err
			}
			if !ready {
				fmt.Fprintln(cmd.OutOrStdout(), "not ready")
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ready")
			return nil
		},
	}

	metadataCmd := &cobra.Command{
		Use:   "metadata <model>",
		Short: "Show a model's declared platform, versions and tensors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := client().Metadata(cmd.Context(), args[0], opts.Namespace)
			if err != nil {
				return err
			}
			return printJSON(cmd, md)
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats <model> [version]",
		Short: "Show per-version inference counters",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := optionalVersion(args)
			if err != nil {
				return err
			}
			stats, err := client().Stats(cmd.Context(), args[0], version, opts.Namespace)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}

	inferCmd := &cobra.Command{
		Use:   "infer <model> [version]",
		Short: "Run one inference request, reading the JSON body from stdin",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := optionalVersion(args)
			if err != nil {
				return err
			}
			var req types.InferRequest
			if err := json.NewDecoder(cmd.InOrStdin()).Decode(&req); err != nil {
				return fmt.Errorf("read request body: %w", err)
			}
			resp, err := client().Infer(cmd.Context(), args[0], version, opts.Namespace, &req)
			if err != nil {
				return err
			}
			return printJSON(cmd, resp)
		},
	}

	root.AddCommand(indexCmd, loadCmd, unloadCmd, readyCmd, metadataCmd, statsCmd, inferCmd)
	return root
}

// Main runs the CLI and exits non-zero on failure.
func Main() {
	if err := BuildRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "repoctl: %v\n", err)
		os.Exit(1)
	}
}

func optionalVersion(args []string) (int64, error) {
	if len(args) < 2 {
		return 0, nil
	}
	v, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid model version: %s", args[1])
	}
	return v, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
