// Command policy-server runs the Kubewarden policy evaluation pipeline: it
// loads a policy configuration document, compiles one Wasm Evaluator
// Instance per policy per worker, and serves AdmissionReview requests over
// HTTP until terminated.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kubewarden/policy-server/internal/cliconfig"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath      string
		addr            string
		poolSize        int
		evaluationLimit int
		pollInterval    int
		metricsEnabled  bool
		verifyEnabled   bool
		logLevel        cliconfig.LogLevel
	)

	cmd := &cobra.Command{
		Use:   "policy-server",
		Short: "Serves Kubewarden policy evaluations over a Kubernetes admission webhook HTTP interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.SetLogLoggerLevel(logLevel.SlogLevel())

			metricsEnabled = metricsEnabled || os.Getenv("KUBEWARDEN_ENABLE_METRICS") != ""
			verifyEnabled = verifyEnabled || os.Getenv("KUBEWARDEN_ENABLE_VERIFICATION") != ""

			return run(cmd.Context(), runOptions{
				configPath:      configPath,
				addr:            addr,
				poolSize:        poolSize,
				evaluationLimit: evaluationLimit,
				pollInterval:    pollInterval,
				metricsEnabled:  metricsEnabled,
				verifyEnabled:   verifyEnabled,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "policies", "p", "policies.json", "path to the policies configuration document")
	cmd.Flags().StringVarP(&addr, "addr", "a", ":8443", "address the HTTP server binds to")
	cmd.Flags().IntVarP(&poolSize, "workers", "w", 0, "number of worker threads; defaults to the number of CPUs")
	cmd.Flags().IntVar(&evaluationLimit, "policy-evaluation-limit-seconds", 0, "per-evaluation deadline in seconds; 0 disables the deadline")
	cmd.Flags().IntVar(&pollInterval, "context-poll-interval-seconds", 0, "Kubernetes context poll interval in seconds; 0 uses the package default")
	cmd.Flags().BoolVar(&metricsEnabled, "enable-metrics", false, "enable the OTLP metrics exporter (also set via KUBEWARDEN_ENABLE_METRICS)")
	cmd.Flags().BoolVar(&verifyEnabled, "enable-verification", false, "request policy signature verification (also set via KUBEWARDEN_ENABLE_VERIFICATION); this build has no verifier and exits with an error when it is set")
	cmd.Flags().VarP(&logLevel, "loglevel", "l", "log level, one of: debug, info, warn, error")

	return cmd
}
