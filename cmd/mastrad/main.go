// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mastra-ai/runtime/internal/log"
	"github.com/mastra-ai/runtime/pkg/errors"
	"github.com/mastra-ai/runtime/pkg/runtime"
	"github.com/mastra-ai/runtime/pkg/store"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes.
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
	exitNotFound   = 3
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var validation *errors.ValidationError
	var config *errors.ConfigError
	var cyclic *errors.CyclicDependencyError
	if errors.As(err, &validation) || errors.As(err, &config) || errors.As(err, &cyclic) {
		return exitValidation
	}
	var notFound *errors.NotFoundError
	if errors.As(err, &notFound) {
		return exitNotFound
	}
	return exitError
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "mastrad",
		Short:         "Declarative runtime for LLM agent applications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Accept snake_case spellings of flags for parity with pod documents.
	root.PersistentFlags().SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	root.AddCommand(newRunCommand(), newValidateCommand(), newVersionCommand())
	return root
}

func newRunCommand() *cobra.Command {
	var flags struct {
		logLevel  string
		logFormat string
		memory    string
		memoryURL string
	}

	cmd := &cobra.Command{
		Use:   "run <pod-file>",
		Short: "Load a MastraPod and run the control plane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logCfg := log.FromEnv()
			if flags.logLevel != "" {
				logCfg.Level = flags.logLevel
			}
			if flags.logFormat != "" {
				logCfg.Format = log.Format(flags.logFormat)
			}
			logger := log.New(logCfg)

			rt, err := runtime.New(runtime.Options{
				Logger: logger,
				Memory: store.Config{Type: flags.memory, URL: flags.memoryURL},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := rt.Start(ctx); err != nil {
				return err
			}
			defer rt.Stop()

			pod, err := rt.LoadPodFile(ctx, args[0])
			if err != nil {
				return err
			}
			logger.Info("pod loaded", "name", pod.Metadata.Name)

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "log format (json, text)")
	cmd.Flags().StringVar(&flags.memory, "memory", "", "state driver (memory, sqlite)")
	cmd.Flags().StringVar(&flags.memoryURL, "memory-url", "", "state driver location (file path for sqlite)")
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <pod-file>",
		Short: "Parse and validate a MastraPod without starting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pod, resources, err := runtime.ValidatePodFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pod %q valid: %d resources\n", pod.Metadata.Name, len(resources))
			for _, res := range resources {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s/%s\n", res.Kind, res.ID())
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "mastrad %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	}
	cmd.Flags().BoolVar(&short, "short", false, "print the bare version")
	return cmd
}
