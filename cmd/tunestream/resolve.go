package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunestream/internal/core"
	"tunestream/pkg/trackid"
)

var (
	resolveStart  int64
	resolveLength int64
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <track-id-or-link>",
	Short: "Resolve a single track and print the data spec",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	resolveCmd.Flags().Int64Var(&resolveStart, "start", 0, "Byte offset to resolve from")
	resolveCmd.Flags().Int64Var(&resolveLength, "length", core.Unbounded, "Bytes requested, -1 for open ended")
}

func runResolve(cmd *cobra.Command, args []string) error {
	id, err := trackid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid track reference: %w", err)
	}

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), config.Resolver.ResolveTimeout)
	defer cancel()

	svcs, err := initializeServices(ctx)
	if err != nil {
		return err
	}
	defer svcs.shutdown()

	// Metadata writes drain once the store's context ends.
	storeCtx, stopStore := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if runErr := svcs.formats.Run(storeCtx); runErr != nil {
			logger.Debug("Format store stopped", zap.Error(runErr))
		}
	}()
	defer func() {
		stopStore()
		wg.Wait()
	}()

	spec, err := svcs.resolver.Open(ctx, id, resolveStart, resolveLength)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", id, err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(spec)
}
