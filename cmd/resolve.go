package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/timetravel/internal/memento"
	"github.com/JakeFAU/timetravel/internal/processor"
	"github.com/JakeFAU/timetravel/internal/server"
)

type resolveOutput struct {
	Result      *memento.Result `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	FallbackURL string          `json:"fallback_url"`
}

func newResolveCmd() *cobra.Command {
	var depotName string
	cmd := &cobra.Command{
		Use:   "resolve <url>",
		Short: "Resolve one URL to an archived snapshot and print the result as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := runtimeFrom(cmd)
			ctx := cmd.Context()
			if timeout := rt.cfg.ResolveTimeout(); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			deps, err := server.ProcessorDeps(rt.cfg, rt.logger)
			if err != nil {
				return err
			}
			proc, err := processor.New(args[0], deps)
			if err != nil {
				return err
			}
			notifier := memento.NotifierFunc(func(evt memento.SubmissionEvent) {
				fmt.Fprintf(cmd.ErrOrStderr(), "submitting %s to %s\n", evt.OriginalURL, evt.SubmitterName)
			})

			var result memento.Result
			if depotName != "" {
				result, err = proc.UseDepot(ctx, depotName)
			} else {
				result, err = proc.Process(ctx, notifier)
			}
			if writeErr := writeResolveOutput(cmd.OutOrStdout(), result, err, proc.FallbackURL()); writeErr != nil {
				return writeErr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&depotName, "depot", "", "query only this depot")
	return cmd
}

func writeResolveOutput(w io.Writer, result memento.Result, resolveErr error, fallbackURL string) error {
	out := resolveOutput{FallbackURL: fallbackURL}
	if resolveErr != nil {
		out.Error = resolveErr.Error()
		out.ErrorCode = processor.CodeOf(resolveErr)
	} else {
		out.Result = &result
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
