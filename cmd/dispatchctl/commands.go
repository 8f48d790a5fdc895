// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/config"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/signing"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

// globalOptions are the persistent root flags.
type globalOptions struct {
	server   string
	token    string
	timeout  time.Duration
	local    bool
	registry string
	output   string

	// newBackend is replaced in tests.
	newBackend func(ctx context.Context, needSigner bool) (backend, error)
}

func (g *globalOptions) backend(ctx context.Context, needSigner bool) (backend, error) {
	if g.newBackend != nil {
		return g.newBackend(ctx, needSigner)
	}
	if g.local {
		return newLocalBackend(ctx, g.registry, needSigner)
	}
	return newRemoteBackend(g.server, g.token, g.timeout), nil
}

func (g *globalOptions) printer(cmd *cobra.Command) *printer {
	return newPrinter(cmd.OutOrStdout(), g.output == "json")
}

// newRootCommand creates the dispatchctl root command.
func newRootCommand() *cobra.Command {
	g := &globalOptions{}
	return newRootCommandWith(g, huhPrompter)
}

func newRootCommandWith(g *globalOptions, ask prompter) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatchctl",
		Short: "Plan and dispatch analytical tool calls",
		Long: `dispatchctl talks to the Aleutian Dispatch service.

It turns goal metadata into an execution plan, runs the plan against the
registered tool services, and walks through feedback requests when a plan
cannot proceed on its own. With --local, planning and execution run
in-process against the configured tool registry.`,
		Version:      Version,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if g.output != "text" && g.output != "json" {
				return fmt.Errorf("--output must be text or json, got %q", g.output)
			}
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&g.server, "server", envOr("DISPATCH_URL", "http://localhost:12230"), "Dispatch server base URL")
	flags.StringVar(&g.token, "token", os.Getenv("DISPATCH_TOKEN"), "Bearer token for the dispatch API")
	flags.DurationVar(&g.timeout, "timeout", 2*time.Minute, "HTTP timeout for server calls")
	flags.BoolVar(&g.local, "local", false, "Plan and execute in-process instead of calling a server")
	flags.StringVar(&g.registry, "registry", "", "Tool registry for --local (file or gs:// URI)")
	flags.StringVarP(&g.output, "output", "o", "text", "Output format: text or json")

	cmd.AddCommand(newPlanCommand(g))
	cmd.AddCommand(newAnalyzeCommand(g, ask))
	cmd.AddCommand(newToolsCommand(g))
	cmd.AddCommand(newSignCommand())
	return cmd
}

// =============================================================================
// Goal flags
// =============================================================================

type goalFlags struct {
	goal          string
	dataType      string
	params        []string
	constraints   []string
	confidence    float64
	file          string
	clarification bool
}

func (f *goalFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.goal, "goal", "", "Analytical goal, e.g. anomaly_detection")
	cmd.Flags().StringVar(&f.dataType, "data-type", "", "Input data type (tabular, timeseries, ...)")
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "Goal parameter key=value (repeatable, values may be JSON)")
	cmd.Flags().StringArrayVar(&f.constraints, "constraint", nil, "Constraint key=value, e.g. forced_tools=[\"clustering\"]")
	cmd.Flags().Float64Var(&f.confidence, "confidence", 1.0, "Extraction confidence in [0,1]")
	cmd.Flags().StringVar(&f.file, "goal-file", "", "Read goal metadata JSON from a file ('-' for stdin)")
	cmd.Flags().BoolVar(&f.clarification, "clarify", false, "Mark the goal as requiring clarification")
}

func (f *goalFlags) build(stdin io.Reader) (datatypes.GoalMetadata, error) {
	var meta datatypes.GoalMetadata
	if f.file != "" {
		data, err := readInput(f.file, stdin)
		if err != nil {
			return meta, err
		}
		if err := json.Unmarshal(data, &meta); err != nil {
			return meta, fmt.Errorf("parsing %s: %w", f.file, err)
		}
	} else {
		meta.Confidence = f.confidence
	}

	if f.goal != "" {
		meta.Goal = f.goal
	}
	if f.dataType != "" {
		meta.DataType = f.dataType
	}
	if f.clarification {
		meta.RequiresClarification = true
	}

	params, err := parseKV(f.params)
	if err != nil {
		return meta, fmt.Errorf("--param: %w", err)
	}
	if len(params) > 0 {
		if meta.Parameters == nil {
			meta.Parameters = map[string]any{}
		}
		for k, v := range params {
			meta.Parameters[k] = v
		}
	}

	constraints, err := parseKV(f.constraints)
	if err != nil {
		return meta, fmt.Errorf("--constraint: %w", err)
	}
	if len(constraints) > 0 {
		if meta.Constraints == nil {
			meta.Constraints = map[string]any{}
		}
		for k, v := range constraints {
			meta.Constraints[k] = v
		}
	}

	if meta.Goal == "" && !meta.RequiresClarification {
		return meta, errors.New("a goal is required (--goal or --goal-file)")
	}
	return meta, nil
}

// parseKV parses key=value pairs. Values that decode as JSON keep their JSON
// type; anything else is a string.
func parseKV(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// =============================================================================
// plan
// =============================================================================

func newPlanCommand(g *globalOptions) *cobra.Command {
	gf := &goalFlags{}
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build an execution plan without running it",
		Example: `  dispatchctl plan --goal anomaly_detection --data-type timeseries --param threshold=2.5
  dispatchctl plan --local --goal clustering_with_report`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta, err := gf.build(cmd.InOrStdin())
			if err != nil {
				return err
			}
			b, err := g.backend(cmd.Context(), false)
			if err != nil {
				return err
			}
			out, err := b.Plan(cmd.Context(), meta)
			if err != nil {
				return err
			}
			return g.printer(cmd).Plan(out)
		},
	}
	gf.register(cmd)
	return cmd
}

// =============================================================================
// analyze
// =============================================================================

type analyzeFlags struct {
	tenant      string
	uri         string
	format      string
	rowsFile    string
	params      []string
	context     []string
	interactive bool
}

func newAnalyzeCommand(g *globalOptions, ask prompter) *cobra.Command {
	gf := &goalFlags{}
	af := &analyzeFlags{}
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Plan and execute a request",
		Long: `Plan and execute a request synchronously.

With --interactive, a result that needs feedback opens a picker over the
offered options. The chosen option is applied to the goal and the request
is submitted again.`,
		Example: `  dispatchctl analyze --tenant acme --goal anomaly_detection --rows-file rows.json --param-data metric=speed_kmh
  dispatchctl analyze --tenant acme --goal clustering --uri gs://bucket/frame.parquet --format parquet -i`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			meta, err := gf.build(cmd.InOrStdin())
			if err != nil {
				return err
			}
			req, err := af.build(meta, cmd.InOrStdin())
			if err != nil {
				return err
			}
			b, err := g.backend(cmd.Context(), true)
			if err != nil {
				return err
			}
			var interactive prompter
			if af.interactive {
				interactive = ask
			}
			return runAnalyze(cmd.Context(), b, g.printer(cmd), req, interactive)
		},
	}
	gf.register(cmd)
	cmd.Flags().StringVar(&af.tenant, "tenant", os.Getenv("DISPATCH_TENANT"), "Tenant ID")
	cmd.Flags().StringVar(&af.uri, "uri", "", "Data location (s3://, gs://, path)")
	cmd.Flags().StringVar(&af.format, "format", "", "Data format (default inline when --rows-file is set)")
	cmd.Flags().StringVar(&af.rowsFile, "rows-file", "", "JSON array of inline rows ('-' for stdin)")
	cmd.Flags().StringArrayVar(&af.params, "param-data", nil, "Request param key=value, e.g. metric=speed_kmh (repeatable)")
	cmd.Flags().StringArrayVar(&af.context, "context", nil, "Request context key=value (repeatable)")
	cmd.Flags().BoolVarP(&af.interactive, "interactive", "i", false, "Resolve feedback requests interactively")
	return cmd
}

func (f *analyzeFlags) build(meta datatypes.GoalMetadata, stdin io.Reader) (dispatch.AnalyzeRequest, error) {
	req := dispatch.AnalyzeRequest{
		TenantID: f.tenant,
		Mode:     dispatch.ModeSync,
		Goal:     meta,
		DataPointer: dispatch.DataPointer{
			URI:    f.uri,
			Format: f.format,
		},
	}
	if req.TenantID == "" {
		return req, errors.New("--tenant is required")
	}

	if f.rowsFile != "" {
		data, err := readInput(f.rowsFile, stdin)
		if err != nil {
			return req, err
		}
		if err := json.Unmarshal(data, &req.DataPointer.Rows); err != nil {
			return req, fmt.Errorf("parsing rows: %w", err)
		}
		if req.DataPointer.Format == "" {
			req.DataPointer.Format = dispatch.FormatInline
		}
	}
	if req.DataPointer.Format == "" {
		return req, errors.New("--format is required unless --rows-file is given")
	}

	var err error
	if req.Params, err = parseKV(f.params); err != nil {
		return req, fmt.Errorf("--param-data: %w", err)
	}
	if req.Context, err = parseKV(f.context); err != nil {
		return req, fmt.Errorf("--context: %w", err)
	}
	return req, nil
}

// runAnalyze submits req and, when ask is non-nil, resolves feedback
// requests by re-submitting up to maxFeedbackRounds times.
func runAnalyze(ctx context.Context, b backend, p *printer, req dispatch.AnalyzeRequest, ask prompter) error {
	for round := 0; ; round++ {
		resp, err := b.Analyze(ctx, req)
		if err != nil {
			return err
		}
		if err := p.Analyze(resp); err != nil {
			return err
		}

		fb := resp.Result.UserFeedbackRequired
		if ask == nil || fb == nil || resp.Result.Status != datatypes.StatusNeedsFeedback {
			return nil
		}
		if round+1 >= maxFeedbackRounds {
			return fmt.Errorf("feedback still required after %d rounds", maxFeedbackRounds)
		}

		c, err := ask(fb, resp.Plan.FallbackOptions)
		if err != nil {
			return err
		}
		next, ok := applyChoice(req, fb, c)
		if !ok {
			_, err := fmt.Fprintf(p.w, "Stopped at %s (%s)\n", c.OptionID, c.Action)
			return err
		}
		req = next
	}
}

// =============================================================================
// tools
// =============================================================================

func newToolsCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List registered tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := g.backend(cmd.Context(), false)
			if err != nil {
				return err
			}
			tools, err := b.Tools(cmd.Context())
			if err != nil {
				return err
			}
			return g.printer(cmd).Tools(tools)
		},
	}
}

// =============================================================================
// sign
// =============================================================================

func newSignCommand() *cobra.Command {
	var (
		file      string
		secretEnv string
		verify    string
	)
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign or verify a request body with the shared HMAC secret",
		Long: `Prints the hex HMAC-SHA256 that tool services expect in the
X-Signature header. The secret is read from the environment variable named
by --secret-env. With --verify, checks a signature instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			signer, err := signing.NewSignerFromBackend(cmd.Context(), signing.EnvBackend{}, secretEnv)
			if err != nil {
				return err
			}

			if verify != "" {
				if !signer.Verify(body, verify) {
					return errors.New("signature does not match")
				}
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "valid")
				return err
			}

			sig, err := signer.Sign(body)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", signing.HeaderName, sig)
			return err
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "Body to sign ('-' for stdin)")
	cmd.Flags().StringVar(&secretEnv, "secret-env", config.DefaultSigningSecretEnv, "Environment variable holding the secret")
	cmd.Flags().StringVar(&verify, "verify", "", "Signature to verify instead of signing")
	return cmd
}
