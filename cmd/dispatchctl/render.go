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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/registry"
)

// printer writes command output as styled text or JSON.
type printer struct {
	w       io.Writer
	asJSON  bool
	title   lipgloss.Style
	label   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	bad     lipgloss.Style
	muted   lipgloss.Style
	section lipgloss.Style
}

// newPrinter styles output only when w is a terminal.
func newPrinter(w io.Writer, asJSON bool) *printer {
	p := &printer{w: w, asJSON: asJSON}
	if !isTerminal(w) {
		plain := lipgloss.NewStyle()
		p.title, p.label, p.ok, p.warn, p.bad, p.muted, p.section = plain, plain, plain, plain, plain, plain, plain
		return p
	}

	r := lipgloss.NewRenderer(w)
	p.title = r.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFD966"))
	p.label = r.NewStyle().Foreground(lipgloss.Color("#8AB4F8"))
	p.ok = r.NewStyle().Foreground(lipgloss.Color("#34A853")).Bold(true)
	p.warn = r.NewStyle().Foreground(lipgloss.Color("#FBBC04")).Bold(true)
	p.bad = r.NewStyle().Foreground(lipgloss.Color("#EA4335")).Bold(true)
	p.muted = r.NewStyle().Foreground(lipgloss.Color("#805800"))
	p.section = r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#805800")).Padding(0, 1)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) status(s string) string {
	switch s {
	case string(datatypes.StatusSuccess):
		return p.ok.Render(s)
	case string(datatypes.StatusPartialSuccess), string(datatypes.StatusNeedsFeedback), string(datatypes.ToolStatusUnavailable):
		return p.warn.Render(s)
	default:
		return p.bad.Render(s)
	}
}

// Plan prints an execution plan with its conflicts and fallbacks.
func (p *printer) Plan(out datatypes.PlannerOutput) error {
	if p.asJSON {
		return p.json(out)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", p.label.Render("strategy:"), out.ExecutionPlan.Strategy)
	fmt.Fprintf(&b, "%s %.1fs\n", p.label.Render("estimated:"), out.ExecutionPlan.EstimatedDuration)
	for _, t := range out.ExecutionPlan.Tools {
		endpoint := t.Endpoint
		if !t.IsAvailable() {
			endpoint = p.bad.Render("unavailable")
		}
		fmt.Fprintf(&b, "  %d. %s %s\n", t.Order, t.ToolID, p.muted.Render(endpoint))
		if len(t.Params) > 0 {
			params, _ := json.Marshal(t.Params)
			fmt.Fprintf(&b, "     %s\n", p.muted.Render(string(params)))
		}
	}
	if out.Reasoning != "" {
		fmt.Fprintf(&b, "%s %s\n", p.label.Render("reasoning:"), out.Reasoning)
	}
	for _, c := range out.Conflicts {
		fmt.Fprintf(&b, "%s [%s] %s\n", p.warn.Render("conflict:"), c.Severity, c.Message)
	}
	for _, f := range out.FallbackOptions {
		fmt.Fprintf(&b, "%s %s %v\n", p.label.Render("fallback:"), f.Option, f.Tools)
	}
	if out.RequiresUserFeedback {
		fmt.Fprintf(&b, "%s\n", p.warn.Render("requires user feedback"))
	}

	_, err := fmt.Fprintln(p.w, p.title.Render("Execution plan")+"\n"+p.section.Render(strings.TrimRight(b.String(), "\n")))
	return err
}

// Analyze prints the plan, the aggregated result and the timeline.
func (p *printer) Analyze(resp *dispatch.AnalyzeResponse) error {
	if p.asJSON {
		return p.json(resp)
	}
	if err := p.Plan(resp.Plan); err != nil {
		return err
	}

	res := resp.Result
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s  %s\n", p.label.Render("status:"), p.status(string(res.Status)),
		p.muted.Render(fmt.Sprintf("%d ok / %d failed / %d unavailable",
			res.Summary.Successful, res.Summary.Failed, res.Summary.Unavailable)))
	for _, r := range res.Results {
		line := fmt.Sprintf("  %s %s %s", r.ToolID, p.status(string(r.Status)),
			p.muted.Render(fmt.Sprintf("%dms, %d attempt(s)", r.DurationMs, r.Attempts)))
		if r.Error != "" {
			line += "\n    " + r.Error
		}
		fmt.Fprintln(&b, line)
	}
	if fb := res.UserFeedbackRequired; fb != nil {
		fmt.Fprintf(&b, "%s %s\n", p.warn.Render("feedback:"), fb.Message)
		for _, o := range fb.Options {
			fmt.Fprintf(&b, "  - %s: %s\n", o.OptionID, o.Message)
		}
	}
	fmt.Fprintf(&b, "%s %s (%.2fs, %d events)", p.label.Render("request:"), resp.RequestID,
		resp.Timeline.DurationSeconds, len(resp.Timeline.Events))

	_, err := fmt.Fprintln(p.w, p.title.Render("Result")+"\n"+p.section.Render(b.String()))
	return err
}

// Tools prints the registered tools.
func (p *printer) Tools(tools []registry.ToolDescriptor) error {
	if p.asJSON {
		return p.json(tools)
	}
	if len(tools) == 0 {
		_, err := fmt.Fprintln(p.w, "No tools registered")
		return err
	}
	for _, t := range tools {
		if _, err := fmt.Fprintf(p.w, "%s %s %s\n", p.title.Render(t.Name), p.muted.Render(t.Version), t.RESTEndpoint()); err != nil {
			return err
		}
	}
	return nil
}
