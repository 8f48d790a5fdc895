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
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/AleutianAI/AleutianDispatch/services/dispatch"
	"github.com/AleutianAI/AleutianDispatch/services/dispatch/datatypes"
)

// maxFeedbackRounds bounds how many times analyze re-submits after feedback.
const maxFeedbackRounds = 3

// choice is the caller's answer to a feedback request.
type choice struct {
	OptionID string
	Action   string

	// Value answers provide_value.
	Value string

	// Fallback is the alternative picked for use_fallback, use_alternative
	// and select_alternatives.
	Fallback *datatypes.FallbackOption
}

// prompter asks the caller to answer fb. fallbacks are the plan's
// alternatives.
type prompter func(fb *datatypes.FeedbackRequest, fallbacks []datatypes.FallbackOption) (choice, error)

// applyChoice rewrites req to act on c.
//
// Description:
//
//	Returns false when the choice ends the session: cancel, a request to
//	create tools (which this client cannot do), or an alternative with no
//	tools to run. The goal's parameter and constraint maps are copied, never
//	modified in place.
func applyChoice(req dispatch.AnalyzeRequest, fb *datatypes.FeedbackRequest, c choice) (dispatch.AnalyzeRequest, bool) {
	goal := req.Goal
	goal.Parameters = copyMap(goal.Parameters)
	goal.Constraints = copyMap(goal.Constraints)

	switch {
	case c.Action == "use_fallback" || c.Action == "use_alternative" || c.Action == "select_alternatives":
		if c.Fallback == nil || len(c.Fallback.Tools) == 0 {
			return req, false
		}
		goal.Constraints[datatypes.ConstraintForcedTools] = append([]string(nil), c.Fallback.Tools...)
		for k, v := range c.Fallback.ParamsOverride {
			goal.Parameters[k] = v
		}

	case c.Action == "provide_value":
		param := pendingParameter(fb, goal.Parameters)
		if param == "" || c.Value == "" {
			return req, false
		}
		goal.Parameters[param] = c.Value

	case c.Action == "relax":
		delete(goal.Constraints, datatypes.ConstraintMaxTime)

	case strings.HasPrefix(c.Action, "provide_"):
		goal.DataType = strings.TrimPrefix(c.Action, "provide_")

	default:
		return req, false
	}

	req.Goal = goal
	return req, true
}

// pendingParameter returns the first missing parameter not yet supplied.
func pendingParameter(fb *datatypes.FeedbackRequest, params map[string]any) string {
	if fb == nil {
		return ""
	}
	for _, c := range fb.Conflicts {
		if c.Type != datatypes.ConflictMissingParameter {
			continue
		}
		if _, ok := params[c.Parameter]; !ok {
			return c.Parameter
		}
	}
	return ""
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// alternativesFor returns the fallbacks an option can choose between.
func alternativesFor(opt datatypes.FeedbackOption, planFallbacks []datatypes.FallbackOption) []datatypes.FallbackOption {
	if len(opt.Fallbacks) > 0 {
		return opt.Fallbacks
	}
	var idx int
	if _, err := fmt.Sscanf(opt.OptionID, "fallback_%d", &idx); err == nil && idx >= 0 && idx < len(planFallbacks) {
		return planFallbacks[idx : idx+1]
	}
	return planFallbacks
}

// huhPrompter asks with terminal forms.
func huhPrompter(fb *datatypes.FeedbackRequest, fallbacks []datatypes.FallbackOption) (choice, error) {
	if len(fb.Options) == 0 {
		return choice{Action: "cancel"}, nil
	}

	var optIdx int
	opts := make([]huh.Option[int], len(fb.Options))
	for i, o := range fb.Options {
		opts[i] = huh.NewOption(fmt.Sprintf("%s: %s", o.OptionID, o.Message), i)
	}
	if err := huh.NewSelect[int]().Title(fb.Message).Options(opts...).Value(&optIdx).Run(); err != nil {
		return choice{}, err
	}
	opt := fb.Options[optIdx]

	actions := opt.Actions
	if len(actions) == 0 && opt.Action != "" {
		actions = []string{opt.Action}
	}
	c := choice{OptionID: opt.OptionID, Action: "cancel"}
	if len(actions) == 1 {
		c.Action = actions[0]
	} else if len(actions) > 1 {
		if err := huh.NewSelect[string]().
			Title("Action").
			Options(huh.NewOptions(actions...)...).
			Value(&c.Action).
			Run(); err != nil {
			return choice{}, err
		}
	}

	switch c.Action {
	case "use_fallback", "use_alternative", "select_alternatives":
		alts := alternativesFor(opt, fallbacks)
		if len(alts) == 0 {
			return c, nil
		}
		altIdx := 0
		if len(alts) > 1 {
			altOpts := make([]huh.Option[int], len(alts))
			for i, a := range alts {
				altOpts[i] = huh.NewOption(fmt.Sprintf("%s %v", a.Option, a.Tools), i)
			}
			if err := huh.NewSelect[int]().Title("Alternative").Options(altOpts...).Value(&altIdx).Run(); err != nil {
				return choice{}, err
			}
		}
		c.Fallback = &alts[altIdx]

	case "provide_value":
		param := pendingParameter(fb, nil)
		if err := huh.NewInput().Title("Value for " + param).Value(&c.Value).Run(); err != nil {
			return choice{}, err
		}
	}
	return c, nil
}
