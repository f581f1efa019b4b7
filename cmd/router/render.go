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
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianRouter/pkg/ux"
	"github.com/AleutianAI/AleutianRouter/services/router/bandit"
	"github.com/AleutianAI/AleutianRouter/services/router/experiment"
	"github.com/AleutianAI/AleutianRouter/services/router/rollout"
	"github.com/AleutianAI/AleutianRouter/services/router/simulate"
)

func pct(v float64) string { return fmt.Sprintf("%.1f%%", v*100) }

func f3(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

func renderBandit(p *ux.Printer, st bandit.Stats) {
	p.Title("Bandit")
	rows := make([][]string, 0, len(st.Arms))
	for _, a := range st.Arms {
		rows = append(rows, []string{
			a.ID,
			f3(a.Alpha),
			f3(a.Beta),
			strconv.FormatInt(a.Pulls, 10),
			pct(a.SuccessRate),
			fmt.Sprintf("[%s, %s]", pct(a.CILower), pct(a.CIUpper)),
			f3(a.MeanReward),
		})
	}
	p.Table([]string{"arm", "alpha", "beta", "pulls", "success", "95% ci", "mean reward"}, rows)
	p.KeyValue(
		ux.KV{Key: "best arm", Value: st.BestArm},
		ux.KV{Key: "selections", Value: strconv.FormatInt(st.TotalSelections, 10)},
		ux.KV{Key: "exploration", Value: pct(st.ObservedExplorationRate())},
		ux.KV{Key: "sampler", Value: st.Sampler},
	)
}

func renderRollout(p *ux.Printer, st rollout.State) {
	p.Title("Rollout")
	p.KeyValue(
		ux.KV{Key: "stage", Value: st.Stage.String()},
		ux.KV{Key: "traffic", Value: pct(st.TrafficFraction)},
		ux.KV{Key: "time in stage", Value: st.TimeInStage.Round(time.Second).String()},
		ux.KV{Key: "requests", Value: strconv.FormatInt(st.StageMetrics.Requests, 10)},
		ux.KV{Key: "error rate", Value: pct(st.StageMetrics.ErrorRate)},
		ux.KV{Key: "baseline error rate", Value: pct(st.Baseline.ErrorRate)},
		ux.KV{Key: "latency degradation", Value: pct(st.LatencyDegradation)},
	)
	switch {
	case !st.Active:
		p.WarningBox("Rollout inactive", st.RollbackReason)
	case st.Held:
		p.WarningBox("Rollout held", "since "+st.HeldSince.Format(time.RFC3339))
	}
}

func renderExperiment(p *ux.Printer, st *experiment.Status) {
	if st == nil {
		return
	}
	p.Title("Experiment " + st.ID)
	rows := make([][]string, 0, len(experiment.Arms))
	for _, arm := range experiment.Arms {
		a := st.Arms[arm]
		rows = append(rows, []string{
			string(arm),
			strconv.FormatInt(a.Assigned, 10),
			strconv.FormatInt(a.Count, 10),
			pct(a.SuccessRate),
			fmt.Sprintf("%.1fms", a.AvgLatencyMs),
			f3(a.AvgCost),
		})
	}
	p.Table([]string{"arm", "users", "samples", "success", "latency", "cost"}, rows)
	state := "running"
	if !st.Active {
		state = "stopped: " + st.StopReason
	}
	p.KeyValue(
		ux.KV{Key: "state", Value: state},
		ux.KV{Key: "samples", Value: pct(st.SampleProgress)},
		ux.KV{Key: "duration", Value: pct(st.DurationProgress)},
		ux.KV{Key: "recommendation", Value: st.Verdict.Recommendation.String()},
	)
}

func renderSummary(p *ux.Printer, sum *simulate.Summary) {
	p.Title("Simulation")
	p.KeyValue(
		ux.KV{Key: "requests", Value: strconv.FormatInt(sum.Requests, 10)},
		ux.KV{Key: "success rate", Value: pct(sum.SuccessRate())},
		ux.KV{Key: "panics", Value: strconv.FormatInt(sum.Panics, 10)},
		ux.KV{Key: "mean latency", Value: sum.MeanLatency.Round(time.Microsecond).String()},
		ux.KV{Key: "mean reward", Value: f3(sum.MeanReward)},
		ux.KV{Key: "elapsed", Value: sum.Elapsed.Round(time.Millisecond).String()},
	)
	counts(p, "route", sum.Routes)
	counts(p, "production arm", sum.ProductionArms)
	if len(sum.ExperimentArms) > 0 {
		counts(p, "experiment arm", sum.ExperimentArms)
	}
}

func counts(p *ux.Printer, label string, m map[string]int64) {
	rows := make([][]string, 0, len(m))
	for _, k := range simulate.SortedKeys(m) {
		rows = append(rows, []string{k, strconv.FormatInt(m[k], 10)})
	}
	p.Table([]string{label, "requests"}, rows)
}
