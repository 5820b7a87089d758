// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/adiadia/readmodel-runtime/internal/catchup"
	"github.com/adiadia/readmodel-runtime/internal/domain"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// table renders itself for the default output format.
type table interface {
	header() []string
	rows() [][]string
}

func render(w io.Writer, format string, v any) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}

	t, ok := v.(table)
	if !ok {
		return fmt.Errorf("value of type %T has no table form", v)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(t.header(), "\t"))
	for _, row := range t.rows() {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

type progressView struct {
	Name                 string  `json:"name" yaml:"name"`
	CurrentAsOfEventID   int64   `json:"current_as_of_event_id" yaml:"current_as_of_event_id"`
	EventsRemaining      int64   `json:"events_remaining" yaml:"events_remaining"`
	PercentageCompleted  float64 `json:"percentage_completed" yaml:"percentage_completed"`
	TimeRemaining        string  `json:"time_remaining,omitempty" yaml:"time_remaining,omitempty"`
	InitialCatchupEvents int64   `json:"initial_catchup_events" yaml:"initial_catchup_events"`
	InitialCatchupTime   string  `json:"initial_catchup_time,omitempty" yaml:"initial_catchup_time,omitempty"`
	LatencyMillis        int64   `json:"latency_ms" yaml:"latency_ms"`
	FailedOnEventID      *int64  `json:"failed_on_event_id,omitempty" yaml:"failed_on_event_id,omitempty"`
	Error                string  `json:"error,omitempty" yaml:"error,omitempty"`
}

type progressList []progressView

func newProgressList(in []domain.Progress) progressList {
	out := make(progressList, 0, len(in))
	for _, p := range in {
		out = append(out, progressView{
			Name:                 p.Name,
			CurrentAsOfEventID:   p.CurrentAsOfEventID,
			EventsRemaining:      p.EventsRemaining,
			PercentageCompleted:  p.PercentageCompleted,
			TimeRemaining:        formatDuration(p.TimeRemainingForCatchup),
			InitialCatchupEvents: p.InitialCatchupEvents,
			InitialCatchupTime:   formatDuration(p.TimeTakenForInitialCatchup),
			LatencyMillis:        p.LatencyInMilliseconds,
			FailedOnEventID:      p.FailedOnEventID,
			Error:                p.Error,
		})
	}
	return out
}

func (l progressList) header() []string {
	return []string{"PROJECTOR", "AT EVENT", "REMAINING", "DONE", "ETA", "LATENCY", "FAILED ON"}
}

func (l progressList) rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, p := range l {
		failed := "-"
		if p.FailedOnEventID != nil {
			failed = strconv.FormatInt(*p.FailedOnEventID, 10)
		}
		rows = append(rows, []string{
			p.Name,
			strconv.FormatInt(p.CurrentAsOfEventID, 10),
			strconv.FormatInt(p.EventsRemaining, 10),
			strconv.FormatFloat(p.PercentageCompleted, 'f', 1, 64) + "%",
			orDash(p.TimeRemaining),
			strconv.FormatInt(p.LatencyMillis, 10) + "ms",
			failed,
		})
	}
	return rows
}

type runView struct {
	EventsRead int            `json:"events_read" yaml:"events_read"`
	Applied    map[string]int `json:"applied" yaml:"applied"`
	Failed     []string       `json:"failed,omitempty" yaml:"failed,omitempty"`
}

func newRunView(res catchup.RunResult) runView {
	return runView{EventsRead: res.EventsRead, Applied: res.Applied, Failed: res.Failed}
}

func (v runView) header() []string {
	return []string{"PROJECTOR", "APPLIED", "STATUS"}
}

func (v runView) rows() [][]string {
	failed := make(map[string]bool, len(v.Failed))
	for _, name := range v.Failed {
		failed[name] = true
	}

	names := make([]string, 0, len(v.Applied))
	for name := range v.Applied {
		names = append(names, name)
	}
	for _, name := range v.Failed {
		if _, ok := v.Applied[name]; !ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	rows := make([][]string, 0, len(names))
	for _, name := range names {
		status := "ok"
		if failed[name] {
			status = "failed"
		}
		rows = append(rows, []string{name, strconv.Itoa(v.Applied[name]), status})
	}
	return rows
}

type reservationView struct {
	Operation  string `json:"operation" yaml:"operation"`
	Scope      string `json:"scope" yaml:"scope"`
	Value      string `json:"value,omitempty" yaml:"value,omitempty"`
	OwnerToken string `json:"owner_token" yaml:"owner_token"`
	Granted    bool   `json:"granted" yaml:"granted"`
}

func (v reservationView) header() []string {
	return []string{"OPERATION", "SCOPE", "VALUE", "OWNER", "GRANTED"}
}

func (v reservationView) rows() [][]string {
	return [][]string{{v.Operation, v.Scope, orDash(v.Value), v.OwnerToken, strconv.FormatBool(v.Granted)}}
}

func formatDuration(d *time.Duration) string {
	if d == nil {
		return ""
	}
	return d.Round(time.Millisecond).String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
