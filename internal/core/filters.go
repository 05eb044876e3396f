package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"pretrain-backend/internal/database"
)

// RunFields is the view of a run that query filters evaluate against.
type RunFields struct {
	Status  string
	Fold    int
	Params  map[string]any
	Metrics map[string]float64
}

func RunFieldsFromRecord(run database.Run) (RunFields, error) {
	fields := RunFields{Status: run.Status, Fold: run.Fold}

	if len(run.Params) > 0 {
		if err := json.Unmarshal(run.Params, &fields.Params); err != nil {
			return RunFields{}, fmt.Errorf("error parsing run params: %w", err)
		}
	}
	if len(run.Metrics) > 0 {
		if err := json.Unmarshal(run.Metrics, &fields.Metrics); err != nil {
			return RunFields{}, fmt.Errorf("error parsing run metrics: %w", err)
		}
	}

	return fields, nil
}

// resolveString looks a label up and renders the value as a string. Missing
// fields resolve to ("", false) so comparisons against them never match.
func (r RunFields) resolveString(label []string) (string, bool) {
	switch {
	case len(label) == 1 && label[0] == "status":
		return r.Status, true
	case len(label) == 2 && label[0] == "params":
		v, ok := r.Params[label[1]]
		if !ok {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	default:
		return "", false
	}
}

func (r RunFields) resolveNumber(label []string) (float64, bool) {
	switch {
	case len(label) == 1 && label[0] == "fold":
		return float64(r.Fold), true
	case len(label) == 2 && label[0] == "params":
		switch v := r.Params[label[1]].(type) {
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case float64:
			return v, true
		default:
			return 0, false
		}
	case len(label) == 2 && label[0] == "metrics":
		v, ok := r.Metrics[label[1]]
		return v, ok
	default:
		return 0, false
	}
}

type Filter interface {
	Matches(run RunFields) bool
}

type AndFilter struct {
	filters []Filter
}

func (f *AndFilter) Matches(run RunFields) bool {
	for _, filter := range f.filters {
		if !filter.Matches(run) {
			return false
		}
	}
	return true
}

type OrFilter struct {
	filters []Filter
}

func (f *OrFilter) Matches(run RunFields) bool {
	for _, filter := range f.filters {
		if filter.Matches(run) {
			return true
		}
	}
	return false
}

type NotFilter struct {
	filter Filter
}

func (f *NotFilter) Matches(run RunFields) bool {
	return !f.filter.Matches(run)
}

type SubstringFilter struct {
	label  []string
	substr string
}

func (f *SubstringFilter) Matches(run RunFields) bool {
	s, ok := run.resolveString(f.label)
	return ok && strings.Contains(s, f.substr)
}

type StringEqFilter struct {
	label []string
	value string
}

func (f *StringEqFilter) Matches(run RunFields) bool {
	s, ok := run.resolveString(f.label)
	return ok && s == f.value
}

type StringLtFilter struct {
	label []string
	value string
}

func (f *StringLtFilter) Matches(run RunFields) bool {
	s, ok := run.resolveString(f.label)
	return ok && s < f.value
}

type StringGtFilter struct {
	label []string
	value string
}

func (f *StringGtFilter) Matches(run RunFields) bool {
	s, ok := run.resolveString(f.label)
	return ok && s > f.value
}

type NumberLtFilter struct {
	label []string
	value float64
}

func (f *NumberLtFilter) Matches(run RunFields) bool {
	n, ok := run.resolveNumber(f.label)
	return ok && n < f.value
}

type NumberGtFilter struct {
	label []string
	value float64
}

func (f *NumberGtFilter) Matches(run RunFields) bool {
	n, ok := run.resolveNumber(f.label)
	return ok && n > f.value
}

type NumberEqFilter struct {
	label []string
	value float64
}

func (f *NumberEqFilter) Matches(run RunFields) bool {
	n, ok := run.resolveNumber(f.label)
	return ok && n == f.value
}
