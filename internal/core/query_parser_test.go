package core

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseQuery_SimpleFilter(t *testing.T) {
	query := `status = "COMPLETED"`
	expected := &StringEqFilter{label: []string{"status"}, value: "COMPLETED"}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_AndExpression(t *testing.T) {
	query := `status = "COMPLETED" AND metrics.AUC_val > 0.8`
	expected := &AndFilter{
		filters: []Filter{
			&StringEqFilter{label: []string{"status"}, value: "COMPLETED"},
			&NumberGtFilter{label: []string{"metrics", "AUC_val"}, value: 0.8},
		},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_OrExpression(t *testing.T) {
	query := `status = "FAILED" OR status = "QUEUED"`
	expected := &OrFilter{
		filters: []Filter{
			&StringEqFilter{label: []string{"status"}, value: "FAILED"},
			&StringEqFilter{label: []string{"status"}, value: "QUEUED"},
		},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_NotExpression(t *testing.T) {
	query := `NOT status CONTAINS "FAIL"`
	expected := &NotFilter{
		filter: &SubstringFilter{label: []string{"status"}, substr: "FAIL"},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_ComplexExpression(t *testing.T) {
	query := `status = "COMPLETED" AND (params.combination_method = "concat" OR NOT metrics.loss_val > 4)`
	expected := &AndFilter{
		filters: []Filter{
			&StringEqFilter{label: []string{"status"}, value: "COMPLETED"},
			&OrFilter{
				filters: []Filter{
					&StringEqFilter{label: []string{"params", "combination_method"}, value: "concat"},
					&NotFilter{
						filter: &NumberGtFilter{label: []string{"metrics", "loss_val"}, value: 4},
					},
				},
			},
		},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assert.Equal(t, filter, expected)

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_NumberFilters(t *testing.T) {
	query := `fold = 2`
	expected := &NumberEqFilter{label: []string{"fold"}, value: 2}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}

	query = `metrics.R2_val > -0.5`
	expected2 := &NumberGtFilter{label: []string{"metrics", "R2_val"}, value: -0.5}

	filter, err = ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected2) {
		t.Errorf("expected %v, got %v", expected2, filter)
	}
}

func TestParseQuery_InvalidQuery(t *testing.T) {
	query := `status CONTAINS`
	_, err := ParseQuery(query)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestParseQuery_UnknownField(t *testing.T) {
	for _, query := range []string{
		`loss > 0.5`,
		`params = "x"`,
		`status.extra = "y"`,
		`metrics > 1`,
	} {
		_, err := ParseQuery(query)
		assert.Error(t, err, "query %s should not parse", query)
	}
}
