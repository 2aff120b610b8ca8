package models

import (
	"fmt"
	"strings"
)

// BranchOperator compares a submission field with the configured value.
type BranchOperator string

const (
	BranchOperatorEquals    BranchOperator = "equals"
	BranchOperatorNotEquals BranchOperator = "not_equals"
	BranchOperatorIn        BranchOperator = "in"
	BranchOperatorNotIn     BranchOperator = "not_in"
	BranchOperatorPrefix    BranchOperator = "prefix"
	BranchOperatorExists    BranchOperator = "exists"
)

// BranchConfig is the config of a branch node. An empty Field makes the branch a pass-through.
type BranchConfig struct {
	Field    string         `json:"field,omitempty"`
	Operator BranchOperator `json:"operator,omitempty"`
	Value    any            `json:"value,omitempty"`
}

// IsPassThrough reports whether the branch carries no predicate.
func (c BranchConfig) IsPassThrough() bool {
	return c.Field == ""
}

// Evaluate applies the predicate to the submission.
func (c BranchConfig) Evaluate(submission *Submission) (bool, error) {
	if c.IsPassThrough() {
		return true, nil
	}

	actual, present := submission.Field(c.Field)

	switch c.Operator {
	case BranchOperatorExists:
		return present && actual != "", nil
	case BranchOperatorEquals, "":
		return present && actual == stringify(c.Value), nil
	case BranchOperatorNotEquals:
		return !present || actual != stringify(c.Value), nil
	case BranchOperatorPrefix:
		return present && strings.HasPrefix(actual, stringify(c.Value)), nil
	case BranchOperatorIn, BranchOperatorNotIn:
		values, ok := c.Value.([]any)
		if !ok {
			return false, fmt.Errorf("%w: operator %s requires a list value", ErrInvalidNodeConfig, c.Operator)
		}

		found := false

		for _, v := range values {
			if present && actual == stringify(v) {
				found = true

				break
			}
		}

		if c.Operator == BranchOperatorIn {
			return found, nil
		}

		return !found, nil
	default:
		return false, fmt.Errorf("%w: unknown branch operator %q", ErrInvalidNodeConfig, c.Operator)
	}
}

func stringify(v any) string {
	if v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}
