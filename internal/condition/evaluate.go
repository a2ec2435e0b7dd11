package condition

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Getter is the read-only field access the evaluator needs.
// *model.Record satisfies it.
type Getter interface {
	Field(name string) (any, bool)
}

// Evaluate reports whether rec satisfies n. A nil tree matches.
func Evaluate(n *Node, rec Getter) bool {
	if n == nil {
		return true
	}
	if n.And != nil {
		for _, c := range n.And {
			if !Evaluate(c, rec) {
				return false
			}
		}
		return true
	}
	if n.Or != nil {
		for _, c := range n.Or {
			if Evaluate(c, rec) {
				return true
			}
		}
		return len(n.Or) == 0
	}
	actual, _ := rec.Field(n.Field)
	return evalLeaf(n.Operator, actual, n.Value)
}

func evalLeaf(op Operator, actual, expected any) bool {
	switch op {
	case OpIsNull:
		return actual == nil
	case OpIsNotNull:
		return actual != nil
	case OpEq:
		return equal(actual, expected)
	case OpNe:
		return !equal(actual, expected)
	case OpIn:
		return member(actual, expected)
	case OpNotIn:
		return !member(actual, expected)
	case OpContains:
		return contains(actual, expected)
	case OpStartsWith:
		a, ok1 := actual.(string)
		e, ok2 := expected.(string)
		return ok1 && ok2 && strings.HasPrefix(strings.ToLower(a), strings.ToLower(e))
	case OpGt, OpGe, OpLt, OpLe:
		c, ok := compare(actual, expected)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpGe:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	}
	return false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			return x == y
		}
	}
	if x, ok := a.(time.Time); ok {
		if y, ok := temporal(b); ok {
			return x.Equal(y)
		}
	}
	if x, ok := a.(bool); ok {
		y, ok := b.(bool)
		return ok && x == y
	}
	return text(a) == text(b)
}

func member(actual, expected any) bool {
	list, ok := expected.([]any)
	if !ok {
		list = []any{expected}
	}
	for _, v := range list {
		if equal(actual, v) {
			return true
		}
	}
	return false
}

func contains(actual, expected any) bool {
	e, ok := expected.(string)
	if !ok {
		return false
	}
	switch a := actual.(type) {
	case string:
		return strings.Contains(strings.ToLower(a), strings.ToLower(e))
	case []string:
		for _, s := range a {
			if strings.EqualFold(s, e) {
				return true
			}
		}
	case []any:
		for _, s := range a {
			if str, ok := s.(string); ok && strings.EqualFold(str, e) {
				return true
			}
		}
	}
	return false
}

// compare orders a and b when both are numeric or both are temporal.
func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	x, ok := temporal(a)
	if !ok {
		return 0, false
	}
	y, ok := temporal(b)
	if !ok {
		return 0, false
	}
	return x.Compare(y), true
}

func number(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func temporal(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
