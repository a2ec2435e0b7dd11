// Package condition implements the boolean condition grammar shared by the
// rule engine and segment audiences.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Operator is a leaf comparison.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNe         Operator = "ne"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "starts_with"
	OpGt         Operator = "gt"
	OpGe         Operator = "ge"
	OpLt         Operator = "lt"
	OpLe         Operator = "le"
	OpIsNull     Operator = "is_null"
	OpIsNotNull  Operator = "is_not_null"
)

// aliases maps operator spellings found in older rule exports.
var aliases = map[string]Operator{
	"equals":     OpEq,
	"==":         OpEq,
	"=":          OpEq,
	"not_equals": OpNe,
	"!=":         OpNe,
	"gte":        OpGe,
	">=":         OpGe,
	">":          OpGt,
	"lte":        OpLe,
	"<=":         OpLe,
	"<":          OpLt,
	"icontains":  OpContains,
	"startswith": OpStartsWith,
	"isnull":     OpIsNull,
}

func (op Operator) valid() bool {
	switch op {
	case OpEq, OpNe, OpIn, OpNotIn, OpContains, OpStartsWith, OpGt, OpGe, OpLt, OpLe, OpIsNull, OpIsNotNull:
		return true
	}
	return false
}

// Node is either an internal and/or node or a leaf. A nil *Node is the
// empty tree and always matches.
type Node struct {
	And      []*Node  `json:"and,omitempty"`
	Or       []*Node  `json:"or,omitempty"`
	Field    string   `json:"field,omitempty"`
	Operator Operator `json:"operator,omitempty"`
	Value    any      `json:"value,omitempty"`
}

func (n *Node) isLeaf() bool { return n.And == nil && n.Or == nil }

// Parse decodes a stored condition tree. It accepts the canonical tree
// plus the legacy shapes: a bare leaf, a list of leaves (implicit and),
// {"match": "all"|"any", "conditions": [...]}, and "op" for "operator".
func Parse(raw json.RawMessage) (*Node, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode conditions: %w", err)
	}
	return normalize(v)
}

func normalize(v any) (*Node, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(t) == 0 {
			return nil, nil
		}
		children, err := normalizeList(t)
		if err != nil {
			return nil, err
		}
		return &Node{And: children}, nil
	case map[string]any:
		return normalizeObject(t)
	}
	return nil, fmt.Errorf("condition must be an object or list, got %T", v)
}

func normalizeList(items []any) ([]*Node, error) {
	out := make([]*Node, 0, len(items))
	for i, item := range items {
		n, err := normalize(item)
		if err != nil {
			return nil, fmt.Errorf("condition[%d]: %w", i, err)
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out, nil
}

func normalizeObject(m map[string]any) (*Node, error) {
	if len(m) == 0 {
		return nil, nil
	}
	if children, ok := m["and"]; ok {
		list, ok := children.([]any)
		if !ok {
			return nil, fmt.Errorf("\"and\" must be a list")
		}
		nodes, err := normalizeList(list)
		if err != nil {
			return nil, err
		}
		return &Node{And: nodes}, nil
	}
	if children, ok := m["or"]; ok {
		list, ok := children.([]any)
		if !ok {
			return nil, fmt.Errorf("\"or\" must be a list")
		}
		nodes, err := normalizeList(list)
		if err != nil {
			return nil, err
		}
		return &Node{Or: nodes}, nil
	}
	if conds, ok := m["conditions"]; ok {
		list, ok := conds.([]any)
		if !ok {
			return nil, fmt.Errorf("\"conditions\" must be a list")
		}
		nodes, err := normalizeList(list)
		if err != nil {
			return nil, err
		}
		if match, _ := m["match"].(string); strings.EqualFold(match, "any") {
			return &Node{Or: nodes}, nil
		}
		return &Node{And: nodes}, nil
	}

	field, _ := m["field"].(string)
	opRaw, ok := m["operator"].(string)
	if !ok {
		opRaw, _ = m["op"].(string)
	}
	op := Operator(strings.ToLower(strings.TrimSpace(opRaw)))
	if alias, ok := aliases[string(op)]; ok {
		op = alias
	}
	return &Node{Field: strings.TrimSpace(field), Operator: op, Value: plain(m["value"])}, nil
}

// plain converts json.Number values into int64 or float64.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	}
	return v
}

// Validate checks that every leaf names a field and a known operator.
func Validate(n *Node) error {
	if n == nil {
		return nil
	}
	if !n.isLeaf() {
		for _, c := range append(append([]*Node(nil), n.And...), n.Or...) {
			if err := Validate(c); err != nil {
				return err
			}
		}
		return nil
	}
	if n.Field == "" {
		return fmt.Errorf("condition leaf is missing a field")
	}
	if !n.Operator.valid() {
		return fmt.Errorf("unknown operator %q on field %q", n.Operator, n.Field)
	}
	switch n.Operator {
	case OpIn, OpNotIn:
		if _, ok := n.Value.([]any); !ok {
			return fmt.Errorf("operator %s on field %q requires a list value", n.Operator, n.Field)
		}
	}
	return nil
}

// ParseAndValidate is the write-time entry point used when rules and
// segment audiences are saved.
func ParseAndValidate(raw json.RawMessage) (*Node, error) {
	n, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(n); err != nil {
		return nil, err
	}
	return n, nil
}

// Marshal encodes n in canonical tree form.
func Marshal(n *Node) (json.RawMessage, error) {
	if n == nil {
		return nil, nil
	}
	return json.Marshal(n)
}
