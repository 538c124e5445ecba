package tagquery

import (
	"bytes"
	"encoding/json"
	"errors"
)

// StructuredQuery is the JSON wire shape accepted by presets:
//
//	{"tag": "files"}
//	{"$and": [{"tag": "files"}, {"$not": {"tag": "legacy"}}]}
//	{"$or": [...]}
type StructuredQuery struct {
	Tag string             `json:"tag,omitempty"`
	And []*StructuredQuery `json:"$and,omitempty"`
	Or  []*StructuredQuery `json:"$or,omitempty"`
	Not *StructuredQuery   `json:"$not,omitempty"`
}

// ParseStructured converts the JSON structured form into an AST. Unknown
// operator keys, and nodes that set more than one of tag/$and/$or/$not, are
// InvalidExpression; a node that sets none of them yields the empty AST.
func ParseStructured(raw []byte) (*AST, error) {
	if len(raw) == 0 {
		return &AST{Kind: KindEmpty}, nil
	}
	var sq StructuredQuery
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	err := dec.Decode(&sq)
	if err == nil && dec.More() {
		err = errors.New("unexpected data after the query object")
	}
	if err != nil {
		return nil, &InvalidExpressionError{Input: string(raw), Offset: 0, Reason: "malformed JSON: " + err.Error()}
	}
	return structuredToAST(&sq, string(raw))
}

func structuredToAST(sq *StructuredQuery, original string) (*AST, error) {
	if sq == nil {
		return &AST{Kind: KindEmpty}, nil
	}

	set := 0
	if sq.Tag != "" {
		set++
	}
	if len(sq.And) > 0 {
		set++
	}
	if len(sq.Or) > 0 {
		set++
	}
	if sq.Not != nil {
		set++
	}
	if set == 0 {
		return &AST{Kind: KindEmpty}, nil
	}
	if set > 1 {
		return nil, &InvalidExpressionError{Input: original, Offset: 0, Reason: "structured query node must set exactly one of tag/$and/$or/$not"}
	}

	switch {
	case sq.Tag != "":
		return Tag(sq.Tag), nil
	case sq.Not != nil:
		child, err := structuredToAST(sq.Not, original)
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	case len(sq.And) > 0:
		children, err := structuredChildren(sq.And, original)
		if err != nil {
			return nil, err
		}
		return And(children...), nil
	case len(sq.Or) > 0:
		children, err := structuredChildren(sq.Or, original)
		if err != nil {
			return nil, err
		}
		return Or(children...), nil
	default:
		return nil, &InvalidExpressionError{Input: original, Offset: 0, Reason: "unknown structured query operator"}
	}
}

func structuredChildren(nodes []*StructuredQuery, original string) ([]*AST, error) {
	children := make([]*AST, 0, len(nodes))
	for _, n := range nodes {
		child, err := structuredToAST(n, original)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// ToStructured renders an AST back to its JSON structured form, the inverse
// of ParseStructured (used by preset `test`/`resolveToExpression` debugging
// views).
func ToStructured(a *AST) *StructuredQuery {
	if a.IsEmpty() {
		return &StructuredQuery{}
	}
	switch a.Kind {
	case KindTag:
		return &StructuredQuery{Tag: a.Tag}
	case KindNot:
		return &StructuredQuery{Not: ToStructured(a.Children[0])}
	case KindGroup:
		return ToStructured(a.Children[0])
	case KindAnd:
		out := &StructuredQuery{}
		for _, c := range a.Children {
			out.And = append(out.And, ToStructured(c))
		}
		return out
	case KindOr:
		out := &StructuredQuery{}
		for _, c := range a.Children {
			out.Or = append(out.Or, ToStructured(c))
		}
		return out
	default:
		return &StructuredQuery{}
	}
}
