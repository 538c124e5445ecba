// Package preset implements named, persisted tag queries. A preset is a
// reusable admission filter: a downstream session created with a preset name
// sees only the upstream servers whose tags satisfy the preset's query.
// Presets live in a single JSON document on disk, written atomically and
// watched for external edits.
package preset

import (
	"encoding/json"
	"time"

	"onemcp/internal/tagquery"
)

// Strategy selects how a preset's tag query is interpreted.
type Strategy string

const (
	// StrategySimpleOr matches servers carrying any of the listed tags.
	StrategySimpleOr Strategy = "simple-or"
	// StrategySimpleAnd matches servers carrying all of the listed tags.
	StrategySimpleAnd Strategy = "simple-and"
	// StrategyAdvanced uses a full infix tag expression.
	StrategyAdvanced Strategy = "advanced"
)

// Preset is one named tag query. Name must match [A-Za-z0-9_-]{1,64}.
type Preset struct {
	Name          string                    `json:"name"`
	Strategy      Strategy                  `json:"strategy"`
	TagQuery      *tagquery.StructuredQuery `json:"tagQuery,omitempty"`
	TagExpression string                    `json:"tagExpression,omitempty"`
	DisplayName   string                    `json:"displayName,omitempty"`
	Created       time.Time                 `json:"created"`
	LastModified  time.Time                 `json:"lastModified"`
	LastUsed      *time.Time                `json:"lastUsed,omitempty"`
}

// Config is the caller-supplied part of a preset, validated and completed by
// Store.Save.
type Config struct {
	Strategy      Strategy                  `json:"strategy"`
	Tags          []string                  `json:"tags,omitempty"`
	TagQuery      *tagquery.StructuredQuery `json:"tagQuery,omitempty"`
	TagExpression string                    `json:"tagExpression,omitempty"`
	DisplayName   string                    `json:"displayName,omitempty"`
	// Servers optionally pins the servers this preset is expected to match;
	// unknown names produce a non-fatal warning at save time.
	Servers []string `json:"servers,omitempty"`
}

// document is the on-disk shape: {version, presets{}}.
type document struct {
	Version string             `json:"version"`
	Presets map[string]*Preset `json:"presets"`
}

const documentVersion = "1.0.0"

// ast resolves a preset to its evaluable AST.
func (p *Preset) ast() (*tagquery.AST, error) {
	switch p.Strategy {
	case StrategyAdvanced:
		if p.TagExpression != "" {
			return tagquery.Parse(p.TagExpression)
		}
	}
	if p.TagQuery == nil {
		return &tagquery.AST{Kind: tagquery.KindEmpty}, nil
	}
	return structuredQueryAST(p.TagQuery)
}

func structuredQueryAST(sq *tagquery.StructuredQuery) (*tagquery.AST, error) {
	raw, err := json.Marshal(sq)
	if err != nil {
		return nil, err
	}
	return tagquery.ParseStructured(raw)
}
