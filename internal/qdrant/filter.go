package qdrant

// Filter is the Qdrant payload-filter model, reduced to the clauses the
// memory layer builds.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	Should  []Condition `json:"should,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

// Condition is a single field condition.
type Condition struct {
	Key   string `json:"key,omitempty"`
	Match *Match `json:"match,omitempty"`
	Range *Range `json:"range,omitempty"`
}

// Match matches a payload field against a value or any of a value set.
type Match struct {
	Value any   `json:"value,omitempty"`
	Any   []any `json:"any,omitempty"`
}

// Range bounds a numeric or datetime payload field.
type Range struct {
	GTE any `json:"gte,omitempty"`
	LTE any `json:"lte,omitempty"`
}

// MatchValue builds an equality condition.
func MatchValue(key string, value any) Condition {
	return Condition{Key: key, Match: &Match{Value: value}}
}

// MatchAny builds an is-one-of condition.
func MatchAny(key string, values ...any) Condition {
	return Condition{Key: key, Match: &Match{Any: values}}
}

// GTE builds a lower-bound range condition.
func GTE(key string, value any) Condition {
	return Condition{Key: key, Range: &Range{GTE: value}}
}

// MustMatch builds the common single-equality filter.
func MustMatch(key string, value any) *Filter {
	return &Filter{Must: []Condition{MatchValue(key, value)}}
}
