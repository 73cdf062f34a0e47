package models

// QueryType is the diagnostic label of a routing decision.
type QueryType string

const (
	QueryTypeTimeline QueryType = "timeline"
	QueryTypeEvidence QueryType = "evidence"
	QueryTypeFactual  QueryType = "factual"
	QueryTypeDefault  QueryType = "default"
)

// Target is the index set a route points at.
type Target string

const (
	TargetFacts    Target = "facts"
	TargetEvidence Target = "evidence"
	TargetBoth     Target = "both"
)

// QueryRoute is computed per query and never persisted.
type QueryRoute struct {
	Primary       Target    `json:"primary"`
	Secondary     Target    `json:"secondary,omitempty"`
	QueryType     QueryType `json:"query_type"`
	TimelineScore int       `json:"timeline_score"`
	EvidenceScore int       `json:"evidence_score"`
	FactualScore  int       `json:"factual_score"`
}

// Layers expands the primary target into index layers, facts first.
func (t Target) Layers() []Layer {
	switch t {
	case TargetFacts:
		return []Layer{LayerFacts}
	case TargetEvidence:
		return []Layer{LayerEvidence}
	case TargetBoth:
		return []Layer{LayerFacts, LayerEvidence}
	}
	return nil
}

// RetrievalFilter narrows a retrieval. DocType is pushed to the index, Tags are post-filtered.
type RetrievalFilter struct {
	DocType DocType
	Tags    []string
}

func (f RetrievalFilter) Active() bool {
	return f.DocType != "" || len(f.Tags) > 0
}
