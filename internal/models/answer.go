package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AnswerResult is what the orchestrator hands back to transports.
type AnswerResult struct {
	Answer     string   `json:"answer"`
	Sources    []string `json:"sources"`
	Route      string   `json:"route"`
	KeyFacts   []string `json:"key_facts"`
	Cached     bool     `json:"cached"`
	Similarity float64  `json:"similarity,omitempty"`
}

// BuildStats reports the size of each knowledge index after a build.
type BuildStats struct {
	FactsCount       int `json:"facts_count"`
	EvidenceCount    int `json:"evidence_count"`
	SkippedSources   int `json:"skipped_sources"`
	UnchangedSources int `json:"unchanged_sources"`
}
