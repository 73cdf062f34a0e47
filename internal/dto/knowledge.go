package dto

import "persona-rag/internal/models"

type BuildResponse struct {
	Rebuilt          bool   `json:"rebuilt"`
	FactsCount       int    `json:"facts_count"`
	EvidenceCount    int    `json:"evidence_count"`
	SkippedSources   int    `json:"skipped_sources"`
	UnchangedSources int    `json:"unchanged_sources"`
	Operator         string `json:"operator,omitempty"`
}

func NewBuildResponse(stats models.BuildStats, rebuilt bool, operator string) BuildResponse {
	return BuildResponse{
		Rebuilt:          rebuilt,
		FactsCount:       stats.FactsCount,
		EvidenceCount:    stats.EvidenceCount,
		SkippedSources:   stats.SkippedSources,
		UnchangedSources: stats.UnchangedSources,
		Operator:         operator,
	}
}

type HealthResponse struct {
	Status string `json:"status"`
}
