package service

import (
	"testing"

	"persona-rag/internal/models"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		query     string
		primary   models.Target
		secondary models.Target
		queryType models.QueryType
	}{
		{"What is your email address?", models.TargetFacts, models.TargetEvidence, models.QueryTypeFactual},
		{"Explain the ApplyBots project in detail", models.TargetEvidence, models.TargetFacts, models.QueryTypeEvidence},
		{"What is your career timeline?", models.TargetBoth, "", models.QueryTypeTimeline},
		{"Can you help me?", models.TargetFacts, models.TargetEvidence, models.QueryTypeDefault},
		{"Walk me through the architecture of your bot project", models.TargetEvidence, models.TargetFacts, models.QueryTypeEvidence},
		{"When did you start working at Acme and explain the project", models.TargetBoth, "", models.QueryTypeTimeline},
		{"Where did you study and what degree?", models.TargetFacts, models.TargetEvidence, models.QueryTypeFactual},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			route := Route(tt.query)
			assert.Equal(t, tt.primary, route.Primary)
			assert.Equal(t, tt.secondary, route.Secondary)
			assert.Equal(t, tt.queryType, route.QueryType)
		})
	}
}

func TestRoute_Scores(t *testing.T) {
	route := Route("Explain the ApplyBots project in detail")
	assert.Equal(t, 0, route.TimelineScore)
	assert.Equal(t, 4, route.EvidenceScore) // explain, in detail, detail, project
	assert.Equal(t, 0, route.FactualScore)
}

func TestRoute_WordBoundaries(t *testing.T) {
	// "message" must not count as "age", "projector" as "project"
	route := Route("send a message to the projector")
	assert.Equal(t, models.QueryTypeDefault, route.QueryType)
}

func TestRoute_Deterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := rapid.StringMatching(`[a-zA-Z ?']{0,60}`).Draw(t, "query")
		assert.Equal(t, Route(q), Route(q))
	})
}
