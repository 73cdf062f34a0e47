package service

import (
	"regexp"

	"persona-rag/internal/models"
)

// Pattern lists are ordered and compiled once. Every hit adds one to its category score.
var (
	timelinePatterns = compileAll(
		`\btimeline\b`,
		`\bcareer (path|history|journey|progression)\b`,
		`\bwork history\b`,
		`\bwhen did\b`,
		`\bchronolog`,
		`\brelationship between\b`,
		`\bover the years\b`,
		`\bjourney\b`,
	)

	evidencePatterns = compileAll(
		`\bexplain\b`,
		`\bin detail\b`,
		`\bdetails?\b`,
		`\bdescribe\b`,
		`\barchitecture\b`,
		`\bprojects?\b`,
		`\bimplement`,
		`\btell me (more )?about\b`,
		`\bwalk me through\b`,
		`\bexamples?\b`,
		`\bresume\b`,
		`\bexperience (with|at|in)\b`,
		`\bchalleng`,
		`\btech stack\b`,
	)

	factualPatterns = compileAll(
		`\bwhat is your\b`,
		`\bwhat's your\b`,
		`\bwho are you\b`,
		`\byour name\b`,
		`\be-?mail\b`,
		`\bphone\b`,
		`\bcontact\b`,
		`\bwhere (do|did) you\b`,
		`\bage\b`,
		`\blocation\b`,
		`\bskills?\b`,
		`\beducation\b`,
		`\bdegree\b`,
		`\bcurrent(ly)?\b`,
		`\bhobb(y|ies)\b`,
		`\b(linkedin|github)\b`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func countHits(patterns []*regexp.Regexp, query string) int {
	n := 0
	for _, re := range patterns {
		if re.MatchString(query) {
			n++
		}
	}
	return n
}

// Route decides which knowledge index is likely to answer query. It is pure and deterministic.
func Route(query string) models.QueryRoute {
	route := models.QueryRoute{
		TimelineScore: countHits(timelinePatterns, query),
		EvidenceScore: countHits(evidencePatterns, query),
		FactualScore:  countHits(factualPatterns, query),
	}

	switch {
	case route.TimelineScore > 0:
		route.Primary = models.TargetBoth
		route.QueryType = models.QueryTypeTimeline
	case route.EvidenceScore > route.FactualScore:
		route.Primary = models.TargetEvidence
		route.Secondary = models.TargetFacts
		route.QueryType = models.QueryTypeEvidence
	case route.FactualScore > 0:
		route.Primary = models.TargetFacts
		route.Secondary = models.TargetEvidence
		route.QueryType = models.QueryTypeFactual
	default:
		route.Primary = models.TargetFacts
		route.Secondary = models.TargetEvidence
		route.QueryType = models.QueryTypeDefault
	}
	return route
}
