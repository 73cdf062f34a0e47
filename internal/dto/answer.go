package dto

import (
	"persona-rag/internal/models"
)

type AnswerRequest struct {
	Question  string   `json:"question"`
	SessionID string   `json:"session_id,omitempty"`
	DocType   string   `json:"doc_type,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Filter converts the optional doc_type and tags into a retrieval filter.
func (r AnswerRequest) Filter() (models.RetrievalFilter, error) {
	filter := models.RetrievalFilter{Tags: models.NormalizeTags(r.Tags)}
	if r.DocType != "" {
		docType, err := models.ParseDocType(r.DocType)
		if err != nil {
			return models.RetrievalFilter{}, err
		}
		filter.DocType = docType
	}
	return filter, nil
}

type AnswerResponse struct {
	Answer     string   `json:"answer"`
	Sources    []string `json:"sources"`
	Route      string   `json:"route"`
	KeyFacts   []string `json:"key_facts"`
	Cached     bool     `json:"cached"`
	Similarity float64  `json:"similarity,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
}

func NewAnswerResponse(result *models.AnswerResult, sessionID string) AnswerResponse {
	resp := AnswerResponse{
		Answer:     result.Answer,
		Sources:    result.Sources,
		Route:      result.Route,
		KeyFacts:   result.KeyFacts,
		Cached:     result.Cached,
		Similarity: result.Similarity,
		SessionID:  sessionID,
	}
	if resp.Sources == nil {
		resp.Sources = []string{}
	}
	if resp.KeyFacts == nil {
		resp.KeyFacts = []string{}
	}
	return resp
}

type ErrorResponse struct {
	Error string `json:"error"`
}
