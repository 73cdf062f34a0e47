package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RecordMetadata is stored next to every vector. Fields that do not apply to a layer stay empty.
type RecordMetadata struct {
	Layer        Layer     `json:"layer"`
	DocType      DocType   `json:"doc_type,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	Question     string    `json:"question,omitempty"`
	Answer       string    `json:"answer,omitempty"`
	Source       string    `json:"source,omitempty"`
	ParentDocID  string    `json:"parent_doc_id,omitempty"`
	ChunkIndex   int       `json:"chunk_index,omitempty"`
	TextHash     string    `json:"text_hash,omitempty"`
	ResponseText string    `json:"response_text,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// HasAnyTag reports whether the metadata shares at least one tag with want.
// An empty want matches everything.
func (m RecordMetadata) HasAnyTag(want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, w := range want {
		for _, t := range m.Tags {
			if t == w {
				return true
			}
		}
	}
	return false
}

func (m RecordMetadata) Marshal() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return string(data), nil
}

func UnmarshalMetadata(raw []byte) (RecordMetadata, error) {
	var m RecordMetadata
	if len(raw) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return m, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return m, nil
}

// IndexEntry is one row written to a vector index.
type IndexEntry struct {
	ID        string
	Text      string
	Metadata  RecordMetadata
	Embedding []float32
}

// IndexFilter restricts a nearest-neighbour query at the index layer.
type IndexFilter struct {
	DocType DocType
}

// Document is a single nearest-neighbour hit. Distance is cosine distance in [0, 2].
type Document struct {
	ID       string         `json:"id"`
	Layer    Layer          `json:"layer"`
	Text     string         `json:"text"`
	Metadata RecordMetadata `json:"metadata"`
	Distance float64        `json:"distance"`
}
