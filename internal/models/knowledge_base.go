package models

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidDocType = errors.New("invalid doc type")
	ErrInvalidLayer   = errors.New("invalid layer")
	ErrEmptyQuestion  = errors.New("question is empty")
	ErrEmptyAnswer    = errors.New("answer is empty")
	ErrEmptyContent   = errors.New("content is empty")
	ErrEmptySource    = errors.New("source is empty")
)

// Layer names the index a record lives in.
type Layer string

const (
	LayerFacts    Layer = "facts"
	LayerEvidence Layer = "evidence"
	LayerCache    Layer = "cache"
)

func ParseLayer(s string) (Layer, error) {
	switch l := Layer(strings.ToLower(strings.TrimSpace(s))); l {
	case LayerFacts, LayerEvidence, LayerCache:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidLayer, s)
}

type DocType string

const (
	DocTypeProfile    DocType = "profile"
	DocTypeContact    DocType = "contact"
	DocTypeEducation  DocType = "education"
	DocTypeExperience DocType = "experience"
	DocTypeProject    DocType = "project"
	DocTypeSkill      DocType = "skill"
	DocTypePersonal   DocType = "personal"
	DocTypeFAQ        DocType = "faq"
	DocTypeGeneral    DocType = "general"
)

var docTypeAliases = map[string]DocType{
	"profile":      DocTypeProfile,
	"bio":          DocTypeProfile,
	"about":        DocTypeProfile,
	"contact":      DocTypeContact,
	"contact_info": DocTypeContact,
	"email":        DocTypeContact,
	"education":    DocTypeEducation,
	"school":       DocTypeEducation,
	"experience":   DocTypeExperience,
	"work":         DocTypeExperience,
	"career":       DocTypeExperience,
	"job":          DocTypeExperience,
	"project":      DocTypeProject,
	"projects":     DocTypeProject,
	"skill":        DocTypeSkill,
	"skills":       DocTypeSkill,
	"personal":     DocTypePersonal,
	"hobby":        DocTypePersonal,
	"hobbies":      DocTypePersonal,
	"faq":          DocTypeFAQ,
	"questions":    DocTypeFAQ,
	"general":      DocTypeGeneral,
	"misc":         DocTypeGeneral,
	"other":        DocTypeGeneral,
}

// ParseDocType normalizes a free-form category into a DocType.
func ParseDocType(s string) (DocType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	key = strings.NewReplacer(" ", "_", "-", "_", "/", "_").Replace(key)
	if dt, ok := docTypeAliases[key]; ok {
		return dt, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidDocType, s)
}

// NormalizeTags lower-cases, trims and deduplicates tags. The result is sorted.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func stableHash(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}

// FactStableID is md5(doc_type:question).
func FactStableID(docType DocType, question string) string {
	return stableHash(string(docType), question)
}

// ChunkStableID is md5(source:chunk_index).
func ChunkStableID(source string, chunkIndex int) string {
	return stableHash(source, fmt.Sprint(chunkIndex))
}

// ParentDocID identifies the source document a chunk was cut from.
func ParentDocID(source string) string {
	return stableHash(source)
}

// Record is implemented by everything the document pipeline can index.
type Record interface {
	ID() string
	Text() string
	Metadata() RecordMetadata
}

// KnowledgeRecord is an atomic question/answer fact.
type KnowledgeRecord struct {
	DocType  DocType
	Tags     []string
	Question string
	Answer   string
	StableID string
}

func NewKnowledgeRecord(docType, question, answer string, tags []string) (KnowledgeRecord, error) {
	dt, err := ParseDocType(docType)
	if err != nil {
		return KnowledgeRecord{}, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return KnowledgeRecord{}, ErrEmptyQuestion
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return KnowledgeRecord{}, ErrEmptyAnswer
	}
	return KnowledgeRecord{
		DocType:  dt,
		Tags:     NormalizeTags(tags),
		Question: question,
		Answer:   answer,
		StableID: FactStableID(dt, question),
	}, nil
}

func (r KnowledgeRecord) ID() string { return r.StableID }

func (r KnowledgeRecord) Text() string {
	return "Q: " + r.Question + "\nA: " + r.Answer
}

func (r KnowledgeRecord) Metadata() RecordMetadata {
	return RecordMetadata{
		Layer:    LayerFacts,
		DocType:  r.DocType,
		Tags:     r.Tags,
		Question: r.Question,
		Answer:   r.Answer,
	}
}

// EvidenceChunk is a fragment of a longer supporting document.
type EvidenceChunk struct {
	Source      string
	ParentDocID string
	ChunkIndex  int
	Content     string
	DocType     DocType
	Tags        []string
	StableID    string
}

func NewEvidenceChunk(source string, chunkIndex int, content string, docType DocType, tags []string) (EvidenceChunk, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return EvidenceChunk{}, ErrEmptySource
	}
	if strings.TrimSpace(content) == "" {
		return EvidenceChunk{}, ErrEmptyContent
	}
	if docType == "" {
		docType = DocTypeGeneral
	}
	if _, err := ParseDocType(string(docType)); err != nil {
		return EvidenceChunk{}, err
	}
	return EvidenceChunk{
		Source:      source,
		ParentDocID: ParentDocID(source),
		ChunkIndex:  chunkIndex,
		Content:     content,
		DocType:     docType,
		Tags:        NormalizeTags(tags),
		StableID:    ChunkStableID(source, chunkIndex),
	}, nil
}

func (c EvidenceChunk) ID() string   { return c.StableID }
func (c EvidenceChunk) Text() string { return c.Content }

func (c EvidenceChunk) Metadata() RecordMetadata {
	return RecordMetadata{
		Layer:       LayerEvidence,
		DocType:     c.DocType,
		Tags:        c.Tags,
		Source:      c.Source,
		ParentDocID: c.ParentDocID,
		ChunkIndex:  c.ChunkIndex,
	}
}
