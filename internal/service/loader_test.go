package service

import (
	"path/filepath"
	"testing"

	"persona-rag/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFacts_JSONArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.json")
	writeFile(t, path, `[
		{"doc_type": "bio", "question": "Who are you?", "answer": "A backend engineer.", "tags": ["About", "about"]},
		{"doc_type": "contact", "question": "Phone?", "answer": "+1 555 0100"}
	]`)

	records, err := LoadFacts(path)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, models.DocTypeProfile, records[0].DocType)
	assert.Equal(t, []string{"about"}, records[0].Tags)
	assert.Equal(t, models.FactStableID(models.DocTypeProfile, "Who are you?"), records[0].ID())
	assert.Equal(t, "Q: Phone?\nA: +1 555 0100", records[1].Text())
}

func TestLoadFacts_JSONObjectDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "skills.json")
	writeFile(t, path, `{"doc_type": "skills", "tags": ["tech"], "items": [
		{"question": "Favourite language?", "answer": "Go", "tags": ["lang"]},
		{"doc_type": "faq", "question": "Remote?", "answer": "Yes"}
	]}`)

	records, err := LoadFacts(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, models.DocTypeSkill, records[0].DocType)
	assert.Equal(t, []string{"lang", "tech"}, records[0].Tags)
	assert.Equal(t, models.DocTypeFAQ, records[1].DocType)
}

func TestLoadFacts_CSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facts.csv")
	writeFile(t, path, "doc_type,question,answer,tags\n"+
		"education,Where did you study?,\"State University, CS\",school;cs\n"+
		"personal,Hobbies?,Climbing,\n")

	records, err := LoadFacts(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "State University, CS", records[0].Answer)
	assert.Equal(t, []string{"cs", "school"}, records[0].Tags)
	assert.Empty(t, records[1].Tags)
}

func TestLoadFacts_RejectsBadRows(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.json")
	writeFile(t, bad, `[{"doc_type": "spaceship", "question": "q", "answer": "a"}]`)
	_, err := LoadFacts(bad)
	assert.ErrorIs(t, err, models.ErrInvalidDocType)

	noHeader := filepath.Join(dir, "bad.csv")
	writeFile(t, noHeader, "question,answer\nq,a\n")
	_, err = LoadFacts(noHeader)
	assert.Error(t, err)

	_, err = LoadFacts(filepath.Join(dir, "facts.yaml"))
	assert.ErrorIs(t, err, ErrUnsupportedSource)
}

func TestLoadEvidence_FrontMatterAndInference(t *testing.T) {
	dir := t.TempDir()

	plain := filepath.Join(dir, "resume.txt")
	writeFile(t, plain, "Senior engineer at Acme since 2020.")
	doc, err := LoadEvidence(plain, "resume.txt")
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeExperience, doc.DocType)
	assert.Equal(t, "Senior engineer at Acme since 2020.", doc.Content)

	fenced := filepath.Join(dir, "notes.md")
	writeFile(t, fenced, "---\ndoc_type: projects\ntags: go, rag\n---\n# Notes\nBuilt a retrieval engine.")
	doc, err = LoadEvidence(fenced, "notes.md")
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeProject, doc.DocType)
	assert.Equal(t, []string{"go", "rag"}, doc.Tags)
	assert.Equal(t, "# Notes\nBuilt a retrieval engine.", doc.Content)

	bare := filepath.Join(dir, "misc.md")
	writeFile(t, bare, "tags: personal\nI enjoy climbing: mostly bouldering.")
	doc, err = LoadEvidence(bare, "misc.md")
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeGeneral, doc.DocType)
	assert.Equal(t, []string{"personal"}, doc.Tags)
	assert.Equal(t, "I enjoy climbing: mostly bouldering.", doc.Content)
}

func TestLoadEvidence_JSONExport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "project_export.json")
	writeFile(t, path, `{"name": "ApplyBots", "stack": ["Go", "Redis"], "meta": {"year": 2023}}`)

	doc, err := LoadEvidence(path, "project_export.json")
	require.NoError(t, err)
	assert.Equal(t, models.DocTypeProject, doc.DocType)
	assert.Equal(t, "meta.year: 2023\nname: ApplyBots\nstack.0: Go\nstack.1: Redis", doc.Content)
}

func TestLoadEvidence_EmptyIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.md")
	writeFile(t, path, "doc_type: faq\n\n")
	_, err := LoadEvidence(path, "empty.md")
	assert.ErrorIs(t, err, models.ErrEmptyContent)
}
