package service

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"persona-rag/internal/models"

	"github.com/gen2brain/go-fitz"
)

var ErrUnsupportedSource = errors.New("unsupported source format")

type factItem struct {
	DocType  string   `json:"doc_type"`
	Question string   `json:"question"`
	Answer   string   `json:"answer"`
	Tags     []string `json:"tags"`
}

type factFile struct {
	DocType string     `json:"doc_type"`
	Tags    []string   `json:"tags"`
	Items   []factItem `json:"items"`
}

// LoadFacts parses a facts source (.json or .csv) into records.
// One bad row fails the whole file so a half-loaded source never reaches the index.
func LoadFacts(path string) ([]models.KnowledgeRecord, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return loadFactsJSON(path)
	case ".csv":
		return loadFactsCSV(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
}

func loadFactsJSON(path string) ([]models.KnowledgeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read facts file: %w", err)
	}

	var (
		items       []factItem
		defaultType string
		defaultTags []string
	)
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to parse facts array: %w", err)
		}
	} else {
		var f factFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse facts object: %w", err)
		}
		items, defaultType, defaultTags = f.Items, f.DocType, f.Tags
	}

	records := make([]models.KnowledgeRecord, 0, len(items))
	for i, item := range items {
		docType := item.DocType
		if docType == "" {
			docType = defaultType
		}
		rec, err := models.NewKnowledgeRecord(docType, item.Question, item.Answer, append(append([]string(nil), defaultTags...), item.Tags...))
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func loadFactsCSV(path string) ([]models.KnowledgeRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open facts file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, required := range []string{"doc_type", "question", "answer"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csv header is missing %q", required)
		}
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	var records []models.KnowledgeRecord
	for line := 2; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		var tags []string
		if raw := field(row, "tags"); raw != "" {
			tags = strings.Split(raw, ";")
		}
		rec, err := models.NewKnowledgeRecord(field(row, "doc_type"), field(row, "question"), field(row, "answer"), tags)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// EvidenceDocument is a supporting document reduced to plain text, before chunking.
type EvidenceDocument struct {
	Source  string
	Content string
	DocType models.DocType
	Tags    []string
}

// LoadEvidence reads .md, .markdown, .txt, .pdf and .json sources. source is the name stored on chunks.
func LoadEvidence(path, source string) (EvidenceDocument, error) {
	doc := EvidenceDocument{Source: source, DocType: inferDocType(source)}

	var (
		text string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".txt":
		var data []byte
		data, err = os.ReadFile(path)
		text = string(data)
	case ".pdf":
		text, err = extractTextFromPDF(path)
	case ".json":
		text, err = flattenJSONFile(path)
	default:
		return doc, fmt.Errorf("%w: %s", ErrUnsupportedSource, path)
	}
	if err != nil {
		return doc, err
	}

	body, docType, tags := parseFrontMatter(sanitizeUTF8(text))
	if docType != "" {
		dt, err := models.ParseDocType(docType)
		if err != nil {
			return doc, err
		}
		doc.DocType = dt
	}
	doc.Tags = tags
	doc.Content = strings.TrimSpace(body)
	if doc.Content == "" {
		return doc, fmt.Errorf("%w: %s", models.ErrEmptyContent, source)
	}
	return doc, nil
}

func inferDocType(source string) models.DocType {
	name := strings.ToLower(filepath.Base(source))
	switch {
	case strings.HasPrefix(name, "resume"), strings.HasPrefix(name, "cv"):
		return models.DocTypeExperience
	case strings.HasPrefix(name, "project"):
		return models.DocTypeProject
	}
	return models.DocTypeGeneral
}

// parseFrontMatter strips leading "doc_type:" and "tags:" lines, optionally fenced by "---".
func parseFrontMatter(text string) (body, docType string, tags []string) {
	lines := strings.Split(text, "\n")
	i := 0
	fenced := len(lines) > 0 && strings.TrimSpace(lines[0]) == "---"
	if fenced {
		i = 1
	}

	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if fenced && line == "---" {
			i++
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			if fenced {
				continue
			}
			break
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "doc_type":
			docType = strings.TrimSpace(value)
		case "tags":
			for _, t := range strings.Split(value, ",") {
				tags = append(tags, strings.Trim(strings.TrimSpace(t), "[]"))
			}
		default:
			if !fenced {
				return strings.Join(lines[i:], "\n"), docType, tags
			}
		}
	}
	if i > len(lines) {
		i = len(lines)
	}
	return strings.Join(lines[i:], "\n"), docType, tags
}

func extractTextFromPDF(pdfPath string) (string, error) {
	doc, err := fitz.New(pdfPath)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	var textBuilder strings.Builder
	for i := 0; i < doc.NumPage(); i++ {
		pageText, err := doc.Text(i)
		if err != nil {
			return "", fmt.Errorf("failed to extract text from page %d: %w", i+1, err)
		}
		if pageText != "" {
			textBuilder.WriteString(pageText)
			textBuilder.WriteString("\n")
		}
	}

	text := strings.TrimSpace(textBuilder.String())
	if text == "" {
		return "", fmt.Errorf("no text found in PDF")
	}
	return text, nil
}

// flattenJSONFile renders a structured export as sorted "path: value" lines.
func flattenJSONFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read json export: %w", err)
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("failed to parse json export: %w", err)
	}

	var lines []string
	flattenJSON("", v, &lines)
	return strings.Join(lines, "\n"), nil
}

func flattenJSON(prefix string, v interface{}, out *[]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenJSON(joinKey(prefix, k), t[k], out)
		}
	case []interface{}:
		for i, item := range t {
			flattenJSON(joinKey(prefix, fmt.Sprint(i)), item, out)
		}
	case nil:
	default:
		*out = append(*out, fmt.Sprintf("%s: %v", prefix, t))
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
