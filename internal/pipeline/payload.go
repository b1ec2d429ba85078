package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iago/history-synth/internal/domain"
)

const (
	recordDateLayout = "2006-01-02"
	maxTitleLength   = 200
	maxNotesLength   = 2000
	maxUnitLength    = 32
)

// CleanPayload extracts the JSON object embedded in generated text. The object must
// carry "metrics" and "events" arrays; the compacted object is returned.
func CleanPayload(text string) (string, error) {
	trimmed := stripCodeFence(strings.TrimSpace(text))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty model output", ErrInvalidResponse)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no JSON object in model output", ErrInvalidResponse)
	}
	candidate := trimmed[start : end+1]

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return "", fmt.Errorf("%w: model output is not valid JSON: %v", ErrInvalidResponse, err)
	}
	for _, key := range []string{"metrics", "events"} {
		value, ok := fields[key]
		if !ok {
			return "", fmt.Errorf("%w: missing %q", ErrInvalidResponse, key)
		}
		if !isJSONArray(value) {
			return "", fmt.Errorf("%w: %q is not an array", ErrInvalidResponse, key)
		}
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, []byte(candidate)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return compacted.String(), nil
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	trimmed := strings.TrimPrefix(text, "```")
	if newline := strings.IndexByte(trimmed, '\n'); newline >= 0 {
		trimmed = trimmed[newline+1:]
	} else {
		trimmed = strings.TrimPrefix(trimmed, "json")
	}
	if fence := strings.LastIndex(trimmed, "```"); fence >= 0 {
		trimmed = trimmed[:fence]
	}
	return strings.TrimSpace(trimmed)
}

func isJSONArray(value json.RawMessage) bool {
	trimmed := bytes.TrimSpace(value)
	return len(trimmed) > 0 && trimmed[0] == '['
}

type metricDocument struct {
	Date  string   `json:"date"`
	Name  string   `json:"name"`
	Value *float64 `json:"value"`
	Unit  string   `json:"unit"`
}

type eventDocument struct {
	Date            string `json:"date"`
	Kind            string `json:"kind"`
	Title           string `json:"title"`
	DurationMinutes int    `json:"duration_minutes"`
	Notes           string `json:"notes"`
}

type payloadDocument struct {
	Metrics []metricDocument `json:"metrics"`
	Events  []eventDocument  `json:"events"`
}

// ParsePayload decodes a cleaned payload into the rows committed for job. At least
// one metric is required; events may be empty.
func ParsePayload(job *domain.Job, payload string) (domain.RecordBatch, error) {
	var document payloadDocument
	if err := json.Unmarshal([]byte(payload), &document); err != nil {
		return domain.RecordBatch{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if len(document.Metrics) == 0 {
		return domain.RecordBatch{}, fmt.Errorf("%w: no metric records", ErrValidation)
	}

	batch := domain.RecordBatch{
		Metrics: make([]domain.MetricRecord, 0, len(document.Metrics)),
		Events:  make([]domain.EventRecord, 0, len(document.Events)),
	}
	for i, item := range document.Metrics {
		record, err := toMetricRecord(job, item)
		if err != nil {
			return domain.RecordBatch{}, fmt.Errorf("%w: metrics[%d]: %v", ErrValidation, i, err)
		}
		batch.Metrics = append(batch.Metrics, record)
	}
	for i, item := range document.Events {
		record, err := toEventRecord(job, item)
		if err != nil {
			return domain.RecordBatch{}, fmt.Errorf("%w: events[%d]: %v", ErrValidation, i, err)
		}
		batch.Events = append(batch.Events, record)
	}
	return batch, nil
}

func toMetricRecord(job *domain.Job, item metricDocument) (domain.MetricRecord, error) {
	date, err := parseRecordDate(item.Date)
	if err != nil {
		return domain.MetricRecord{}, err
	}
	name := normalizeText(item.Name)
	if name == "" {
		return domain.MetricRecord{}, errors.New("name is empty")
	}
	if item.Value == nil {
		return domain.MetricRecord{}, errors.New("value is missing")
	}
	if math.IsNaN(*item.Value) || math.IsInf(*item.Value, 0) {
		return domain.MetricRecord{}, errors.New("value is not finite")
	}
	return domain.MetricRecord{
		JobID:   job.ID,
		OwnerID: job.OwnerID,
		Date:    date,
		Name:    name,
		Value:   *item.Value,
		Unit:    truncateAtWord(normalizeText(item.Unit), maxUnitLength),
	}, nil
}

func toEventRecord(job *domain.Job, item eventDocument) (domain.EventRecord, error) {
	date, err := parseRecordDate(item.Date)
	if err != nil {
		return domain.EventRecord{}, err
	}
	kind := normalizeText(item.Kind)
	if kind == "" {
		return domain.EventRecord{}, errors.New("kind is empty")
	}
	title := normalizeText(item.Title)
	if title == "" {
		return domain.EventRecord{}, errors.New("title is empty")
	}
	if item.DurationMinutes < 0 {
		return domain.EventRecord{}, errors.New("negative duration")
	}
	return domain.EventRecord{
		JobID:           job.ID,
		OwnerID:         job.OwnerID,
		Date:            date,
		Kind:            kind,
		Title:           truncateAtWord(title, maxTitleLength),
		DurationMinutes: item.DurationMinutes,
		Notes:           truncateAtWord(normalizeText(item.Notes), maxNotesLength),
	}, nil
}

func parseRecordDate(value string) (time.Time, error) {
	date, err := time.Parse(recordDateLayout, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q is not YYYY-MM-DD", value)
	}
	return date, nil
}

func normalizeText(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	for len(cut) > 0 && !utf8.RuneStart(value[len(cut)]) {
		cut = cut[:len(cut)-1]
	}
	if lastSpace := strings.LastIndex(cut, " "); lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}
