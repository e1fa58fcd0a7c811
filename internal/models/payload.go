package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Queue names served by the workers.
const (
	QueueOCR    = "ocr-processing"
	QueueReport = "report-generation"
)

// Payload is the typed body of a job. Each queue has exactly one variant.
type Payload interface {
	Queue() string
	Organization() string
	// DedupeKey is the default singleton key for the payload; empty disables deduplication.
	DedupeKey() string
	Validate() error
}

// OCRPayload asks a worker to run OCR over an uploaded document.
type OCRPayload struct {
	DocumentID     string `json:"documentId"`
	OrganizationID string `json:"organizationId"`
	FileReference  string `json:"fileReference"`
}

func (p OCRPayload) Queue() string        { return QueueOCR }
func (p OCRPayload) Organization() string { return p.OrganizationID }
func (p OCRPayload) DedupeKey() string    { return p.DocumentID }

func (p OCRPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.DocumentID) == "" {
		missing = append(missing, "documentId")
	}
	if strings.TrimSpace(p.OrganizationID) == "" {
		missing = append(missing, "organizationId")
	}
	if strings.TrimSpace(p.FileReference) == "" {
		missing = append(missing, "fileReference")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", QueueOCR, strings.Join(missing, ", "))
	}
	return nil
}

// Report output formats.
const (
	ReportPDF  = "pdf"
	ReportHTML = "html"
)

// ReportPayload asks a worker to render a report through the external renderer.
type ReportPayload struct {
	ReportID       string         `json:"reportId"`
	OrganizationID string         `json:"organizationId"`
	TemplateID     string         `json:"templateId"`
	Format         string         `json:"format"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

func (p ReportPayload) Queue() string        { return QueueReport }
func (p ReportPayload) Organization() string { return p.OrganizationID }
func (p ReportPayload) DedupeKey() string    { return p.ReportID }

func (p ReportPayload) Validate() error {
	var missing []string
	if strings.TrimSpace(p.ReportID) == "" {
		missing = append(missing, "reportId")
	}
	if strings.TrimSpace(p.OrganizationID) == "" {
		missing = append(missing, "organizationId")
	}
	if strings.TrimSpace(p.TemplateID) == "" {
		missing = append(missing, "templateId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: missing %s", QueueReport, strings.Join(missing, ", "))
	}
	switch p.Format {
	case ReportPDF, ReportHTML:
	default:
		return fmt.Errorf("%s: unsupported format %q", QueueReport, p.Format)
	}
	return nil
}

// DecodePayload decodes raw into the variant registered for queue and validates it.
func DecodePayload(queue string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch queue {
	case QueueOCR:
		var v OCRPayload
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", queue, err)
		}
		p = v
	case QueueReport:
		v := ReportPayload{Format: ReportPDF}
		if err := strictUnmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", queue, err)
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown queue %q", queue)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodePayload marshals a validated payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Queue(), err)
	}
	return raw, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
