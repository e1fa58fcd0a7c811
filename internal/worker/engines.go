package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OCRResult is what the recognition engine returns for one image.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
}

// OCREngine recognizes text in a preprocessed image.
type OCREngine interface {
	Recognize(ctx context.Context, image []byte, contentType string) (OCRResult, error)
}

// RenderRequest asks the renderer for one report document.
type RenderRequest struct {
	ReportID       string         `json:"reportId"`
	OrganizationID string         `json:"organizationId"`
	TemplateID     string         `json:"templateId"`
	Format         string         `json:"format"`
	Parameters     map[string]any `json:"parameters,omitempty"`
}

// Renderer produces report documents.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, string, error)
}

// HTTPOCREngine calls an OCR engine over HTTP.
type HTTPOCREngine struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPOCREngine(baseURL string, timeout time.Duration) *HTTPOCREngine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPOCREngine{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{Timeout: timeout}}
}

func (e *HTTPOCREngine) Recognize(ctx context.Context, image []byte, contentType string) (OCRResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/recognize", bytes.NewReader(image))
	if err != nil {
		return OCRResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return OCRResult{}, fmt.Errorf("network error calling recognizer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return OCRResult{}, fmt.Errorf("ocr_failed: engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out OCRResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return OCRResult{}, fmt.Errorf("ocr_failed: decode engine response: %w", err)
	}
	return out, nil
}

// HTTPRenderer calls the report renderer over HTTP.
type HTTPRenderer struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPRenderer(baseURL string, timeout time.Duration) *HTTPRenderer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPRenderer{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{Timeout: timeout}}
}

func (r *HTTPRenderer) Render(ctx context.Context, rr RenderRequest) ([]byte, string, error) {
	body, err := json.Marshal(rr)
	if err != nil {
		return nil, "", fmt.Errorf("marshal render request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("network error calling renderer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, "", fmt.Errorf("template %s not found", rr.TemplateID)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("render failed: renderer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read rendered report: %w", err)
	}
	return doc, resp.Header.Get("Content-Type"), nil
}
