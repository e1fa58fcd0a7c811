package worker

import (
	"context"
	"fmt"

	"document-job-queue/internal/models"
)

// ReportHandler renders a report and uploads it under reports/{org}/{reportId}.{format}.
type ReportHandler struct {
	objects  ObjectStore
	renderer Renderer
}

func NewReportHandler(objects ObjectStore, renderer Renderer) *ReportHandler {
	return &ReportHandler{objects: objects, renderer: renderer}
}

// ReportOutput is stored as the output of a completed report job.
type ReportOutput struct {
	ReportID string `json:"reportId"`
	Format   string `json:"format"`
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

func (h *ReportHandler) Handle(ctx context.Context, job models.Job, r Reporter) (any, error) {
	decoded, err := job.DecodePayload()
	if err != nil {
		return nil, err
	}
	p, ok := decoded.(models.ReportPayload)
	if !ok {
		return nil, fmt.Errorf("report handler got %T payload", decoded)
	}

	r.Progress(ctx, "rendering", 10, "Rendering report")
	doc, contentType, err := h.renderer.Render(ctx, RenderRequest{
		ReportID:       p.ReportID,
		OrganizationID: p.OrganizationID,
		TemplateID:     p.TemplateID,
		Format:         p.Format,
		Parameters:     p.Parameters,
	})
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = contentTypeFor("." + p.Format)
	}

	r.Progress(ctx, "uploading", 60, "Uploading report")
	key := fmt.Sprintf("reports/%s/%s.%s", p.OrganizationID, p.ReportID, p.Format)
	location, err := h.objects.Put(ctx, key, doc, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}

	r.Progress(ctx, "completed", 100, "Report ready")
	return ReportOutput{ReportID: p.ReportID, Format: p.Format, Location: location, Bytes: len(doc)}, nil
}
