package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"document-job-queue/internal/billing"
	"document-job-queue/internal/models"
)

// OCRHandler fetches an uploaded document, normalizes it for recognition, runs the
// engine and debits the organization.
type OCRHandler struct {
	objects     ObjectStore
	engine      OCREngine
	credits     billing.Credits
	surge       billing.Surge
	baseCredits float64
	maxWidth    int
	now         func() time.Time
	log         *slog.Logger
}

// OCROption configures an OCRHandler.
type OCROption func(*OCRHandler)

// WithMaxWidth bounds the width of the image sent to the engine.
func WithMaxWidth(w int) OCROption { return func(h *OCRHandler) { h.maxWidth = w } }

func WithOCRClock(now func() time.Time) OCROption { return func(h *OCRHandler) { h.now = now } }

func WithOCRLogger(l *slog.Logger) OCROption { return func(h *OCRHandler) { h.log = l } }

func NewOCRHandler(objects ObjectStore, engine OCREngine, credits billing.Credits, surge billing.Surge, baseCredits float64, opts ...OCROption) *OCRHandler {
	h := &OCRHandler{
		objects:     objects,
		engine:      engine,
		credits:     credits,
		surge:       surge,
		baseCredits: baseCredits,
		maxWidth:    2000,
		now:         time.Now,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OCROutput is stored as the output of a completed OCR job.
type OCROutput struct {
	DocumentID     string  `json:"documentId"`
	Text           string  `json:"text"`
	Confidence     float64 `json:"confidence"`
	Characters     int     `json:"characters"`
	CreditsDebited float64 `json:"creditsDebited"`
	NewBalance     float64 `json:"newBalance"`
	TransactionID  string  `json:"transactionId,omitempty"`
}

func (h *OCRHandler) Handle(ctx context.Context, job models.Job, r Reporter) (any, error) {
	decoded, err := job.DecodePayload()
	if err != nil {
		return nil, err
	}
	p, ok := decoded.(models.OCRPayload)
	if !ok {
		return nil, fmt.Errorf("ocr handler got %T payload", decoded)
	}

	r.Progress(ctx, "fetching", 10, "Fetching document")
	data, contentType, err := h.objects.Get(ctx, p.FileReference)
	if err != nil {
		return nil, err
	}

	img, imgType, err := h.prepare(data, contentType)
	if err != nil {
		return nil, err
	}

	r.Progress(ctx, "recognizing", 50, "Running text recognition")
	res, err := h.engine.Recognize(ctx, img, imgType)
	if err != nil {
		return nil, err
	}

	amount := h.price(ctx)
	debit, err := h.credits.DebitCredits(ctx, p.OrganizationID, amount, "ocr:"+p.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("debit credits: %w", err)
	}

	r.Progress(ctx, "completed", 100, "Text recognition finished")
	return OCROutput{
		DocumentID:     p.DocumentID,
		Text:           res.Text,
		Confidence:     res.Confidence,
		Characters:     len([]rune(res.Text)),
		CreditsDebited: amount,
		NewBalance:     debit.NewBalance,
		TransactionID:  debit.TransactionID,
	}, nil
}

// prepare converts raster images to a bounded-width grayscale PNG. PDFs go to the engine as is.
func (h *OCRHandler) prepare(data []byte, contentType string) ([]byte, string, error) {
	if strings.Contains(strings.ToLower(contentType), "pdf") {
		return data, "application/pdf", nil
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("unsupported image: %w", err)
	}
	img = imaging.Grayscale(img)
	if h.maxWidth > 0 && img.Bounds().Dx() > h.maxWidth {
		img = imaging.Resize(img, h.maxWidth, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}

// price is the base cost scaled by the surge multiplier at completion time.
func (h *OCRHandler) price(ctx context.Context) float64 {
	mult, err := h.surge.SurgeMultiplier(ctx, h.now())
	if err != nil || mult < 1 {
		if err != nil {
			h.log.Warn("surge lookup failed, debiting base price", slog.Any("error", err))
		}
		mult = 1
	}
	return h.baseCredits * mult
}
