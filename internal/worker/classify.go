package worker

import (
	"strings"
)

// ErrorType groups handler failures for retry and alerting decisions.
type ErrorType string

const (
	CreditsError        ErrorType = "CREDITS_ERROR"
	FileError           ErrorType = "FILE_ERROR"
	ProcessingError     ErrorType = "PROCESSING_ERROR"
	NetworkError        ErrorType = "NETWORK_ERROR"
	InfrastructureError ErrorType = "INFRASTRUCTURE_ERROR"
	UnknownError        ErrorType = "UNKNOWN_ERROR"
)

// Severity of a classified failure. Critical failures raise an alert.
type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Classification is recorded in the job output of a failed attempt.
type Classification struct {
	Type        ErrorType `json:"type"`
	Code        string    `json:"code"`
	Severity    Severity  `json:"severity"`
	Retryable   bool      `json:"retryable"`
	UserMessage string    `json:"userMessage"`
}

type rule struct {
	markers []string
	class   Classification
}

// rules are matched in order against the lowercased error text; the first hit wins.
var rules = []rule{
	{
		markers: []string{"insufficient_credits"},
		class: Classification{Type: CreditsError, Code: "INSUFFICIENT_CREDITS", Severity: SeverityMedium,
			UserMessage: "Your organization does not have enough credits to process this document."},
	},
	{
		markers: []string{"not found", "file_not_found"},
		class: Classification{Type: FileError, Code: "FILE_NOT_FOUND", Severity: SeverityMedium,
			UserMessage: "The uploaded file could not be found. Please upload it again."},
	},
	{
		markers: []string{"ocr_failed", "ocr engine", "recognition failed", "unsupported image"},
		class: Classification{Type: ProcessingError, Code: "OCR_FAILED", Severity: SeverityHigh, Retryable: true,
			UserMessage: "Text recognition failed. The document will be retried automatically."},
	},
	{
		markers: []string{"network", "timeout", "deadline exceeded"},
		class: Classification{Type: NetworkError, Code: "NETWORK_ERROR", Severity: SeverityMedium, Retryable: true,
			UserMessage: "A temporary network problem interrupted processing. It will be retried automatically."},
	},
	{
		markers: []string{"database", "connection"},
		class: Classification{Type: InfrastructureError, Code: "INFRASTRUCTURE_ERROR", Severity: SeverityCritical, Retryable: true,
			UserMessage: "A system error interrupted processing. Our team has been notified."},
	},
}

var unknown = Classification{Type: UnknownError, Code: "UNKNOWN_ERROR", Severity: SeverityHigh, Retryable: true,
	UserMessage: "Processing failed unexpectedly. It will be retried automatically."}

// Classify maps a handler error onto the failure taxonomy.
func Classify(err error) Classification {
	if err == nil {
		return unknown
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, m := range r.markers {
			if strings.Contains(msg, m) {
				return r.class
			}
		}
	}
	return unknown
}
