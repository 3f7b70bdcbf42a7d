package job

import (
	"encoding/json"
)

// Envelope is the job as delivered by the caller: an id plus the raw, unvalidated input
type Envelope struct {
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// InputImage is a caller-supplied image, base64 or data URI encoded
type InputImage struct {
	Name  string `json:"name"`
	Image string `json:"image"`
}

// Request is a validated job input.
// Images is nil when the caller sent none, which is equivalent to an empty list.
type Request struct {
	ID             string          `json:"id,omitempty"`
	Workflow       json.RawMessage `json:"workflow"`
	Images         []InputImage    `json:"images"`
	ComfyOrgAPIKey string          `json:"comfy_org_api_key,omitempty"`
}

// UploadStatus aggregate or per-image upload status
type UploadStatus string

const (
	UploadStatusSuccess UploadStatus = "success"
	UploadStatusError   UploadStatus = "error"
)

// ImageUpload is the outcome of uploading one input image
type ImageUpload struct {
	Filename string       `json:"filename"`
	Status   UploadStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// UploadOutcome is the aggregate result of uploading a job's input images
type UploadOutcome struct {
	Status  UploadStatus  `json:"status"`
	Message string        `json:"message"`
	Details []ImageUpload `json:"details"`
}

// Failed reports whether any image failed to upload
func (o *UploadOutcome) Failed() bool {
	return o.Status == UploadStatusError
}

// Errors returns the failure reasons of every failed image, in input order
func (o *UploadOutcome) Errors() []string {
	var errs []string
	for _, d := range o.Details {
		if d.Status == UploadStatusError {
			errs = append(errs, d.Error)
		}
	}
	return errs
}

// OutputImage is one produced image returned to the caller
type OutputImage struct {
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

// OutputTypeBase64 marks image data inlined as base64
const OutputTypeBase64 = "base64"

// StatusSuccessNoImages is reported when a workflow finished without producing images
const StatusSuccessNoImages = "success_no_images"

// Result is the single value returned for a job. It serializes either as
// {"images": [...]} (with optional status and errors) or as {"error": "..."}.
type Result struct {
	Images  []OutputImage `json:"images"`
	Status  string        `json:"status,omitempty"`
	Errors  []string      `json:"errors,omitempty"`
	Error   string        `json:"error,omitempty"`
	Details []string      `json:"details,omitempty"`
}

// Failed reports whether the result carries an error
func (r *Result) Failed() bool {
	return r.Error != ""
}

// ErrorResult builds a failure result
func ErrorResult(message string, details ...string) *Result {
	return &Result{Error: message, Details: details}
}

// MarshalJSON emits exactly one of the success and failure shapes
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Error != "" {
		return json.Marshal(struct {
			Error   string   `json:"error"`
			Details []string `json:"details,omitempty"`
		}{r.Error, r.Details})
	}

	images := r.Images
	if images == nil {
		images = []OutputImage{}
	}
	return json.Marshal(struct {
		Images []OutputImage `json:"images"`
		Status string        `json:"status,omitempty"`
		Errors []string      `json:"errors,omitempty"`
	}{images, r.Status, r.Errors})
}
