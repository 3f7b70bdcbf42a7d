package comfyui

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

// Uploader pushes job input images to ComfyUI before submission
type Uploader struct {
	client interfaces.ComfyUIClient
	logger *logrus.Logger
}

// NewUploader creates an image uploader
func NewUploader(client interfaces.ComfyUIClient) *Uploader {
	return &Uploader{
		client: client,
		logger: config.NewLogger(),
	}
}

// Upload uploads images sequentially in input order, one request per image.
// An image that is not valid base64 stops processing immediately; an HTTP
// failure is recorded and the remaining images are still uploaded.
func (u *Uploader) Upload(ctx context.Context, images []job.InputImage) *job.UploadOutcome {
	if len(images) == 0 {
		return &job.UploadOutcome{
			Status:  job.UploadStatusSuccess,
			Message: "No images to upload",
		}
	}

	u.logger.WithField("count", len(images)).Info("Uploading input images")

	outcome := &job.UploadOutcome{
		Status:  job.UploadStatusSuccess,
		Details: make([]job.ImageUpload, 0, len(images)),
	}

	for _, image := range images {
		blob, err := DecodeImage(image.Image)
		if err != nil {
			outcome.Details = append(outcome.Details, job.ImageUpload{
				Filename: image.Name,
				Status:   job.UploadStatusError,
				Error:    fmt.Sprintf("Error decoding base64 for %s: %v", image.Name, err),
			})
			outcome.Status = job.UploadStatusError
			break
		}

		if err := u.client.UploadImage(ctx, image.Name, blob); err != nil {
			u.logger.WithError(err).WithField("filename", image.Name).Warn("Image upload failed")
			outcome.Details = append(outcome.Details, job.ImageUpload{
				Filename: image.Name,
				Status:   job.UploadStatusError,
				Error:    fmt.Sprintf("Error uploading %s: %v", image.Name, err),
			})
			outcome.Status = job.UploadStatusError
			continue
		}

		outcome.Details = append(outcome.Details, job.ImageUpload{
			Filename: image.Name,
			Status:   job.UploadStatusSuccess,
		})
	}

	if outcome.Failed() {
		outcome.Message = "Some images failed to upload"
	} else {
		outcome.Message = "All images uploaded successfully"
	}
	return outcome
}

// DecodeImage strips an optional data URI prefix and decodes standard base64
func DecodeImage(encoded string) ([]byte, error) {
	if i := strings.IndexByte(encoded, ','); i >= 0 {
		encoded = encoded[i+1:]
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// imagePartHeader is the multipart header of the "image" file field
func imagePartHeader(filename string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="image"; filename="%s"`, quoteEscaper.Replace(filename)))
	h.Set("Content-Type", "image/png")
	return h
}
