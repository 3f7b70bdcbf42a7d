package job

import (
	"bytes"
	"encoding/json"
)

var jsonNull = []byte("null")

// Validate normalizes raw job input. The input may be a JSON object or a JSON
// string holding an encoded object; both decode to the same Request.
// Validate has no side effects.
func Validate(raw json.RawMessage) (*Request, error) {
	data := bytes.TrimSpace(raw)
	if isAbsent(data) {
		return nil, ErrNoInput
	}

	if data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return nil, ErrInvalidJSON
		}
		data = bytes.TrimSpace([]byte(encoded))
		if !json.Valid(data) {
			return nil, ErrInvalidJSON
		}
		if isAbsent(data) {
			return nil, ErrNoInput
		}
	} else if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		// valid JSON that is not an object cannot carry a workflow
		return nil, ErrNoWorkflow
	}

	workflow, ok := fields["workflow"]
	if !ok || isAbsent(workflow) {
		return nil, ErrNoWorkflow
	}

	req := &Request{Workflow: workflow}

	if rawImages, ok := fields["images"]; ok && !isAbsent(rawImages) {
		images, err := decodeImages(rawImages)
		if err != nil {
			return nil, err
		}
		req.Images = images
	}

	if rawKey, ok := fields["comfy_org_api_key"]; ok && !isAbsent(rawKey) {
		if err := json.Unmarshal(rawKey, &req.ComfyOrgAPIKey); err != nil {
			return nil, ErrInvalidAPIKey
		}
	}

	return req, nil
}

// ValidateEnvelope validates the envelope's input and carries the job id over
func ValidateEnvelope(env *Envelope) (*Request, error) {
	if env == nil {
		return nil, ErrNoInput
	}
	req, err := Validate(env.Input)
	if err != nil {
		return nil, err
	}
	req.ID = env.ID
	return req, nil
}

func decodeImages(raw json.RawMessage) ([]InputImage, error) {
	var entries []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, ErrInvalidImages
	}

	images := make([]InputImage, 0, len(entries))
	for _, entry := range entries {
		rawName, hasName := entry["name"]
		rawImage, hasImage := entry["image"]
		if entry == nil || !hasName || !hasImage {
			return nil, ErrInvalidImages
		}

		var img InputImage
		if err := json.Unmarshal(rawName, &img.Name); err != nil {
			return nil, ErrInvalidImages
		}
		if err := json.Unmarshal(rawImage, &img.Image); err != nil {
			return nil, ErrInvalidImages
		}
		images = append(images, img)
	}
	return images, nil
}

func isAbsent(data []byte) bool {
	return len(data) == 0 || bytes.Equal(data, jsonNull)
}
