package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

const (
	promptOutputsFailedValidation = "prompt_outputs_failed_validation"
	missingModelHint              = "This usually means a required model or parameter is not available."
)

// QueuePrompt submits workflow to ComfyUI.
// A rejected workflow returns a submission error enriched with the installed checkpoints.
func (c *Client) QueuePrompt(ctx context.Context, workflow json.RawMessage, clientID, apiKey string) (*interfaces.QueueReceipt, error) {
	requestBody := interfaces.PromptRequest{
		Prompt:   workflow,
		ClientID: clientID,
	}
	if apiKey != "" {
		requestBody.ExtraData = &interfaces.PromptExtra{APIKeyComfyOrg: apiKey}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow: %w", err)
	}

	url := c.buildURL("/prompt")
	c.logger.WithFields(logrus.Fields{
		"url":       url,
		"client_id": clientID,
	}).Debug("Submitting workflow")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, job.NewSubmissionError("Error queuing workflow", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, job.NewSubmissionError("Error queuing workflow", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		return nil, c.validationError(ctx, body)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, job.NewSubmissionError("Error queuing workflow",
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))})
	}

	var receipt interfaces.QueueReceipt
	if err := json.Unmarshal(body, &receipt); err != nil {
		return nil, job.NewSubmissionError("Error queuing workflow", fmt.Errorf("failed to decode response: %w", err))
	}
	if receipt.PromptID == "" {
		return nil, job.NewSubmissionError("Error queuing workflow", errors.New("response has no prompt_id"))
	}

	logger := c.logger.WithFields(logrus.Fields{
		"prompt_id": receipt.PromptID,
		"number":    receipt.Number,
	})
	if len(receipt.NodeErrors) > 0 {
		// outputs that passed validation still run
		logger.WithField("node_errors", nodeErrorDetails(receipt.NodeErrors)).Warn("Workflow queued with node errors")
	} else {
		logger.Debug("Workflow queued")
	}
	return &receipt, nil
}

// validationErrorResponse is the 400 body of POST /prompt
type validationErrorResponse struct {
	Error      json.RawMessage            `json:"error"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
	Type       string                     `json:"type"`
	Message    string                     `json:"message"`
}

// validationError turns a 400 answer into a submission error listing node errors and available checkpoints
func (c *Client) validationError(ctx context.Context, body []byte) error {
	var data validationErrorResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return job.NewSubmissionError(fmt.Sprintf(
			"ComfyUI validation failed (could not parse error response): %s", strings.TrimSpace(string(body))), nil)
	}

	message := "Workflow validation failed"
	if len(data.Error) > 0 && !bytes.Equal(data.Error, []byte("null")) {
		var info struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		}
		var text string
		switch {
		case json.Unmarshal(data.Error, &info) == nil:
			if info.Message != "" {
				message = info.Message
			}
			if info.Type == promptOutputsFailedValidation {
				message = "Workflow validation failed"
			}
		case json.Unmarshal(data.Error, &text) == nil:
			message = text
		default:
			message = string(data.Error)
		}
	}
	if data.Type == promptOutputsFailedValidation && data.Message != "" {
		message = data.Message
	}

	details := nodeErrorDetails(data.NodeErrors)

	var b strings.Builder
	b.WriteString(message)
	if len(details) > 0 {
		b.WriteString(":\n")
		for _, d := range details {
			b.WriteString("• ")
			b.WriteString(d)
			b.WriteString("\n")
		}
	}

	models := c.AvailableModels(ctx)
	b.WriteString("\n\n")
	b.WriteString(missingModelHint)
	if checkpoints := models["checkpoints"]; len(checkpoints) > 0 {
		b.WriteString("\nAvailable checkpoint models: ")
		b.WriteString(strings.Join(checkpoints, ", "))
	} else {
		b.WriteString("\nNo checkpoint models appear to be available. Please check your model installation.")
	}

	return &job.Error{Kind: job.KindSubmission, Message: b.String(), Details: details}
}

// nodeErrorDetails formats node_errors as "Node <id> (<type>): <msg>", sorted by node id
func nodeErrorDetails(nodeErrors map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(nodeErrors))
	for id := range nodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var details []string
	for _, id := range ids {
		raw := nodeErrors[id]
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			details = append(details, fmt.Sprintf("Node %s: %s", id, string(raw)))
			continue
		}

		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			details = append(details, fmt.Sprintf("Node %s (%s): %s", id, k, compactValue(fields[k])))
		}
	}
	return details
}

// compactValue renders strings without quotes and everything else as compact JSON
func compactValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
