package interfaces

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
)

// StatusProber reads remote server reachability
type StatusProber interface {
	// Probe performs one bounded health request, true only on a 2xx answer
	Probe(ctx context.Context) bool

	// ServerStatus is Probe with diagnostics, failures are captured in the result
	ServerStatus(ctx context.Context) ServerStatus
}

// HistoryReader reads execution history
type HistoryReader interface {
	// GetHistory gets the history record of one prompt
	GetHistory(ctx context.Context, promptID string) (History, error)
}

// ComfyUIClient ComfyUI client interface
type ComfyUIClient interface {
	StatusProber
	HistoryReader

	// Host returns the configured server address
	Host() string

	// AvailableModels lists installed models by category, empty on any failure
	AvailableModels(ctx context.Context) map[string][]string

	// QueuePrompt submits a workflow graph for execution
	QueuePrompt(ctx context.Context, workflow json.RawMessage, clientID, apiKey string) (*QueueReceipt, error)

	// UploadImage uploads one input image
	UploadImage(ctx context.Context, filename string, data []byte) error

	// GetImage fetches the raw bytes of an output image
	GetImage(ctx context.Context, filename, subfolder, folderType string) ([]byte, error)
}

// ServerStatus point-in-time reachability of the ComfyUI server
type ServerStatus struct {
	Reachable  bool   `json:"reachable"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
}

// PromptRequest is sent to POST /prompt
type PromptRequest struct {
	Prompt    json.RawMessage `json:"prompt"`
	ClientID  string          `json:"client_id"`
	ExtraData *PromptExtra    `json:"extra_data,omitempty"`
}

// PromptExtra carries provider credentials for API nodes
type PromptExtra struct {
	APIKeyComfyOrg string `json:"api_key_comfy_org,omitempty"`
}

// QueueReceipt ComfyUI response to a queued prompt
type QueueReceipt struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors,omitempty"`
}

// History is returned from GET /history/{prompt_id}
type History map[string]HistoryEntry

// HistoryEntry contains execution history for a single prompt
type HistoryEntry struct {
	Outputs NodeOutputs     `json:"outputs"`
	Status  ExecutionStatus `json:"status"`
}

// ExecutionStatus indicates the status of an execution
type ExecutionStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// NodeOutput contains output data from a node
type NodeOutput struct {
	Images []ImageOutput `json:"images,omitempty"`
}

// ImageOutput describes an output image
type ImageOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutputEntry is one node's outputs
type NodeOutputEntry struct {
	NodeID string
	Output NodeOutput
}

// NodeOutputs keeps node outputs in the order the server reported them
type NodeOutputs []NodeOutputEntry

// UnmarshalJSON decodes the outputs object without losing key order
func (o *NodeOutputs) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*o = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("outputs: expected object, got %v", tok)
	}

	entries := NodeOutputs{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("outputs: unexpected key %v", keyTok)
		}
		var out NodeOutput
		if err := dec.Decode(&out); err != nil {
			return fmt.Errorf("outputs: node %s: %w", key, err)
		}
		entries = append(entries, NodeOutputEntry{NodeID: key, Output: out})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*o = entries
	return nil
}

// WSMessage is a websocket text frame from ComfyUI
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// websocket message types
const (
	WSMessageStatus             = "status"
	WSMessageProgress           = "progress"
	WSMessageExecuting          = "executing"
	WSMessageExecutionStart     = "execution_start"
	WSMessageExecutionCached    = "execution_cached"
	WSMessageExecuted           = "executed"
	WSMessageExecutionError     = "execution_error"
	WSMessageExecutionInterrupt = "execution_interrupted"
)

// ExecutingData is the data payload for "executing" messages
type ExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

// ExecutionCachedData is the data payload for "execution_cached" messages
type ExecutionCachedData struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

// ProgressData is the data payload for "progress" messages
type ProgressData struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id"`
}

// StatusData is the data payload for "status" messages
type StatusData struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}

// ExecutionErrorData is the data payload for "execution_error" messages
type ExecutionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionMessage string `json:"exception_message"`
	ExceptionType    string `json:"exception_type"`
}
