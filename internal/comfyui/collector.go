package comfyui

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
)

// ErrHistoryNotFound the prompt is not (yet) present in the server history
var ErrHistoryNotFound = errors.New("prompt not found in history")

// folderTypeTemp marks preview images that are not part of the result
const folderTypeTemp = "temp"

// CollectedImage is one output image; Data is nil when the fetch failed
type CollectedImage struct {
	NodeID   string
	Filename string
	Data     []byte
}

// Collector gathers the output images of a finished prompt
type Collector struct {
	client interfaces.ComfyUIClient
	logger *logrus.Logger
}

// NewCollector creates a result collector
func NewCollector(client interfaces.ComfyUIClient) *Collector {
	return &Collector{
		client: client,
		logger: config.NewLogger(),
	}
}

// Collect fetches the prompt's history and every output image it lists, in
// node-output order. A failed image fetch leaves a nil Data entry instead of
// aborting. ErrHistoryNotFound is returned when the prompt is not in history.
func (c *Collector) Collect(ctx context.Context, promptID string) ([]CollectedImage, error) {
	history, err := c.client.GetHistory(ctx, promptID)
	if err != nil {
		return nil, err
	}

	entry, ok := history[promptID]
	if !ok {
		return nil, ErrHistoryNotFound
	}

	logger := c.logger.WithFields(logrus.Fields{
		"prompt_id": promptID,
		"status":    entry.Status.StatusStr,
	})
	if !entry.Status.Completed {
		logger.Warn("History entry not marked completed")
	}

	var images []CollectedImage
	for _, node := range entry.Outputs {
		for _, img := range node.Output.Images {
			if img.Type == folderTypeTemp {
				logger.WithFields(logrus.Fields{
					"node_id":  node.NodeID,
					"filename": img.Filename,
				}).Debug("Skipping temp image")
				continue
			}

			data, err := c.client.GetImage(ctx, img.Filename, img.Subfolder, img.Type)
			if err != nil {
				logger.WithError(err).WithFields(logrus.Fields{
					"node_id":  node.NodeID,
					"filename": img.Filename,
				}).Warn("Failed to fetch output image")
				data = nil
			}

			images = append(images, CollectedImage{
				NodeID:   node.NodeID,
				Filename: img.Filename,
				Data:     data,
			})
		}
	}

	logger.WithField("images", len(images)).Debug("Collected outputs")
	return images, nil
}
