package dispatcher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/comfyui"
	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
)

// Dispatcher runs jobs against the ComfyUI server, one linear pipeline per job
type Dispatcher struct {
	comfyClient interfaces.ComfyUIClient
	monitor     interfaces.ProgressMonitor
	uploader    *comfyui.Uploader
	collector   *comfyui.Collector
	logger      *logrus.Logger

	// configuration
	config DispatcherConfig

	newClientID func() string

	running   atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// DispatcherConfig dispatcher configuration
type DispatcherConfig struct {
	AvailableMaxRetries  int           // availability probe attempts
	AvailableInterval    time.Duration // delay between probe attempts
	JobTimeout           time.Duration // overall job deadline, zero disables it
	HistoryMaxRetries    int           // history lookups after completion
	HistoryRetryInterval time.Duration // delay between history lookups
}

// ConfigFrom derives the dispatcher configuration from the application config
func ConfigFrom(cfg *config.Config) DispatcherConfig {
	return DispatcherConfig{
		AvailableMaxRetries:  cfg.Comfy.AvailableMaxRetries,
		AvailableInterval:    cfg.Comfy.AvailableInterval,
		JobTimeout:           cfg.Job.Timeout,
		HistoryMaxRetries:    cfg.Job.HistoryMaxRetries,
		HistoryRetryInterval: cfg.Job.HistoryRetryInterval,
	}
}

// NewDispatcher creates a job dispatcher
func NewDispatcher(
	cfg DispatcherConfig,
	comfyClient interfaces.ComfyUIClient,
	monitor interfaces.ProgressMonitor,
) *Dispatcher {
	return &Dispatcher{
		comfyClient: comfyClient,
		monitor:     monitor,
		uploader:    comfyui.NewUploader(comfyClient),
		collector:   comfyui.NewCollector(comfyClient),
		logger:      config.NewLogger(),
		config:      cfg,
		newClientID: uuid.NewString,
	}
}

// Execute runs one job to completion and returns its single result.
// Every failure, including a panic, is mapped to an error result.
func (d *Dispatcher) Execute(ctx context.Context, envelope *job.Envelope) (result *job.Result) {
	start := time.Now()
	logger := logrus.NewEntry(d.logger)
	if envelope != nil {
		logger = logger.WithField("job_id", envelope.ID)
	}

	d.running.Add(1)
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("panic", r).Error("Job panicked")
			result = job.ErrorResult(fmt.Sprintf("An unexpected error occurred: %v", r))
		}

		d.running.Add(-1)
		if result.Failed() {
			d.failed.Add(1)
		} else {
			d.completed.Add(1)
		}
		logger.WithFields(logrus.Fields{
			"duration": time.Since(start),
			"failed":   result.Failed(),
		}).Info("Job finished")
	}()

	if d.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.JobTimeout)
		defer cancel()
	}

	result, err := d.run(ctx, envelope, logger)
	if err != nil {
		return d.failure(ctx, err, logger)
	}
	return result
}

// run validate, probe, upload, submit, monitor, collect
func (d *Dispatcher) run(ctx context.Context, envelope *job.Envelope, logger *logrus.Entry) (*job.Result, error) {
	request, err := job.ValidateEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	if !d.waitForServer(ctx, logger) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, job.NewUnreachableError(d.comfyClient.Host())
	}

	if len(request.Images) > 0 {
		outcome := d.uploader.Upload(ctx, request.Images)
		if outcome.Failed() {
			return nil, job.NewUploadError(outcome.Errors())
		}
		logger.WithField("images", len(request.Images)).Info(outcome.Message)
	}

	clientID := d.newClientID()
	receipt, err := d.comfyClient.QueuePrompt(ctx, request.Workflow, clientID, request.ComfyOrgAPIKey)
	if err != nil {
		return nil, err
	}

	logger = logger.WithFields(logrus.Fields{
		"prompt_id": receipt.PromptID,
		"client_id": clientID,
	})
	logger.WithField("queue_number", receipt.Number).Info("Workflow queued")

	report, err := d.monitor.Watch(ctx, clientID, receipt.PromptID)
	if err != nil {
		return nil, err
	}

	images, err := d.collect(ctx, receipt.PromptID, logger)
	if err != nil {
		return nil, err
	}

	return assemble(images, report.Errors, logger)
}

// waitForServer probes until the server answers or the attempt budget runs out
func (d *Dispatcher) waitForServer(ctx context.Context, logger *logrus.Entry) bool {
	attempts := max(d.config.AvailableMaxRetries, 1)
	for i := 0; i < attempts; i++ {
		if d.comfyClient.Probe(ctx) {
			if i > 0 {
				logger.WithField("attempts", i+1).Info("ComfyUI server reachable")
			}
			return true
		}
		if i == attempts-1 {
			break
		}
		if err := sleepContext(ctx, d.config.AvailableInterval); err != nil {
			return false
		}
	}

	logger.WithFields(logrus.Fields{
		"host":     d.comfyClient.Host(),
		"attempts": attempts,
	}).Error("ComfyUI server not reachable")
	return false
}

// collect reads the results, tolerating a history record that lags the completion signal
func (d *Dispatcher) collect(ctx context.Context, promptID string, logger *logrus.Entry) ([]comfyui.CollectedImage, error) {
	attempts := max(d.config.HistoryMaxRetries, 1)
	for i := 0; i < attempts; i++ {
		images, err := d.collector.Collect(ctx, promptID)
		if err == nil {
			return images, nil
		}
		if !errors.Is(err, comfyui.ErrHistoryNotFound) {
			return nil, job.NewCollectionError("Failed to fetch execution history", err)
		}

		logger.WithField("attempt", i+1).Warn("Prompt not yet in history")
		if i < attempts-1 {
			if err := sleepContext(ctx, d.config.HistoryRetryInterval); err != nil {
				return nil, err
			}
		}
	}
	return nil, job.NewCollectionError(fmt.Sprintf("Prompt %s not found in history", promptID), nil)
}

// assemble builds the success result, or an execution error when errors left no images
func assemble(images []comfyui.CollectedImage, execErrors []string, logger *logrus.Entry) (*job.Result, error) {
	errs := append([]string(nil), execErrors...)
	output := make([]job.OutputImage, 0, len(images))
	for _, img := range images {
		if img.Data == nil {
			errs = append(errs, fmt.Sprintf("Failed to fetch image data for %s", img.Filename))
			continue
		}
		output = append(output, job.OutputImage{
			Filename: img.Filename,
			Type:     job.OutputTypeBase64,
			Data:     base64.StdEncoding.EncodeToString(img.Data),
		})
	}

	if len(output) == 0 && len(errs) > 0 {
		return nil, job.NewExecutionError(errs)
	}

	result := &job.Result{Images: output, Errors: errs}
	if len(output) == 0 {
		logger.Warn("Workflow finished without images")
		result.Status = job.StatusSuccessNoImages
	}
	return result, nil
}

// failure maps any pipeline error to the error result shape
func (d *Dispatcher) failure(ctx context.Context, err error, logger *logrus.Entry) *job.Result {
	var jobErr *job.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		logger.WithError(err).Error("Job timed out")
		if d.config.JobTimeout > 0 {
			return job.ErrorResult(fmt.Sprintf("Job timed out after %s", d.config.JobTimeout))
		}
		return job.ErrorResult("Job timed out")
	case errors.As(err, &jobErr):
		logger.WithError(err).WithFields(logrus.Fields{
			"kind":    jobErr.Kind,
			"details": jobErr.Details,
		}).Error("Job failed")
		return job.ErrorResult(jobErr.Error(), jobErr.Details...)
	default:
		logger.WithError(err).Error("Job failed unexpectedly")
		return job.ErrorResult(fmt.Sprintf("An unexpected error occurred: %v", err))
	}
}

// GetDispatcherMetrics gets dispatcher metrics
func (d *Dispatcher) GetDispatcherMetrics() DispatcherMetrics {
	return DispatcherMetrics{
		RunningJobs:   int(d.running.Load()),
		CompletedJobs: int(d.completed.Load()),
		FailedJobs:    int(d.failed.Load()),
	}
}

// DispatcherMetrics dispatcher metrics
type DispatcherMetrics struct {
	RunningJobs   int `json:"running_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
