package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/apvlv/runpodComfyUIworker/internal/api"
	"github.com/apvlv/runpodComfyUIworker/internal/comfyui"
	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/dispatcher"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
	"github.com/apvlv/runpodComfyUIworker/internal/jobstore"
	"github.com/apvlv/runpodComfyUIworker/internal/monitor"
)

// shutdownTimeout bounds the HTTP drain and the wait for running jobs
const shutdownTimeout = 30 * time.Second

var (
	cfg *config.Config

	flagInput string // value of --input flag
)

// errJobFailed the job produced an error result
var errJobFailed = errors.New("job failed")

func main() {
	runCmd.Flags().StringVarP(&flagInput, "input", "i", "-", "job file with {\"id\", \"input\"}, - reads stdin")

	// never print messages
	rootCmd.SilenceErrors = true

	// load and validate configuration, setup logging
	rootCmd.PersistentPreRunE = initWorker

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errJobFailed) {
			logrus.WithError(err).Error("worker failed")
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "comfyui-worker",
	Short:        "Runs ComfyUI workflows as jobs",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve the job API over HTTP",
	RunE:  doServe,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "run a single job and print its result",
	RunE:  doRun,
}

func initWorker(cmd *cobra.Command, args []string) error {
	cfg = config.Load()
	config.ConfigureGlobalLogger(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// newPipeline wires the ComfyUI client, progress monitor and dispatcher
func newPipeline(cfg *config.Config) (*dispatcher.Dispatcher, *comfyui.Client) {
	comfyClient := comfyui.NewClient(cfg.Comfy)
	dialer := comfyui.NewWebsocketDialer(cfg.Comfy.HTTPTimeout, cfg.Monitor.ReadTimeout)
	progress := monitor.NewMonitor(cfg.Monitor, cfg.ComfyWebsocketURL, dialer, comfyClient,
		monitor.WithHistory(comfyClient))

	return dispatcher.NewDispatcher(dispatcher.ConfigFrom(cfg), comfyClient, progress), comfyClient
}

func doServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := jobstore.NewManager(cfg.Redis, cfg.Job.RecordTTL)
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}
	if _, err := store.Recover(ctx); err != nil {
		logrus.WithError(err).Warn("Failed to recover job records")
	}

	jobDispatcher, comfyClient := newPipeline(cfg)
	logrus.WithFields(logrus.Fields{
		"comfy_host": cfg.Comfy.Host,
		"redis":      cfg.Redis.Enabled(),
	}).Info("Job pipeline ready")

	// async jobs outlive their request, they are cancelled only on shutdown
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	router := gin.Default()
	apiHandler := api.NewHandler(jobCtx, jobDispatcher, store, comfyClient)
	apiHandler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logrus.Infof("Server starting on port %d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logrus.Info("Server shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)

		done := make(chan struct{})
		go func() {
			apiHandler.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			logrus.Warn("Cancelling running jobs")
			cancelJobs()
			<-done
		}
		return err
	})

	err := g.Wait()
	logrus.Info("Server exited")
	return err
}

func doRun(cmd *cobra.Command, args []string) error {
	envelope, err := readEnvelope(flagInput, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobDispatcher, _ := newPipeline(cfg)
	result := jobDispatcher.Execute(ctx, envelope)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if result.Failed() {
		return errJobFailed
	}
	return nil
}

// readEnvelope reads a job file, "-" reads stdin
func readEnvelope(path string, stdin io.Reader) (*job.Envelope, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read job input: %w", err)
	}

	var envelope job.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse job input: %w", err)
	}
	if envelope.ID == "" {
		envelope.ID = uuid.NewString()
	}
	return &envelope, nil
}
