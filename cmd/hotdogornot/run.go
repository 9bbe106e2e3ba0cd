package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hotdogornot/hotdogornot/pkg/config"
	"github.com/hotdogornot/hotdogornot/pkg/dataset"
	"github.com/hotdogornot/hotdogornot/pkg/metrics"
	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
	"github.com/hotdogornot/hotdogornot/pkg/runner"
)

var (
	runModel      string
	runSampleSize int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark",
	Long:  `Run the benchmark headlessly against one model, or every configured model when --model is omitted.`,
	RunE:  runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runModel, "model", "", "model to benchmark (default: all configured models)")
	runCmd.Flags().IntVar(&runSampleSize, "sample-size", 0, "number of images to score (default from config)")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	data := dataset.NewManager(log, cfg.Dataset.DataDir)

	if status := data.Status(); !status.Downloaded {
		return fmt.Errorf("dataset is not downloaded at %s", cfg.Dataset.DataDir)
	}

	classifier := openrouter.NewClient(log, openrouter.Config{
		BaseURL:           cfg.OpenRouter.BaseURL,
		APIKey:            cfg.OpenRouter.APIKey,
		Prompt:            cfg.OpenRouter.Prompt,
		RequestsPerMinute: cfg.OpenRouter.RequestsPerMinute,
		RequestTimeout:    time.Duration(cfg.OpenRouter.RequestTimeoutSec) * time.Second,
	})

	runs, err := runner.New(log, runner.Config{
		ResultsDir:           cfg.Benchmark.ResultsDir,
		MaxConsecutiveErrors: cfg.Benchmark.MaxConsecutiveErrors,
	}, data, classifier)
	if err != nil {
		return fmt.Errorf("creating runner: %w", err)
	}

	sampleSize := runSampleSize
	if sampleSize <= 0 {
		sampleSize = cfg.Benchmark.DefaultSampleSize
	}

	var metas []runner.RunMeta

	if runModel != "" {
		meta, err := runs.StartRun(runModel, sampleSize)
		if err != nil {
			return fmt.Errorf("starting run: %w", err)
		}

		metas = append(metas, meta)
	} else {
		batchID, batchMetas, err := runs.StartBatch(cfg.Benchmark.Models, sampleSize)
		if err != nil {
			return fmt.Errorf("starting batch: %w", err)
		}

		log.WithFields(logrus.Fields{
			"batch_id": batchID,
			"models":   len(batchMetas),
		}).Info("Started batch run")

		metas = batchMetas
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Cancelling runs")

		for _, meta := range metas {
			if err := runs.CancelRun(meta.RunID); err != nil {
				log.WithError(err).WithField("run_id", meta.RunID).Warn("Failed to cancel run")
			}
		}
	}()

	failed := false

	for _, meta := range metas {
		final := waitForRun(runs, meta.RunID)

		if final.Status != runner.StatusCompleted {
			failed = true
		}

		printSummary(runs, final)
	}

	if failed {
		return fmt.Errorf("one or more runs did not complete")
	}

	return nil
}

func waitForRun(runs *runner.Runner, runID string) runner.RunMeta {
	for {
		meta, err := runs.GetRun(runID)
		if err == nil && meta.Status.Terminal() {
			return meta
		}

		time.Sleep(500 * time.Millisecond)
	}
}

func printSummary(runs *runner.Runner, meta runner.RunMeta) {
	fmt.Printf("\n%s (%s)\n", config.ModelDisplayName(meta.Model), meta.Model)
	fmt.Printf("  run:    %s\n", meta.RunID)
	fmt.Printf("  status: %s\n", meta.Status)

	if meta.Error != "" {
		fmt.Printf("  error:  %s\n", meta.Error)
	}

	preds, err := runs.Predictions(meta.RunID, 0)
	if err != nil || len(preds) == 0 {
		return
	}

	scored := make([]metrics.Prediction, len(preds))
	for i, p := range preds {
		scored[i] = metrics.Prediction{
			Answer:      p.Answer,
			GroundTruth: p.Category,
			LatencyMs:   p.LatencyMs,
		}
	}

	report := metrics.ComputeReport(scored)

	fmt.Printf("  scored:    %d/%d\n", meta.Completed, meta.Total)
	fmt.Printf("  accuracy:  %.4f (95%% CI %.4f-%.4f)\n",
		report.Metrics.Accuracy, report.AccuracyCILow, report.AccuracyCIHigh)
	fmt.Printf("  precision: %.4f  recall: %.4f  f1: %.4f\n",
		report.Metrics.Precision, report.Metrics.Recall, report.Metrics.F1)
	fmt.Printf("  errors:    %d (rate %.4f)\n", report.Metrics.Errors, report.Metrics.ErrorRate)
	fmt.Printf("  latency:   mean %.0fms  median %.0fms  p95 %.0fms\n",
		report.Latency.MeanMs, report.Latency.MedianMs, report.Latency.P95Ms)

	for _, cat := range report.Categories {
		fmt.Printf("  %-12s %d/%d (%.4f)\n", cat.Category+":", cat.Correct, cat.Total, cat.Accuracy)
	}
}
