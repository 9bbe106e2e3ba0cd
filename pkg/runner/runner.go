// Package runner drives benchmark runs: one model over a sampled image set,
// one provider call per image, every prediction appended to a JSONL file so
// an interrupted run can pick up where it stopped. Batch runs share a single
// image sample across models so their scores are comparable.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hotdogornot/hotdogornot/pkg/dataset"
	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
)

// Status of a benchmark run. Completed, cancelled and failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

var (
	ErrRunNotFound   = errors.New("run not found")
	ErrRunNotActive  = errors.New("run not active")
	ErrBatchNotFound = errors.New("batch not found")
	ErrEmptyDataset  = errors.New("no test images available")
)

// Config for the runner.
type Config struct {
	ResultsDir           string `yaml:"results_dir" mapstructure:"results_dir"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors" mapstructure:"max_consecutive_errors"`
}

// RunMeta is the persisted state of one run, rewritten after every image.
type RunMeta struct {
	RunID      string    `json:"run_id"`
	BatchID    string    `json:"batch_id,omitempty"`
	Model      string    `json:"model"`
	Status     Status    `json:"status"`
	SampleSize int       `json:"sample_size"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Correct    int       `json:"correct"`
	Errors     int       `json:"errors"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Prediction is one scored image, one line in the run's JSONL file.
type Prediction struct {
	ImagePath string           `json:"image_path"`
	Category  dataset.Category `json:"category"`
	Answer    parser.Answer    `json:"answer"`
	Correct   bool             `json:"correct"`
	Reasoning string           `json:"reasoning,omitempty"`
	LatencyMs float64          `json:"latency_ms"`
	Timestamp time.Time        `json:"timestamp"`
}

// QueueItem is one entry of a run's persisted work list.
type QueueItem struct {
	ImagePath string           `json:"image_path"`
	Category  dataset.Category `json:"category"`
	Filename  string           `json:"filename"`
}

// Runner owns all benchmark runs.
type Runner struct {
	log        logrus.FieldLogger
	cfg        Config
	data       *dataset.Manager
	classifier openrouter.Classifier
	files      *resultsDir

	mu      sync.Mutex
	active  map[string]*activeRun
	batches map[string][]string
}

type activeRun struct {
	meta   RunMeta
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Runner writing into cfg.ResultsDir.
func New(log logrus.FieldLogger, cfg Config, data *dataset.Manager, classifier openrouter.Classifier) (*Runner, error) {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}

	files, err := newResultsDir(cfg.ResultsDir)
	if err != nil {
		return nil, err
	}

	return &Runner{
		log:        log.WithField("component", "runner"),
		cfg:        cfg,
		data:       data,
		classifier: classifier,
		files:      files,
		active:     map[string]*activeRun{},
		batches:    map[string][]string{},
	}, nil
}

// StartRun samples the dataset and launches a run for one model.
func (r *Runner) StartRun(model string, sampleSize int) (RunMeta, error) {
	return r.start(model, sampleSize, "", r.data.ListImages(sampleSize))
}

// StartBatch launches one run per model over a single shared image sample,
// so every model is scored on exactly the same set.
func (r *Runner) StartBatch(models []string, sampleSize int) (string, []RunMeta, error) {
	if len(models) == 0 {
		return "", nil, errors.New("no models given")
	}

	batchID, err := newID()
	if err != nil {
		return "", nil, err
	}

	images := r.data.ListImages(sampleSize)

	metas := make([]RunMeta, 0, len(models))
	ids := make([]string, 0, len(models))

	for _, model := range models {
		meta, err := r.start(model, sampleSize, batchID, images)
		if err != nil {
			return "", nil, err
		}

		metas = append(metas, meta)
		ids = append(ids, meta.RunID)
	}

	r.mu.Lock()
	r.batches[batchID] = ids
	r.mu.Unlock()

	return batchID, metas, nil
}

// start persists the initial run state and launches the worker goroutine.
// The worker gets a context detached from the caller: an HTTP request ending
// must not kill a run.
func (r *Runner) start(model string, sampleSize int, batchID string, images []dataset.Image) (RunMeta, error) {
	if model == "" {
		return RunMeta{}, errors.New("model is required")
	}

	if len(images) == 0 {
		return RunMeta{}, ErrEmptyDataset
	}

	runID, err := newID()
	if err != nil {
		return RunMeta{}, err
	}

	queue := make([]QueueItem, len(images))
	for i, img := range images {
		queue[i] = QueueItem{ImagePath: img.Path, Category: img.Category, Filename: img.Filename}
	}

	meta := RunMeta{
		RunID:      runID,
		BatchID:    batchID,
		Model:      model,
		Status:     StatusPending,
		SampleSize: sampleSize,
		Total:      len(images),
		StartedAt:  time.Now().UTC(),
	}

	if err := r.files.writeQueue(runID, queue); err != nil {
		return RunMeta{}, err
	}

	if err := r.files.writeMeta(meta); err != nil {
		return RunMeta{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	run := &activeRun{meta: meta, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.active[runID] = run
	r.mu.Unlock()

	go r.work(ctx, run, images)

	return meta, nil
}

// Resume relaunches a non-terminal run found on disk, skipping images that
// already have a recorded prediction.
func (r *Runner) Resume(runID string) (RunMeta, error) {
	r.mu.Lock()
	_, isActive := r.active[runID]
	r.mu.Unlock()

	if isActive {
		return RunMeta{}, fmt.Errorf("run %s: already running", runID)
	}

	meta, err := r.files.readMeta(runID)
	if err != nil {
		return RunMeta{}, err
	}

	if meta.Status.Terminal() {
		return RunMeta{}, fmt.Errorf("run %s: already %s", runID, meta.Status)
	}

	queue, err := r.files.readQueue(runID)
	if err != nil {
		return RunMeta{}, err
	}

	images := make([]dataset.Image, len(queue))
	for i, q := range queue {
		images[i] = dataset.Image{Path: q.ImagePath, Category: q.Category, Filename: q.Filename}
	}

	ctx, cancel := context.WithCancel(context.Background())

	run := &activeRun{meta: meta, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.active[runID] = run
	r.mu.Unlock()

	go r.work(ctx, run, images)

	return meta, nil
}

// work is the run loop. It re-reads prior predictions first so resumed runs
// skip finished images, then walks the queue until done, cancelled or the
// error budget runs out.
func (r *Runner) work(ctx context.Context, run *activeRun, images []dataset.Image) {
	defer close(run.done)

	runID := run.meta.RunID
	log := r.log.WithFields(logrus.Fields{"run_id": runID, "model": run.meta.Model})

	prior, err := r.files.readPredictions(runID)
	if err != nil {
		r.finish(run, StatusFailed, err.Error())

		return
	}

	processed := make(map[string]bool, len(prior))

	var completed, correct, errCount int

	for _, p := range prior {
		processed[p.ImagePath] = true

		completed++

		if p.Correct {
			correct++
		}

		if p.Answer == parser.AnswerError {
			errCount++
		}
	}

	r.updateMeta(run, func(m *RunMeta) {
		m.Status = StatusRunning
		m.Completed = completed
		m.Correct = correct
		m.Errors = errCount
	})

	log.WithField("total", len(images)).Info("Run started")

	consecutive := 0

	for _, img := range images {
		if ctx.Err() != nil {
			r.finish(run, StatusCancelled, "")
			log.Info("Run cancelled")

			return
		}

		if processed[img.Path] {
			continue
		}

		pred, provErr := r.scoreImage(ctx, run.meta.Model, img)

		if provErr != nil {
			if errors.Is(provErr, context.Canceled) {
				r.finish(run, StatusCancelled, "")
				log.Info("Run cancelled")

				return
			}

			consecutive++

			log.WithError(provErr).WithField("image", img.Filename).Warn("Classification failed")

			if openrouter.IsNonRecoverable(provErr) {
				_ = r.files.appendPrediction(runID, pred)
				r.finish(run, StatusFailed, provErr.Error())

				return
			}
		} else {
			// A delivered response, parseable or not, proves the provider
			// is alive. Only provider failures count toward the budget.
			consecutive = 0
		}

		if err := r.files.appendPrediction(runID, pred); err != nil {
			r.finish(run, StatusFailed, err.Error())

			return
		}

		r.updateMeta(run, func(m *RunMeta) {
			m.Completed++

			if pred.Correct {
				m.Correct++
			}

			if pred.Answer == parser.AnswerError {
				m.Errors++
			}
		})

		if consecutive >= r.cfg.MaxConsecutiveErrors {
			r.finish(run, StatusFailed,
				fmt.Sprintf("%d consecutive provider errors", consecutive))
			log.Error("Run failed: provider error budget exhausted")

			return
		}
	}

	r.finish(run, StatusCompleted, "")
	log.Info("Run completed")
}

// scoreImage classifies one image and grades it against its ground truth.
// Provider errors still yield a prediction line with answer "error".
func (r *Runner) scoreImage(ctx context.Context, model string, img dataset.Image) (Prediction, error) {
	res, err := r.classifier.ClassifyImage(ctx, model, img.Path)

	pred := Prediction{
		ImagePath: img.Path,
		Category:  img.Category,
		LatencyMs: res.LatencyMs,
		Timestamp: time.Now().UTC(),
	}

	if err != nil {
		pred.Answer = parser.AnswerError

		return pred, err
	}

	verdict := parser.Parse(res.RawText)

	pred.Answer = verdict.Answer
	pred.Reasoning = verdict.Reasoning
	pred.Correct = verdict.Answer != parser.AnswerError &&
		(verdict.Answer == parser.AnswerYes) == (img.Category == dataset.CategoryHotDog)

	return pred, nil
}

func (r *Runner) updateMeta(run *activeRun, fn func(*RunMeta)) {
	r.mu.Lock()
	fn(&run.meta)
	meta := run.meta
	r.mu.Unlock()

	if err := r.files.writeMeta(meta); err != nil {
		r.log.WithError(err).WithField("run_id", meta.RunID).Error("Failed to persist run meta")
	}
}

func (r *Runner) finish(run *activeRun, status Status, errMsg string) {
	r.updateMeta(run, func(m *RunMeta) {
		m.Status = status
		m.FinishedAt = time.Now().UTC()
		m.Error = errMsg
	})

	run.cancel()

	r.mu.Lock()
	delete(r.active, run.meta.RunID)
	r.mu.Unlock()
}

// GetRun returns a run's current state, preferring live state over disk.
func (r *Runner) GetRun(runID string) (RunMeta, error) {
	r.mu.Lock()
	run, ok := r.active[runID]
	if ok {
		meta := run.meta
		r.mu.Unlock()

		return meta, nil
	}
	r.mu.Unlock()

	return r.files.readMeta(runID)
}

// ListRuns returns every run, newest first.
func (r *Runner) ListRuns() ([]RunMeta, error) {
	metas, err := r.files.listMetas()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	for i, m := range metas {
		if run, ok := r.active[m.RunID]; ok {
			metas[i] = run.meta
		}
	}
	r.mu.Unlock()

	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].StartedAt.Equal(metas[j].StartedAt) {
			return metas[i].StartedAt.After(metas[j].StartedAt)
		}

		return metas[i].RunID < metas[j].RunID
	})

	return metas, nil
}

// CancelRun requests cancellation of an active run and waits for the worker
// to wind down.
func (r *Runner) CancelRun(runID string) error {
	r.mu.Lock()
	run, ok := r.active[runID]
	r.mu.Unlock()

	if !ok {
		if _, err := r.files.readMeta(runID); err != nil {
			return ErrRunNotFound
		}

		return ErrRunNotActive
	}

	run.cancel()
	<-run.done

	return nil
}

// CancelBatch cancels every still-active run of a batch.
func (r *Runner) CancelBatch(batchID string) error {
	r.mu.Lock()
	ids, ok := r.batches[batchID]
	r.mu.Unlock()

	if !ok {
		return ErrBatchNotFound
	}

	for _, id := range ids {
		if err := r.CancelRun(id); err != nil &&
			!errors.Is(err, ErrRunNotActive) && !errors.Is(err, ErrRunNotFound) {
			return err
		}
	}

	return nil
}

// Predictions returns a run's recorded predictions in order, skipping the
// first `last` entries. Pollers pass the count they have already seen and
// get only what is new.
func (r *Runner) Predictions(runID string, last int) ([]Prediction, error) {
	if _, err := r.GetRun(runID); err != nil {
		return nil, err
	}

	preds, err := r.files.readPredictions(runID)
	if err != nil {
		return nil, err
	}

	if last > 0 {
		if last > len(preds) {
			last = len(preds)
		}

		preds = preds[last:]
	}

	return preds, nil
}

// Queue returns a run's persisted work list.
func (r *Runner) Queue(runID string) ([]QueueItem, error) {
	if _, err := r.GetRun(runID); err != nil {
		return nil, err
	}

	return r.files.readQueue(runID)
}

// ClearHistory deletes the files of all terminal runs. Active runs are
// untouched.
func (r *Runner) ClearHistory() (int, error) {
	metas, err := r.files.listMetas()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	activeIDs := make(map[string]bool, len(r.active))
	for id := range r.active {
		activeIDs[id] = true
	}
	r.mu.Unlock()

	removed := 0

	for _, m := range metas {
		if activeIDs[m.RunID] || !m.Status.Terminal() {
			continue
		}

		if err := r.files.remove(m.RunID); err != nil {
			return removed, err
		}

		removed++
	}

	return removed, nil
}
