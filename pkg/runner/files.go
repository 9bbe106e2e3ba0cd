package runner

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// resultsDir is the on-disk layout of run state: {run_id}_meta.json,
// {run_id}.jsonl and {run_id}_queue.json side by side in one directory.
type resultsDir struct {
	dir string
}

func newResultsDir(dir string) (*resultsDir, error) {
	if dir == "" {
		return nil, errors.New("results dir not configured")
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create results dir: %w", err)
	}

	return &resultsDir{dir: dir}, nil
}

func (d *resultsDir) metaPath(runID string) string {
	return filepath.Join(d.dir, runID+"_meta.json")
}

func (d *resultsDir) predictionsPath(runID string) string {
	return filepath.Join(d.dir, runID+".jsonl")
}

func (d *resultsDir) queuePath(runID string) string {
	return filepath.Join(d.dir, runID+"_queue.json")
}

// writeMeta rewrites the meta file atomically via rename so readers never
// see a half-written document.
func (d *resultsDir) writeMeta(meta RunMeta) error {
	return writeJSONFile(d.metaPath(meta.RunID), meta)
}

func (d *resultsDir) readMeta(runID string) (RunMeta, error) {
	var meta RunMeta

	data, err := os.ReadFile(d.metaPath(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return meta, ErrRunNotFound
	}

	if err != nil {
		return meta, fmt.Errorf("failed to read run meta: %w", err)
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse run meta: %w", err)
	}

	return meta, nil
}

func (d *resultsDir) listMetas() ([]RunMeta, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read results dir: %w", err)
	}

	metas := make([]RunMeta, 0, len(entries))

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_meta.json") {
			continue
		}

		runID := strings.TrimSuffix(e.Name(), "_meta.json")

		meta, err := d.readMeta(runID)
		if err != nil {
			continue
		}

		metas = append(metas, meta)
	}

	return metas, nil
}

func (d *resultsDir) writeQueue(runID string, queue []QueueItem) error {
	return writeJSONFile(d.queuePath(runID), queue)
}

func (d *resultsDir) readQueue(runID string) ([]QueueItem, error) {
	data, err := os.ReadFile(d.queuePath(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrRunNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	var queue []QueueItem
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}

	return queue, nil
}

// appendPrediction adds one JSONL line. Append-only writes are what make
// interrupted runs resumable.
func (d *resultsDir) appendPrediction(runID string, pred Prediction) error {
	line, err := json.Marshal(pred)
	if err != nil {
		return fmt.Errorf("failed to marshal prediction: %w", err)
	}

	f, err := os.OpenFile(d.predictionsPath(runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open predictions file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append prediction: %w", err)
	}

	return nil
}

func (d *resultsDir) readPredictions(runID string) ([]Prediction, error) {
	f, err := os.Open(d.predictionsPath(runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open predictions file: %w", err)
	}
	defer f.Close()

	var preds []Prediction

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var pred Prediction
		if err := json.Unmarshal([]byte(line), &pred); err != nil {
			// A torn final line from a crashed run is re-scored on resume.
			continue
		}

		preds = append(preds, pred)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan predictions: %w", err)
	}

	return preds, nil
}

func (d *resultsDir) remove(runID string) error {
	for _, path := range []string{d.metaPath(runID), d.predictionsPath(runID), d.queuePath(runID)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}

	return nil
}

func newID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}

	return hex.EncodeToString(b), nil
}
