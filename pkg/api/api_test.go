package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdogornot/hotdogornot/pkg/config"
	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
)

type stubClassifier struct {
	response string
}

func (c *stubClassifier) ClassifyImage(_ context.Context, _, path string) (openrouter.Result, error) {
	if filepath.Base(filepath.Dir(path)) == "not_hot_dog" {
		return openrouter.Result{RawText: "Answer: no", LatencyMs: 3}, nil
	}

	return openrouter.Result{RawText: c.response, LatencyMs: 3}, nil
}

func (c *stubClassifier) ClassifyImageData(_ context.Context, _ string, _ []byte, _ string) (openrouter.Result, error) {
	return openrouter.Result{RawText: c.response, LatencyMs: 3}, nil
}

func newTestServer(t *testing.T) (*server, *httptest.Server) {
	t.Helper()

	dataDir := t.TempDir()

	for _, cat := range []string{"hot_dog", "not_hot_dog"} {
		catDir := filepath.Join(dataDir, "test", cat)
		require.NoError(t, os.MkdirAll(catDir, 0o755))

		for i := 0; i < 2; i++ {
			path := filepath.Join(catDir, fmt.Sprintf("%s_%d.jpg", cat, i))
			require.NoError(t, os.WriteFile(path, []byte("img"), 0o644))
		}
	}

	cfg := &config.Config{
		Dataset: config.DatasetConfig{DataDir: dataDir},
		Benchmark: config.BenchmarkConfig{
			ResultsDir:        t.TempDir(),
			Models:            []string{"model/a", "model/b"},
			DefaultSampleSize: 4,
		},
		Battle: config.BattleConfig{
			Token:         "battle-secret",
			BaselineModel: "model/a",
			MinVotes:      2,
			MaxImageMB:    1,
			Images: config.StorageConfig{
				Backend: "local",
				Dir:     t.TempDir(),
			},
		},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"},
		Server: config.ServerConfig{
			Listen: "127.0.0.1:0",
			RateLimit: config.RateLimitConfig{
				RequestsPerMinute:       6000,
				BattleRequestsPerMinute: 6000,
			},
		},
	}
	cfg.OpenRouter.RequestsPerMinute = 6000

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := newServer(log, cfg, &stubClassifier{response: "Answer: yes"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.battleStore.Start(ctx))
	t.Cleanup(func() {
		s.limiter.stop()
		s.battleLimiter.stop()
		_ = s.battleStore.Stop(ctx)
	})

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)

	return s, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}

	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t)

	var body map[string]string
	status := getJSON(t, ts.URL+"/api/v1/health", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestModels(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		Models []modelInfo `json:"models"`
	}

	status := getJSON(t, ts.URL+"/api/v1/models", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Models, 2)
	assert.Equal(t, "model/a", body.Models[0].ID)
	assert.True(t, body.Models[0].Baseline)
	assert.False(t, body.Models[1].Baseline)
	assert.Equal(t, "A", body.Models[0].DisplayName)
}

func TestDatasetEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	var st struct {
		Downloaded bool `json:"downloaded"`
		Total      int  `json:"total"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/dataset/status", &st))
	assert.True(t, st.Downloaded)
	assert.Equal(t, 4, st.Total)

	var images struct {
		Count int `json:"count"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/dataset/images?sample_size=2", &images))
	assert.Equal(t, 2, images.Count)

	resp, err := http.Get(ts.URL + "/api/v1/dataset/images/test/hot_dog/hot_dog_0.jpg")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/api/v1/dataset/images/test/hot_dog/ghost.jpg", nil))
}

func waitForRunStatus(t *testing.T, ts *httptest.Server, runID, want string) map[string]any {
	t.Helper()

	var meta map[string]any

	require.Eventually(t, func() bool {
		status := getJSON(t, ts.URL+"/api/v1/benchmark/run/"+runID+"/status", &meta)

		return status == http.StatusOK && meta["status"] == want
	}, 5*time.Second, 10*time.Millisecond)

	return meta
}

func TestBenchmarkRunLifecycle(t *testing.T) {
	_, ts := newTestServer(t)

	var meta map[string]any
	status := postJSON(t, ts.URL+"/api/v1/benchmark/run",
		map[string]any{"model": "model/a", "sample_size": 4}, &meta)
	require.Equal(t, http.StatusAccepted, status)

	runID := meta["run_id"].(string)

	final := waitForRunStatus(t, ts, runID, "completed")
	assert.Equal(t, float64(4), final["completed"])
	assert.Equal(t, float64(4), final["correct"])

	var preds struct {
		Count int `json:"count"`
	}

	// last is the count already seen: only the remainder comes back.
	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/v1/benchmark/run/"+runID+"/predictions?last=3", &preds))
	assert.Equal(t, 1, preds.Count)

	var queue struct {
		Count int `json:"count"`
	}

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/v1/benchmark/run/"+runID+"/queue", &queue))
	assert.Equal(t, 4, queue.Count)

	var runs struct {
		Runs []map[string]any `json:"runs"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/benchmark/runs", &runs))
	assert.Len(t, runs.Runs, 1)
}

func TestBenchmarkValidation(t *testing.T) {
	_, ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest,
		postJSON(t, ts.URL+"/api/v1/benchmark/run", map[string]any{}, nil))

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/api/v1/benchmark/run/missing/status", nil))

	resp, err := http.Post(ts.URL+"/api/v1/benchmark/run/missing/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchRun(t *testing.T) {
	_, ts := newTestServer(t)

	var body struct {
		BatchID string           `json:"batch_id"`
		Runs    []map[string]any `json:"runs"`
	}

	status := postJSON(t, ts.URL+"/api/v1/benchmark/batch-run", map[string]any{"sample_size": 4}, &body)
	require.Equal(t, http.StatusAccepted, status)
	require.Len(t, body.Runs, 2)

	for _, run := range body.Runs {
		waitForRunStatus(t, ts, run["run_id"].(string), "completed")
	}
}

func TestResultsEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	var meta map[string]any
	require.Equal(t, http.StatusAccepted, postJSON(t, ts.URL+"/api/v1/benchmark/run",
		map[string]any{"model": "model/a", "sample_size": 4}, &meta))

	runID := meta["run_id"].(string)
	waitForRunStatus(t, ts, runID, "completed")

	var lb struct {
		Leaderboard []runReport `json:"leaderboard"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/results/leaderboard", &lb))
	require.Len(t, lb.Leaderboard, 1)
	assert.Equal(t, "model/a", lb.Leaderboard[0].Run.Model)
	assert.InDelta(t, 1.0, lb.Leaderboard[0].Report.Metrics.Accuracy, 1e-9)

	var report runReport
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/results/model/model/a", &report))
	assert.Equal(t, runID, report.Run.RunID)

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/api/v1/results/model/model/zzz", nil))

	var preds struct {
		Count int `json:"count"`
	}

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/v1/results/predictions?model=model%2Fa&filter=correct", &preds))
	assert.Equal(t, 4, preds.Count)

	var cmp struct {
		Runs map[string]runReport `json:"runs"`
	}

	require.Equal(t, http.StatusOK,
		getJSON(t, ts.URL+"/api/v1/results/compare?run_ids="+runID, &cmp))
	assert.Contains(t, cmp.Runs, runID)

	assert.Equal(t, http.StatusNotFound,
		getJSON(t, ts.URL+"/api/v1/results/compare?run_ids=missing", nil))
}

func multipartImage(t *testing.T, fields map[string]string, filename string, size int) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	hdr := make(map[string][]string)
	hdr["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="image"; filename=%q`, filename)}
	hdr["Content-Type"] = []string{"image/jpeg"}

	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)

	_, err = part.Write(bytes.Repeat([]byte("x"), size))
	require.NoError(t, err)

	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}

	require.NoError(t, mw.Close())

	return &buf, mw.FormDataContentType()
}

func submitRound(t *testing.T, ts *httptest.Server, token string) (*http.Response, map[string]any) {
	t.Helper()

	body, contentType := multipartImage(t, map[string]string{
		"model":  "challenger/model",
		"answer": "no",
		"source": "test",
	}, "photo.jpg", 64)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/battle/rounds", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)

	return resp, out
}

func TestBattleRoundAuth(t *testing.T) {
	_, ts := newTestServer(t)

	resp, _ := submitRound(t, ts, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = submitRound(t, ts, "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, round := submitRound(t, ts, "battle-secret")
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "model/a", round["baseline_model"])
	assert.Equal(t, "yes", round["baseline_answer"])
	assert.Equal(t, "no", round["challenger_answer"])
	assert.Equal(t, "disagree", round["consensus"])
}

func TestBattleRoundRejectsBadUpload(t *testing.T) {
	_, ts := newTestServer(t)

	// Wrong extension.
	body, contentType := multipartImage(t, map[string]string{
		"model": "m", "answer": "yes",
	}, "payload.exe", 64)

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/battle/rounds", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer battle-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Invalid answer value.
	body, contentType = multipartImage(t, map[string]string{
		"model": "m", "answer": "maybe",
	}, "photo.jpg", 64)

	req, err = http.NewRequest(http.MethodPost, ts.URL+"/api/v1/battle/rounds", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer battle-secret")

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBattleVoteFlow(t *testing.T) {
	_, ts := newTestServer(t)

	resp, round := submitRound(t, ts, "battle-secret")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	roundID := round["round_id"].(string)

	var result map[string]any
	status := postJSON(t, ts.URL+"/api/v1/battle/votes", map[string]any{
		"round_id": roundID,
		"voter_id": "v1",
		"choice":   "challenger",
	}, &result)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "challenger", result["winner"])
	assert.Equal(t, float64(1), result["vote_count"])

	// Duplicate vote.
	assert.Equal(t, http.StatusConflict, postJSON(t, ts.URL+"/api/v1/battle/votes", map[string]any{
		"round_id": roundID,
		"voter_id": "v1",
		"choice":   "baseline",
	}, nil))

	// Unknown round.
	assert.Equal(t, http.StatusNotFound, postJSON(t, ts.URL+"/api/v1/battle/votes", map[string]any{
		"round_id": "deadbeef",
		"voter_id": "v1",
		"choice":   "baseline",
	}, nil))

	// Bad choice.
	assert.Equal(t, http.StatusBadRequest, postJSON(t, ts.URL+"/api/v1/battle/votes", map[string]any{
		"round_id": roundID,
		"voter_id": "v2",
		"choice":   "abstain",
	}, nil))

	var feed struct {
		Count int `json:"count"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/battle/feed", &feed))
	assert.Equal(t, 1, feed.Count)

	var stats struct {
		TotalVotes int `json:"total_votes"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/battle/stats", &stats))
	assert.Equal(t, 1, stats.TotalVotes)

	// Round image is served back.
	imgResp, err := http.Get(ts.URL + "/api/v1/battle/images/" + round["image_key"].(string))
	require.NoError(t, err)
	imgResp.Body.Close()
	assert.Equal(t, http.StatusOK, imgResp.StatusCode)

	assert.Equal(t, http.StatusBadRequest,
		getJSON(t, ts.URL+"/api/v1/battle/feed?population=lurkers", nil))
}

func TestBattleRanking(t *testing.T) {
	_, ts := newTestServer(t)

	var ranking struct {
		Ranking struct {
			Models     []map[string]any `json:"models"`
			TotalVotes int              `json:"total_votes"`
		} `json:"ranking"`
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/battle/ranking", &ranking))
	assert.Empty(t, ranking.Ranking.Models)

	for i := 0; i < 2; i++ {
		resp, round := submitRound(t, ts, "battle-secret")
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		status := postJSON(t, ts.URL+"/api/v1/battle/votes", map[string]any{
			"round_id": round["round_id"].(string),
			"voter_id": "v1",
			"choice":   "challenger",
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}

	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/battle/ranking", &ranking))
	require.Len(t, ranking.Ranking.Models, 2)
	assert.Equal(t, "challenger/model", ranking.Ranking.Models[0]["model"])
	assert.Equal(t, 2, ranking.Ranking.TotalVotes)
}

func TestClassifyEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	body, contentType := multipartImage(t, nil, "photo.jpg", 64)

	resp, err := http.Post(ts.URL+"/api/v1/classify", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Consensus string           `json:"consensus"`
		Results   []map[string]any `json:"results"`
	}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	assert.Equal(t, "yes", result.Consensus)
	assert.Len(t, result.Results, 2)
}

func TestBattleRateLimit(t *testing.T) {
	s, _ := newTestServer(t)

	// Replace the battle tier with a tight budget.
	s.battleLimiter.stop()
	s.battleLimiter = newIPRateLimiter(2)
	t.Cleanup(s.battleLimiter.stop)

	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)

	statuses := make([]int, 0, 3)

	for i := 0; i < 3; i++ {
		resp, _ := submitRound(t, srv, "battle-secret")
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, http.StatusCreated, statuses[0])
	assert.Equal(t, http.StatusCreated, statuses[1])
	assert.Equal(t, http.StatusTooManyRequests, statuses[2])
}
