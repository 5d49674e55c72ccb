package worker

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actify/reportd/internal/config"
	db "github.com/actify/reportd/internal/db/gorm"
	"github.com/actify/reportd/internal/dedup"
	"github.com/actify/reportd/internal/lifecycle"
	"github.com/actify/reportd/internal/sweeper"
	"github.com/actify/reportd/pkg/models"
)

type fakeEngine struct {
	lastSub     dedup.Submission
	disposition *models.Disposition
	similar     []dedup.SimilarPhoto
	err         error
}

func (f *fakeEngine) Ingest(_ context.Context, sub dedup.Submission) (*models.Disposition, error) {
	f.lastSub = sub
	if f.err != nil {
		return nil, f.err
	}
	return f.disposition, nil
}

func (f *fakeEngine) SimilarImages(_ context.Context, _ []byte, _ int) ([]dedup.SimilarPhoto, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.similar, nil
}

type fakeLifecycle struct {
	feedbackResult *lifecycle.FeedbackResult
	upvoteReport   *models.Report
	cascaded       int64
	merged         [][2]string
	cancelled      []string
	err            error
}

func (f *fakeLifecycle) SubmitFeedback(_ context.Context, reportID, userID string, kind models.FeedbackKind, _ string) (*lifecycle.FeedbackResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !models.ValidFeedbackKind(kind) {
		return nil, models.E(models.KindValidation, "bad kind %q", kind)
	}
	return f.feedbackResult, nil
}

func (f *fakeLifecycle) CancelDeletion(_ context.Context, reportID string) error {
	if f.err != nil {
		return f.err
	}
	f.cancelled = append(f.cancelled, reportID)
	return nil
}

func (f *fakeLifecycle) Merge(_ context.Context, targetID, sourceID string) error {
	if f.err != nil {
		return f.err
	}
	f.merged = append(f.merged, [2]string{targetID, sourceID})
	return nil
}

func (f *fakeLifecycle) Upvote(_ context.Context, _, _ string) (*models.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.upvoteReport, nil
}

func (f *fakeLifecycle) UpdateStatus(_ context.Context, _ string, _ models.Status, _ bool) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.cascaded, nil
}

type fakeQueries struct {
	reports    map[string]*models.Report
	duplicates map[string][]*models.Report
	lastFilter db.ListFilter
	err        error
}

func (f *fakeQueries) GetReport(_ context.Context, id string) (*models.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.reports[id]
	if !ok {
		return nil, models.E(models.KindNotFound, "report %s not found", id)
	}
	return r, nil
}

func (f *fakeQueries) List(_ context.Context, filter db.ListFilter) ([]*models.Report, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.Report
	for _, r := range f.reports {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeQueries) DuplicatesOf(_ context.Context, id string) ([]*models.Report, error) {
	return f.duplicates[id], nil
}

func (f *fakeQueries) DuplicateStatistics(_ context.Context) (*db.DuplicateStats, error) {
	return &db.DuplicateStats{TotalReports: 5, LinkedDuplicates: 2}, nil
}

func (f *fakeQueries) DeletionStatistics(_ context.Context) (*db.DeletionStats, error) {
	return &db.DeletionStats{TotalArchived: 3}, nil
}

type fakeSweep struct {
	runs   int
	result sweeper.Result
}

func (f *fakeSweep) RunNow(_ context.Context) sweeper.Result {
	f.runs++
	return f.result
}

func (f *fakeSweep) Stats() map[string]any { return map[string]any{"running": true} }

type fakePhotos struct {
	files map[string][]byte
}

func (f *fakePhotos) Open(name string) ([]byte, error) {
	data, ok := f.files[name]
	if !ok {
		return nil, models.E(models.KindNotFound, "photo %q not found", name)
	}
	return data, nil
}

type testEnv struct {
	svc       *Service
	engine    *fakeEngine
	lifecycle *fakeLifecycle
	queries   *fakeQueries
	sweep     *fakeSweep
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	engine := &fakeEngine{
		disposition: &models.Disposition{
			IssueID: "new-id",
			Status:  models.StatusReported,
		},
	}
	lc := &fakeLifecycle{
		feedbackResult: &lifecycle.FeedbackResult{ReportID: "rep-1", DisputeCount: 1},
		upvoteReport:   &models.Report{ID: "rep-1", UpvoteCount: 4},
	}
	queries := &fakeQueries{
		reports:    map[string]*models.Report{},
		duplicates: map[string][]*models.Report{},
	}
	sweep := &fakeSweep{result: sweeper.Result{Deleted: 2, Archived: 2}}
	photos := &fakePhotos{files: map[string][]byte{
		"rep-1_0.jpg": {0xFF, 0xD8, 0xFF, 1, 2},
	}}

	cfg := config.Config{
		Port:             0,
		RequestTimeout:   5 * time.Second,
		MaxBodyBytes:     1 << 20,
		AdminToken:       "secret",
		IngestRatePerMin: 6000,
		IngestBurst:      100,
	}
	svc := NewService("test", cfg, Deps{
		Engine:    engine,
		Lifecycle: lc,
		Queries:   queries,
		Sweeper:   sweep,
		Photos:    photos,
		DBPing:    func() error { return nil },
	}, zerolog.Nop())

	return &testEnv{svc: svc, engine: engine, lifecycle: lc, queries: queries, sweep: sweep}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	e.svc.Router().ServeHTTP(rec, req)
	return rec
}

func multipartSubmission(t *testing.T, fields map[string]string, photos map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for name, data := range photos {
		part, err := mw.CreateFormFile("photos", name)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"user_id":     "citizen-1",
		"latitude":    "40.7128",
		"longitude":   "-74.0060",
		"category":    "pothole",
		"severity":    "High",
		"description": "Deep pothole near the crosswalk, damaged two tires already",
	}
}

func TestIngestReturns201ForNewReport(t *testing.T) {
	env := newTestEnv(t)
	body, ct := multipartSubmission(t, validFields(), map[string][]byte{"a.jpg": {1, 2, 3}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(t, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "citizen-1", env.engine.lastSub.ReporterID)
	assert.Equal(t, "pothole", env.engine.lastSub.Category)
	assert.InDelta(t, 40.7128, env.engine.lastSub.Location.Lat, 1e-9)
	assert.Len(t, env.engine.lastSub.Photos, 1)

	var disp models.Disposition
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disp))
	assert.Equal(t, "new-id", disp.IssueID)
}

func TestIngestReturns200ForHardDuplicate(t *testing.T) {
	env := newTestEnv(t)
	env.engine.disposition = &models.Disposition{
		IssueID: models.DispositionDuplicateID,
		Status:  models.StatusDuplicate,
	}
	body, ct := multipartSubmission(t, validFields(), map[string][]byte{"a.jpg": {1}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(t, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestBadCoordinatesRejected(t *testing.T) {
	env := newTestEnv(t)
	fields := validFields()
	fields["latitude"] = "not-a-number"
	body, ct := multipartSubmission(t, fields, map[string][]byte{"a.jpg": {1}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(t, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestValidationErrorMapsTo400(t *testing.T) {
	env := newTestEnv(t)
	env.engine.err = models.E(models.KindValidation, "description too short")
	body, ct := multipartSubmission(t, validFields(), map[string][]byte{"a.jpg": {1}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(t, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(models.KindValidation), resp.Kind)
}

func TestIngestDependencyFailureMapsTo503(t *testing.T) {
	env := newTestEnv(t)
	env.engine.err = models.E(models.KindUnavailable, "database unreachable")
	body, ct := multipartSubmission(t, validFields(), map[string][]byte{"a.jpg": {1}})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports", body)
	req.Header.Set("Content-Type", ct)
	rec := env.do(t, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetReportNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reports/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListReportsFilters(t *testing.T) {
	env := newTestEnv(t)
	env.queries.reports["r1"] = &models.Report{ID: "r1", Status: models.StatusReported}

	rec := env.do(t, httptest.NewRequest(http.MethodGet,
		"/api/v1/reports?status=Reported&category=pothole&duplicate_status=duplicates_only&skip=5&limit=20", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusReported, env.queries.lastFilter.Status)
	assert.Equal(t, "pothole", env.queries.lastFilter.Category)
	assert.Equal(t, db.DuplicatesOnly, env.queries.lastFilter.Duplicates)
	assert.Equal(t, 5, env.queries.lastFilter.Skip)
	assert.Equal(t, 20, env.queries.lastFilter.Limit)
}

func TestListReportsRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reports?status=Bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFeedbackSummaryComputesDistinctCounts(t *testing.T) {
	env := newTestEnv(t)
	env.queries.reports["rep-1"] = &models.Report{
		ID:                "rep-1",
		DuplicateOf:       "orig-1",
		ConfirmationCount: 5,
		DuplicateFeedback: []models.DuplicateFeedback{
			{UserID: "u1", Kind: models.FeedbackConfirm},
			{UserID: "u1", Kind: models.FeedbackConfirm},
			{UserID: "u2", Kind: models.FeedbackDispute},
		},
	}

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/reports/rep-1/feedback", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var summary FeedbackSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 5, summary.ConfirmationCount, "raw counter passes through")
	assert.Equal(t, 1, summary.DistinctConfirms)
	assert.Equal(t, 1, summary.DistinctDisputes)
	assert.Len(t, summary.Entries, 3)
}

func TestSubmitFeedback(t *testing.T) {
	env := newTestEnv(t)
	body := strings.NewReader(`{"user_id":"u1","kind":"dispute"}`)
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/reports/rep-1/feedback", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var result lifecycle.FeedbackResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "rep-1", result.ReportID)
}

func TestUpvoteConflictMapsTo409(t *testing.T) {
	env := newTestEnv(t)
	env.lifecycle.err = models.E(models.KindConflict, "already upvoted")
	body := strings.NewReader(`{"user_id":"u1"}`)
	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/reports/rep-1/upvote", body))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateStatusReportsCascadeCount(t *testing.T) {
	env := newTestEnv(t)
	env.lifecycle.cascaded = 3
	body := strings.NewReader(`{"status":"Resolved","cascade":true}`)
	rec := env.do(t, httptest.NewRequest(http.MethodPatch, "/api/v1/reports/rep-1/status", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 3, resp["cascaded"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil)
	req.Header.Set("X-Admin-Token", "wrong")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.sweep.runs)
}

func TestTriggerSweepCooldown(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/sweep", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, env.sweep.runs)
}

func TestAdminMerge(t *testing.T) {
	env := newTestEnv(t)
	body := strings.NewReader(`{"target_id":"a","source_id":"b"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/merge", body)
	req.Header.Set("X-Admin-Token", "secret")
	rec := env.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.lifecycle.merged, 1)
	assert.Equal(t, [2]string{"a", "b"}, env.lifecycle.merged[0])
}

func TestDuplicateStatisticsArePublic(t *testing.T) {
	env := newTestEnv(t)

	// No admin token: duplicate statistics are part of the query surface.
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/statistics/duplicates", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats db.DuplicateStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(5), stats.TotalReports)
}

func TestDeletionStatisticsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/admin/statistics/deletions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/statistics/deletions", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rec = env.do(t, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServePhoto(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/photos/rep-1_0.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Body.Bytes())

	rec = env.do(t, httptest.NewRequest(http.MethodGet, "/photos/missing.jpg", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSimilarImages(t *testing.T) {
	env := newTestEnv(t)
	env.engine.similar = []dedup.SimilarPhoto{
		{ReportID: "r1", PhotoURL: "/photos/r1_0.jpg", Score: 0.93},
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("photo", "probe.jpg")
	require.NoError(t, err)
	_, err = part.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/similar-images", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(t, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Matches []dedup.SimilarPhoto `json:"matches"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.InDelta(t, 0.93, resp.Matches[0].Score, 1e-9)
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	env := newTestEnv(t)
	env.svc.dbPing = func() error { return fmt.Errorf("connection refused") }

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
