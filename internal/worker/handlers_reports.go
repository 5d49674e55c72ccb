package worker

import (
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	db "github.com/actify/reportd/internal/db/gorm"
	"github.com/actify/reportd/internal/dedup"
	"github.com/actify/reportd/pkg/models"
)

const (
	// maxPhotoCount bounds the photos form field; the engine re-validates.
	maxPhotoCount = 3

	// DefaultListLimit is the page size when the client does not ask.
	DefaultListLimit = 50

	// DefaultSimilarLimit is the default similar-image result count.
	DefaultSimilarLimit = 10
)

// handleIngest accepts a multipart report submission and runs duplicate
// detection. A hard duplicate returns 200 with the rejection disposition; a
// persisted report returns 201.
func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.config.MaxBodyBytes); err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "invalid multipart form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	lat, err := strconv.ParseFloat(r.FormValue("latitude"), 64)
	if err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "latitude must be a number"))
		return
	}
	lon, err := strconv.ParseFloat(r.FormValue("longitude"), 64)
	if err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "longitude must be a number"))
		return
	}

	photos, err := readPhotos(r.MultipartForm.File["photos"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sub := dedup.Submission{
		ReporterID:  r.FormValue("user_id"),
		Location:    models.Location{Lat: lat, Lon: lon},
		Category:    strings.TrimSpace(r.FormValue("category")),
		Severity:    models.Severity(r.FormValue("severity")),
		Description: r.FormValue("description"),
		Photos:      photos,
	}

	disposition, err := s.engine.Ingest(r.Context(), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if disposition.IssueID == models.DispositionDuplicateID {
		status = http.StatusOK
	}
	s.writeJSON(w, status, disposition)
}

// readPhotos loads the uploaded photo parts into memory.
func readPhotos(files []*multipart.FileHeader) ([][]byte, error) {
	if len(files) > maxPhotoCount {
		return nil, models.E(models.KindValidation, "at most %d photos allowed, got %d", maxPhotoCount, len(files))
	}
	photos := make([][]byte, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, models.WrapE(models.KindValidation, err, "open photo %q", fh.Filename)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, models.WrapE(models.KindValidation, err, "read photo %q", fh.Filename)
		}
		if len(data) == 0 {
			return nil, models.E(models.KindValidation, "photo %q is empty", fh.Filename)
		}
		photos = append(photos, data)
	}
	return photos, nil
}

// handleListReports returns a filtered, paged report listing.
func (s *Service) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := db.ListFilter{
		Category: q.Get("category"),
		Skip:     intParam(q.Get("skip"), 0),
		Limit:    intParam(q.Get("limit"), DefaultListLimit),
	}
	if v := q.Get("status"); v != "" {
		status := models.Status(v)
		if !models.ValidStatus(status) {
			s.writeError(w, r, models.E(models.KindValidation, "unknown status %q", v))
			return
		}
		filter.Status = status
	}
	switch q.Get("duplicate_status") {
	case "":
	case string(db.DuplicatesOnly):
		filter.Duplicates = db.DuplicatesOnly
	case string(db.OriginalsOnly):
		filter.Duplicates = db.OriginalsOnly
	default:
		s.writeError(w, r, models.E(models.KindValidation, "duplicate_status must be %q or %q", db.DuplicatesOnly, db.OriginalsOnly))
		return
	}

	reports, err := s.queries.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if reports == nil {
		reports = []*models.Report{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"reports": reports,
		"count":   len(reports),
		"skip":    filter.Skip,
	})
}

// reportResponse flattens the report and, for soft-linked duplicates, embeds
// the original it points to.
type reportResponse struct {
	*models.Report
	Original *models.Report `json:"original_report,omitempty"`
}

// handleGetReport returns one report.
func (s *Service) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := reportResponse{Report: report}
	if report.DuplicateOf != "" {
		// The original may have been archived since; the link alone is
		// still worth returning.
		if orig, err := s.queries.GetReport(r.Context(), report.DuplicateOf); err == nil {
			resp.Original = orig
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleDuplicatesOf lists the reports linked to an original.
func (s *Service) handleDuplicatesOf(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queries.GetReport(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	duplicates, err := s.queries.DuplicatesOf(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if duplicates == nil {
		duplicates = []*models.Report{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"report_id":  id,
		"duplicates": duplicates,
		"count":      len(duplicates),
	})
}

// handleSimilarImages ranks stored photos by visual similarity to an uploaded
// one. Diagnostic endpoint.
func (s *Service) handleSimilarImages(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.config.MaxBodyBytes); err != nil {
		s.writeError(w, r, models.E(models.KindValidation, "invalid multipart form: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	photos, err := readPhotos(r.MultipartForm.File["photo"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(photos) != 1 {
		s.writeError(w, r, models.E(models.KindValidation, "exactly one photo required"))
		return
	}

	limit := intParam(r.FormValue("limit"), DefaultSimilarLimit)
	matches, err := s.engine.SimilarImages(r.Context(), photos[0], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []dedup.SimilarPhoto{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"matches": matches,
		"count":   len(matches),
	})
}

// handlePhoto serves a stored photo by file name.
func (s *Service) handlePhoto(w http.ResponseWriter, r *http.Request) {
	data, err := s.photos.Open(chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write(data)
}

func intParam(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
