package convert

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

	"github.com/gin-gonic/gin"
)

type stubConvertService struct {
	result *Result
	err    error

	// failOn はファイル名ごとに PrepareUpload を失敗させます。
	failOn    map[string]error
	prepared  []string
	discarded []string
	seq       int
}

func (s *stubConvertService) ConvertPDFMultipart(ctx context.Context, file *multipart.FileHeader) (*Result, error) {
	return s.result, s.err
}

func (s *stubConvertService) PrepareUpload(ctx context.Context, file *multipart.FileHeader) (*Upload, error) {
	if err, ok := s.failOn[file.Filename]; ok {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	s.seq++
	s.prepared = append(s.prepared, file.Filename)
	return &Upload{
		JobID:        fmt.Sprintf("job-%d", s.seq),
		SourcePath:   "/tmp/doc-forge/" + file.Filename,
		OriginalName: file.Filename,
		Size:         file.Size,
	}, nil
}

func (s *stubConvertService) DiscardUpload(jobID string) error {
	s.discarded = append(s.discarded, jobID)
	return nil
}

type stubScheduler struct {
	reqs []*ScheduleRequest
	err  error
}

func (s *stubScheduler) Schedule(ctx context.Context, req *ScheduleRequest) error {
	if s.err != nil {
		return s.err
	}
	s.reqs = append(s.reqs, req)
	return nil
}

// multipartRequest はファイルと追加フィールドを持つリクエストを組み立てます。
func multipartRequest(t *testing.T, target, fileField string, filenames []string, fields map[string]string) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, name := range filenames {
		part, err := writer.CreateFormFile(fileField, name)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := io.Copy(part, bytes.NewReader([]byte("dummy"))); err != nil {
			t.Fatalf("failed to write dummy file: %v", err)
		}
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeJSON(t *testing.T, body *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v body=%s", err, body.String())
	}
	return payload
}

func TestConvertPDFHandlerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tempDir := t.TempDir()
	jobDir := filepath.Join(tempDir, "job")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatalf("failed to create jobDir: %v", err)
	}

	outputPath := filepath.Join(jobDir, "report.pdf")
	pdfData := []byte("%PDF-1.4\n% dummy pdf content\n")
	if err := os.WriteFile(outputPath, pdfData, 0o640); err != nil {
		t.Fatalf("failed to create output file: %v", err)
	}

	service := &stubConvertService{
		result: &Result{
			JobID:          "job-123",
			OutputPath:     outputPath,
			OutputFilename: "report.pdf",
			OutputSize:     int64(len(pdfData)),
			ContentType:    "application/pdf",
			jobDir:         jobDir,
		},
	}

	req := multipartRequest(t, "/convert/pdf", "file", []string{"report.docx"}, nil)
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/pdf", ConvertPDFHandler(service))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("unexpected content-type: %s", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); cd == "" {
		t.Fatal("expected Content-Disposition header")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("unexpected cache-control: %s", cc)
	}
	if rec.Header().Get("X-Job-Id") != "job-123" {
		t.Fatalf("unexpected X-Job-Id header: %s", rec.Header().Get("X-Job-Id"))
	}
	if !bytes.Equal(rec.Body.Bytes(), pdfData) {
		t.Fatalf("unexpected response body: %q", rec.Body.Bytes())
	}

	if _, err := os.Stat(jobDir); !os.IsNotExist(err) {
		t.Fatalf("expected jobDir to be removed, stat err=%v", err)
	}
}

func TestConvertPDFHandlerMissingFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}

	req := multipartRequest(t, "/convert/pdf", "file", nil, map[string]string{"note": "no file"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/pdf", ConvertPDFHandler(service))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload := decodeJSON(t, rec.Body); payload["error"] != "INVALID_INPUT" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}

func TestConvertPDFHandlerLimitExceeded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		err: &Error{Code: "LIMIT_EXCEEDED", Message: "ファイルサイズが上限を超えています。"},
	}

	req := multipartRequest(t, "/convert/pdf", "file", []string{"report.docx"}, nil)
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/pdf", ConvertPDFHandler(service))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload := decodeJSON(t, rec.Body); payload["error"] != "LIMIT_EXCEEDED" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}

func TestConvertPNGHandlerAccepted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	req := multipartRequest(t, "/convert/png", "file", []string{"deck.pptx"}, map[string]string{"dpi": "200"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/png", ConvertPNGHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	payload := decodeJSON(t, rec.Body)
	if payload["jobId"] != "job-1" {
		t.Fatalf("unexpected jobId: %v", payload["jobId"])
	}
	if payload["status"] != "queued" {
		t.Fatalf("unexpected status: %v", payload["status"])
	}
	if payload["statusUrl"] != "/jobs/job-1" {
		t.Fatalf("unexpected statusUrl: %v", payload["statusUrl"])
	}

	if len(scheduler.reqs) != 1 {
		t.Fatalf("unexpected schedule count: %d", len(scheduler.reqs))
	}
	sched := scheduler.reqs[0]
	if sched.JobID != "job-1" || sched.Target != TargetPNG || sched.DPI != 200 {
		t.Fatalf("unexpected schedule request: %+v", sched)
	}
	if sched.OriginalName != "deck.pptx" {
		t.Fatalf("unexpected original name: %s", sched.OriginalName)
	}
	if sched.BatchID != "" {
		t.Fatalf("single job should have no batch id: %s", sched.BatchID)
	}
}

func TestConvertPNGHandlerDefaultDPI(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	req := multipartRequest(t, "/convert/png", "file", []string{"deck.pptx"}, nil)
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/png", ConvertPNGHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(scheduler.reqs) != 1 || scheduler.reqs[0].DPI != 150 {
		t.Fatalf("expected default dpi, got %+v", scheduler.reqs)
	}
}

func TestConvertPNGHandlerScheduleFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{err: fmt.Errorf("queue unavailable")}

	req := multipartRequest(t, "/convert/png", "file", []string{"deck.pptx"}, nil)
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/png", ConvertPNGHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	// 投入に失敗したら保存済みアップロードは破棄される
	if len(service.discarded) != 1 || service.discarded[0] != "job-1" {
		t.Fatalf("expected upload to be discarded, got %v", service.discarded)
	}
}

func TestConvertBatchHandlerQueuesAll(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	files := []string{"one.docx", "two.xlsx", "three.pptx"}
	req := multipartRequest(t, "/convert/batch", "files", files, map[string]string{"format": "png"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/batch", ConvertBatchHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	payload := decodeJSON(t, rec.Body)
	batchID, _ := payload["batchId"].(string)
	if batchID == "" {
		t.Fatal("expected non-empty batchId")
	}
	jobsList, ok := payload["jobs"].([]any)
	if !ok || len(jobsList) != len(files) {
		t.Fatalf("unexpected jobs payload: %v", payload["jobs"])
	}
	for i, entry := range jobsList {
		job := entry.(map[string]any)
		if job["status"] != "queued" {
			t.Fatalf("jobs[%d] status = %v", i, job["status"])
		}
		if job["filename"] != files[i] {
			t.Fatalf("jobs[%d] filename = %v, want %s", i, job["filename"], files[i])
		}
		if id, _ := job["jobId"].(string); id == "" {
			t.Fatalf("jobs[%d] missing jobId", i)
		}
	}

	if len(scheduler.reqs) != len(files) {
		t.Fatalf("unexpected schedule count: %d", len(scheduler.reqs))
	}
	for _, sched := range scheduler.reqs {
		if sched.BatchID != batchID {
			t.Fatalf("schedule batch id mismatch: %s != %s", sched.BatchID, batchID)
		}
		if sched.Target != TargetPNG {
			t.Fatalf("unexpected target: %s", sched.Target)
		}
	}
}

func TestConvertBatchHandlerPartialFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{
		failOn: map[string]error{
			"broken.txt": &Error{Code: "UNSUPPORTED_FILE", Message: "対応していないファイル形式です。"},
		},
	}
	scheduler := &stubScheduler{}

	files := []string{"good.docx", "broken.txt", "fine.xlsx"}
	req := multipartRequest(t, "/convert/batch", "files", files, map[string]string{"format": "pdf"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/batch", ConvertBatchHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}

	payload := decodeJSON(t, rec.Body)
	jobsList := payload["jobs"].([]any)
	if len(jobsList) != 3 {
		t.Fatalf("unexpected jobs length: %d", len(jobsList))
	}

	failed := jobsList[1].(map[string]any)
	if failed["status"] != "failed" {
		t.Fatalf("expected failed entry, got %v", failed)
	}
	if failed["error"] != "対応していないファイル形式です。" {
		t.Fatalf("unexpected error message: %v", failed["error"])
	}
	if _, hasJobID := failed["jobId"]; hasJobID {
		t.Fatalf("failed entry should not carry jobId: %v", failed)
	}

	// 失敗したファイル以外は投入される
	if len(scheduler.reqs) != 2 {
		t.Fatalf("unexpected schedule count: %d", len(scheduler.reqs))
	}
}

func TestConvertBatchHandlerTooManyFiles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	files := make([]string, maxBatchFiles+1)
	for i := range files {
		files[i] = fmt.Sprintf("doc-%02d.docx", i)
	}
	req := multipartRequest(t, "/convert/batch", "files", files, map[string]string{"format": "pdf"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/batch", ConvertBatchHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(scheduler.reqs) != 0 {
		t.Fatalf("no jobs should be scheduled, got %d", len(scheduler.reqs))
	}
}

func TestConvertBatchHandlerRequiresFormat(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	req := multipartRequest(t, "/convert/batch", "files", []string{"one.docx"}, nil)
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/batch", ConvertBatchHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if payload := decodeJSON(t, rec.Body); payload["error"] != "INVALID_INPUT" {
		t.Fatalf("unexpected error code: %v", payload["error"])
	}
}

func TestConvertBatchHandlerBracketFieldName(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	req := multipartRequest(t, "/convert/batch", "files[]", []string{"one.docx"}, map[string]string{"format": "pdf"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/batch", ConvertBatchHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if len(scheduler.reqs) != 1 {
		t.Fatalf("unexpected schedule count: %d", len(scheduler.reqs))
	}
}

func TestConvertBatchHandlerNoFiles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	service := &stubConvertService{}
	scheduler := &stubScheduler{}

	req := multipartRequest(t, "/convert/batch", "files", nil, map[string]string{"format": "pdf"})
	rec := httptest.NewRecorder()

	router := gin.New()
	router.POST("/convert/batch", ConvertBatchHandler(service, scheduler, 150))
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestParseDPI(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 150},
		{"300", 300},
		{" 72 ", 72},
		{"abc", 150},
		{"-10", 150},
		{"0", 150},
	}
	for _, tt := range tests {
		if got := parseDPI(tt.raw, 150); got != tt.want {
			t.Fatalf("parseDPI(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestRespondWithErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unsupported file", &Error{Code: "UNSUPPORTED_FILE", Message: "m"}, http.StatusBadRequest, "UNSUPPORTED_FILE"},
		{"limit exceeded", &Error{Code: "LIMIT_EXCEEDED", Message: "m"}, http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED"},
		{"conversion failed", &Error{Code: "CONVERSION_FAILED", Message: "m"}, http.StatusInternalServerError, "CONVERSION_FAILED"},
		{"storage error", &Error{Code: "STORAGE_ERROR", Message: "m"}, http.StatusInternalServerError, "STORAGE_ERROR"},
		{"canceled", context.Canceled, http.StatusRequestTimeout, "REQUEST_CANCELED"},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(rec)

			respondWithError(ctx, tt.err)

			if rec.Code != tt.wantStatus {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			if payload := decodeJSON(t, rec.Body); payload["error"] != tt.wantCode {
				t.Fatalf("unexpected error code: %v", payload["error"])
			}
		})
	}
}
