package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/you-humble/dococr/api/internal/dispatcher"
	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/api/internal/usecase"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
	formMemoryBytes  = 32 << 20
)

type Usecase interface {
	Process(ctx context.Context, uploads []usecase.Upload, opts usecase.ProcessOptions) (domain.BatchResponse, error)
	Batch(ctx context.Context, batchID string) (domain.BatchResponse, error)
	Task(ctx context.Context, taskID string) (domain.TaskResponse, error)
	List(ctx context.Context, limit, offset int) (domain.TaskListResponse, error)
	Cancel(ctx context.Context, taskID string) (domain.TaskResponse, error)
	Delete(ctx context.Context, taskID string) (domain.DeleteResponse, error)
	Engines(ctx context.Context, refresh bool) domain.EnginesResponse
	Ready(ctx context.Context) bool
	Stats() dispatcher.Stats
}

type Options struct {
	App           domain.AppInfo
	Configuration domain.ConfigurationInfo
	// MaxRequestBytes caps the whole multipart body.
	MaxRequestBytes int64
}

type handler struct {
	opts    Options
	usecase Usecase
	started time.Time
}

func NewHandler(opts Options, uc Usecase) *handler {
	return &handler{
		opts:    opts,
		usecase: uc,
		started: time.Now(),
	}
}

func (h *handler) process(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "process")

	defer r.Body.Close()
	if h.opts.MaxRequestBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBytes)
	}

	if err := r.ParseMultipartForm(formMemoryBytes); err != nil {
		logger.Warn("ParseMultipartForm", slog.String("error", err.Error()))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body is too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to parse multipart form")
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logger.Warn("remove multipart temp files", slog.String("error", err.Error()))
		}
	}()

	opts, err := processOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	headers := slices.Concat(r.MultipartForm.File["files"], r.MultipartForm.File["file"])
	uploads := make([]usecase.Upload, 0, len(headers))
	for _, fh := range headers {
		upload, closer := openUpload(fh)
		if closer != nil {
			defer closer.Close()
		}
		uploads = append(uploads, upload)
	}

	resp, err := h.usecase.Process(r.Context(), uploads, opts)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNoFiles):
			writeError(w, http.StatusBadRequest, "at least one file is required in field `files`")
		case errors.Is(err, domain.ErrTooManyFiles):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrNoEngines):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			logger.Error("Process usecase", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "cannot process documents")
		}
		return
	}

	logger.Info("batch accepted",
		slog.String("batch_id", resp.BatchID),
		slog.Int("files", len(uploads)),
		slog.String("status", string(resp.Status)),
	)
	writeJSON(w, http.StatusOK, resp)
}

// openUpload turns a multipart part into an Upload. A part that cannot be
// opened is passed on without a body and fails as empty.
func openUpload(fh *multipart.FileHeader) (usecase.Upload, io.Closer) {
	up := usecase.Upload{Filename: fh.Filename, Size: fh.Size}
	f, err := fh.Open()
	if err != nil {
		slog.Warn("open multipart file",
			slog.String("file_name", fh.Filename),
			slog.String("error", err.Error()),
		)
		return up, nil
	}
	up.Body = f
	return up, f
}

func processOptions(r *http.Request) (usecase.ProcessOptions, error) {
	opts := usecase.ProcessOptions{
		Engine: firstNonEmpty(r.URL.Query().Get("engine"), r.FormValue("engine")),
	}

	if raw := firstNonEmpty(r.URL.Query().Get("wait"), r.FormValue("wait")); raw != "" {
		wait, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, errors.New("`wait` must be a boolean")
		}
		opts.Wait = wait
	}

	for _, raw := range append(r.URL.Query()["lang"], r.MultipartForm.Value["lang"]...) {
		for _, lang := range strings.FieldsFunc(raw, func(c rune) bool { return c == ',' || c == '+' }) {
			if lang = strings.TrimSpace(lang); lang != "" {
				opts.Languages = append(opts.Languages, lang)
			}
		}
	}
	return opts, nil
}

func (h *handler) task(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "task")
	taskID := r.PathValue("task_id")

	resp, err := h.usecase.Task(r.Context(), taskID)
	if err != nil {
		h.taskError(w, logger, "Task", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "cancel")
	taskID := r.PathValue("task_id")

	resp, err := h.usecase.Cancel(r.Context(), taskID)
	if err != nil {
		h.taskError(w, logger, "Cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "delete")
	taskID := r.PathValue("task_id")

	resp, err := h.usecase.Delete(r.Context(), taskID)
	if err != nil {
		h.taskError(w, logger, "Delete", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) taskError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, domain.ErrTaskBusy):
		writeError(w, http.StatusConflict, "task is cancelled but its worker has not released it yet, retry later")
	default:
		logger.Error(op, slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
	}
}

func (h *handler) tasks(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "tasks")

	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "`limit` must be between 1 and 100")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "`offset` must be a non-negative integer")
		return
	}

	resp, err := h.usecase.List(r.Context(), limit, offset)
	if err != nil {
		logger.Error("List", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) batch(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "batch")

	resp, err := h.usecase.Batch(r.Context(), r.PathValue("batch_id"))
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		logger.Error("Batch", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) engines(w http.ResponseWriter, r *http.Request) {
	refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	writeJSON(w, http.StatusOK, h.usecase.Engines(r.Context(), refresh))
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.HealthResponse{
		Status:      "healthy",
		App:         h.opts.App.Name,
		Version:     h.opts.App.Version,
		Environment: h.opts.App.Environment,
		Timestamp:   time.Now().UTC(),
	})
}

func (h *handler) healthDetailed(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	engines := h.usecase.Engines(r.Context(), false).Engines
	status := "healthy"
	if !h.usecase.Ready(r.Context()) {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, domain.DetailedHealthResponse{
		Status: status,
		App:    h.opts.App,
		Runtime: domain.RuntimeInfo{
			GoVersion:    runtime.Version(),
			CPUCount:     runtime.NumCPU(),
			Goroutines:   runtime.NumGoroutine(),
			HeapAllocMB:  megabytes(mem.HeapAlloc),
			SysMB:        megabytes(mem.Sys),
			UptimeSecond: time.Since(h.started).Seconds(),
		},
		Configuration: h.opts.Configuration,
		Dispatcher:    h.usecase.Stats(),
		Engines:       engines,
		Timestamp:     time.Now().UTC(),
	})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	if !h.usecase.Ready(r.Context()) {
		writeJSON(w, http.StatusServiceUnavailable, domain.ProbeResponse{Status: "not_ready", Timestamp: time.Now().UTC()})
		return
	}
	writeJSON(w, http.StatusOK, domain.ProbeResponse{Status: "ready", Timestamp: time.Now().UTC()})
}

func (h *handler) live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.ProbeResponse{Status: "alive", Timestamp: time.Now().UTC()})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func megabytes(b uint64) float64 {
	return float64(b*100>>20) / 100
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := domain.ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
