package usecase

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/you-humble/dococr/api/internal/dispatcher"
	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/core/ocr"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type FileStore interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
	Delete(ctx context.Context, filename string) error
}

type TaskStore interface {
	Create(ctx context.Context, p domain.CreateTaskParams) (domain.Task, error)
	Task(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, limit, offset int) ([]domain.Task, int, error)
	SaveBatch(ctx context.Context, b domain.Batch) error
	Batch(ctx context.Context, id string) (domain.Batch, error)
}

type Dispatcher interface {
	Submit(ctx context.Context, taskID string) error
	Wait(ctx context.Context, taskID string) (domain.Task, error)
	Cancel(ctx context.Context, taskID string) (domain.Task, error)
	Delete(ctx context.Context, taskID string) error
	Stats() dispatcher.Stats
}

type EngineRegistry interface {
	Get(ctx context.Context, name string) (ocr.Engine, error)
	List(ctx context.Context) []domain.EngineDescriptor
	Refresh(ctx context.Context) []domain.EngineDescriptor
	Ready(ctx context.Context) bool
	Default() string
	Len() int
}

// mediaTypes lists, per allowed extension, the sniffed types accepted for it.
// TIFF has no signature in the sniffing table and is reported as octet-stream.
var mediaTypes = map[string][]string{
	".pdf":  {"application/pdf"},
	".png":  {"image/png"},
	".jpg":  {"image/jpeg"},
	".jpeg": {"image/jpeg"},
	".tif":  {"image/tiff", "application/octet-stream"},
	".tiff": {"image/tiff", "application/octet-stream"},
	".bmp":  {"image/bmp"},
	".gif":  {"image/gif"},
	".webp": {"image/webp"},
}

type Config struct {
	MaxFileSize       int64
	MaxFiles          int
	AllowedExtensions []string
	DefaultLanguages  []string
	SyncWaitTimeout   time.Duration
}

// Upload is one file of a multipart submission.
type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

type ProcessOptions struct {
	Engine    string
	Languages []string
	Wait      bool
}

const (
	ModeAsync = "async"
	ModeSync  = "sync"
)

type usecase struct {
	cfg        Config
	tasks      TaskStore
	files      FileStore
	dispatcher Dispatcher
	engines    EngineRegistry
	allowed    map[string]bool
	now        func() time.Time
}

func New(cfg Config, tasks TaskStore, files FileStore, d Dispatcher, engines EngineRegistry) *usecase {
	allowed := make(map[string]bool)
	for _, ext := range cfg.AllowedExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		if _, ok := mediaTypes[ext]; ok {
			allowed[ext] = true
		}
	}
	if len(allowed) == 0 {
		for ext := range mediaTypes {
			allowed[ext] = true
		}
	}

	return &usecase{
		cfg:        cfg,
		tasks:      tasks,
		files:      files,
		dispatcher: d,
		engines:    engines,
		allowed:    allowed,
		now:        time.Now,
	}
}

// Process validates and submits every upload as one batch. Each file gets its
// own outcome; a bad file never aborts its siblings.
func (uc *usecase) Process(ctx context.Context, uploads []Upload, opts ProcessOptions) (domain.BatchResponse, error) {
	if len(uploads) == 0 {
		return domain.BatchResponse{}, domain.ErrNoFiles
	}
	if uc.cfg.MaxFiles > 0 && len(uploads) > uc.cfg.MaxFiles {
		return domain.BatchResponse{}, fmt.Errorf("%w: %d files, limit is %d", domain.ErrTooManyFiles, len(uploads), uc.cfg.MaxFiles)
	}
	if uc.engines.Len() == 0 || !uc.engines.Ready(ctx) {
		return domain.BatchResponse{}, domain.ErrNoEngines
	}

	engineName := opts.Engine
	if engineName == "" {
		engineName = uc.engines.Default()
	}
	_, engineErr := uc.engines.Get(ctx, engineName)

	languages := opts.Languages
	if len(languages) == 0 {
		languages = uc.cfg.DefaultLanguages
	}

	batch := domain.Batch{ID: uuid.NewString(), CreatedAt: uc.now()}
	log := slog.With(slog.String("batch_id", batch.ID))

	items := make([]domain.BatchItem, 0, len(uploads))
	for _, up := range uploads {
		item := uc.submit(ctx, log, batch.ID, up, engineName, languages, engineErr)
		if item.TaskID != "" {
			batch.TaskIDs = append(batch.TaskIDs, item.TaskID)
		}
		items = append(items, item)
	}

	if err := uc.tasks.SaveBatch(ctx, batch); err != nil {
		log.Warn("save batch", slog.String("error", err.Error()))
	}

	mode := ModeAsync
	if opts.Wait {
		mode = ModeSync
		uc.waitAll(ctx, batch.TaskIDs)
	}

	log.Info("batch submitted",
		slog.Int("files", len(uploads)),
		slog.Int("tasks", len(batch.TaskIDs)),
		slog.String("engine", engineName),
		slog.String("mode", mode),
	)

	return uc.summarize(ctx, batch, items, mode), nil
}

func (uc *usecase) submit(
	ctx context.Context,
	log *slog.Logger,
	batchID string,
	up Upload,
	engineName string,
	languages []string,
	engineErr error,
) domain.BatchItem {
	params := domain.CreateTaskParams{
		BatchID:   batchID,
		Filename:  up.Filename,
		SizeBytes: up.Size,
		Engine:    engineName,
		Languages: languages,
	}

	ext, contentType, body, err := uc.validate(up)
	if err == nil {
		err = engineErr
	}
	if err != nil {
		return uc.createFailed(ctx, log, params, domain.TaskErrorFrom(err))
	}

	key := uuid.NewString() + ext
	written, hash, err := uc.files.Save(ctx, body, key, up.Size)
	if err != nil {
		_ = uc.files.Delete(context.WithoutCancel(ctx), key)
		return uc.createFailed(ctx, log, params, domain.TaskError{
			Kind:    domain.KindStaging,
			Message: fmt.Sprintf("stage %q: %v", up.Filename, err),
		})
	}

	params.ContentType = contentType
	params.SizeBytes = written
	params.ContentHash = hash
	params.StagingKey = key

	task, err := uc.tasks.Create(ctx, params)
	if err != nil {
		_ = uc.files.Delete(context.WithoutCancel(ctx), key)
		log.Error("create task", slog.String("filename", up.Filename), slog.String("error", err.Error()))
		te := domain.TaskError{Kind: domain.KindInternal, Message: fmt.Sprintf("create task: %v", err)}
		return domain.BatchItem{Filename: up.Filename, Status: domain.StateFailed, Error: &te}
	}

	if err := uc.dispatcher.Submit(ctx, task.ID); err != nil {
		log.Error("submit task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		if cancelled, cerr := uc.dispatcher.Cancel(context.WithoutCancel(ctx), task.ID); cerr == nil {
			task = cancelled
		}
		te := domain.TaskError{Kind: domain.KindInternal, Message: err.Error()}
		return domain.BatchItem{Filename: up.Filename, TaskID: task.ID, Status: task.State, Error: &te}
	}

	return batchItem(task)
}

func (uc *usecase) createFailed(ctx context.Context, log *slog.Logger, params domain.CreateTaskParams, te domain.TaskError) domain.BatchItem {
	params.Failure = &te
	task, err := uc.tasks.Create(ctx, params)
	if err != nil {
		log.Error("create failed task", slog.String("filename", params.Filename), slog.String("error", err.Error()))
		return domain.BatchItem{Filename: params.Filename, Status: domain.StateFailed, Error: &te}
	}

	log.Info("file rejected",
		slog.String("task_id", task.ID),
		slog.String("filename", params.Filename),
		slog.String("kind", te.Kind),
	)
	return batchItem(task)
}

// validate checks size, extension and sniffed content. The returned reader
// replays the sniffed prefix.
func (uc *usecase) validate(up Upload) (string, string, io.Reader, error) {
	if up.Size == 0 || up.Body == nil {
		return "", "", nil, &domain.EmptyFileError{Filename: up.Filename}
	}
	if uc.cfg.MaxFileSize > 0 && up.Size > uc.cfg.MaxFileSize {
		return "", "", nil, &domain.FileSizeExceededError{Filename: up.Filename, Size: up.Size, Limit: uc.cfg.MaxFileSize}
	}

	ext := strings.ToLower(filepath.Ext(up.Filename))
	if !uc.allowed[ext] {
		detected := ext
		if detected == "" {
			detected = "without extension"
		}
		return "", "", nil, &domain.InvalidFileTypeError{Filename: up.Filename, Detected: detected}
	}

	br := bufio.NewReaderSize(up.Body, 512)
	head, err := br.Peek(512)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", "", nil, fmt.Errorf("read %q: %w", up.Filename, err)
	}
	if len(head) == 0 {
		return "", "", nil, &domain.EmptyFileError{Filename: up.Filename}
	}

	sniffed := http.DetectContentType(head)
	if i := strings.IndexByte(sniffed, ';'); i >= 0 {
		sniffed = sniffed[:i]
	}
	if !slices.Contains(mediaTypes[ext], sniffed) {
		return "", "", nil, &domain.InvalidFileTypeError{Filename: up.Filename, Detected: sniffed}
	}

	contentType := sniffed
	if contentType == "application/octet-stream" {
		contentType = mediaTypes[ext][0]
	}
	return ext, contentType, br, nil
}

// waitAll blocks until every task is terminal or the sync timeout passes.
// A task that disappears does not cut the other waits short.
func (uc *usecase) waitAll(ctx context.Context, ids []string) {
	wctx, cancel := context.WithTimeout(ctx, uc.cfg.SyncWaitTimeout)
	defer cancel()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			_, err := uc.dispatcher.Wait(wctx, id)
			if errors.Is(err, domain.ErrTaskNotFound) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Debug("sync wait ended early", slog.String("error", err.Error()))
	}
}

// summarize refreshes every item from the store and derives the batch status.
func (uc *usecase) summarize(ctx context.Context, batch domain.Batch, items []domain.BatchItem, mode string) domain.BatchResponse {
	states := make([]domain.State, 0, len(items))
	for i, item := range items {
		if item.TaskID != "" {
			if task, err := uc.tasks.Task(ctx, item.TaskID); err == nil {
				items[i] = batchItem(task)
				if item.Error != nil && items[i].Error == nil {
					items[i].Error = item.Error
				}
			}
		}
		states = append(states, items[i].Status)
	}

	return domain.BatchResponse{
		BatchID:            batch.ID,
		Status:             domain.DeriveBatchStatus(states),
		Mode:               mode,
		DocumentsProcessed: len(items),
		Results:            items,
		CreatedAt:          batch.CreatedAt,
		Timestamp:          uc.now(),
	}
}

// Batch rebuilds the summary of a stored batch. Tasks deleted since are
// left out.
func (uc *usecase) Batch(ctx context.Context, batchID string) (domain.BatchResponse, error) {
	batch, err := uc.tasks.Batch(ctx, batchID)
	if err != nil {
		return domain.BatchResponse{}, err
	}

	items := make([]domain.BatchItem, 0, len(batch.TaskIDs))
	for _, id := range batch.TaskIDs {
		task, err := uc.tasks.Task(ctx, id)
		if errors.Is(err, domain.ErrTaskNotFound) {
			continue
		}
		if err != nil {
			return domain.BatchResponse{}, fmt.Errorf("batch %s: %w", batchID, err)
		}
		items = append(items, batchItem(task))
	}

	return uc.summarize(ctx, batch, items, ""), nil
}

func (uc *usecase) Task(ctx context.Context, taskID string) (domain.TaskResponse, error) {
	task, err := uc.tasks.Task(ctx, taskID)
	if err != nil {
		return domain.TaskResponse{}, err
	}
	return domain.NewTaskResponse(task, uc.now()), nil
}

func (uc *usecase) List(ctx context.Context, limit, offset int) (domain.TaskListResponse, error) {
	tasks, total, err := uc.tasks.List(ctx, limit, offset)
	if err != nil {
		return domain.TaskListResponse{}, fmt.Errorf("list tasks: %w", err)
	}

	now := uc.now()
	resp := domain.TaskListResponse{
		Tasks:     make([]domain.TaskResponse, 0, len(tasks)),
		Total:     total,
		Limit:     limit,
		Offset:    offset,
		Timestamp: now,
	}
	for _, t := range tasks {
		resp.Tasks = append(resp.Tasks, domain.NewTaskResponse(t, now))
	}
	return resp, nil
}

func (uc *usecase) Cancel(ctx context.Context, taskID string) (domain.TaskResponse, error) {
	task, err := uc.dispatcher.Cancel(ctx, taskID)
	if err != nil {
		return domain.TaskResponse{}, err
	}
	return domain.NewTaskResponse(task, uc.now()), nil
}

func (uc *usecase) Delete(ctx context.Context, taskID string) (domain.DeleteResponse, error) {
	if err := uc.dispatcher.Delete(ctx, taskID); err != nil {
		return domain.DeleteResponse{}, err
	}
	return domain.DeleteResponse{TaskID: taskID, Status: "deleted", Timestamp: uc.now()}, nil
}

func (uc *usecase) Engines(ctx context.Context, refresh bool) domain.EnginesResponse {
	var engines []domain.EngineDescriptor
	if refresh {
		engines = uc.engines.Refresh(ctx)
	} else {
		engines = uc.engines.List(ctx)
	}
	return domain.EnginesResponse{
		Engines:       engines,
		DefaultEngine: uc.engines.Default(),
		Timestamp:     uc.now(),
	}
}

func (uc *usecase) Ready(ctx context.Context) bool {
	return uc.engines.Ready(ctx)
}

func (uc *usecase) Stats() dispatcher.Stats {
	return uc.dispatcher.Stats()
}

func batchItem(t domain.Task) domain.BatchItem {
	return domain.BatchItem{
		Filename:  t.Filename,
		TaskID:    t.ID,
		Status:    t.State,
		Progress:  t.Progress,
		OCRResult: t.Result,
		Error:     t.Error,
	}
}
