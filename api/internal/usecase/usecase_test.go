package usecase

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/you-humble/dococr/api/internal/dispatcher"
	"github.com/you-humble/dococr/api/internal/domain"
	"github.com/you-humble/dococr/api/internal/engine"
	"github.com/you-humble/dococr/api/internal/infra/queue"
	filestore "github.com/you-humble/dococr/api/internal/infra/store/file"
	taskstore "github.com/you-humble/dococr/api/internal/infra/store/task"
	"github.com/you-humble/dococr/core/ocr"
)

var (
	pngBody = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)
	pdfBody = []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n")
)

type echoEngine struct {
	err error
}

func (e echoEngine) Name() string { return "echo" }

func (e echoEngine) Probe(ctx context.Context) (string, error) { return "0.1", e.err }

func (e echoEngine) Extract(ctx context.Context, doc ocr.Document, opts ocr.Options) (ocr.Result, error) {
	return ocr.Result{Pages: []ocr.Page{{Number: 1, Text: doc.Filename, Confidence: 1}}}, nil
}

type fixture struct {
	uc  *usecase
	d   *dispatcher.Dispatcher
	dir string
}

func newFixture(t *testing.T, cfg Config, engines map[string]ocr.Engine, run bool) fixture {
	t.Helper()

	reg := engine.NewRegistry("echo", time.Minute, time.Second)
	for name, eng := range engines {
		if err := reg.Register(name, eng); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	reg.Seal()

	dir := t.TempDir()
	files, err := filestore.NewLocalStore(dir)
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	store := taskstore.NewMemoryTaskStore()
	d := dispatcher.New(dispatcher.Config{Workers: 2, PollInterval: 5 * time.Millisecond}, store, files, reg, queue.NewMemory())

	if run {
		ctx, cancel := context.WithCancel(context.Background())
		d.Run(ctx)
		t.Cleanup(func() {
			cancel()
			_ = d.Stop(context.Background())
		})
	}

	if cfg.SyncWaitTimeout == 0 {
		cfg.SyncWaitTimeout = 2 * time.Second
	}
	return fixture{uc: New(cfg, store, files, d, reg), d: d, dir: dir}
}

func upload(name string, body []byte) Upload {
	return Upload{Filename: name, Size: int64(len(body)), Body: bytes.NewReader(body)}
}

func TestProcessTopLevelErrors(t *testing.T) {
	f := newFixture(t, Config{MaxFiles: 2}, map[string]ocr.Engine{"echo": echoEngine{}}, false)
	ctx := context.Background()

	if _, err := f.uc.Process(ctx, nil, ProcessOptions{}); !errors.Is(err, domain.ErrNoFiles) {
		t.Fatalf("no files: %v", err)
	}

	three := []Upload{upload("a.png", pngBody), upload("b.png", pngBody), upload("c.png", pngBody)}
	if _, err := f.uc.Process(ctx, three, ProcessOptions{}); !errors.Is(err, domain.ErrTooManyFiles) {
		t.Fatalf("too many files: %v", err)
	}

	down := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{err: errors.New("no binary")}}, false)
	if _, err := down.uc.Process(ctx, []Upload{upload("a.png", pngBody)}, ProcessOptions{}); !errors.Is(err, domain.ErrNoEngines) {
		t.Fatalf("no engines: %v", err)
	}
}

func TestProcessOversizedFileMakesBatchPartial(t *testing.T) {
	f := newFixture(t, Config{MaxFileSize: 1024}, map[string]ocr.Engine{"echo": echoEngine{}}, true)

	big := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte("x"), 2048)...)
	resp, err := f.uc.Process(context.Background(), []Upload{
		upload("one.png", pngBody),
		upload("two.pdf", big),
		upload("three.pdf", pdfBody),
	}, ProcessOptions{Wait: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if resp.Status != domain.BatchPartial || resp.Mode != ModeSync || resp.DocumentsProcessed != 3 {
		t.Fatalf("batch = %s mode=%s processed=%d", resp.Status, resp.Mode, resp.DocumentsProcessed)
	}
	wantNames := []string{"one.png", "two.pdf", "three.pdf"}
	for i, item := range resp.Results {
		if item.Filename != wantNames[i] || item.TaskID == "" {
			t.Fatalf("item %d = %+v", i, item)
		}
	}
	if r := resp.Results[1]; r.Status != domain.StateFailed || r.Error.Kind != domain.KindFileSizeExceeded || r.OCRResult != nil {
		t.Fatalf("oversized item = %+v", r)
	}
	for _, i := range []int{0, 2} {
		r := resp.Results[i]
		if r.Status != domain.StateCompleted || r.OCRResult == nil || r.OCRResult.Text != wantNames[i] {
			t.Fatalf("item %d = %+v", i, r)
		}
	}
}

func TestProcessValidatesEachFile(t *testing.T) {
	f := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{}}, false)

	tiff := append([]byte("II*\x00"), bytes.Repeat([]byte{1}, 32)...)
	resp, err := f.uc.Process(context.Background(), []Upload{
		upload("fake.png", pdfBody),
		upload("tool.exe", pngBody),
		upload("blank.pdf", nil),
		upload("scan.tiff", tiff),
	}, ProcessOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	wantKinds := []string{domain.KindInvalidFileType, domain.KindInvalidFileType, domain.KindEmptyFile}
	for i, kind := range wantKinds {
		r := resp.Results[i]
		if r.Status != domain.StateFailed || r.Error == nil || r.Error.Kind != kind {
			t.Fatalf("item %d = %+v, want %s", i, r, kind)
		}
	}
	if r := resp.Results[3]; r.Status != domain.StateQueued || r.Error != nil {
		t.Fatalf("tiff item = %+v", r)
	}
	if resp.Status != domain.BatchProcessing || resp.Mode != ModeAsync {
		t.Fatalf("batch = %s mode=%s", resp.Status, resp.Mode)
	}
}

func TestProcessStagesUnderGeneratedNames(t *testing.T) {
	f := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{}}, false)

	resp, err := f.uc.Process(context.Background(), []Upload{upload("../../etc/passwd.png", pngBody)}, ProcessOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	task, err := f.uc.tasks.Task(context.Background(), resp.Results[0].TaskID)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if strings.Contains(task.StagingKey, "passwd") || !strings.HasSuffix(task.StagingKey, ".png") {
		t.Fatalf("staging key = %q", task.StagingKey)
	}
	entries, _ := os.ReadDir(f.dir)
	if len(entries) != 1 || entries[0].Name() != task.StagingKey {
		t.Fatalf("staging dir = %v", entries)
	}
	if task.ContentType != "image/png" || task.ContentHash == "" || task.SizeBytes != int64(len(pngBody)) {
		t.Fatalf("task = %+v", task)
	}
}

func TestProcessUnknownEngineFailsEveryFile(t *testing.T) {
	f := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{}}, false)

	resp, err := f.uc.Process(context.Background(), []Upload{
		upload("a.png", pngBody),
		upload("b.pdf", pdfBody),
	}, ProcessOptions{Engine: "paddleocr"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if resp.Status != domain.BatchFailed {
		t.Fatalf("batch status = %s", resp.Status)
	}
	for _, r := range resp.Results {
		if r.Error == nil || r.Error.Kind != domain.KindEngineNotFound {
			t.Fatalf("item = %+v", r)
		}
	}
	if entries, _ := os.ReadDir(f.dir); len(entries) != 0 {
		t.Fatalf("rejected files were staged: %v", entries)
	}
}

func TestBatchLeavesOutDeletedTasks(t *testing.T) {
	f := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{}}, true)
	ctx := context.Background()

	resp, err := f.uc.Process(ctx, []Upload{upload("a.png", pngBody), upload("b.png", pngBody)}, ProcessOptions{Wait: true})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if _, err := f.uc.Delete(ctx, resp.Results[0].TaskID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	again, err := f.uc.Batch(ctx, resp.BatchID)
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}
	if len(again.Results) != 1 || again.Results[0].Filename != "b.png" || again.Status != domain.BatchCompleted {
		t.Fatalf("batch = %+v", again)
	}

	if _, err := f.uc.Delete(ctx, resp.Results[1].TaskID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	empty, err := f.uc.Batch(ctx, resp.BatchID)
	if err != nil {
		t.Fatalf("Batch after deleting every task: %v", err)
	}
	if len(empty.Results) != 0 || empty.Status != domain.BatchFailed {
		t.Fatalf("emptied batch = %+v", empty)
	}

	if _, err := f.uc.Batch(ctx, "missing"); !errors.Is(err, domain.ErrBatchNotFound) {
		t.Fatalf("Batch(missing) = %v", err)
	}
}

func TestWaitAllOutlivesMissingTask(t *testing.T) {
	f := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{}}, false)
	ctx := context.Background()

	resp, err := f.uc.Process(ctx, []Upload{upload("a.png", pngBody)}, ProcessOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	id := resp.Results[0].TaskID

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = f.d.Cancel(context.Background(), id)
	}()
	f.uc.waitAll(ctx, []string{"missing", id})

	task, err := f.uc.tasks.Task(ctx, id)
	if err != nil {
		t.Fatalf("Task: %v", err)
	}
	if task.State != domain.StateCancelled {
		t.Fatalf("waitAll returned while task was %s", task.State)
	}
}

func TestListAndEngines(t *testing.T) {
	f := newFixture(t, Config{}, map[string]ocr.Engine{"echo": echoEngine{}}, false)
	ctx := context.Background()

	_, _ = f.uc.Process(ctx, []Upload{upload("a.png", pngBody), upload("b.png", pngBody)}, ProcessOptions{})

	list, err := f.uc.List(ctx, 1, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if list.Total != 2 || len(list.Tasks) != 1 || list.Tasks[0].Filename != "b.png" {
		t.Fatalf("list = %+v", list)
	}

	engines := f.uc.Engines(ctx, false)
	if engines.DefaultEngine != "echo" || len(engines.Engines) != 1 || !engines.Engines[0].Available {
		t.Fatalf("engines = %+v", engines)
	}
}
