package tesseract

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/you-humble/dococr/core/ocr"
)

type call struct {
	name string
	args []string
}

type fakeRunner struct {
	mu     sync.Mutex
	calls  []call
	stdout map[string]string
	stderr map[string]string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{name: name, args: args})
	f.mu.Unlock()
	if f.err != nil {
		return nil, []byte("failure"), f.err
	}
	key := name
	if len(args) > 0 && args[0] == "--version" {
		key += " --version"
	}
	return []byte(f.stdout[key]), []byte(f.stderr[key]), nil
}

const sampleTSV = "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n" +
	"1\t1\t0\t0\t0\t0\t0\t0\t640\t480\t-1\t\n" +
	"4\t1\t1\t1\t1\t0\t10\t10\t200\t20\t-1\t\n" +
	"5\t1\t1\t1\t1\t1\t10\t10\t50\t20\t96.5\tInvoice\n" +
	"5\t1\t1\t1\t1\t2\t70\t10\t50\t20\t91.5\t#42\n" +
	"5\t1\t1\t1\t2\t1\t10\t40\t50\t20\t88\tTotal\n" +
	"5\t1\t2\t1\t1\t1\t10\t90\t50\t20\t84\tThanks\n" +
	"5\t1\t2\t1\t1\t2\t70\t90\t50\t20\t-1\t \n"

func TestParseTSV(t *testing.T) {
	text, conf := parseTSV([]byte(sampleTSV))

	want := "Invoice #42\nTotal\n\nThanks"
	if text != want {
		t.Fatalf("text = %q, want %q", text, want)
	}
	if conf < 0.899 || conf > 0.901 {
		t.Fatalf("conf = %v, want 0.9", conf)
	}
}

func TestParseTSVEmpty(t *testing.T) {
	text, conf := parseTSV([]byte("level\tpage_num\n"))
	if text != "" || conf != 0 {
		t.Fatalf("got %q/%v, want empty", text, conf)
	}
}

func TestProbeParsesVersion(t *testing.T) {
	cases := map[string]*fakeRunner{
		"stdout": {stdout: map[string]string{"tesseract --version": "tesseract 5.3.0\n leptonica-1.82.0\n"}},
		"stderr": {stderr: map[string]string{"tesseract --version": "tesseract v4.1.1\n"}},
	}
	want := map[string]string{"stdout": "5.3.0", "stderr": "4.1.1"}

	for name, r := range cases {
		t.Run(name, func(t *testing.T) {
			e := New("tesseract", Config{}, WithRunner(r))
			v, err := e.Probe(context.Background())
			if err != nil {
				t.Fatalf("Probe: %v", err)
			}
			if v != want[name] {
				t.Fatalf("version = %q, want %q", v, want[name])
			}
		})
	}
}

func TestProbeFailsWhenBinaryMissing(t *testing.T) {
	e := New("tesseract", Config{}, WithRunner(&fakeRunner{err: errors.New("executable file not found")}))
	if _, err := e.Probe(context.Background()); err == nil {
		t.Fatalf("expected probe error")
	}
}

func TestExtractImage(t *testing.T) {
	r := &fakeRunner{stdout: map[string]string{
		"tesseract":           sampleTSV,
		"tesseract --version": "tesseract 5.3.0",
	}}
	e := New("tesseract", Config{Languages: []string{"eng"}, PSM: 6, WorkDir: t.TempDir()}, WithRunner(r))

	var progress [][2]int
	res, err := e.Extract(context.Background(),
		ocr.Document{Filename: "receipt.png", ContentType: "image/png", Data: []byte("not decoded without preprocessing")},
		ocr.Options{DPI: 300, Languages: []string{"eng", "deu"}, Progress: func(done, total int) {
			progress = append(progress, [2]int{done, total})
		}},
	)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(res.Pages) != 1 || res.Pages[0].Number != 1 {
		t.Fatalf("unexpected pages: %+v", res.Pages)
	}
	if !strings.HasPrefix(res.Pages[0].Text, "Invoice #42") {
		t.Fatalf("text = %q", res.Pages[0].Text)
	}
	if res.EngineVersion != "5.3.0" {
		t.Fatalf("version = %q", res.EngineVersion)
	}
	if len(progress) != 1 || progress[0] != [2]int{1, 1} {
		t.Fatalf("progress = %v", progress)
	}

	var ocrCall *call
	for i := range r.calls {
		if r.calls[i].args[0] != "--version" {
			ocrCall = &r.calls[i]
		}
	}
	if ocrCall == nil {
		t.Fatalf("tesseract was not invoked for recognition")
	}
	for _, want := range [][]string{{"-l", "eng+deu"}, {"--dpi", "300"}, {"--psm", "6"}} {
		i := slices.Index(ocrCall.args, want[0])
		if i < 0 || i+1 >= len(ocrCall.args) || ocrCall.args[i+1] != want[1] {
			t.Fatalf("args %v missing %v", ocrCall.args, want)
		}
	}
	if ocrCall.args[len(ocrCall.args)-1] != "tsv" {
		t.Fatalf("tsv output not requested: %v", ocrCall.args)
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	e := New("tesseract", Config{WorkDir: t.TempDir()}, WithRunner(&fakeRunner{}))
	_, err := e.Extract(context.Background(), ocr.Document{Filename: "notes.txt", ContentType: "text/plain", Data: []byte("hi")}, ocr.Options{})
	if got := ocr.ReasonOf(err); got != ocr.ReasonUnsupportedFormat {
		t.Fatalf("reason = %q (%v)", got, err)
	}
}

func TestExtractMalformedPDF(t *testing.T) {
	r := &fakeRunner{}
	e := New("tesseract", Config{WorkDir: t.TempDir()}, WithRunner(r))
	_, err := e.Extract(context.Background(), ocr.Document{Filename: "scan.pdf", Data: []byte("%PDF-1.4\ngarbage")}, ocr.Options{})
	if got := ocr.ReasonOf(err); got != ocr.ReasonMalformedInput {
		t.Fatalf("reason = %q (%v)", got, err)
	}
	for _, c := range r.calls {
		if c.name == "pdftoppm" {
			t.Fatalf("pdftoppm must not run for a malformed pdf")
		}
	}
}

func TestExtractAbortedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New("tesseract", Config{WorkDir: t.TempDir()}, WithRunner(&fakeRunner{err: errors.New("signal: killed")}))
	_, err := e.Extract(ctx, ocr.Document{Filename: "a.png", ContentType: "image/png", Data: []byte{1}}, ocr.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
