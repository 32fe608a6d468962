package pdfdoc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/you-humble/dococr/core/ocr"
)

func TestPageCountRejectsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4\nthis is not a pdf body"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := PageCount(path)
	if err == nil {
		t.Fatalf("expected error for malformed pdf")
	}
	if got := ocr.ReasonOf(err); got != ocr.ReasonMalformedInput {
		t.Fatalf("reason = %q, want %q", got, ocr.ReasonMalformedInput)
	}
}
