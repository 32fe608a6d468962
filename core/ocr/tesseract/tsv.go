package tesseract

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

// tsv column indexes as emitted by `tesseract ... tsv`.
const (
	colLevel = iota
	colPage
	colBlock
	colPar
	colLine
	colWord
	colLeft
	colTop
	colWidth
	colHeight
	colConf
	colText
)

const wordLevel = "5"

// parseTSV rebuilds the page text from word rows and returns it together with
// the mean word confidence in 0..1.
func parseTSV(out []byte) (string, float64) {
	var (
		b              strings.Builder
		sum            float64
		words          int
		lastBlock      string
		lastLine       string
		sawHeader      bool
		lineHasContent bool
	)

	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for sc.Scan() {
		cols := strings.Split(sc.Text(), "\t")
		if !sawHeader && len(cols) > 0 && cols[colLevel] == "level" {
			sawHeader = true
			continue
		}
		if len(cols) <= colText || cols[colLevel] != wordLevel {
			continue
		}

		text := strings.TrimSpace(cols[colText])
		if text == "" {
			continue
		}

		block := cols[colBlock] + "." + cols[colPar]
		line := block + "." + cols[colLine]
		switch {
		case b.Len() == 0:
		case block != lastBlock:
			b.WriteString("\n\n")
			lineHasContent = false
		case line != lastLine:
			b.WriteString("\n")
			lineHasContent = false
		}
		if lineHasContent {
			b.WriteByte(' ')
		}
		b.WriteString(text)
		lineHasContent = true
		lastBlock, lastLine = block, line

		if conf, err := strconv.ParseFloat(cols[colConf], 64); err == nil && conf >= 0 {
			sum += conf
			words++
		}
	}

	if words == 0 {
		return b.String(), 0
	}
	return b.String(), sum / float64(words) / 100
}
