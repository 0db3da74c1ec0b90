package ingest

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF writes a one-page PDF with each line drawn on its own baseline.
func buildPDF(lines ...string) []byte {
	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 72 720 Td\n")
	for i, line := range lines {
		if i > 0 {
			content.WriteString("0 -16 Td\n")
		}
		fmt.Fprintf(&content, "(%s) Tj\n", line)
	}
	content.WriteString("ET")
	stream := content.String()

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

func TestExtractPDFText_KeepsLines(t *testing.T) {
	text, err := extractPDFText(buildPDF("Call for proposals", "Application deadline: March 15, 2027"))
	require.NoError(t, err)
	assert.Contains(t, text, "Call for proposals\n")
	assert.Contains(t, text, "Application deadline: March 15, 2027")
}

func TestDeadlineFromPDF(t *testing.T) {
	got, ok, err := deadlineFromPDF(buildPDF("Budget: $40,000", "Closing date: 15 March 2027"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2027, time.March, 15, 23, 59, 59, 999999999, time.UTC), got)

	_, ok, err = deadlineFromPDF(buildPDF("Information session on May 2, 2027"))
	require.NoError(t, err)
	assert.False(t, ok, "unlabeled dates are not deadlines")

	_, _, err = deadlineFromPDF([]byte("<html>not a pdf</html>"))
	require.ErrorIs(t, err, ErrSourceFormat)

	_, _, err = deadlineFromPDF([]byte("%PDF-1.4\ngarbage"))
	require.ErrorIs(t, err, ErrSourceFormat)
}

func TestScraperAdapter_ReadsDeadlineFromAttachment(t *testing.T) {
	var pdfHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><body>
<div class="call"><h3><a href="/calls/a">Heritage Buildings Fund</a></h3><a class="pdf" href="/files/a.pdf">Guidelines</a></div>
<div class="call"><h3><a href="/calls/b">Youth Arts Fund</a></h3><span class="close">June 1, 2027</span><a class="pdf" href="/files/b.pdf">Guidelines</a></div>
<div class="call"><h3><a href="/calls/c">Broken Attachment Fund</a></h3><a class="pdf" href="/files/missing.pdf">Guidelines</a></div>
</body></html>`))
	})
	mux.HandleFunc("/files/a.pdf", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pdfHits, 1)
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write(buildPDF("Heritage Buildings Fund", "Application deadline: March 15, 2027"))
	})
	mux.HandleFunc("/files/b.pdf", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pdfHits, 1)
		_, _ = w.Write(buildPDF("Deadline: January 1, 2030"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := buildAdapter(t, SourceConfig{
		ID:       "arts",
		Strategy: StrategyHTMLGeneric,
		BaseURL:  srv.URL + "/calls",
		Selectors: SelectorConfig{
			Container:  "div.call",
			Link:       "h3 a",
			Title:      "h3",
			Date:       ".close",
			Attachment: "a.pdf",
		},
	})

	raws, err := a.Fetch(context.Background())
	require.NoError(t, err, "a missing attachment does not fail the scrape")
	require.Len(t, raws, 3)

	g := Normalize(raws[0])
	require.NotNil(t, g.Deadline)
	assert.Equal(t, time.Date(2027, time.March, 15, 23, 59, 59, 999999999, time.UTC), *g.Deadline)

	assert.Equal(t, "June 1, 2027", raws[1].Deadline, "a listed date wins over the attachment")
	assert.Empty(t, raws[2].Deadline)
	assert.Equal(t, int32(1), atomic.LoadInt32(&pdfHits))
}

func TestScraperAdapter_AttachmentLimit(t *testing.T) {
	var pdfHits int32
	mux := http.NewServeMux()
	mux.HandleFunc("/calls", func(w http.ResponseWriter, r *http.Request) {
		var page strings.Builder
		page.WriteString("<html><body>")
		for i := 0; i < 4; i++ {
			fmt.Fprintf(&page, `<div class="call"><h3>Fund %d</h3><a class="pdf" href="/files/%d.pdf">PDF</a></div>`, i, i)
		}
		page.WriteString("</body></html>")
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page.String()))
	})
	mux.HandleFunc("/files/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pdfHits, 1)
		_, _ = w.Write(buildPDF("Deadline: March 15, 2027"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	a := buildAdapter(t, SourceConfig{
		ID:        "arts",
		Strategy:  StrategyHTMLGeneric,
		BaseURL:   srv.URL + "/calls",
		Fetch:     FetchConfig{MaxAttachments: 2},
		Selectors: SelectorConfig{Container: "div.call", Title: "h3", Attachment: "a.pdf"},
	})
	raws, err := a.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, raws, 4)
	assert.Equal(t, int32(2), atomic.LoadInt32(&pdfHits))
	assert.NotEmpty(t, raws[1].Deadline)
	assert.Empty(t, raws[2].Deadline)
}
