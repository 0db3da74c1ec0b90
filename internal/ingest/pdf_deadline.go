package ingest

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	rpdf "rsc.io/pdf"
)

// defaultMaxAttachments bounds the PDF downloads made during one scrape.
const defaultMaxAttachments = 10

var pdfMagic = []byte("%PDF-")

// extractPDFText returns the text of every page, one output line per text
// baseline. The parser panics on some malformed files, so that is turned into
// an error.
func extractPDFText(content []byte) (text string, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("pdf parser panic: %v", recovered)
			text = ""
		}
	}()

	reader, err := rpdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		lastY := math.NaN()
		for _, t := range page.Content().Text {
			if !math.IsNaN(lastY) && math.Abs(t.Y-lastY) > 1 {
				b.WriteString("\n")
			}
			lastY = t.Y
			b.WriteString(t.S)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// deadlineFromPDF finds a labeled deadline ("Application deadline: ...") in an
// attachment. Unlabeled dates are ignored since calls list several.
func deadlineFromPDF(content []byte) (time.Time, bool, error) {
	if !bytes.HasPrefix(content, pdfMagic) {
		return time.Time{}, false, fmt.Errorf("%w: attachment is not a PDF", ErrSourceFormat)
	}
	text, err := extractPDFText(content)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: pdf text extraction failed: %v", ErrSourceFormat, err)
	}
	t, ok := findLabeledDate(text)
	return t, ok, nil
}

// fillDeadlinesFromAttachments downloads the linked PDF of listings that came
// without a deadline. Attachment failures never fail the scrape.
func (s *ScraperAdapter) fillDeadlinesFromAttachments(ctx context.Context, listings []RawListing, attachments map[int]string) {
	limit := s.cfg.Fetch.MaxAttachments
	if limit <= 0 {
		limit = defaultMaxAttachments
	}
	fetched := 0
	for i := range listings {
		pdfURL, ok := attachments[i]
		if !ok || listings[i].Deadline != "" {
			continue
		}
		if fetched == limit || ctx.Err() != nil {
			return
		}
		fetched++

		deadline, found, err := s.attachmentDeadline(ctx, pdfURL)
		if err != nil {
			s.logger.Debug("attachment skipped", zap.String("url", pdfURL), zap.Error(err))
			continue
		}
		if found {
			listings[i].Deadline = deadline.Format(time.RFC3339Nano)
		}
	}
}

func (s *ScraperAdapter) attachmentDeadline(ctx context.Context, pdfURL string) (time.Time, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pdfURL, nil)
	if err != nil {
		return time.Time{}, false, err
	}
	req.Header.Set("Accept", "application/pdf")
	body, err := s.client.Do(ctx, req)
	if err != nil {
		return time.Time{}, false, err
	}
	return deadlineFromPDF(body)
}
