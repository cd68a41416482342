package external

import (
	"bytes"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFPageCount returns the number of pages in a PDF payload.
func PDFPageCount(pdf []byte) (int, error) {
	count, err := api.PageCount(bytes.NewReader(pdf), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count PDF pages: %w", err)
	}
	return count, nil
}

// PDFExtractPages returns a new PDF containing only pages start..end
// (1-based, inclusive). Used to carve page-range chunks out of large
// documents before handing them to the OCR provider.
func PDFExtractPages(pdf []byte, start, end int) ([]byte, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("invalid page range %d-%d", start, end)
	}
	var out bytes.Buffer
	pages := []string{fmt.Sprintf("%d-%d", start, end)}
	if err := api.Trim(bytes.NewReader(pdf), &out, pages, nil); err != nil {
		return nil, fmt.Errorf("failed to extract pages %d-%d: %w", start, end, err)
	}
	return out.Bytes(), nil
}
