package services

import (
	"bytes"
	"fmt"
	"log"

	"github.com/ledongthuc/pdf"
)

// PDFPageCounter inspects an uploaded PDF to determine its page count,
// recorded on the document at upload time and used downstream by the
// OCR Chunk Coordinator to decide whether a document's OCR stage should
// fan out into page-range chunks.
type PDFPageCounter struct{}

// NewPDFPageCounter builds a page counter.
func NewPDFPageCounter() *PDFPageCounter {
	return &PDFPageCounter{}
}

// sanitizePDF truncates trailing garbage some web-downloaded PDFs carry
// past their %%EOF marker, which otherwise confuses strict PDF parsers.
func sanitizePDF(content []byte) []byte {
	if len(content) == 0 || !bytes.HasPrefix(content, []byte("%PDF-")) {
		return content
	}

	eofMarker := []byte("%%EOF")
	lastEOF := bytes.LastIndex(content, eofMarker)
	if lastEOF == -1 {
		return content
	}

	pdfEnd := lastEOF + len(eofMarker)
	for pdfEnd < len(content) && (content[pdfEnd] == '\n' || content[pdfEnd] == '\r') {
		pdfEnd++
	}

	if extra := len(content) - pdfEnd; extra > 10 {
		log.Printf("pdf page counter: trimming %d bytes of trailing garbage after %%%%EOF", extra)
		return content[:pdfEnd]
	}
	return content
}

// Count returns the number of pages in PDF content. Scanned/image-only
// PDFs still report a page count here; it's the OCR stage, not this
// counter, that determines whether a page actually yields text.
func (c *PDFPageCounter) Count(content []byte) (int, error) {
	if len(content) == 0 {
		return 0, fmt.Errorf("empty pdf content")
	}

	content = sanitizePDF(content)
	reader := bytes.NewReader(content)

	pdfReader, err := pdf.NewReader(reader, int64(len(content)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}

	numPages := pdfReader.NumPage()
	if numPages == 0 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return numPages, nil
}
