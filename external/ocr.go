package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// OCRResult is the text recovered from one page range of a document.
type OCRResult struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
}

// OCR is the black-box collaborator that turns a page range of a document
// into text. The engine never assumes anything about how it works beyond
// this contract: it can be slow, it can fail, and a chunk handed to it can
// be retried independently of every other chunk.
type OCR interface {
	ProcessRange(ctx context.Context, pdfBytes []byte, filename string, pageStart, pageEnd int) (*OCRResult, error)
	HealthCheck(ctx context.Context) error
}

// HTTPOCRClient talks to an OCR microservice over HTTP, one page range per
// request, via a multipart file upload.
type HTTPOCRClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOCRClient builds an OCR client against the given service base URL.
func NewHTTPOCRClient(baseURL string) *HTTPOCRClient {
	return &HTTPOCRClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

type ocrRangeResponse struct {
	Text      string `json:"text"`
	PageCount int    `json:"page_count"`
}

// ProcessRange uploads the chunk's bytes along with the page range it
// represents and returns the extracted text for that range.
func (c *HTTPOCRClient) ProcessRange(ctx context.Context, pdfBytes []byte, filename string, pageStart, pageEnd int) (*OCRResult, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(pdfBytes); err != nil {
		return nil, fmt.Errorf("write file content: %w", err)
	}
	_ = writer.WriteField("page_start", fmt.Sprintf("%d", pageStart))
	_ = writer.WriteField("page_end", fmt.Sprintf("%d", pageEnd))
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr/range", body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ocr service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out ocrRangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode ocr response: %w", err)
	}

	return &OCRResult{Text: out.Text, PageCount: out.PageCount}, nil
}

// HealthCheck reports whether the OCR service is reachable and healthy.
func (c *HTTPOCRClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ocr service unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
