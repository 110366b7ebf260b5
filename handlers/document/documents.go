// Package document exposes the document REST surface: uploading a new
// document into a matter and listing/inspecting the documents already
// uploaded there. Uploading a document is what gives the job pipeline
// something to process — UploadDocument stores the file in blob storage,
// counts its pages and queues a process_document task rather than
// starting the pipeline in-process, so the ingress handler never blocks
// on pipeline work.
package document

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/gofiber/fiber/v2"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/services"
	"github.com/juhinebhnani4/ldip/utils/response"
	"github.com/juhinebhnani4/ldip/utils/validation"
)

// maxUploadSizeBytes bounds a single document upload. Legal case files run
// larger than the teacher's course-material uploads, so this is generous
// relative to pdfvalidation.DefaultLimits.
const maxUploadSizeBytes = 200 * 1024 * 1024

// DocumentHandler wires the document REST surface to the document store,
// blob storage and the durable task queue.
type DocumentHandler struct {
	documents   *services.DocumentStore
	blob        external.Blob
	pageCounter *services.PDFPageCounter
	queue       *services.TaskQueue
}

// NewDocumentHandler wires a document handler.
func NewDocumentHandler(documents *services.DocumentStore, blob external.Blob, pageCounter *services.PDFPageCounter, queue *services.TaskQueue) *DocumentHandler {
	return &DocumentHandler{documents: documents, blob: blob, pageCounter: pageCounter, queue: queue}
}

func (h *DocumentHandler) matterID(c *fiber.Ctx) (model.MatterID, error) {
	raw := c.Query("matter_id")
	if raw == "" {
		raw = c.FormValue("matter_id")
	}
	return services.ValidateMatterID(raw)
}

// blobKey is the storage key a document's original bytes are uploaded
// under, namespaced by matter so a leaked key can't be guessed cross-matter.
func blobKey(matterID model.MatterID, documentID, filename string) string {
	return fmt.Sprintf("documents/%s/%s-%s", matterID, documentID, filename)
}

// UploadDocument handles POST /documents?matter_id=…, a multipart form with
// a single "file" field. It stores the bytes in blob storage, counts pages,
// creates the Document row and queues a process_document task for a worker
// to pick up, so the request returns before the pipeline itself starts.
func (h *DocumentHandler) UploadDocument(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return response.BadRequest(c, "file is required")
	}
	fileHeader.Filename = validation.SanitizeString(fileHeader.Filename)
	if fileHeader.Size > maxUploadSizeBytes {
		return response.BadRequest(c, fmt.Sprintf("file exceeds maximum size of %d bytes", maxUploadSizeBytes))
	}
	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".pdf") {
		return response.BadRequest(c, "only PDF files are supported")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return response.InternalServerError(c, "failed to open uploaded file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return response.InternalServerError(c, "failed to read uploaded file")
	}
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		return response.BadRequest(c, "invalid PDF file: missing PDF header")
	}

	pageCount, err := h.pageCounter.Count(content)
	if err != nil {
		return response.BadRequest(c, "failed to read PDF: "+err.Error())
	}

	documentID := uuid.NewString()
	key := blobKey(matterID, documentID, fileHeader.Filename)
	url, err := h.blob.Upload(c.Context(), key, bytes.NewReader(content), "application/pdf")
	if err != nil {
		return response.InternalServerError(c, "failed to upload document: "+err.Error())
	}

	doc := &model.Document{
		ID:        documentID,
		MatterID:  string(matterID),
		Filename:  fileHeader.Filename,
		SpacesURL: url,
		SpacesKey: key,
		FileSize:  fileHeader.Size,
		PageCount: pageCount,
	}
	if err := h.documents.Create(c.Context(), doc); err != nil {
		return response.InternalServerError(c, "failed to record document: "+err.Error())
	}

	if err := h.queue.Push(c.Context(), services.TaskProcessDocument, services.ProcessDocumentPayload{DocumentID: documentID}); err != nil {
		return response.Success(c, fiber.Map{
			"document": doc,
			"warning":  "document uploaded but pipeline did not start: " + err.Error(),
		})
	}

	return response.Created(c, fiber.Map{
		"document": doc,
	})
}

// ListDocuments handles GET /documents?matter_id=&page=&per_page=.
func (h *DocumentHandler) ListDocuments(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	page := c.QueryInt("page", 1)
	perPage := c.QueryInt("per_page", 20)

	docs, total, err := h.documents.ListByMatter(c.Context(), matterID, page, perPage)
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Paginated(c, docs, response.CalculatePagination(page, perPage, total))
}

// GetDocument handles GET /documents/{id}?matter_id=.
func (h *DocumentHandler) GetDocument(c *fiber.Ctx) error {
	matterID, err := h.matterID(c)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}

	doc, err := h.documents.Get(c.Context(), matterID, c.Params("id"))
	if err == services.ErrDocumentNotFound {
		return response.NotFound(c, "document not found")
	}
	if err != nil {
		return response.InternalServerError(c, err.Error())
	}

	return response.Success(c, doc)
}
