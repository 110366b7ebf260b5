package services

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
)

// chunkTextSize is the target size, in runes, of one embedding/extraction
// unit produced by the chunking stage.
const chunkTextSize = 1800

// OCRStageHandler runs whole-document OCR for documents under the chunk
// threshold (documents over it are handled by the OCR Chunk Coordinator
// instead, never by this handler).
type OCRStageHandler struct {
	documents *DocumentStore
	blob      external.Blob
	ocr       external.OCR
}

// NewOCRStageHandler wires the single-shot OCR stage handler.
func NewOCRStageHandler(documents *DocumentStore, blob external.Blob, ocr external.OCR) *OCRStageHandler {
	return &OCRStageHandler{documents: documents, blob: blob, ocr: ocr}
}

func (h *OCRStageHandler) Policy() StagePolicy { return PolicyStrict }

// Execute downloads the document's original bytes, OCRs the whole page
// range in one call, and uploads the extracted text as a sibling blob.
func (h *OCRStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	doc, err := h.documents.GetUnscoped(ctx, itemID)
	if err != nil {
		return fmt.Errorf("ocr stage: %w", err)
	}

	pdfBytes, err := h.blob.Download(ctx, doc.SpacesKey)
	if err != nil {
		return fmt.Errorf("ocr stage: download document: %w", err)
	}

	result, err := h.ocr.ProcessRange(ctx, pdfBytes, doc.Filename, 1, doc.PageCount)
	if err != nil {
		return fmt.Errorf("ocr stage: %w", err)
	}

	textKey := ocrTextBlobKey(doc.ID)
	if _, err := h.blob.Upload(ctx, textKey, strings.NewReader(result.Text), "text/plain"); err != nil {
		return fmt.Errorf("ocr stage: upload extracted text: %w", err)
	}

	return nil
}

func ocrTextBlobKey(documentID string) string {
	return fmt.Sprintf("ocr-text/%s.txt", documentID)
}

// ValidationStageHandler checks that OCR produced usable text before the
// rest of the pipeline spends work on it.
type ValidationStageHandler struct {
	blob external.Blob
}

// NewValidationStageHandler wires the validation stage handler.
func NewValidationStageHandler(blob external.Blob) *ValidationStageHandler {
	return &ValidationStageHandler{blob: blob}
}

func (h *ValidationStageHandler) Policy() StagePolicy { return PolicyStrict }

// Execute rejects documents whose OCR text came back empty or clearly too
// short to be real extracted content.
func (h *ValidationStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	text, err := h.blob.Download(ctx, ocrTextBlobKey(itemID))
	if err != nil {
		return fmt.Errorf("validation stage: %w", err)
	}
	if len(bytes.TrimSpace(text)) < 10 {
		return fmt.Errorf("validation: document %s produced no usable text", itemID)
	}
	return nil
}

// ChunkingStageHandler splits a document's extracted text into fixed-size
// text chunks, each uploaded as its own blob so the embedding and
// extraction stages can address them independently and resume item by
// item on retry.
type ChunkingStageHandler struct {
	blob external.Blob
	jobs *JobStore
}

// NewChunkingStageHandler wires the chunking stage handler.
func NewChunkingStageHandler(blob external.Blob, jobs *JobStore) *ChunkingStageHandler {
	return &ChunkingStageHandler{blob: blob, jobs: jobs}
}

func (h *ChunkingStageHandler) Policy() StagePolicy { return PolicyStrict }

// Execute reads the document's OCR text, splits it into chunkTextSize-rune
// windows, uploads each as `chunks/<document_id>/<index>.txt`, and records
// the chunk count in the job's metadata for downstream stages to iterate.
func (h *ChunkingStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	text, err := h.blob.Download(ctx, ocrTextBlobKey(itemID))
	if err != nil {
		return fmt.Errorf("chunking stage: %w", err)
	}

	runes := []rune(string(text))
	chunkCount := 0
	for start := 0; start < len(runes); start += chunkTextSize {
		end := start + chunkTextSize
		if end > len(runes) {
			end = len(runes)
		}
		key := chunkBlobKey(itemID, chunkCount)
		if _, err := h.blob.Upload(ctx, key, strings.NewReader(string(runes[start:end])), "text/plain"); err != nil {
			return fmt.Errorf("chunking stage: upload chunk %d: %w", chunkCount, err)
		}
		chunkCount++
	}
	if chunkCount == 0 {
		// Empty document text already rejected by validation; treat as
		// one empty chunk so downstream stages have something to iterate.
		chunkCount = 1
		if _, err := h.blob.Upload(ctx, chunkBlobKey(itemID, 0), strings.NewReader(""), "text/plain"); err != nil {
			return fmt.Errorf("chunking stage: upload empty chunk: %w", err)
		}
	}

	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return fmt.Errorf("chunking stage: %w", err)
	}
	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	meta.Extra["chunk_count:"+itemID] = chunkCount

	_, err = h.jobs.Update(ctx, job.ID, model.JobPatch{Metadata: &meta})
	return err
}

func chunkBlobKey(documentID string, index int) string {
	return fmt.Sprintf("chunks/%s/%d.txt", documentID, index)
}

// ChunkIDsForDocument returns the synthetic item IDs ("documentID:index")
// for every chunk the chunking stage produced, read back from job
// metadata. Used by the embedding and entity-extraction stages to build
// their item lists.
func ChunkIDsForDocument(job *model.ProcessingJob, documentID string) ([]string, error) {
	meta, err := model.ParseJobMetadata(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("chunk ids for document: %w", err)
	}
	count, _ := meta.Extra["chunk_count:"+documentID].(float64)
	ids := make([]string, 0, int(count))
	for i := 0; i < int(count); i++ {
		ids = append(ids, fmt.Sprintf("%s:%d", documentID, i))
	}
	return ids, nil
}

func splitChunkItemID(itemID string) (documentID string, index int, err error) {
	idx := strings.LastIndex(itemID, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("malformed chunk item id %q", itemID)
	}
	documentID = itemID[:idx]
	index, err = strconv.Atoi(itemID[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("malformed chunk item id %q: %w", itemID, err)
	}
	return documentID, index, nil
}

// EmbeddingStageHandler embeds one text chunk and indexes it into the
// matter's search collection. Tolerant: a bad chunk doesn't sink the
// whole document's embedding stage.
type EmbeddingStageHandler struct {
	blob     external.Blob
	embedder external.Embedder
	search   external.Search
}

// NewEmbeddingStageHandler wires the embedding stage handler.
func NewEmbeddingStageHandler(blob external.Blob, embedder external.Embedder, search external.Search) *EmbeddingStageHandler {
	return &EmbeddingStageHandler{blob: blob, embedder: embedder, search: search}
}

func (h *EmbeddingStageHandler) Policy() StagePolicy { return PolicyTolerant }

// Execute embeds one chunk's text and upserts it into the matter's vector
// collection, tagged with its source document and chunk index.
func (h *EmbeddingStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	documentID, index, err := splitChunkItemID(itemID)
	if err != nil {
		return fmt.Errorf("embedding stage: %w", err)
	}

	text, err := h.blob.Download(ctx, chunkBlobKey(documentID, index))
	if err != nil {
		return fmt.Errorf("embedding stage: %w", err)
	}

	vectors, err := h.embedder.EmbedBatch(ctx, []string{string(text)})
	if err != nil || len(vectors) == 0 {
		return fmt.Errorf("embedding stage: %w", err)
	}

	if err := h.search.EnsureCollection(ctx, job.MatterID); err != nil {
		return fmt.Errorf("embedding stage: %w", err)
	}

	metadata := map[string]interface{}{"document_id": documentID, "chunk_index": index}
	err = h.search.AddChunks(ctx, job.MatterID, []string{itemID}, []string{string(text)}, vectors, []map[string]interface{}{metadata})
	if err != nil {
		return fmt.Errorf("embedding stage: %w", err)
	}
	return nil
}

// EntityExtractionStageHandler runs the LLM over one chunk's text to pull
// out named entities (parties, dates, amounts, defined terms), accumulated
// into the job's metadata for the alias-resolution stage to consume.
type EntityExtractionStageHandler struct {
	blob external.Blob
	llm  external.LLM
	jobs *JobStore
}

// NewEntityExtractionStageHandler wires the entity extraction stage
// handler.
func NewEntityExtractionStageHandler(blob external.Blob, llm external.LLM, jobs *JobStore) *EntityExtractionStageHandler {
	return &EntityExtractionStageHandler{blob: blob, llm: llm, jobs: jobs}
}

func (h *EntityExtractionStageHandler) Policy() StagePolicy { return PolicyTolerant }

type extractedEntity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type entityExtractionResult struct {
	Entities []extractedEntity `json:"entities"`
}

var entityExtractionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"entities": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{"type": "string"},
					"type": map[string]interface{}{"type": "string"},
				},
				"required": []string{"name", "type"},
			},
		},
	},
	"required": []string{"entities"},
}

// Execute asks the LLM for the entities mentioned in one chunk and merges
// them into the job's accumulated entity list.
func (h *EntityExtractionStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	documentID, index, err := splitChunkItemID(itemID)
	if err != nil {
		return fmt.Errorf("entity extraction stage: %w", err)
	}

	text, err := h.blob.Download(ctx, chunkBlobKey(documentID, index))
	if err != nil {
		return fmt.Errorf("entity extraction stage: %w", err)
	}
	if len(bytes.TrimSpace(text)) == 0 {
		return nil
	}

	var result entityExtractionResult
	err = h.llm.StructuredCompletion(ctx,
		"Extract named entities (people, organizations, dates, monetary amounts, defined terms) from the legal document excerpt.",
		string(text),
		"entity_extraction",
		"Entities mentioned in a legal document excerpt",
		entityExtractionSchema,
		&result,
	)
	if err != nil {
		return fmt.Errorf("entity extraction stage: %w", err)
	}

	current, err := h.jobs.GetByIDUnscoped(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("entity extraction stage: %w", err)
	}
	meta, err := model.ParseJobMetadata(current.Metadata)
	if err != nil {
		return fmt.Errorf("entity extraction stage: %w", err)
	}
	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	existing, _ := meta.Extra["entities"].([]interface{})
	for _, e := range result.Entities {
		existing = append(existing, map[string]interface{}{"name": e.Name, "type": e.Type, "chunk": itemID})
	}
	meta.Extra["entities"] = existing

	_, err = h.jobs.Update(ctx, job.ID, model.JobPatch{Metadata: &meta})
	return err
}

// AliasResolutionStageHandler asks the LLM to collapse the document's
// accumulated entity mentions into canonical parties with aliases, e.g.
// folding "the Company", "ACME Corp." and "ACME" into one canonical party.
type AliasResolutionStageHandler struct {
	llm  external.LLM
	jobs *JobStore
}

// NewAliasResolutionStageHandler wires the alias resolution stage handler.
func NewAliasResolutionStageHandler(llm external.LLM, jobs *JobStore) *AliasResolutionStageHandler {
	return &AliasResolutionStageHandler{llm: llm, jobs: jobs}
}

func (h *AliasResolutionStageHandler) Policy() StagePolicy { return PolicyStrict }

type canonicalParty struct {
	CanonicalName string   `json:"canonical_name"`
	Aliases       []string `json:"aliases"`
}

type aliasResolutionResult struct {
	Parties []canonicalParty `json:"parties"`
}

var aliasResolutionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"parties": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"canonical_name": map[string]interface{}{"type": "string"},
					"aliases":        map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"canonical_name", "aliases"},
			},
		},
	},
	"required": []string{"parties"},
}

// Execute collapses the document's extracted entity mentions into
// canonical parties and their aliases.
func (h *AliasResolutionStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	current, err := h.jobs.GetByIDUnscoped(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("alias resolution stage: %w", err)
	}
	meta, err := model.ParseJobMetadata(current.Metadata)
	if err != nil {
		return fmt.Errorf("alias resolution stage: %w", err)
	}

	entities, _ := meta.Extra["entities"].([]interface{})
	if len(entities) == 0 {
		return nil
	}

	namesJSON := make([]string, 0, len(entities))
	for _, e := range entities {
		if m, ok := e.(map[string]interface{}); ok {
			namesJSON = append(namesJSON, fmt.Sprintf("%v", m["name"]))
		}
	}

	var result aliasResolutionResult
	err = h.llm.StructuredCompletion(ctx,
		"Group the given entity mentions into canonical parties, merging aliases and variant spellings of the same party.",
		strings.Join(namesJSON, "\n"),
		"alias_resolution",
		"Canonical parties and their aliases for a legal document",
		aliasResolutionSchema,
		&result,
	)
	if err != nil {
		return fmt.Errorf("alias resolution stage: %w", err)
	}

	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	parties := make([]interface{}, 0, len(result.Parties))
	for _, p := range result.Parties {
		parties = append(parties, map[string]interface{}{"canonical_name": p.CanonicalName, "aliases": p.Aliases})
	}
	meta.Extra["canonical_parties"] = parties

	_, err = h.jobs.Update(ctx, job.ID, model.JobPatch{Metadata: &meta})
	return err
}

// TimelineStageHandler is the pipeline's final stage: it asks the LLM to
// extract dated events from the document text and classify each one,
// producing the matter's event timeline entries for this document.
type TimelineStageHandler struct {
	blob external.Blob
	llm  external.LLM
	jobs *JobStore
}

// NewTimelineStageHandler wires the timeline stage handler.
func NewTimelineStageHandler(blob external.Blob, llm external.LLM, jobs *JobStore) *TimelineStageHandler {
	return &TimelineStageHandler{blob: blob, llm: llm, jobs: jobs}
}

func (h *TimelineStageHandler) Policy() StagePolicy { return PolicyStrict }

type timelineEvent struct {
	Date        string `json:"date"`
	Description string `json:"description"`
	EventType   string `json:"event_type"`
}

type timelineResult struct {
	Events []timelineEvent `json:"events"`
}

var timelineSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"events": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"date":        map[string]interface{}{"type": "string"},
					"description": map[string]interface{}{"type": "string"},
					"event_type":  map[string]interface{}{"type": "string"},
				},
				"required": []string{"date", "description", "event_type"},
			},
		},
	},
	"required": []string{"events"},
}

// Execute extracts and classifies dated events from the document's full
// OCR text, folding date extraction, event classification and entity
// linking (against the resolved canonical parties) into one LLM pass.
func (h *TimelineStageHandler) Execute(ctx context.Context, job *model.ProcessingJob, itemID string) error {
	text, err := h.blob.Download(ctx, ocrTextBlobKey(itemID))
	if err != nil {
		return fmt.Errorf("timeline stage: %w", err)
	}

	var result timelineResult
	err = h.llm.StructuredCompletion(ctx,
		"Extract every dated event from this legal document and classify its type (e.g. execution, amendment, termination, notice, deadline).",
		string(text),
		"timeline_extraction",
		"Dated events extracted from a legal document",
		timelineSchema,
		&result,
	)
	if err != nil {
		return fmt.Errorf("timeline stage: %w", err)
	}

	current, err := h.jobs.GetByIDUnscoped(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("timeline stage: %w", err)
	}
	meta, err := model.ParseJobMetadata(current.Metadata)
	if err != nil {
		return fmt.Errorf("timeline stage: %w", err)
	}
	if meta.Extra == nil {
		meta.Extra = map[string]any{}
	}
	events := make([]interface{}, 0, len(result.Events))
	for _, e := range result.Events {
		events = append(events, map[string]interface{}{"date": e.Date, "description": e.Description, "event_type": e.EventType, "document_id": itemID})
	}
	meta.Extra["timeline_events"] = events

	_, err = h.jobs.Update(ctx, job.ID, model.JobPatch{Metadata: &meta})
	return err
}
