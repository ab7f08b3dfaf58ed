package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veracify/veracify/internal/ingest"
	"github.com/veracify/veracify/internal/store"
	"github.com/veracify/veracify/models"
)

// DocumentsHandler serves document upload, reprocess, status, and the
// processing timeline.
type DocumentsHandler struct {
	Store *store.Store
	Files *ingest.FileStore
	Orch  *ingest.Orchestrator
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.upload)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("/:id/reprocess", h.reprocess)
	g.GET("/:id/events", h.events)
	g.GET("/:id/chunks", h.chunks)
}

type uploadResponse struct {
	ID     string                `json:"id"`
	Status models.DocumentStatus `json:"status"`
}

// upload accepts a multipart file plus knowledge_base_id and submits it to
// the pipeline. The response returns before processing completes; status is
// polled via GET /:id or /:id/events.
func (h *DocumentsHandler) upload(c echo.Context) error {
	ctx := c.Request().Context()
	kbID := strings.TrimSpace(c.FormValue("knowledge_base_id"))
	if kbID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "knowledge_base_id required")
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file required")
	}
	mimeType := fh.Header.Get("Content-Type")
	if v := strings.TrimSpace(c.FormValue("mime_type")); v != "" {
		mimeType = v
	}
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	title := strings.TrimSpace(c.FormValue("title"))
	if title == "" {
		title = fh.Filename
	}

	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()
	ref, _, err := h.Files.Save(src)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	id, err := h.Store.CreateDocument(ctx, models.Document{
		KnowledgeBaseID: kbID,
		Title:           title,
		MimeType:        mimeType,
		FileRef:         ref,
		Status:          models.DocumentStatusPending,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Orch.Submit(ctx, id); err != nil {
		if errors.Is(err, ingest.ErrLeaseHeld) {
			return echo.NewHTTPError(http.StatusConflict, "document is already being processed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, uploadResponse{ID: id, Status: models.DocumentStatusProcessing})
}

// reprocess re-runs the pipeline from parse onward on the stored original
// file. Rejected with 409 while another attempt holds the document's lease.
func (h *DocumentsHandler) reprocess(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.Orch.Reprocess(ctx, id); err != nil {
		switch {
		case errors.Is(err, models.ErrDocumentNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, ingest.ErrLeaseHeld):
			return echo.NewHTTPError(http.StatusConflict, "document is already being processed")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, uploadResponse{ID: id, Status: models.DocumentStatusProcessing})
}

func (h *DocumentsHandler) get(c echo.Context) error {
	doc, err := h.Store.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, doc)
}

func (h *DocumentsHandler) list(c echo.Context) error {
	docs, err := h.Store.ListDocuments(c.Request().Context(), strings.TrimSpace(c.QueryParam("knowledge_base_id")))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

type timelineResponse struct {
	DocumentID string                   `json:"document_id"`
	Status     models.DocumentStatus    `json:"status"`
	Events     []models.ProcessingEvent `json:"events"`
}

// events returns the append-only processing timeline, oldest first. Every
// attempt is visible, including the failed ones that were later retried.
func (h *DocumentsHandler) events(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	doc, err := h.Store.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	events, err := h.Store.ListProcessingEvents(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if events == nil {
		events = []models.ProcessingEvent{}
	}
	return c.JSON(http.StatusOK, timelineResponse{DocumentID: doc.ID, Status: doc.Status, Events: events})
}

func (h *DocumentsHandler) chunks(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.Store.GetDocument(ctx, id); err != nil {
		if errors.Is(err, models.ErrDocumentNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	chunks, err := h.Store.ListChunks(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if chunks == nil {
		chunks = []models.Chunk{}
	}
	return c.JSON(http.StatusOK, chunks)
}
