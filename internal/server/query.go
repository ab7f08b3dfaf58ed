package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/veracify/veracify/internal/retrieval"
	"github.com/veracify/veracify/internal/synthesis"
	"github.com/veracify/veracify/models"
)

// QueryHandler serves question answering and similar-chunk lookup.
type QueryHandler struct {
	Ask       *synthesis.AskService
	Retrieval *retrieval.Engine
}

func (h *QueryHandler) Register(g *echo.Group) {
	g.POST("/ask", h.ask)
	g.GET("/chunks/:id/similar", h.similar)
}

type askRequest struct {
	Query            string   `json:"query"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`
}

// ask streams the answer as Server-Sent Events. Each event's data field is
// one synthesis.Event; deltas arrive as the generator produces them and
// citation events are interleaved at the position their marker completed.
func (h *QueryHandler) ask(c echo.Context) error {
	var req askRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}

	ctx := c.Request().Context()
	events, err := h.Ask.Ask(ctx, req.Query, req.KnowledgeBaseIDs)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		if _, err := resp.Write([]byte("event: answer\n")); err != nil {
			return nil
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return nil
		}
		flusher.Flush()
	}
	return nil
}

type similarResponse struct {
	ChunkID string                  `json:"chunk_id"`
	Results []models.RetrievedChunk `json:"results"`
}

// similar returns the chunks nearest to an existing chunk, reusing its
// stored vector.
func (h *QueryHandler) similar(c echo.Context) error {
	ctx := c.Request().Context()
	chunkID := c.Param("id")
	var kbIDs []string
	if raw := strings.TrimSpace(c.QueryParam("knowledge_base_ids")); raw != "" {
		for _, kb := range strings.Split(raw, ",") {
			if kb = strings.TrimSpace(kb); kb != "" {
				kbIDs = append(kbIDs, kb)
			}
		}
	}
	k := 8
	if v := strings.TrimSpace(c.QueryParam("k")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			k = n
		}
	}
	results, err := h.Retrieval.Similar(ctx, chunkID, kbIDs, k)
	if err != nil {
		if errors.Is(err, models.ErrChunkNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "chunk not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if results == nil {
		results = []models.RetrievedChunk{}
	}
	return c.JSON(http.StatusOK, similarResponse{ChunkID: chunkID, Results: results})
}
