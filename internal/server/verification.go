package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/veracify/veracify/internal/verification"
)

// VerificationHandler exposes the citation review walk for finished answers.
type VerificationHandler struct {
	Verifier *verification.Controller
}

func (h *VerificationHandler) Register(g *echo.Group) {
	g.GET("/:answer_id/verification", h.get)
	g.POST("/:answer_id/verification/start", h.start)
	g.POST("/:answer_id/verification/advance", h.advance)
	g.POST("/:answer_id/verification/mark", h.mark)
	g.POST("/:answer_id/verification/stop", h.stop)
}

func (h *VerificationHandler) get(c echo.Context) error {
	state, err := h.Verifier.Get(c.Param("answer_id"))
	if err != nil {
		return verificationError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *VerificationHandler) start(c echo.Context) error {
	state, err := h.Verifier.Start(c.Param("answer_id"))
	if err != nil {
		return verificationError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *VerificationHandler) advance(c echo.Context) error {
	state, err := h.Verifier.Advance(c.Param("answer_id"))
	if err != nil {
		return verificationError(err)
	}
	return c.JSON(http.StatusOK, state)
}

type markRequest struct {
	Number int `json:"number"`
}

func (h *VerificationHandler) mark(c echo.Context) error {
	var req markRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	state, err := h.Verifier.MarkVerified(c.Param("answer_id"), req.Number)
	if err != nil {
		return verificationError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func (h *VerificationHandler) stop(c echo.Context) error {
	state, err := h.Verifier.Stop(c.Param("answer_id"))
	if err != nil {
		return verificationError(err)
	}
	return c.JSON(http.StatusOK, state)
}

func verificationError(err error) error {
	switch {
	case errors.Is(err, verification.ErrUnknownAnswer):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, verification.ErrNoCitations), errors.Is(err, verification.ErrNotActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
