package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"lab-lending-backend/internal/engine"
	"lab-lending-backend/internal/model"
	"lab-lending-backend/internal/mw"
	"lab-lending-backend/internal/store"
)

// bindOptionalJSON binds a body that may be empty.
func bindOptionalJSON(c *gin.Context, v any) error {
	if c.Request.Body == nil || c.Request.Body == http.NoBody || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// SubmitTransaction handles POST /api/transactions.
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req engine.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	t, err := h.engine.Submit(c.Request.Context(), mw.ActorFrom(c), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func parseListFilter(c *gin.Context) (store.TransactionFilter, error) {
	f := store.TransactionFilter{
		RequesterID:  c.Query("requester"),
		LaboratoryID: c.Query("laboratory"),
	}
	if s := c.Query("state"); s != "" {
		f.State = model.TransactionState(s)
		if !f.State.Valid() {
			return f, fmt.Errorf("unknown state %q", s)
		}
	}
	if v := c.Query("dueBefore"); v != "" {
		due, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("dueBefore must be an RFC 3339 time")
		}
		f.DueBefore = &due
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		if v := c.Query(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return f, fmt.Errorf("%s must be a non-negative integer", name)
			}
			*dst = n
		}
	}
	return f, nil
}

// ListTransactions handles GET /api/transactions.
func (h *Handler) ListTransactions(c *gin.Context) {
	f, err := parseListFilter(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	list, err := h.engine.List(c.Request.Context(), mw.ActorFrom(c), f)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": list})
}

// GetTransaction handles GET /api/transactions/:id.
func (h *Handler) GetTransaction(c *gin.Context) {
	v, err := h.engine.Get(c.Request.Context(), mw.ActorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// EditTransaction handles PATCH /api/transactions/:id.
func (h *Handler) EditTransaction(c *gin.Context) {
	var req engine.EditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := h.engine.Edit(c.Request.Context(), mw.ActorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ApproveTransaction handles POST /api/transactions/:id/approve.
func (h *Handler) ApproveTransaction(c *gin.Context) {
	v, err := h.engine.Approve(c.Request.Context(), mw.ActorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectTransaction handles POST /api/transactions/:id/reject.
func (h *Handler) RejectTransaction(c *gin.Context) {
	var req rejectRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := h.engine.Reject(c.Request.Context(), mw.ActorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ReturnTransaction handles POST /api/transactions/:id/return.
func (h *Handler) ReturnTransaction(c *gin.Context) {
	var req engine.ReturnRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := h.engine.Return(c.Request.Context(), mw.ActorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// ReallocateTransaction handles POST /api/transactions/:id/reallocate.
func (h *Handler) ReallocateTransaction(c *gin.Context) {
	var req engine.ReallocateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	v, err := h.engine.Reallocate(c.Request.Context(), mw.ActorFrom(c), c.Param("id"), req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}
