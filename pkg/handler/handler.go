// Package handler exposes the pipeline over HTTP. Handlers only translate
// between the wire and the service layer; no pipeline logic lives here.
package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/errorsx"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/repository"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/service"
	"github.com/tuzimao/Ai-Question-Generator-sub002/pkg/types"
)

// ownerHeader carries the authenticated owner UID. Authentication itself is
// expected to happen upstream (gateway or middleware).
const ownerHeader = "X-Owner-Uid"

// Handler holds the HTTP endpoints.
type Handler struct {
	svc         *service.Service
	maxDataSize int64
	log         *zap.Logger
}

// NewHandler returns the endpoint set. maxDataSizeMB bounds upload size.
func NewHandler(svc *service.Service, maxDataSizeMB int, log *zap.Logger) *Handler {
	if maxDataSizeMB <= 0 {
		maxDataSizeMB = 32
	}
	return &Handler{svc: svc, maxDataSize: int64(maxDataSizeMB) << 20, log: log}
}

// Register mounts the routes on the engine.
func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/documents", h.UploadDocument)
	v1.GET("/documents", h.ListDocuments)
	v1.GET("/documents/:id/status", h.GetDocumentStatus)
	v1.GET("/documents/:id/sections", h.ListSections)
	v1.GET("/documents/:id/chunks", h.ListChunks)
	v1.DELETE("/documents/:id", h.DeleteDocument)
	v1.POST("/documents/:id/reprocess", h.ReprocessDocument)
	v1.GET("/jobs", h.ListJobs)
	v1.POST("/jobs/:id/cancel", h.CancelJob)
	v1.GET("/health", h.Health)
}

// respondError maps domain errors to status codes.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errorsx.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, errorsx.ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, errorsx.ErrConcurrencyConflict), errors.Is(err, errorsx.ErrJobTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func ownerUID(c *gin.Context) (types.UserUIDType, bool) {
	raw := c.GetHeader(ownerHeader)
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing " + ownerHeader + " header"})
		return uuid.Nil, false
	}
	owner, err := uuid.FromString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid owner uid"})
		return uuid.Nil, false
	}
	return owner, true
}

func pathUID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

// UploadDocument admits a multipart file upload. Re-uploading identical
// bytes returns the existing document with 200 instead of 201.
func (h *Handler) UploadDocument(c *gin.Context) {
	owner, ok := ownerUID(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	if fileHeader.Size > h.maxDataSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	mimeType := fileHeader.Header.Get("Content-Type")

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, err)
		return
	}
	defer file.Close()
	content, err := io.ReadAll(io.LimitReader(file, h.maxDataSize+1))
	if err != nil {
		respondError(c, err)
		return
	}
	if int64(len(content)) > h.maxDataSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	doc, isNew, err := h.svc.AdmitDocument(c.Request.Context(), owner, fileHeader.Filename, mimeType, content)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"document": doc, "is_new": isNew})
}

// ListDocuments returns the owner's documents.
func (h *Handler) ListDocuments(c *gin.Context) {
	owner, ok := ownerUID(c)
	if !ok {
		return
	}
	pageSize := 0
	if raw := c.Query("page_size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page_size"})
			return
		}
		pageSize = parsed
	}
	docs, err := h.svc.ListDocuments(c.Request.Context(), owner, pageSize)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

// GetDocumentStatus returns the document with its pipeline progress.
func (h *Handler) GetDocumentStatus(c *gin.Context) {
	docUID, ok := pathUID(c)
	if !ok {
		return
	}
	status, err := h.svc.GetDocumentStatus(c.Request.Context(), docUID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// ListSections returns the document's section tree in document order.
func (h *Handler) ListSections(c *gin.Context) {
	docUID, ok := pathUID(c)
	if !ok {
		return
	}
	sections, err := h.svc.ListSections(c.Request.Context(), docUID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sections": sections})
}

// ListChunks returns the document's chunks ordered by index.
func (h *Handler) ListChunks(c *gin.Context) {
	docUID, ok := pathUID(c)
	if !ok {
		return
	}
	chunks, err := h.svc.ListChunks(c.Request.Context(), docUID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// DeleteDocument tombstones the document and its derived data.
func (h *Handler) DeleteDocument(c *gin.Context) {
	docUID, ok := pathUID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteDocument(c.Request.Context(), docUID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ReprocessDocument restarts the pipeline for a failed document.
func (h *Handler) ReprocessDocument(c *gin.Context) {
	docUID, ok := pathUID(c)
	if !ok {
		return
	}
	doc, err := h.svc.ReprocessDocument(c.Request.Context(), docUID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"document": doc})
}

// ListJobs returns jobs, optionally filtered by doc_uid, type and status.
func (h *Handler) ListJobs(c *gin.Context) {
	filter := repository.JobListFilter{
		JobType: types.JobType(c.Query("type")),
		Status:  types.JobStatus(c.Query("status")),
	}
	if raw := c.Query("doc_uid"); raw != "" {
		docUID, err := uuid.FromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid doc_uid"})
			return
		}
		filter.DocUID = &docUID
	}
	jobs, err := h.svc.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// CancelJob cancels a queued job or flags a running one.
func (h *Handler) CancelJob(c *gin.Context) {
	jobUID, ok := pathUID(c)
	if !ok {
		return
	}
	if err := h.svc.CancelJob(c.Request.Context(), jobUID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// Health returns queue depths and worker counters.
func (h *Handler) Health(c *gin.Context) {
	health, err := h.svc.SystemHealth(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}
