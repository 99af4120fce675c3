// Package api exposes the ingestion pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/David-Botos/endo-ingress/pkg/model"
	"github.com/David-Botos/endo-ingress/pkg/pipeline"
	"github.com/David-Botos/endo-ingress/pkg/split"
	"github.com/David-Botos/endo-ingress/pkg/store"
)

// Records is the read side of the metadata store used by the handlers
type Records interface {
	split.Population
	Get(ctx context.Context, id string) (model.ImageRecord, error)
	Logs(ctx context.Context, imageID string) ([]model.ProcessingLogEntry, error)
	InsertAnnotation(ctx context.Context, ann model.Annotation) error
}

// Handler serves the image and dataset endpoints
type Handler struct {
	pipeline      *pipeline.Pipeline
	records       Records
	maxUploadSize int64
	log           *zap.Logger
}

// NewHandler creates a Handler. maxUploadSize bounds the image part in bytes.
func NewHandler(p *pipeline.Pipeline, records Records, maxUploadSize int64, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		pipeline:      p,
		records:       records,
		maxUploadSize: maxUploadSize,
		log:           log.Named("api"),
	}
}

// UploadImage runs one multipart upload through the pipeline. The image is
// the "image" part; metadata is the "metadata" field or file part.
func (h *Handler) UploadImage(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errors": []string{"No image file provided"}})
		return
	}
	if h.maxUploadSize > 0 && file.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"success": false,
			"errors":  []string{fmt.Sprintf("File too large: %d bytes exceeds %d", file.Size, h.maxUploadSize)},
		})
		return
	}

	image, err := readPart(file, h.maxUploadSize)
	if err != nil {
		h.log.Error("Failed to read image part", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "errors": []string{"Failed to read file"}})
		return
	}

	metadata, err := h.metadata(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "errors": []string{err.Error()}})
		return
	}

	res := h.pipeline.Ingest(c.Request.Context(), pipeline.Upload{
		Image:    image,
		Filename: filepath.Base(file.Filename),
		Metadata: metadata,
	})
	c.JSON(res.HTTPStatus(), res)
}

func (h *Handler) metadata(c *gin.Context) ([]byte, error) {
	if v, ok := c.GetPostForm("metadata"); ok {
		return []byte(v), nil
	}
	file, err := c.FormFile("metadata")
	if err != nil {
		return nil, errors.New("No metadata provided")
	}
	data, err := readPart(file, h.maxUploadSize)
	if err != nil {
		return nil, fmt.Errorf("Failed to read metadata: %w", err)
	}
	return data, nil
}

func readPart(fh *multipart.FileHeader, limit int64) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	return io.ReadAll(r)
}

// GetImage returns one image record. Uploads rejected before deduplication
// never get a record and answer 404; when their ledger exists the body says
// so and points at it.
func (h *Handler) GetImage(c *gin.Context) {
	id := c.Param("id")
	rec, err := h.records.Get(c.Request.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		body := gin.H{"error": "Image not found"}
		if entries, lerr := h.records.Logs(c.Request.Context(), id); lerr == nil && len(entries) > 0 {
			last := entries[len(entries)-1]
			body["error"] = "Upload was rejected before a record was created"
			body["step"] = last.Step
			body["status"] = last.Status
			body["log"] = "/api/images/" + id + "/log"
		}
		c.JSON(http.StatusNotFound, body)
		return
	}
	if err != nil {
		h.log.Error("Failed to load image record", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load image"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// GetLog returns the processing ledger of an upload. Uploads rejected
// before deduplication have a ledger but no record.
func (h *Handler) GetLog(c *gin.Context) {
	entries, err := h.records.Logs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.log.Error("Failed to load processing log", zap.String("id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load processing log"})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No processing log for image"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"imageId": c.Param("id"), "entries": entries})
}

type annotationRequest struct {
	AnnotatorID string            `json:"annotatorId" binding:"required"`
	LesionID    string            `json:"lesionId" binding:"required"`
	Category    string            `json:"category" binding:"required"`
	BoundingBox model.BoundingBox `json:"bbox"`
	Confidence  float64           `json:"confidence" binding:"gte=0,lte=1"`
}

// CreateAnnotation records a lesion marked by one annotator
func (h *Handler) CreateAnnotation(c *gin.Context) {
	var req annotationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid annotation: %v", err)})
		return
	}
	bb := req.BoundingBox
	if bb.X < 0 || bb.Y < 0 || bb.Width <= 0 || bb.Height <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid bounding box"})
		return
	}

	ann := model.Annotation{
		ID:          uuid.NewString(),
		ImageID:     c.Param("id"),
		AnnotatorID: strings.TrimSpace(req.AnnotatorID),
		LesionID:    strings.TrimSpace(req.LesionID),
		Category:    strings.ToLower(strings.TrimSpace(req.Category)),
		BoundingBox: bb,
		Confidence:  req.Confidence,
	}

	err := h.records.InsertAnnotation(c.Request.Context(), ann)
	var conflict *store.ConflictError
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, ann)
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Annotation already exists for this annotator and lesion",
			"existingId": conflict.ExistingID,
		})
	default:
		h.log.Error("Failed to insert annotation", zap.String("imageId", ann.ImageID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save annotation"})
	}
}

// ReassignSplits rebalances train/val/test over every validated record
func (h *Handler) ReassignSplits(c *gin.Context) {
	summary, err := split.Rebalance(c.Request.Context(), h.records, h.pipeline.Assigner(), h.log)
	if err != nil {
		h.log.Error("Failed to reassign splits", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reassign splits"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Stats returns the in-process pipeline metrics
func (h *Handler) Stats(c *gin.Context) {
	data, err := h.pipeline.Metrics().ToJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to encode metrics"})
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// HealthCheck reports liveness
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "OK"})
}
