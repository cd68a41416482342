package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/lexpipe/lexpipe/pkg/external"
	"github.com/lexpipe/lexpipe/pkg/models"
)

// maxUploadBytes caps document uploads at 200 MB.
const maxUploadBytes = 200 << 20

// uploadDocumentHandler handles POST /api/v1/matters/:matterID/documents.
// It stores the PDF, counts its pages, and starts the processing pipeline.
func (s *Server) uploadDocumentHandler(c *echo.Context) error {
	matterID := c.Param("matterID")

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxUploadBytes)
	file, header, err := c.Request().FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field 'file' is required")
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		return echo.NewHTTPError(http.StatusBadRequest, "only PDF documents are accepted")
	}

	pdf, err := io.ReadAll(file)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload exceeds the size limit")
	}

	pageCount, err := external.PDFPageCount(pdf)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is not a readable PDF")
	}

	ctx := c.Request().Context()
	documentID := uuid.New().String()
	blobPath := fmt.Sprintf("matters/%s/documents/%s/source.pdf", matterID, documentID)
	if err := s.blob.Upload(ctx, blobPath, pdf); err != nil {
		return fmt.Errorf("failed to store document: %w", err)
	}

	doc, err := s.documents.CreateDocument(ctx, matterID, header.Filename, blobPath, pageCount)
	if err != nil {
		return err
	}

	job, err := s.pipeline.Start(ctx, matterID, doc.ID, models.JobTypeDocumentProcessing)
	if err != nil {
		return err
	}
	s.invalidate(matterID)

	return c.JSON(http.StatusAccepted, &UploadResponse{Document: doc, Job: job})
}

// listDocumentsHandler handles GET /api/v1/matters/:matterID/documents.
func (s *Server) listDocumentsHandler(c *echo.Context) error {
	matterID := c.Param("matterID")

	docs, err := s.documents.ListDocuments(c.Request().Context(), matterID, 100)
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

// getDocumentHandler handles GET /api/v1/matters/:matterID/documents/:id.
// Unfinished documents carry a processing-time estimate.
func (s *Server) getDocumentHandler(c *echo.Context) error {
	matterID := c.Param("matterID")
	documentID := c.Param("id")
	if documentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document id is required")
	}

	ctx := c.Request().Context()
	doc, err := s.documents.GetDocument(ctx, matterID, documentID)
	if err != nil {
		return err
	}

	resp := &DocumentDetailResponse{Document: doc}
	if s.estimator != nil && doc.Status != models.DocumentStatusCompleted && doc.Status != models.DocumentStatusFailed {
		queueDepth := 0
		if stats, err := s.jobs.GetQueueStats(ctx, matterID); err == nil {
			queueDepth = stats.ByStatus[models.JobStatusQueued]
		}
		est := s.estimator.EstimateDocument(ctx, doc.PageCount, queueDepth)
		resp.ETA = &ETABand{
			MinSeconds:  int(est.Min.Seconds()),
			BestSeconds: int(est.Best.Seconds()),
			MaxSeconds:  int(est.Max.Seconds()),
			Confidence:  string(est.Confidence),
		}
	}
	return c.JSON(http.StatusOK, resp)
}
