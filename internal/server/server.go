// Package server exposes the batch processor over HTTP so a scheduler can
// drive a batch one bounded invocation at a time.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/gyeh/volumetria/internal/batch"
	"github.com/gyeh/volumetria/internal/model"
	"github.com/gyeh/volumetria/internal/reconcile"
)

const maxFinalRowsLimit = 10000

type Processor interface {
	Invoke(ctx context.Context, req batch.Request) (*batch.Response, error)
	Cancel(ctx context.Context, batchID uuid.UUID) (*model.BatchCursor, error)
}

type Reporter interface {
	Query(ctx context.Context, batchID uuid.UUID) (*reconcile.Report, error)
}

type FinalRowReader interface {
	FinalRows(ctx context.Context, f model.FinalRowFilter) ([]model.FinalRow, error)
}

type Server struct {
	processor Processor
	reporter  Reporter
	finals    FinalRowReader
	gatherer  prometheus.Gatherer
	log       zerolog.Logger
}

// New wires the handlers. A nil gatherer serves the default registry.
func New(proc Processor, rep Reporter, finals FinalRowReader, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{processor: proc, reporter: rep, finals: finals, gatherer: gatherer, log: log}
}

// Handler builds the gin engine.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := r.Group("/v1")
	v1.POST("/batches/:batch_id/process", s.ProcessBatch)
	v1.POST("/batches/:batch_id/cancel", s.CancelBatch)
	v1.GET("/batches/:batch_id/reconciliation", s.GetReconciliation)
	v1.GET("/final-rows", s.ListFinalRows)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

func batchIDParam(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("batch_id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: batch_id: %v", errInvalidRequest, err)
	}
	return id, nil
}

type processRequest struct {
	ResumeOffset *int64 `json:"resume_offset"`
	LotSize      int    `json:"lot_size"`
}

// ProcessBatch runs one invocation. Failures still return the invocation
// response so the caller learns the resume offset.
func (s *Server) ProcessBatch(c *gin.Context) {
	id, err := batchIDParam(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	var req processRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, fmt.Errorf("%w: %v", errInvalidRequest, err))
			return
		}
	}

	resp, err := s.processor.Invoke(c.Request.Context(), batch.Request{
		BatchID:      id,
		ResumeOffset: req.ResumeOffset,
		LotSize:      req.LotSize,
	})
	if err != nil {
		if resp == nil {
			abortWithError(c, err)
			return
		}
		c.JSON(kindStatus(resp.ErrorKind), resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) CancelBatch(c *gin.Context) {
	id, err := batchIDParam(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	cur, err := s.processor.Cancel(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": cur})
}

func (s *Server) GetReconciliation(c *gin.Context) {
	id, err := batchIDParam(c)
	if err != nil {
		abortWithError(c, err)
		return
	}
	report, err := s.reporter.Query(c.Request.Context(), id)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

type finalRowsQuery struct {
	BatchID         string `form:"batch_id"`
	ReferencePeriod string `form:"reference_period"`
	SourceCategory  string `form:"source_category"`
	BillingType     string `form:"billing_type"`
	Limit           string `form:"limit"`
}

func (s *Server) ListFinalRows(c *gin.Context) {
	var q finalRowsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortWithError(c, fmt.Errorf("%w: %v", errInvalidRequest, err))
		return
	}
	f, err := q.filter()
	if err != nil {
		abortWithError(c, err)
		return
	}
	rows, err := s.finals.FinalRows(c.Request.Context(), f)
	if err != nil {
		abortWithError(c, err)
		return
	}
	if rows == nil {
		rows = []model.FinalRow{}
	}
	c.JSON(http.StatusOK, gin.H{"data": rows})
}

func (q finalRowsQuery) filter() (model.FinalRowFilter, error) {
	var f model.FinalRowFilter
	if q.BatchID != "" {
		id, err := uuid.Parse(q.BatchID)
		if err != nil {
			return f, fmt.Errorf("%w: batch_id: %v", errInvalidRequest, err)
		}
		f.BatchID = id
	}
	if q.ReferencePeriod != "" {
		p, err := model.ParsePeriod(q.ReferencePeriod)
		if err != nil {
			return f, fmt.Errorf("%w: %v", errInvalidRequest, err)
		}
		f.ReferencePeriod = p.String()
	}
	if q.SourceCategory != "" {
		cat, ok := model.ParseFileCategory(q.SourceCategory)
		if !ok {
			return f, fmt.Errorf("%w: unknown source_category %q", errInvalidRequest, q.SourceCategory)
		}
		f.SourceCategory = cat
	}
	switch bt := model.BillingType(q.BillingType); bt {
	case "", model.BillingConsolidated, model.BillingNonConsolidatedBilled, model.BillingNonConsolidatedNoBill:
		f.BillingType = bt
	default:
		return f, fmt.Errorf("%w: unknown billing_type %q", errInvalidRequest, q.BillingType)
	}
	f.Limit = maxFinalRowsLimit
	if q.Limit != "" {
		n, err := strconv.Atoi(q.Limit)
		if err != nil || n <= 0 || n > maxFinalRowsLimit {
			return f, fmt.Errorf("%w: limit must be between 1 and %d", errInvalidRequest, maxFinalRowsLimit)
		}
		f.Limit = n
	}
	return f, nil
}
