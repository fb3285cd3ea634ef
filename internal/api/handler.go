package api

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"cleaning-sync-backend/internal/apperr"
	"cleaning-sync-backend/internal/model"
	"cleaning-sync-backend/internal/mw"
	"cleaning-sync-backend/internal/presence"
	"cleaning-sync-backend/internal/store"
	"cleaning-sync-backend/internal/syncer"
	"cleaning-sync-backend/internal/task"
)

// maxBodyBytes bounds request bodies; inline photos make them large.
const maxBodyBytes = 32 << 20

// Deps are the services behind the HTTP surface.
type Deps struct {
	Store        store.Store
	Coordinator  *syncer.Coordinator
	Tasks        *task.Service
	Tracker      *presence.Tracker
	Validator    *syncer.Validator
	WebPush      *webpush.Options
	MaxBatchSize int
	Logger       *zap.Logger
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store        store.Store
	coordinator  *syncer.Coordinator
	tasks        *task.Service
	tracker      *presence.Tracker
	validator    *syncer.Validator
	webpush      *webpush.Options
	maxBatchSize int
	logger       *zap.Logger
	now          func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:        d.Store,
		coordinator:  d.Coordinator,
		tasks:        d.Tasks,
		tracker:      d.Tracker,
		validator:    d.Validator,
		webpush:      d.WebPush,
		maxBatchSize: d.MaxBatchSize,
		logger:       d.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// writeError renders any error through the failure taxonomy.
func (h *Handler) writeError(c *gin.Context, err error) {
	e := apperr.Normalize(err)
	if e.Code == apperr.CodeInternal {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(e.Status, e)
}

func badRequest(c *gin.Context, code, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, apperr.Invalid(code, message))
}

func identity(c *gin.Context) model.Identity {
	id, _ := mw.IdentityFrom(c)
	return id
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, apperr.CodeInvalidOperation, "invalid "+name)
		return 0, false
	}
	return id, true
}

// rawBody reads the request body, treating an empty body as "{}".
func rawBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, apperr.New(http.StatusRequestEntityTooLarge, "payload_too_large", err.Error()))
		return nil, false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return []byte("{}"), true
	}
	return body, true
}
