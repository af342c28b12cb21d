package bridgeapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/mmdatafocus/erpbridge/workflow"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

// RegisterRoutes mounts the webhook, admin queue and resync endpoints.
// adminAuth guards /api, webhookAuth guards /webhooks.
func RegisterRoutes(r gin.IRouter, store *models.QueueStore, resync *workflow.ResyncCoordinator, adminAuth gin.HandlerFunc, webhookAuth gin.HandlerFunc) {
	hooks := r.Group("/webhooks")
	if webhookAuth != nil {
		hooks.Use(webhookAuth)
	}
	hooks.POST("/orders/confirmed", EnqueueHandler(store))

	api := r.Group("/api")
	if adminAuth != nil {
		api.Use(adminAuth)
	}
	api.POST("/queue", EnqueueHandler(store))
	api.GET("/queue", ListQueueHandler(store))
	api.GET("/queue/summary", SummaryHandler(store))
	api.POST("/queue/retry-all", RetryAllHandler(store))
	api.GET("/queue/:id", GetQueueItemHandler(store))
	api.POST("/queue/:id/retry", RetryHandler(store))
	api.POST("/resync/:documentType/:docEntry", ResyncHandler(resync))
}

func EnqueueHandler(store *models.QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		var input models.NewQueueItem
		if err := json.Unmarshal(raw, &input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		input.ExternalDocRef = strings.TrimSpace(input.ExternalDocRef)
		input.CorrelationRef = strings.TrimSpace(input.CorrelationRef)
		if err := utils.Validator().Struct(input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "externalDocRef and correlationRef are required",
				"fields":  utils.ProcessValidationErrors(err),
			})
			return
		}
		if input.EventCategory != "" && models.IsResyncCategory(input.EventCategory) {
			writeError(c, &workflow.ValidationError{Field: "eventCategory", Message: "resync categories are written by the resync endpoint only"})
			return
		}
		input.RequestBody = raw

		id, err := store.Enqueue(c.Request.Context(), input)
		if err != nil {
			writeError(c, err)
			return
		}
		actor, _ := utils.GetActorFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":           "EnqueueHandler",
			"queue_item":      id,
			"correlation_ref": input.CorrelationRef,
			"actor":           actor,
		}).Info("queue item enqueued")
		c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
	}
}

func ListQueueHandler(store *models.QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := models.QueueFilter{
			EventCategory:  strings.TrimSpace(c.Query("category")),
			CorrelationRef: strings.TrimSpace(c.Query("correlationRef")),
		}
		if s := strings.TrimSpace(c.Query("status")); s != "" {
			status := models.QueueStatus(strings.ToLower(s))
			if !status.IsValid() {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid status"})
				return
			}
			filter.Status = status
		}
		var err error
		if filter.Limit, err = queryInt(c, "limit"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid limit"})
			return
		}
		if filter.Offset, err = queryInt(c, "offset"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid offset"})
			return
		}

		items, total, err := store.List(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": gin.H{
			"items": items,
			"total": total,
		}})
	}
}

func SummaryHandler(store *models.QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := store.Summary(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
	}
}

func GetQueueItemHandler(store *models.QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		item, err := store.Get(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": item})
	}
}

func RetryHandler(store *models.QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := store.ManualReset(c.Request.Context(), id); err != nil {
			writeError(c, err)
			return
		}
		actor, _ := utils.GetActorFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field":      "RetryHandler",
			"queue_item": id,
			"actor":      actor,
		}).Info("queue item reset")
		c.JSON(http.StatusOK, gin.H{"success": true, "id": id})
	}
}

func RetryAllHandler(store *models.QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := store.ResetAllFailed(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		actor, _ := utils.GetActorFromContext(c.Request.Context())
		config.GetLogger().WithFields(logrus.Fields{
			"field": "RetryAllHandler",
			"reset": n,
			"actor": actor,
		}).Info("failed queue items reset")
		c.JSON(http.StatusOK, gin.H{"success": true, "reset": n})
	}
}

func ResyncHandler(coord *workflow.ResyncCoordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		docEntry, err := strconv.Atoi(c.Param("docEntry"))
		if err != nil {
			writeError(c, &workflow.ValidationError{Field: "docEntry", Message: "must be a positive integer"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request"})
			return
		}
		req, err := workflow.ParseResyncRequest(c.Param("documentType"), docEntry, body)
		if err != nil {
			writeError(c, err)
			return
		}
		result, err := coord.Resync(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
	}
}

// writeError maps error types to status codes. Store rejections surface the
// store's own detail.
func writeError(c *gin.Context, err error) {
	var validationErr *workflow.ValidationError
	var storeErr *bridge.StoreError
	var replacementErr *bridge.ReplacementError
	switch {
	case errors.As(err, &replacementErr) && errors.As(err, &storeErr):
		c.JSON(http.StatusBadGateway, gin.H{
			"success":        false,
			"error":          storeErr.Detail,
			"storeStatus":    storeErr.StatusCode,
			"cancelledEntry": replacementErr.CancelledEntry,
		})
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": validationErr.Error(), "field": validationErr.Field})
	case errors.As(err, &storeErr):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": storeErr.Detail, "storeStatus": storeErr.StatusCode})
	case errors.Is(err, models.ErrQueueItemNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.Is(err, models.ErrNotInFailedStatus):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	default:
		config.LogError(config.GetLogger(), "bridgeapi", "writeError", c.FullPath(), nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

func pathID(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || n == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid id"})
		return 0, false
	}
	return uint(n), true
}

func queryInt(c *gin.Context, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
