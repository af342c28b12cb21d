package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/sirupsen/logrus"
)

// OrderDetector is the scheduled producer: it finds confirmed orders that
// already carry an ERP document number but have no COGS entry yet, and
// enqueues one webhook item per order. Orders that were ever enqueued are
// left to the queue, whatever their status.
type OrderDetector struct {
	App    bridge.RemoteExecutor
	Store  *models.QueueStore
	Logger *logrus.Logger
	Config config.DetectorConfig
}

type detectedOrder struct {
	Name        string          `json:"name"`
	ErpDocNum   json.RawMessage `json:"x_erp_doc_num"`
	ErpDocEntry json.RawMessage `json:"x_erp_doc_entry"`
}

func (d *OrderDetector) Run(ctx context.Context) {
	if !d.Config.Enabled {
		return
	}
	interval := d.Config.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	for {
		if _, err := d.DetectOnce(ctx); err != nil {
			config.LogError(d.logger(), "OrderDetector", "Run", "detect confirmed orders", nil, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// maxDetectorPages bounds one scan when most candidates are already queued.
const maxDetectorPages = 20

// DetectOnce returns how many items were enqueued. It pages through the
// candidates until limit new orders were enqueued, so a backlog of orders
// already in the queue (failed ones included) cannot hide newer ones.
func (d *OrderDetector) DetectOnce(ctx context.Context) (int, error) {
	limit := d.Config.Limit
	if limit <= 0 {
		limit = 100
	}

	enqueued := 0
	for page := 0; page < maxDetectorPages && enqueued < limit; page++ {
		if ctx.Err() != nil {
			break
		}
		orders, err := d.searchPage(ctx, page*limit, limit)
		if err != nil {
			return enqueued, err
		}
		for _, o := range orders {
			if ctx.Err() != nil || enqueued >= limit {
				break
			}
			ok, err := d.enqueueOrder(ctx, o)
			if err != nil {
				return enqueued, err
			}
			if ok {
				enqueued++
			}
		}
		if len(orders) < limit {
			break
		}
	}
	return enqueued, nil
}

func (d *OrderDetector) searchPage(ctx context.Context, offset int, limit int) ([]detectedOrder, error) {
	raw, err := d.App.RemoteExecute(ctx, appOrderModel, "search_read",
		[]any{[]any{
			[]any{"state", "in", confirmedOrderStates},
			[]any{"x_erp_doc_num", "!=", false},
			[]any{"x_erp_cogs_entry", "=", false},
		}},
		map[string]any{
			"fields": []string{"name", "x_erp_doc_num", "x_erp_doc_entry"},
			"limit":  limit,
			"offset": offset,
			"order":  "date_order asc, id asc",
		},
	)
	if err != nil {
		return nil, fmt.Errorf("search confirmed orders: %w", err)
	}
	var orders []detectedOrder
	if err := json.Unmarshal(raw, &orders); err != nil {
		return nil, fmt.Errorf("decode confirmed orders: %w", err)
	}
	return orders, nil
}

// enqueueOrder reports whether a new item was written for o.
func (d *OrderDetector) enqueueOrder(ctx context.Context, o detectedOrder) (bool, error) {
	name := strings.TrimSpace(o.Name)
	docRef := rpcString(o.ErpDocNum)
	if docRef == "" {
		if n := rpcInt(o.ErpDocEntry); n != nil {
			docRef = fmt.Sprint(*n)
		}
	}
	if name == "" || docRef == "" {
		return false, nil
	}

	exists, err := d.Store.HasItemFor(ctx, models.EventCategoryWebhook, name)
	if err != nil {
		return false, fmt.Errorf("check queue for order %s: %w", name, err)
	}
	if exists {
		return false, nil
	}
	id, err := d.Store.Enqueue(ctx, models.NewQueueItem{
		ExternalDocRef: docRef,
		CorrelationRef: name,
		EventCategory:  models.EventCategoryWebhook,
	})
	if err != nil {
		return false, err
	}
	d.logger().WithFields(logrus.Fields{
		"field":        "OrderDetector",
		"queue_item":   id,
		"order":        name,
		"external_doc": docRef,
	}).Info("confirmed order enqueued")
	return true, nil
}

func (d *OrderDetector) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return config.GetLogger()
}
