package workflow

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	appOrderModel     = "sale.order"
	appOrderLineModel = "sale.order.line"
)

var confirmedOrderStates = []any{"sale", "done"}

// OrderConfirmationResult is stored as the response body of a webhook item.
type OrderConfirmationResult struct {
	OrderID int `json:"orderId"`
	CogsPostResult
}

// OrderConfirmationExecutor handles "webhook" queue items: it reads the
// confirmed order lines from the business application, posts the matching
// COGS document to the ERP and records the ERP reference on the order.
type OrderConfirmationExecutor struct {
	App    bridge.RemoteExecutor
	Poster *CogsPoster
	Logger *logrus.Logger
}

type appOrderRecord struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type appOrderLineRecord struct {
	ID         int             `json:"id"`
	ErpLineNum json.RawMessage `json:"x_erp_line_num"`
	ItemCode   json.RawMessage `json:"x_item_code"`
	Quantity   decimal.Decimal `json:"product_uom_qty"`
	UnitCost   json.RawMessage `json:"purchase_price"`
	LineTotal  json.RawMessage `json:"x_cost_total"`
}

func (e *OrderConfirmationExecutor) Execute(ctx context.Context, item models.QueueItem) (any, error) {
	order, err := e.findOrder(ctx, item.CorrelationRef)
	if err != nil {
		return nil, err
	}

	lines, err := e.orderLines(ctx, order.ID)
	if err != nil {
		return nil, err
	}

	result, err := e.Poster.Post(ctx, CogsDocument{Reference: item.ExternalDocRef, Lines: lines})
	if err != nil {
		return nil, err
	}

	// Written on every attempt, including skipped posts, so a write that failed
	// after a successful post is repaired by the retry.
	if _, err := e.App.RemoteExecute(ctx, appOrderModel, "write", []any{
		[]int{order.ID},
		map[string]any{
			"x_erp_cogs_entry": result.DocEntry,
			"x_erp_cogs_hash":  result.Hash,
		},
	}, nil); err != nil {
		return nil, fmt.Errorf("record cogs entry on order %s: %w", order.Name, err)
	}

	if e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"field":        "OrderConfirmation",
			"queue_item":   item.ID,
			"order":        order.Name,
			"external_doc": item.ExternalDocRef,
			"action":       result.Action,
		}).Info("order confirmation synced")
	}
	return OrderConfirmationResult{OrderID: order.ID, CogsPostResult: result}, nil
}

func (e *OrderConfirmationExecutor) findOrder(ctx context.Context, name string) (appOrderRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return appOrderRecord{}, newValidationError("correlationRef", "is required")
	}
	raw, err := e.App.RemoteExecute(ctx, appOrderModel, "search_read",
		[]any{[]any{[]any{"name", "=", name}}},
		map[string]any{"fields": []string{"id", "name", "state"}, "limit": 1},
	)
	if err != nil {
		return appOrderRecord{}, fmt.Errorf("lookup order %s: %w", name, err)
	}
	var orders []appOrderRecord
	if err := json.Unmarshal(raw, &orders); err != nil {
		return appOrderRecord{}, fmt.Errorf("decode order %s: %w", name, err)
	}
	if len(orders) == 0 {
		// may not be replicated yet; retried on the next cycle
		return appOrderRecord{}, fmt.Errorf("order %s not found", name)
	}
	order := orders[0]
	if !containsState(order.State) {
		return appOrderRecord{}, newValidationError("correlationRef", "order %s is in state %q, not confirmed", name, order.State)
	}
	return order, nil
}

func (e *OrderConfirmationExecutor) orderLines(ctx context.Context, orderID int) ([]CogsLine, error) {
	raw, err := e.App.RemoteExecute(ctx, appOrderLineModel, "search_read",
		[]any{[]any{[]any{"order_id", "=", orderID}, []any{"display_type", "=", false}}},
		map[string]any{"fields": []string{"id", "x_erp_line_num", "x_item_code", "product_uom_qty", "purchase_price", "x_cost_total"}},
	)
	if err != nil {
		return nil, fmt.Errorf("lookup lines of order %d: %w", orderID, err)
	}
	var records []appOrderLineRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode lines of order %d: %w", orderID, err)
	}
	if len(records) == 0 {
		return nil, newValidationError("lines", "order %d has no lines", orderID)
	}

	lines := make([]CogsLine, 0, len(records))
	for _, r := range records {
		line := CogsLine{
			LineNum:  rpcInt(r.ErpLineNum),
			ItemCode: rpcString(r.ItemCode),
			Quantity: r.Quantity,
		}
		total, err := rpcDecimal(r.LineTotal)
		if err != nil {
			return nil, fmt.Errorf("line %d cost total: %w", r.ID, err)
		}
		if total != nil {
			line.LineTotal = total
		} else {
			unit, err := rpcDecimal(r.UnitCost)
			if err != nil {
				return nil, fmt.Errorf("line %d unit cost: %w", r.ID, err)
			}
			line.UnitCost = unit
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func containsState(state string) bool {
	for _, s := range confirmedOrderStates {
		if s == state {
			return true
		}
	}
	return false
}

// The business application encodes empty fields as false.
func rpcEmpty(raw json.RawMessage) bool {
	v := bytes.TrimSpace(raw)
	return len(v) == 0 || bytes.Equal(v, []byte("false")) || bytes.Equal(v, []byte("null"))
}

func rpcString(raw json.RawMessage) string {
	if rpcEmpty(raw) {
		return ""
	}
	if v := bytes.TrimSpace(raw); v[0] != '"' {
		// numbers come through as their literal text
		return string(v)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func rpcInt(raw json.RawMessage) *int {
	if rpcEmpty(raw) {
		return nil
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	return &n
}

func rpcDecimal(raw json.RawMessage) (*decimal.Decimal, error) {
	if rpcEmpty(raw) {
		return nil, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	return &d, nil
}
