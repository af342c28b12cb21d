package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResyncResult is the projection returned to the caller and stored on the
// ledger row.
type ResyncResult struct {
	DocumentType     DocumentType `json:"documentType"`
	DocEntry         int          `json:"docEntry"`
	DocNum           string       `json:"docNum"`
	PreviousDocEntry int          `json:"previousDocEntry,omitempty"`
	Reallocated      bool         `json:"reallocated"`
	WriteBackError   *string      `json:"writeBackError"`
	LedgerID         uint         `json:"ledgerId,omitempty"`
}

// ResyncCoordinator applies corrective updates synchronously. The queue table
// is only its audit ledger: rows are opened in processing and closed with the
// outcome, never retried by the coordinator itself.
type ResyncCoordinator struct {
	Store       *models.QueueStore
	Documents   bridge.ExternalDocumentStore
	Identifiers bridge.IdentifierWriter
	Logger      *logrus.Logger

	tracer trace.Tracer
}

func NewResyncCoordinator(store *models.QueueStore, documents bridge.ExternalDocumentStore, identifiers bridge.IdentifierWriter, logger *logrus.Logger) *ResyncCoordinator {
	return &ResyncCoordinator{
		Store:       store,
		Documents:   documents,
		Identifiers: identifiers,
		Logger:      logger,
		tracer:      otel.Tracer(instrumentationName),
	}
}

func (c *ResyncCoordinator) Resync(ctx context.Context, req ResyncRequest) (*ResyncResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := c.startSpan(ctx, "resync", req)
	defer span.End()

	ledgerID := c.openLedger(ctx, req)

	result, err := c.apply(ctx, req)
	// The ERP call has already happened; the ledger must record its outcome
	// even if the caller went away meanwhile.
	finalCtx := context.WithoutCancel(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ledgerID != 0 {
			if ferr := c.Store.FailTerminal(finalCtx, ledgerID, err); ferr != nil {
				c.logError("Resync", "close ledger row as failed", ledgerID, ferr)
			}
		}
		return nil, err
	}

	result.LedgerID = ledgerID
	if ledgerID != 0 {
		if cerr := c.Store.Complete(finalCtx, ledgerID, result); cerr != nil {
			c.logError("Resync", "close ledger row as done", ledgerID, cerr)
		}
	}
	return result, nil
}

// Replay re-executes a resync ledger row that an operator reset to pending.
// The row itself is finalized by the worker.
func (c *ResyncCoordinator) Replay(ctx context.Context, item models.QueueItem) (any, error) {
	if len(item.RequestBody) == 0 {
		return nil, newValidationError("request_body", "ledger row %d has no stored request", item.ID)
	}
	req, err := decodeStoredResync(item.RequestBody)
	if err != nil {
		return nil, err
	}
	if models.ResyncCategory(string(req.DocumentType)) != item.EventCategory {
		return nil, newValidationError("event_category", "stored request is for %s, row is %s", req.DocumentType, item.EventCategory)
	}

	ctx, span := c.startSpan(ctx, "resync.replay", req)
	defer span.End()

	result, err := c.apply(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	result.LedgerID = item.ID
	return result, nil
}

// apply runs the update and, when the store replaced the document, writes
// the new identifier back to the business application.
func (c *ResyncCoordinator) apply(ctx context.Context, req ResyncRequest) (*ResyncResult, error) {
	var doc bridge.ExternalDocument
	switch p := req.Payload.(type) {
	case OrderResync:
		doc = p.externalDocument(req.DocEntry, req.CorrelationRef)
	case DeliveryResync:
		doc = p.externalDocument(req.DocEntry, req.CorrelationRef)
	case InvoiceResync:
		doc = p.externalDocument(req.DocEntry, req.CorrelationRef)
	case AllocationResync:
		doc = p.externalDocument(req.DocEntry, req.CorrelationRef)
	default:
		return nil, newValidationError("documentType", "unsupported payload %T", req.Payload)
	}

	ref, err := c.Documents.CreateOrUpdateExternalDocument(ctx, doc)
	if err != nil {
		var storeErr *bridge.StoreError
		if errors.As(err, &storeErr) {
			return nil, err
		}
		return nil, fmt.Errorf("resync %s %d: %w", req.DocumentType, req.DocEntry, err)
	}

	result := &ResyncResult{
		DocumentType: req.DocumentType,
		DocEntry:     ref.DocEntry,
		DocNum:       ref.DocNum,
	}
	if ref.DocEntry == 0 || ref.DocEntry == req.DocEntry {
		result.DocEntry = req.DocEntry
		return result, nil
	}

	result.Reallocated = true
	result.PreviousDocEntry = req.DocEntry
	if werr := c.writeBack(context.WithoutCancel(ctx), req, ref); werr != nil {
		msg := werr.Error()
		result.WriteBackError = &msg
		c.logError("Resync", "write back reallocated identifier", map[string]any{
			"correlation_ref": req.CorrelationRef,
			"previous_entry":  req.DocEntry,
			"new_entry":       ref.DocEntry,
		}, werr)
	}
	return result, nil
}

func (c *ResyncCoordinator) writeBack(ctx context.Context, req ResyncRequest, ref bridge.DocumentRef) error {
	if c.Identifiers == nil {
		return errors.New("no identifier writer configured")
	}
	if req.CorrelationRef == "" {
		return errors.New("no correlation reference to write back to")
	}
	return c.Identifiers.WriteBackIdentifier(ctx, req.CorrelationRef, ref.DocEntry, ref.DocNum)
}

// openLedger never fails the resync; a missing audit row is only logged.
func (c *ResyncCoordinator) openLedger(ctx context.Context, req ResyncRequest) uint {
	if c.Store == nil {
		return 0
	}
	body, err := req.MarshalJSON()
	if err != nil {
		c.logError("openLedger", "marshal request", req.DocEntry, err)
		body = nil
	}
	id, err := c.Store.OpenLedger(ctx,
		models.ResyncCategory(string(req.DocumentType)),
		strconv.Itoa(req.DocEntry),
		req.CorrelationRef,
		body,
	)
	if err != nil {
		c.logError("openLedger", "insert ledger row", req.DocEntry, err)
		return 0
	}
	return id
}

func (c *ResyncCoordinator) startSpan(ctx context.Context, name string, req ResyncRequest) (context.Context, trace.Span) {
	tracer := c.tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}
	attrs := []attribute.KeyValue{
		attribute.String("resync.document_type", string(req.DocumentType)),
		attribute.Int("resync.doc_entry", req.DocEntry),
	}
	if actor, ok := utils.GetActorFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("resync.actor", actor))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (c *ResyncCoordinator) logError(funcName string, context string, data any, err error) {
	config.LogError(c.Logger, "ResyncCoordinator", funcName, context, data, err)
}
