package workflow

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/shopspring/decimal"
)

type DocumentType string

const (
	DocumentTypeOrder      DocumentType = "order"
	DocumentTypeDelivery   DocumentType = "delivery"
	DocumentTypeInvoice    DocumentType = "invoice"
	DocumentTypeAllocation DocumentType = "allocation"
)

func ParseDocumentType(s string) (DocumentType, error) {
	switch t := DocumentType(strings.ToLower(strings.TrimSpace(s))); t {
	case DocumentTypeOrder, DocumentTypeDelivery, DocumentTypeInvoice, DocumentTypeAllocation:
		return t, nil
	}
	return "", newValidationError("documentType", "unsupported document type %q", s)
}

// ResyncPayload is implemented only by the four typed sub-payloads below.
type ResyncPayload interface {
	documentType() DocumentType
	externalDocument(docEntry int, correlationRef string) bridge.ExternalDocument
}

type ResyncLine struct {
	LineNum       *int             `json:"lineNum,omitempty"`
	ItemCode      string           `json:"itemCode" validate:"required,max=50"`
	Quantity      decimal.Decimal  `json:"quantity"`
	UnitPrice     *decimal.Decimal `json:"unitPrice,omitempty"`
	WarehouseCode string           `json:"warehouseCode,omitempty" validate:"omitempty,max=8"`
}

type OrderResync struct {
	CustomerRef string       `json:"customerRef" validate:"required,max=100"`
	DueDate     string       `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Comments    string       `json:"comments,omitempty" validate:"omitempty,max=254"`
	Lines       []ResyncLine `json:"lines" validate:"required,min=1,dive"`
}

type DeliveryResync struct {
	ShipDate       string       `json:"shipDate" validate:"required,datetime=2006-01-02"`
	TrackingNumber string       `json:"trackingNumber,omitempty" validate:"omitempty,max=100"`
	Comments       string       `json:"comments,omitempty" validate:"omitempty,max=254"`
	Lines          []ResyncLine `json:"lines,omitempty" validate:"omitempty,dive"`
}

type InvoiceResync struct {
	DueDate         string `json:"dueDate,omitempty" validate:"omitempty,datetime=2006-01-02"`
	ReferenceNumber string `json:"referenceNumber,omitempty" validate:"omitempty,max=100"`
	Comments        string `json:"comments,omitempty" validate:"omitempty,max=254"`
}

// AllocationResync corrects an incoming payment allocation. The ERP does not
// allow editing an allocation in place, so applying it cancels the payment
// and posts a new one.
type AllocationResync struct {
	InvoiceDocEntry int             `json:"invoiceDocEntry" validate:"required,gt=0"`
	Amount          decimal.Decimal `json:"amount"`
	TransferDate    string          `json:"transferDate" validate:"required,datetime=2006-01-02"`
	TransferAccount string          `json:"transferAccount" validate:"required,max=15"`
	Reference       string          `json:"reference,omitempty" validate:"omitempty,max=100"`
}

func (OrderResync) documentType() DocumentType      { return DocumentTypeOrder }
func (DeliveryResync) documentType() DocumentType   { return DocumentTypeDelivery }
func (InvoiceResync) documentType() DocumentType    { return DocumentTypeInvoice }
func (AllocationResync) documentType() DocumentType { return DocumentTypeAllocation }

func (p OrderResync) externalDocument(docEntry int, correlationRef string) bridge.ExternalDocument {
	fields := map[string]any{"CardCode": p.CustomerRef}
	setIfNotEmpty(fields, "DocDueDate", p.DueDate)
	setIfNotEmpty(fields, "Comments", p.Comments)
	setIfNotEmpty(fields, "NumAtCard", correlationRef)
	return bridge.ExternalDocument{
		Kind:      bridge.KindOrder,
		DocEntry:  docEntry,
		Reference: correlationRef,
		Fields:    fields,
		Lines:     resyncLines(p.Lines),
	}
}

func (p DeliveryResync) externalDocument(docEntry int, correlationRef string) bridge.ExternalDocument {
	fields := map[string]any{"DocDate": p.ShipDate}
	setIfNotEmpty(fields, "TrackingNumber", p.TrackingNumber)
	setIfNotEmpty(fields, "Comments", p.Comments)
	return bridge.ExternalDocument{
		Kind:      bridge.KindDelivery,
		DocEntry:  docEntry,
		Reference: correlationRef,
		Fields:    fields,
		Lines:     resyncLines(p.Lines),
	}
}

func (p InvoiceResync) externalDocument(docEntry int, correlationRef string) bridge.ExternalDocument {
	fields := map[string]any{}
	setIfNotEmpty(fields, "DocDueDate", p.DueDate)
	setIfNotEmpty(fields, "NumAtCard", p.ReferenceNumber)
	setIfNotEmpty(fields, "Comments", p.Comments)
	return bridge.ExternalDocument{
		Kind:      bridge.KindInvoice,
		DocEntry:  docEntry,
		Reference: correlationRef,
		Fields:    fields,
	}
}

func (p AllocationResync) externalDocument(docEntry int, correlationRef string) bridge.ExternalDocument {
	fields := map[string]any{
		"DocDate":         p.TransferDate,
		"TransferDate":    p.TransferDate,
		"TransferAccount": p.TransferAccount,
		"TransferSum":     p.Amount.StringFixed(2),
	}
	setIfNotEmpty(fields, "TransferReference", p.Reference)
	setIfNotEmpty(fields, "CounterReference", correlationRef)
	return bridge.ExternalDocument{
		Kind:      bridge.KindAllocation,
		DocEntry:  docEntry,
		Reference: correlationRef,
		Fields:    fields,
		Lines: []map[string]any{{
			"DocEntry":    p.InvoiceDocEntry,
			"InvoiceType": "it_Invoice",
			"SumApplied":  p.Amount.StringFixed(2),
		}},
	}
}

func resyncLines(in []ResyncLine) []map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make([]map[string]any, 0, len(in))
	for _, l := range in {
		line := map[string]any{
			"ItemCode": l.ItemCode,
			"Quantity": l.Quantity.String(),
		}
		if l.LineNum != nil {
			line["LineNum"] = *l.LineNum
		}
		if l.UnitPrice != nil {
			line["UnitPrice"] = l.UnitPrice.String()
		}
		setIfNotEmpty(line, "WarehouseCode", l.WarehouseCode)
		out = append(out, line)
	}
	return out
}

func setIfNotEmpty(m map[string]any, key string, value string) {
	if strings.TrimSpace(value) != "" {
		m[key] = value
	}
}

// ResyncRequest is one corrective update of an existing ERP document.
type ResyncRequest struct {
	DocumentType   DocumentType
	DocEntry       int
	CorrelationRef string
	Payload        ResyncPayload
}

// resyncBody is the wire form accepted over HTTP and stored as the ledger
// row's request body. Exactly the sub-payload matching the document type is used.
type resyncBody struct {
	DocumentType   DocumentType      `json:"documentType,omitempty"`
	DocEntry       int               `json:"docEntry,omitempty"`
	CorrelationRef string            `json:"correlationRef,omitempty"`
	Order          *OrderResync      `json:"order,omitempty"`
	Delivery       *DeliveryResync   `json:"delivery,omitempty"`
	Invoice        *InvoiceResync    `json:"invoice,omitempty"`
	Allocation     *AllocationResync `json:"allocation,omitempty"`
}

// ParseResyncRequest builds a request from the path parameters and JSON body.
// Every problem is reported as a *ValidationError.
func ParseResyncRequest(documentType string, docEntry int, body []byte) (ResyncRequest, error) {
	dt, err := ParseDocumentType(documentType)
	if err != nil {
		return ResyncRequest{}, err
	}

	var wire resyncBody
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &wire); err != nil {
			return ResyncRequest{}, newValidationError("body", "invalid JSON: %v", err)
		}
	}

	req := ResyncRequest{
		DocumentType:   dt,
		DocEntry:       docEntry,
		CorrelationRef: strings.TrimSpace(wire.CorrelationRef),
	}
	switch dt {
	case DocumentTypeOrder:
		if wire.Order != nil {
			req.Payload = *wire.Order
		}
	case DocumentTypeDelivery:
		if wire.Delivery != nil {
			req.Payload = *wire.Delivery
		}
	case DocumentTypeInvoice:
		if wire.Invoice != nil {
			req.Payload = *wire.Invoice
		}
	case DocumentTypeAllocation:
		if wire.Allocation != nil {
			req.Payload = *wire.Allocation
		}
	}

	if err := req.Validate(); err != nil {
		return ResyncRequest{}, err
	}
	return req, nil
}

// Validate checks the request before any side effect happens.
func (r ResyncRequest) Validate() error {
	if _, err := ParseDocumentType(string(r.DocumentType)); err != nil {
		return err
	}
	if r.DocEntry <= 0 {
		return newValidationError("docEntry", "must be a positive integer")
	}
	if r.Payload == nil {
		return newValidationError(string(r.DocumentType), "payload for document type %s is required", r.DocumentType)
	}
	if r.Payload.documentType() != r.DocumentType {
		return newValidationError(string(r.DocumentType), "payload is for %s, not %s", r.Payload.documentType(), r.DocumentType)
	}

	if err := utils.Validator().Struct(r.Payload); err != nil {
		return validationErrorFrom(string(r.DocumentType), err)
	}

	switch p := r.Payload.(type) {
	case OrderResync:
		if err := validateQuantities(string(r.DocumentType), p.Lines); err != nil {
			return err
		}
	case DeliveryResync:
		if err := validateQuantities(string(r.DocumentType), p.Lines); err != nil {
			return err
		}
	case AllocationResync:
		if !p.Amount.IsPositive() {
			return newValidationError("allocation.amount", "must be greater than zero")
		}
		// the new payment entry has to be written back to the order
		if r.CorrelationRef == "" {
			return newValidationError("correlationRef", "is required for allocation resync")
		}
	}
	return nil
}

func validateQuantities(prefix string, lines []ResyncLine) error {
	for i, l := range lines {
		if !l.Quantity.IsPositive() {
			return newValidationError(fmt.Sprintf("%s.lines[%d].quantity", prefix, i), "must be greater than zero")
		}
	}
	return nil
}

func validationErrorFrom(prefix string, err error) *ValidationError {
	fields := utils.ProcessValidationErrors(err)
	names := make([]string, 0, len(fields))
	for field := range fields {
		names = append(names, field)
	}
	sort.Strings(names)
	for _, field := range names {
		if field == "_" {
			return &ValidationError{Field: prefix, Message: fields[field]}
		}
		return &ValidationError{Field: prefix + "." + field, Message: "failed on '" + fields[field] + "'"}
	}
	return &ValidationError{Field: prefix, Message: err.Error()}
}

// MarshalJSON renders the request in the same shape ParseResyncRequest accepts,
// plus the document type and entry, so a stored request can be replayed.
func (r ResyncRequest) MarshalJSON() ([]byte, error) {
	wire := resyncBody{
		DocumentType:   r.DocumentType,
		DocEntry:       r.DocEntry,
		CorrelationRef: r.CorrelationRef,
	}
	switch p := r.Payload.(type) {
	case OrderResync:
		wire.Order = &p
	case DeliveryResync:
		wire.Delivery = &p
	case InvoiceResync:
		wire.Invoice = &p
	case AllocationResync:
		wire.Allocation = &p
	}
	return json.Marshal(wire)
}

// decodeStoredResync is the inverse of MarshalJSON.
func decodeStoredResync(body []byte) (ResyncRequest, error) {
	var header resyncBody
	if err := json.Unmarshal(body, &header); err != nil {
		return ResyncRequest{}, newValidationError("request_body", "invalid stored request: %v", err)
	}
	return ParseResyncRequest(string(header.DocumentType), header.DocEntry, body)
}
