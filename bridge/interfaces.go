package bridge

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
)

// DocumentKind is the ERP entity set a document lives in.
type DocumentKind string

const (
	KindOrder       DocumentKind = "Orders"
	KindDelivery    DocumentKind = "DeliveryNotes"
	KindInvoice     DocumentKind = "Invoices"
	KindAllocation  DocumentKind = "IncomingPayments"
	KindCogsJournal DocumentKind = "JournalEntries"
)

// SyncHashField is the user-defined ERP field holding the payload fingerprint
// of the last posted version of a document.
const SyncHashField = "U_SyncHash"

// ReferenceField is the journal header field holding the business
// application's reference; FindByReference filters on it.
const ReferenceField = "Reference"

// DocumentRef identifies an ERP document. DocEntry is the internal key, DocNum
// the human-facing number.
type DocumentRef struct {
	DocEntry int    `json:"docEntry"`
	DocNum   string `json:"docNum"`
}

// ExternalDocument is one create-or-update request against the ERP.
// DocEntry == 0 means create.
type ExternalDocument struct {
	Kind      DocumentKind
	DocEntry  int
	Reference string
	Fields    map[string]any
	Lines     []map[string]any
}

// ExistingDocument is what FindByReference returns for a document that is
// already posted.
type ExistingDocument struct {
	DocumentRef
	SyncHash string
}

type ExternalDocumentStore interface {
	CreateOrUpdateExternalDocument(ctx context.Context, doc ExternalDocument) (DocumentRef, error)
	// FindByReference returns nil, nil when no document carries the reference.
	FindByReference(ctx context.Context, kind DocumentKind, reference string) (*ExistingDocument, error)
}

type IdentifierWriter interface {
	WriteBackIdentifier(ctx context.Context, correlationRef string, newID int, newNumber string) error
}

type RemoteExecutor interface {
	RemoteExecute(ctx context.Context, model string, method string, args []any, kwargs map[string]any) (json.RawMessage, error)
}

// StoreError is a rejection reported by the ERP. Detail is the store's own
// message and is surfaced to callers unchanged.
type StoreError struct {
	StatusCode int
	Detail     string
}

func (e *StoreError) Error() string {
	if e.StatusCode == 0 {
		return "external store error: " + e.Detail
	}
	return fmt.Sprintf("external store error %d: %s", e.StatusCode, e.Detail)
}

// RPCError is a fault returned by the business application.
type RPCError struct {
	Code    int
	Message string
	Data    string
}

func (e *RPCError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ReplacementError reports a reallocation whose cancel succeeded but whose
// replacement was not created. CancelledEntry no longer exists as a live
// document in the ERP.
type ReplacementError struct {
	Kind           DocumentKind
	CancelledEntry int
	Err            error
}

func (e *ReplacementError) Error() string {
	return fmt.Sprintf("%s(%d) was cancelled but its replacement was not created: %v", e.Kind, e.CancelledEntry, e.Err)
}

func (e *ReplacementError) Unwrap() error { return e.Err }
