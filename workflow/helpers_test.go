package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T, maxRetries int) *models.QueueStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := models.MigrateTable(db, maxRetries); err != nil {
		t.Fatalf("MigrateTable: %v", err)
	}
	return models.NewQueueStore(db, maxRetries)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func intPtr(n int) *int {
	return &n
}

// fakeDocuments is an in-memory ExternalDocumentStore.
type fakeDocuments struct {
	mu sync.Mutex

	byRef     map[string]*bridge.ExistingDocument
	calls     []bridge.ExternalDocument
	nextEntry int

	// reallocate makes updates return a new DocEntry, like an allocation
	// that the ERP cancels and re-posts.
	reallocate bool
	failWith   error
	findErr    error
	// afterWrite runs once the write has been decided, before it returns.
	afterWrite func()
}

func newFakeDocuments() *fakeDocuments {
	return &fakeDocuments{byRef: map[string]*bridge.ExistingDocument{}, nextEntry: 500}
}

func (f *fakeDocuments) CreateOrUpdateExternalDocument(_ context.Context, doc bridge.ExternalDocument) (bridge.DocumentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, doc)
	if f.afterWrite != nil {
		defer f.afterWrite()
	}
	if f.failWith != nil {
		return bridge.DocumentRef{}, f.failWith
	}

	entry := doc.DocEntry
	if entry == 0 || f.reallocate {
		f.nextEntry++
		entry = f.nextEntry
	}
	ref := bridge.DocumentRef{DocEntry: entry, DocNum: fmt.Sprintf("N%d", entry)}
	if doc.Reference != "" {
		hash, _ := doc.Fields[bridge.SyncHashField].(string)
		f.byRef[string(doc.Kind)+"/"+doc.Reference] = &bridge.ExistingDocument{DocumentRef: ref, SyncHash: hash}
	}
	return ref, nil
}

func (f *fakeDocuments) FindByReference(_ context.Context, kind bridge.DocumentKind, reference string) (*bridge.ExistingDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	doc, ok := f.byRef[string(kind)+"/"+reference]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (f *fakeDocuments) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type writeBack struct {
	CorrelationRef string
	NewID          int
	NewNumber      string
}

type fakeIdentifiers struct {
	mu     sync.Mutex
	writes []writeBack
	err    error
}

func (f *fakeIdentifiers) WriteBackIdentifier(_ context.Context, correlationRef string, newID int, newNumber string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, writeBack{correlationRef, newID, newNumber})
	return f.err
}

type rpcCall struct {
	Model  string
	Method string
	Args   []any
	Kwargs map[string]any
}

// fakeApp answers RemoteExecute from a table keyed by "model.method".
type fakeApp struct {
	mu        sync.Mutex
	responses map[string]any
	errs      map[string]error
	// handlers take precedence over responses for the same key.
	handlers map[string]func(kwargs map[string]any) any
	calls    []rpcCall
}

func newFakeApp() *fakeApp {
	return &fakeApp{responses: map[string]any{}, errs: map[string]error{}, handlers: map[string]func(map[string]any) any{}}
}

func (f *fakeApp) RemoteExecute(_ context.Context, model string, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := model + "." + method
	f.calls = append(f.calls, rpcCall{model, method, args, kwargs})
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	resp, ok := f.responses[key]
	if h := f.handlers[key]; h != nil {
		resp, ok = h(kwargs), true
	}
	if !ok {
		return json.RawMessage("true"), nil
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (f *fakeApp) callsTo(model string, method string) []rpcCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []rpcCall
	for _, c := range f.calls {
		if c.Model == model && c.Method == method {
			out = append(out, c)
		}
	}
	return out
}
