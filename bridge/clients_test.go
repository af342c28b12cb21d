package bridge

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   map[string]any
	Cookie string
}

type fakeServiceLayer struct {
	mu       sync.Mutex
	requests []recordedRequest
	logins   int
	expireOn int
	// rejectPayments makes POST /IncomingPayments fail.
	rejectPayments bool
}

func (f *fakeServiceLayer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &body)
		}
		cookie := ""
		if c, err := r.Cookie("B1SESSION"); err == nil {
			cookie = c.Value
		}
		f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, r.URL.RawQuery, body, cookie})

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/Login":
			f.logins++
			_, _ = io.WriteString(w, `{"SessionId":"s-`+string(rune('0'+f.logins))+`","SessionTimeout":30}`)
		case f.expireOn > 0 && len(f.requests) == f.expireOn:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":{"code":301,"message":{"lang":"en-us","value":"Invalid session"}}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/IncomingPayments(88)/Cancel":
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodPost && r.URL.Path == "/IncomingPayments" && f.rejectPayments:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":-5002,"message":{"lang":"en-us","value":"Invoice 311 is closed"}}}`)
		case r.Method == http.MethodPost && r.URL.Path == "/IncomingPayments":
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"DocEntry":91,"DocNum":4091}`)
		case r.Method == http.MethodPost && r.URL.Path == "/Invoices":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":-10,"message":{"lang":"en-us","value":"Item A-100 is inactive"}}}`)
		case r.Method == http.MethodPatch:
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && r.URL.Path == "/Orders(12)":
			_, _ = io.WriteString(w, `{"DocEntry":12,"DocNum":1012}`)
		case r.Method == http.MethodGet && r.URL.Path == "/JournalEntries":
			if strings.Contains(r.URL.Query().Get("$filter"), "'10045'") {
				_, _ = io.WriteString(w, `{"value":[{"JdtNum":301,"Number":9301,"U_SyncHash":"abc"}]}`)
				return
			}
			_, _ = io.WriteString(w, `{"value":[]}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestServiceLayer(t *testing.T) (*ServiceLayerClient, *fakeServiceLayer) {
	t.Helper()
	fake := &fakeServiceLayer{}
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	client, err := NewServiceLayerClient(config.ErpClientConfig{
		BaseURL:    srv.URL + "/",
		CompanyDB:  "SBODEMO",
		Username:   "manager",
		Password:   "secret",
		RatePerSec: 1000,
	}, nil)
	require.NoError(t, err)
	return client, fake
}

func TestServiceLayerReallocatesPayments(t *testing.T) {
	client, fake := newTestServiceLayer(t)

	ref, err := client.CreateOrUpdateExternalDocument(context.Background(), ExternalDocument{
		Kind:     KindAllocation,
		DocEntry: 88,
		Fields:   map[string]any{"TransferSum": "10.00"},
		Lines:    []map[string]any{{"DocEntry": 311, "SumApplied": "10.00"}},
	})
	require.NoError(t, err)
	require.Equal(t, DocumentRef{DocEntry: 91, DocNum: "4091"}, ref)

	require.Len(t, fake.requests, 3)
	require.Equal(t, "/Login", fake.requests[0].Path)
	require.Equal(t, "/IncomingPayments(88)/Cancel", fake.requests[1].Path)
	require.Equal(t, "s-1", fake.requests[1].Cookie)
	require.Contains(t, fake.requests[2].Body, "PaymentInvoices")
}

func TestServiceLayerNamesCancelledPaymentWhenReplacementFails(t *testing.T) {
	client, fake := newTestServiceLayer(t)
	fake.rejectPayments = true

	_, err := client.CreateOrUpdateExternalDocument(context.Background(), ExternalDocument{
		Kind:     KindAllocation,
		DocEntry: 88,
		Fields:   map[string]any{"TransferSum": "10.00"},
		Lines:    []map[string]any{{"DocEntry": 311, "SumApplied": "10.00"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "IncomingPayments(88) was cancelled")

	var replacementErr *ReplacementError
	require.True(t, errors.As(err, &replacementErr))
	require.Equal(t, 88, replacementErr.CancelledEntry)
	require.Equal(t, KindAllocation, replacementErr.Kind)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	require.Equal(t, "Invoice 311 is closed", storeErr.Detail)
}

func TestServiceLayerPatchesInPlace(t *testing.T) {
	client, fake := newTestServiceLayer(t)

	ref, err := client.CreateOrUpdateExternalDocument(context.Background(), ExternalDocument{
		Kind:     KindOrder,
		DocEntry: 12,
		Fields:   map[string]any{"Comments": "fixed"},
	})
	require.NoError(t, err)
	require.Equal(t, DocumentRef{DocEntry: 12, DocNum: "1012"}, ref)
	require.Equal(t, http.MethodPatch, fake.requests[1].Method)
	require.Equal(t, "fixed", fake.requests[1].Body["Comments"])
}

func TestServiceLayerStoreErrorCarriesDetail(t *testing.T) {
	client, _ := newTestServiceLayer(t)

	_, err := client.CreateOrUpdateExternalDocument(context.Background(), ExternalDocument{Kind: KindInvoice})
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	require.Equal(t, http.StatusBadRequest, storeErr.StatusCode)
	require.Equal(t, "Item A-100 is inactive", storeErr.Detail)
}

func TestServiceLayerFindByReference(t *testing.T) {
	client, _ := newTestServiceLayer(t)

	doc, err := client.FindByReference(context.Background(), KindCogsJournal, "10045")
	require.NoError(t, err)
	require.NotNil(t, doc)
	require.Equal(t, 301, doc.DocEntry)
	require.Equal(t, "9301", doc.DocNum)
	require.Equal(t, "abc", doc.SyncHash)

	doc, err = client.FindByReference(context.Background(), KindCogsJournal, "O'Brien")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestServiceLayerLogsInAgainWhenSessionExpires(t *testing.T) {
	client, fake := newTestServiceLayer(t)
	fake.expireOn = 2

	_, err := client.FindByReference(context.Background(), KindCogsJournal, "10045")
	require.NoError(t, err)
	require.Equal(t, 2, fake.logins)
	require.Equal(t, "s-2", fake.requests[len(fake.requests)-1].Cookie)
}

type fakeRPC struct {
	mu    sync.Mutex
	calls []rpcParams
	fail  bool
}

func (f *fakeRPC) handler(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var req rpcRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.calls = append(f.calls, req.Params)

	w.Header().Set("Content-Type", "application/json")
	if req.Params.Service == "common" {
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":7}`)
		return
	}
	method, _ := req.Params.Args[4].(string)
	switch {
	case f.fail && method == "write":
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"error":{"code":200,"message":"Odoo Server Error","data":{"name":"odoo.exceptions.AccessError","message":"write access denied"}}}`)
	case method == "search":
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":[42]}`)
	default:
		_, _ = io.WriteString(w, `{"jsonrpc":"2.0","id":1,"result":true}`)
	}
}

func newTestRPC(t *testing.T) (*RPCClient, *fakeRPC) {
	t.Helper()
	fake := &fakeRPC{}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	t.Cleanup(srv.Close)
	client, err := NewRPCClient(config.AppClientConfig{
		URL:        srv.URL,
		Database:   "prod",
		Username:   "bridge@example.com",
		APIKey:     "key",
		RatePerSec: 1000,
	})
	require.NoError(t, err)
	return client, fake
}

func TestRPCWriteBackIdentifier(t *testing.T) {
	client, fake := newTestRPC(t)

	require.NoError(t, client.WriteBackIdentifier(context.Background(), "SO-0009", 91, "4091"))

	require.Len(t, fake.calls, 3, "authenticate once, then search and write")
	require.Equal(t, "authenticate", fake.calls[0].Method)
	write := fake.calls[2]
	require.Equal(t, "write", write.Args[4])
	args := write.Args[5].([]any)
	require.Equal(t, []any{float64(42)}, args[0])
	vals := args[1].(map[string]any)
	require.Equal(t, float64(91), vals["x_erp_doc_entry"])
	require.Equal(t, "4091", vals["x_erp_doc_num"])
}

func TestRPCFaultBecomesRPCError(t *testing.T) {
	client, fake := newTestRPC(t)
	fake.fail = true

	err := client.WriteBackIdentifier(context.Background(), "SO-0009", 91, "4091")
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, "write access denied", rpcErr.Data)
}
