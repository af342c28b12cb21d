package workflow_test

import (
	"context"
	"errors"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/models"
	"github.com/mmdatafocus/erpbridge/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const allocationBody = `{
	"correlationRef": "SO-0009",
	"allocation": {
		"invoiceDocEntry": 311,
		"amount": "1250.50",
		"transferDate": "2026-03-02",
		"transferAccount": "_SYS00000000121",
		"reference": "TRX-77"
	}
}`

func allocationRequest(t *testing.T) workflow.ResyncRequest {
	t.Helper()
	req, err := workflow.ParseResyncRequest("allocation", 88, []byte(allocationBody))
	require.NoError(t, err)
	return req
}

func TestResyncReallocationWriteBackFailureIsNonFatal(t *testing.T) {
	store := newTestStore(t, 5)
	docs := newFakeDocuments()
	docs.reallocate = true
	ids := &fakeIdentifiers{err: errors.New("business app unavailable")}
	coord := workflow.NewResyncCoordinator(store, docs, ids, nil)

	result, err := coord.Resync(context.Background(), allocationRequest(t))
	require.NoError(t, err)

	assert.True(t, result.Reallocated)
	assert.Equal(t, 88, result.PreviousDocEntry)
	assert.NotEqual(t, 88, result.DocEntry)
	require.NotNil(t, result.WriteBackError)
	assert.Contains(t, *result.WriteBackError, "business app unavailable")

	require.Len(t, ids.writes, 1)
	assert.Equal(t, writeBack{"SO-0009", result.DocEntry, result.DocNum}, ids.writes[0])

	ledger, err := store.Get(context.Background(), result.LedgerID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusDone, ledger.Status)
	assert.Equal(t, "resync:allocation", ledger.EventCategory)
	assert.Equal(t, "88", ledger.ExternalDocRef)
	assert.NotNil(t, ledger.ProcessedAt)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(ledger.ResponseBody, &stored))
	assert.Equal(t, true, stored["reallocated"])
	assert.NotNil(t, stored["writeBackError"])
}

func TestResyncReallocationWriteBackSucceeds(t *testing.T) {
	store := newTestStore(t, 5)
	docs := newFakeDocuments()
	docs.reallocate = true
	ids := &fakeIdentifiers{}
	coord := workflow.NewResyncCoordinator(store, docs, ids, nil)

	result, err := coord.Resync(context.Background(), allocationRequest(t))
	require.NoError(t, err)
	assert.True(t, result.Reallocated)
	assert.Nil(t, result.WriteBackError)
	require.Len(t, ids.writes, 1)
}

func TestResyncInPlaceUpdateSkipsWriteBack(t *testing.T) {
	store := newTestStore(t, 5)
	ids := &fakeIdentifiers{}
	coord := workflow.NewResyncCoordinator(store, newFakeDocuments(), ids, nil)

	req, err := workflow.ParseResyncRequest("invoice", 120, []byte(`{"invoice":{"dueDate":"2026-04-30","comments":"terms fixed"}}`))
	require.NoError(t, err)

	result, err := coord.Resync(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Reallocated)
	assert.Equal(t, 120, result.DocEntry)
	assert.Nil(t, result.WriteBackError)
	assert.Empty(t, ids.writes)
}

func TestResyncStoreErrorPropagatesVerbatim(t *testing.T) {
	store := newTestStore(t, 5)
	docs := newFakeDocuments()
	docs.failWith = &bridge.StoreError{StatusCode: 400, Detail: "Document is already closed"}
	coord := workflow.NewResyncCoordinator(store, docs, &fakeIdentifiers{}, nil)

	req, err := workflow.ParseResyncRequest("delivery", 45, []byte(`{"delivery":{"shipDate":"2026-03-05","trackingNumber":"1Z999"}}`))
	require.NoError(t, err)

	_, err = coord.Resync(context.Background(), req)
	var storeErr *bridge.StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "Document is already closed", storeErr.Detail)

	rows, _, err := store.List(context.Background(), models.QueueFilter{EventCategory: "resync:delivery"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueStatusFailed, rows[0].Status)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "Document is already closed")
}

func TestResyncValidationHappensBeforeSideEffects(t *testing.T) {
	store := newTestStore(t, 5)
	docs := newFakeDocuments()
	coord := workflow.NewResyncCoordinator(store, docs, &fakeIdentifiers{}, nil)

	cases := []struct {
		name    string
		docType string
		entry   int
		body    string
	}{
		{"unknown type", "quotation", 1, `{}`},
		{"missing sub-payload", "order", 1, `{"invoice":{"comments":"wrong kind"}}`},
		{"bad entry", "invoice", 0, `{"invoice":{}}`},
		{"order without lines", "order", 1, `{"order":{"customerRef":"C001","lines":[]}}`},
		{"allocation non-positive amount", "allocation", 1, `{"correlationRef":"SO-1","allocation":{"invoiceDocEntry":3,"amount":"0","transferDate":"2026-03-02","transferAccount":"X"}}`},
		{"allocation without correlation", "allocation", 1, `{"allocation":{"invoiceDocEntry":3,"amount":"10","transferDate":"2026-03-02","transferAccount":"X"}}`},
		{"bad date", "delivery", 1, `{"delivery":{"shipDate":"05/03/2026"}}`},
		{"malformed json", "invoice", 1, `{"invoice":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := workflow.ParseResyncRequest(tc.docType, tc.entry, []byte(tc.body))
			require.True(t, workflow.IsValidationError(err), "got %v", err)

			_, err = coord.Resync(context.Background(), workflow.ResyncRequest{DocumentType: workflow.DocumentType(tc.docType), DocEntry: tc.entry})
			require.True(t, workflow.IsValidationError(err), "got %v", err)
		})
	}

	summary, err := store.Summary(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Total, "validation failures never open a ledger row")
	assert.Zero(t, docs.callCount())
}

func TestResyncLedgerFailureIsSwallowed(t *testing.T) {
	store := newTestStore(t, 5)
	require.NoError(t, store.DB.Migrator().DropTable(&models.QueueItem{}))
	docs := newFakeDocuments()
	coord := workflow.NewResyncCoordinator(store, docs, &fakeIdentifiers{}, nil)

	req, err := workflow.ParseResyncRequest("invoice", 120, []byte(`{"invoice":{"comments":"x"}}`))
	require.NoError(t, err)

	result, err := coord.Resync(context.Background(), req)
	require.NoError(t, err)
	assert.Zero(t, result.LedgerID)
	assert.Equal(t, 1, docs.callCount())
}

func TestResyncReplayAfterManualReset(t *testing.T) {
	store := newTestStore(t, 5)
	docs := newFakeDocuments()
	docs.failWith = &bridge.StoreError{StatusCode: 503, Detail: "Service Layer busy"}
	coord := workflow.NewResyncCoordinator(store, docs, &fakeIdentifiers{}, nil)
	ctx := context.Background()

	_, err := coord.Resync(ctx, allocationRequest(t))
	require.Error(t, err)

	rows, _, err := store.List(ctx, models.QueueFilter{Status: models.QueueStatusFailed})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NoError(t, store.ManualReset(ctx, rows[0].ID))

	docs.failWith = nil
	worker := &workflow.QueueWorker{
		Store:    store,
		Executor: &workflow.ItemRouter{Resync: coord},
	}
	stats := worker.ProcessOnce(ctx)
	assert.Equal(t, 1, stats.Succeeded)

	item, err := store.Get(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusDone, item.Status)

	last := docs.calls[len(docs.calls)-1]
	assert.Equal(t, bridge.KindAllocation, last.Kind)
	assert.Equal(t, 88, last.DocEntry)
	assert.Equal(t, "1250.50", last.Fields["TransferSum"])
}

func TestResyncClosesLedgerWhenCallerGoesAway(t *testing.T) {
	cases := []struct {
		name       string
		failWith   error
		wantStatus models.QueueStatus
	}{
		{"store accepted the update", nil, models.QueueStatusDone},
		{"store rejected the update", &bridge.StoreError{StatusCode: 400, Detail: "Payment already reconciled"}, models.QueueStatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newTestStore(t, 5)
			docs := newFakeDocuments()
			docs.reallocate = true
			docs.failWith = tc.failWith
			ids := &fakeIdentifiers{}
			coord := workflow.NewResyncCoordinator(store, docs, ids, nil)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			docs.afterWrite = cancel

			_, err := coord.Resync(ctx, allocationRequest(t))
			if tc.failWith == nil {
				require.NoError(t, err)
				require.Len(t, ids.writes, 1, "write-back still runs after the caller left")
			} else {
				require.Error(t, err)
			}

			items, total, err := store.List(context.Background(), models.QueueFilter{EventCategory: "resync:allocation"})
			require.NoError(t, err)
			require.Equal(t, int64(1), total)
			assert.Equal(t, tc.wantStatus, items[0].Status)
			assert.NotNil(t, items[0].ProcessedAt)
		})
	}
}
