package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/mmdatafocus/erpbridge/config"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// entityShape describes how an entity set names its keys and line collection.
type entityShape struct {
	entryField string
	numField   string
	linesField string
	refField   string
}

var entityShapes = map[DocumentKind]entityShape{
	KindOrder:       {"DocEntry", "DocNum", "DocumentLines", "NumAtCard"},
	KindDelivery:    {"DocEntry", "DocNum", "DocumentLines", "NumAtCard"},
	KindInvoice:     {"DocEntry", "DocNum", "DocumentLines", "NumAtCard"},
	KindAllocation:  {"DocEntry", "DocNum", "PaymentInvoices", "CounterReference"},
	KindCogsJournal: {"JdtNum", "Number", "JournalEntryLines", ReferenceField},
}

func shapeFor(kind DocumentKind) (entityShape, error) {
	shape, ok := entityShapes[kind]
	if !ok {
		return entityShape{}, fmt.Errorf("unsupported document kind %q", kind)
	}
	return shape, nil
}

// ServiceLayerClient talks to the ERP REST service layer. It logs in lazily
// and logs in again once when the session expires.
type ServiceLayerClient struct {
	baseURL   string
	companyDB string
	username  string
	password  string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *logrus.Logger

	mu      sync.Mutex
	session string
}

func NewServiceLayerClient(cfg config.ErpClientConfig, logger *logrus.Logger) (*ServiceLayerClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("erp base url is empty")
	}
	if strings.TrimSpace(cfg.CompanyDB) == "" || strings.TrimSpace(cfg.Username) == "" {
		return nil, errors.New("erp company db and username are required")
	}
	ratePerSec := cfg.RatePerSec
	if ratePerSec <= 0 {
		ratePerSec = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &ServiceLayerClient{
		baseURL:   baseURL,
		companyDB: cfg.CompanyDB,
		username:  cfg.Username,
		password:  cfg.Password,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(ratePerSec), 1),
		logger:    logger,
	}, nil
}

type serviceLayerError struct {
	Error struct {
		Code    any `json:"code"`
		Message struct {
			Lang  string `json:"lang"`
			Value string `json:"value"`
		} `json:"message"`
	} `json:"error"`
}

func (c *ServiceLayerClient) CreateOrUpdateExternalDocument(ctx context.Context, doc ExternalDocument) (DocumentRef, error) {
	shape, err := shapeFor(doc.Kind)
	if err != nil {
		return DocumentRef{}, err
	}
	body := make(map[string]any, len(doc.Fields)+1)
	for k, v := range doc.Fields {
		body[k] = v
	}
	if len(doc.Lines) > 0 {
		body[shape.linesField] = doc.Lines
	}

	switch {
	case doc.DocEntry == 0:
		return c.create(ctx, doc.Kind, shape, body)
	case doc.Kind == KindAllocation:
		// payments cannot be edited; cancel and post a replacement
		if _, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/%s(%d)/Cancel", doc.Kind, doc.DocEntry), nil); err != nil {
			return DocumentRef{}, fmt.Errorf("cancel %s %d: %w", doc.Kind, doc.DocEntry, err)
		}
		ref, err := c.create(ctx, doc.Kind, shape, body)
		if err != nil {
			c.logger.WithFields(logrus.Fields{
				"field":           "ServiceLayerClient",
				"kind":            doc.Kind,
				"cancelled_entry": doc.DocEntry,
			}).Error("replacement create failed after cancel: " + err.Error())
			return DocumentRef{}, &ReplacementError{Kind: doc.Kind, CancelledEntry: doc.DocEntry, Err: err}
		}
		c.logger.WithFields(logrus.Fields{
			"field":          "ServiceLayerClient",
			"kind":           doc.Kind,
			"previous_entry": doc.DocEntry,
			"new_entry":      ref.DocEntry,
		}).Info("document reallocated")
		return ref, nil
	default:
		if _, err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/%s(%d)", doc.Kind, doc.DocEntry), body); err != nil {
			return DocumentRef{}, err
		}
		raw, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/%s(%d)?$select=%s,%s", doc.Kind, doc.DocEntry, shape.entryField, shape.numField), nil)
		if err != nil {
			return DocumentRef{}, err
		}
		return decodeRef(raw, shape)
	}
}

func (c *ServiceLayerClient) create(ctx context.Context, kind DocumentKind, shape entityShape, body map[string]any) (DocumentRef, error) {
	raw, err := c.do(ctx, http.MethodPost, "/"+string(kind), body)
	if err != nil {
		return DocumentRef{}, err
	}
	return decodeRef(raw, shape)
}

func (c *ServiceLayerClient) FindByReference(ctx context.Context, kind DocumentKind, reference string) (*ExistingDocument, error) {
	shape, err := shapeFor(kind)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("%s eq '%s'", shape.refField, strings.ReplaceAll(reference, "'", "''")))
	params.Set("$select", strings.Join([]string{shape.entryField, shape.numField, SyncHashField}, ","))
	params.Set("$top", "1")

	raw, err := c.do(ctx, http.MethodGet, "/"+string(kind)+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("decode %s lookup: %w", kind, err)
	}
	if len(parsed.Value) == 0 {
		return nil, nil
	}
	row := parsed.Value[0]
	ref, err := refFromMap(row, shape)
	if err != nil {
		return nil, err
	}
	hash, _ := row[SyncHashField].(string)
	return &ExistingDocument{DocumentRef: ref, SyncHash: hash}, nil
}

func decodeRef(raw []byte, shape entityShape) (DocumentRef, error) {
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return DocumentRef{}, fmt.Errorf("decode document ref: %w", err)
	}
	return refFromMap(row, shape)
}

func refFromMap(row map[string]any, shape entityShape) (DocumentRef, error) {
	entry, ok := row[shape.entryField].(float64)
	if !ok {
		return DocumentRef{}, fmt.Errorf("response has no %s", shape.entryField)
	}
	ref := DocumentRef{DocEntry: int(entry)}
	switch n := row[shape.numField].(type) {
	case float64:
		ref.DocNum = fmt.Sprintf("%d", int64(n))
	case string:
		ref.DocNum = n
	}
	return ref, nil
}

// do sends one request, logging in first when needed and once more on 401.
func (c *ServiceLayerClient) do(ctx context.Context, method string, path string, body any) ([]byte, error) {
	raw, status, err := c.send(ctx, method, path, body, true)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		c.mu.Lock()
		c.session = ""
		c.mu.Unlock()
		raw, status, err = c.send(ctx, method, path, body, true)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status >= 300 {
		return nil, storeErrorFrom(status, raw)
	}
	return raw, nil
}

func (c *ServiceLayerClient) send(ctx context.Context, method string, path string, body any, withSession bool) ([]byte, int, error) {
	var session string
	if withSession {
		var err error
		if session, err = c.ensureSession(ctx); err != nil {
			return nil, 0, err
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		req.AddCookie(&http.Cookie{Name: "B1SESSION", Value: session})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

func (c *ServiceLayerClient) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != "" {
		return c.session, nil
	}

	raw, status, err := c.send(ctx, http.MethodPost, "/Login", map[string]string{
		"CompanyDB": c.companyDB,
		"UserName":  c.username,
		"Password":  c.password,
	}, false)
	if err != nil {
		return "", fmt.Errorf("erp login: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", storeErrorFrom(status, raw)
	}
	var parsed struct {
		SessionId string `json:"SessionId"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.SessionId == "" {
		return "", errors.New("erp login: response has no session id")
	}
	c.session = parsed.SessionId
	return c.session, nil
}

func storeErrorFrom(status int, raw []byte) error {
	var parsed serviceLayerError
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error.Message.Value != "" {
		return &StoreError{StatusCode: status, Detail: parsed.Error.Message.Value}
	}
	detail := strings.TrimSpace(string(raw))
	if detail == "" {
		detail = http.StatusText(status)
	}
	return &StoreError{StatusCode: status, Detail: detail}
}
