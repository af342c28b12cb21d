package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmdatafocus/erpbridge/bridge"
	"github.com/mmdatafocus/erpbridge/utils"
	"github.com/sirupsen/logrus"
)

type CogsAction string

// journalAmountScale is the number of decimal places sent on journal lines.
const journalAmountScale = 6

const (
	CogsActionCreated CogsAction = "created"
	CogsActionUpdated CogsAction = "updated"
	CogsActionSkipped CogsAction = "skipped"
)

type CogsPostResult struct {
	Action   CogsAction `json:"action"`
	DocEntry int        `json:"docEntry"`
	DocNum   string     `json:"docNum"`
	Hash     string     `json:"hash"`
}

// CogsPoster posts cost-of-goods documents to the ERP at most once per
// distinct payload. The fingerprint of the last posted payload lives on the
// ERP document itself, so a retried attempt that already succeeded remotely
// becomes a no-op.
type CogsPoster struct {
	Documents bridge.ExternalDocumentStore
	Logger    *logrus.Logger
}

func (p *CogsPoster) Post(ctx context.Context, doc CogsDocument) (CogsPostResult, error) {
	if strings.TrimSpace(doc.Reference) == "" {
		return CogsPostResult{}, newValidationError("reference", "is required")
	}
	if len(doc.Lines) == 0 {
		return CogsPostResult{}, newValidationError("lines", "at least one line is required")
	}

	hash, err := Fingerprint(doc)
	if err != nil {
		return CogsPostResult{}, err
	}

	existing, err := p.Documents.FindByReference(ctx, bridge.KindCogsJournal, doc.Reference)
	if err != nil {
		return CogsPostResult{}, fmt.Errorf("find cogs document %s: %w", doc.Reference, err)
	}

	if existing != nil && existing.SyncHash == hash {
		p.log(ctx, doc.Reference, CogsActionSkipped, existing.DocEntry)
		return CogsPostResult{
			Action:   CogsActionSkipped,
			DocEntry: existing.DocEntry,
			DocNum:   existing.DocNum,
			Hash:     hash,
		}, nil
	}

	action := CogsActionCreated
	out := cogsExternalDocument(doc, hash)
	if existing != nil {
		action = CogsActionUpdated
		out.DocEntry = existing.DocEntry
	}

	ref, err := p.Documents.CreateOrUpdateExternalDocument(ctx, out)
	if err != nil {
		return CogsPostResult{}, fmt.Errorf("%s cogs document %s: %w", action, doc.Reference, err)
	}
	p.log(ctx, doc.Reference, action, ref.DocEntry)
	return CogsPostResult{
		Action:   action,
		DocEntry: ref.DocEntry,
		DocNum:   ref.DocNum,
		Hash:     hash,
	}, nil
}

func (p *CogsPoster) log(ctx context.Context, reference string, action CogsAction, docEntry int) {
	if p.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":     "CogsPoster",
		"reference": reference,
		"action":    action,
		"doc_entry": docEntry,
	}
	if id, ok := utils.GetQueueItemIdFromContext(ctx); ok {
		fields["queue_item"] = id
	}
	p.Logger.WithFields(fields).Info("cogs document posted")
}

func cogsExternalDocument(doc CogsDocument, hash string) bridge.ExternalDocument {
	lines := make([]map[string]any, 0, len(doc.Lines))
	for _, l := range sortedLines(doc.Lines) {
		cost, _ := l.Cost()
		line := map[string]any{
			"ItemCode": l.ItemCode,
			"Quantity": l.Quantity.String(),
			"Debit":    cost.StringFixed(journalAmountScale),
		}
		if l.LineNum != nil {
			line["LineNum"] = *l.LineNum
		}
		lines = append(lines, line)
	}
	return bridge.ExternalDocument{
		Kind:      bridge.KindCogsJournal,
		Reference: doc.Reference,
		Fields: map[string]any{
			bridge.ReferenceField: doc.Reference,
			bridge.SyncHashField:  hash,
			"Memo":                "COGS " + doc.Reference,
		},
		Lines: lines,
	}
}
