package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CogsDocument is the line-level payload of a cost-of-goods posting.
// Reference is the ERP document number the costs belong to.
type CogsDocument struct {
	Reference string
	Lines     []CogsLine
}

// CogsLine carries exactly one of UnitCost or LineTotal.
type CogsLine struct {
	LineNum   *int
	ItemCode  string
	Quantity  decimal.Decimal
	UnitCost  *decimal.Decimal
	LineTotal *decimal.Decimal
}

// Key is the line number when present, else the item code.
func (l CogsLine) Key() string {
	if l.LineNum != nil {
		return strconv.Itoa(*l.LineNum)
	}
	return l.ItemCode
}

// Cost resolves the comparable cost of the line: UnitCost x Quantity, or
// LineTotal as given.
func (l CogsLine) Cost() (decimal.Decimal, error) {
	switch {
	case l.UnitCost != nil && l.LineTotal != nil:
		return decimal.Zero, newValidationError("lines."+l.Key(), "unit cost and line total are mutually exclusive")
	case l.UnitCost != nil:
		return l.UnitCost.Mul(l.Quantity), nil
	case l.LineTotal != nil:
		return *l.LineTotal, nil
	default:
		return decimal.Zero, newValidationError("lines."+l.Key(), "either unit cost or line total is required")
	}
}

// Fingerprint returns the lowercase hex SHA-256 of the canonical form of doc.
// Line order and the choice of cost representation do not affect the result.
func Fingerprint(doc CogsDocument) (string, error) {
	lines := sortedLines(doc.Lines)

	var b strings.Builder
	b.WriteString("ref=")
	b.WriteString(canonicalText(doc.Reference))
	b.WriteByte('\n')
	for _, line := range lines {
		cost, err := line.Cost()
		if err != nil {
			return "", err
		}
		b.WriteString("line=")
		b.WriteString(canonicalText(line.Key()))
		b.WriteString("|item=")
		b.WriteString(canonicalText(line.ItemCode))
		b.WriteString("|qty=")
		b.WriteString(canonicalDecimal(line.Quantity))
		b.WriteString("|cost=")
		b.WriteString(canonicalDecimal(cost))
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}

// sortedLines orders by line number when every line has one, otherwise by
// line key. Ties fall back to item code, quantity and resolved cost, so any
// permutation of the same lines sorts identically. The input slice is not
// modified.
func sortedLines(in []CogsLine) []CogsLine {
	lines := make([]CogsLine, len(in))
	copy(lines, in)

	allNumbered := len(lines) > 0
	for _, l := range lines {
		if l.LineNum == nil {
			allNumbered = false
			break
		}
	}

	sort.SliceStable(lines, func(i, j int) bool {
		if allNumbered && *lines[i].LineNum != *lines[j].LineNum {
			return *lines[i].LineNum < *lines[j].LineNum
		}
		ki, kj := lines[i].Key(), lines[j].Key()
		if ki != kj {
			return ki < kj
		}
		if lines[i].ItemCode != lines[j].ItemCode {
			return lines[i].ItemCode < lines[j].ItemCode
		}
		if c := lines[i].Quantity.Cmp(lines[j].Quantity); c != 0 {
			return c < 0
		}
		return sortCost(lines[i]).Cmp(sortCost(lines[j])) < 0
	})
	return lines
}

// sortCost is Cost for ordering only; an invalid line is reported by
// Fingerprint itself.
func sortCost(l CogsLine) decimal.Decimal {
	cost, err := l.Cost()
	if err != nil {
		return decimal.Zero
	}
	return cost
}

// canonicalDecimal renders d exactly with trailing zeros trimmed, so 400 and
// 400.000 produce the same bytes while 1.0000001 and 1.0000002 do not.
func canonicalDecimal(d decimal.Decimal) string {
	return d.String()
}

// canonicalText escapes the separators used in the canonical form.
func canonicalText(s string) string {
	s = strings.TrimSpace(s)
	return strconv.Quote(s)
}
