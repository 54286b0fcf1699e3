package scanning

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Key aliases accepted for each field. The prompt asks for the Portuguese
// keys but models drift to English ones often enough to accept both.
var (
	amountKeys        = []string{"valor_total", "total", "amount"}
	merchantKeys      = []string{"estabelecimento", "merchant", "merchant_name"}
	dateKeys          = []string{"data", "date", "transaction_date"}
	categoryKeys      = []string{"categoria", "category"}
	currencyKeys      = []string{"moeda", "currency"}
	paymentMethodKeys = []string{"forma_pagamento", "payment_method"}
	installmentKeys   = []string{"numero_parcelas", "installments", "installment_count"}
	itemsKeys         = []string{"itens", "items"}

	itemNameKeys     = []string{"nome", "name"}
	itemPriceKeys    = []string{"valor", "preco", "price"}
	itemQuantityKeys = []string{"quantidade", "quantity", "qty"}
)

// day/month/year first, that is what the prompt asks for
var dateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"02/01/06",
	"02-01-2006",
	"02.01.2006",
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"02/01/2006 15:04",
	"02/01/2006 15:04:05",
}

var currencyPrefixes = []string{"R$", "US$", "BRL", "USD", "EUR", "€", "$"}

// Parse extracts a receipt analysis from free-form model output.
// It never fails: problems are reported through Successful and ErrorMessage.
func Parse(text string) ReceiptAnalysis {
	analysis := ReceiptAnalysis{RawResponseText: text}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		analysis.ErrorMessage = "no JSON object found"
		return analysis
	}

	root, err := decodeObject(text[start : end+1])
	if err != nil {
		analysis.ErrorMessage = err.Error()
		return analysis
	}

	analysis.Successful = true
	analysis.Amount = decimalField(root, amountKeys...)
	analysis.MerchantName = stringField(root, merchantKeys...)
	analysis.TransactionDate = dateField(root, dateKeys...)
	analysis.Category = stringField(root, categoryKeys...)
	analysis.Currency = strings.ToUpper(stringField(root, currencyKeys...))
	analysis.PaymentMethod = stringField(root, paymentMethodKeys...)
	if n := intField(root, installmentKeys...); n != nil && *n >= 1 {
		analysis.InstallmentCount = n
	}
	analysis.Items = itemsField(root, itemsKeys...)

	return analysis
}

func decodeObject(span string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(span))
	dec.UseNumber()

	var root map[string]any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decoding json: unexpected data after top-level object")
	}
	if root == nil {
		return nil, errors.New("decoding json: top-level value is not an object")
	}

	return root, nil
}

func lookup(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(obj map[string]any, keys ...string) string {
	v, ok := lookup(obj, keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func decimalField(obj map[string]any, keys ...string) *decimal.Decimal {
	v, ok := lookup(obj, keys...)
	if !ok {
		return nil
	}
	d, ok := toDecimal(v)
	if !ok {
		return nil
	}
	return &d
}

func intField(obj map[string]any, keys ...string) *int {
	v, ok := lookup(obj, keys...)
	if !ok {
		return nil
	}
	n, ok := toInt(v)
	if !ok {
		return nil
	}
	return &n
}

func dateField(obj map[string]any, keys ...string) *time.Time {
	s := stringField(obj, keys...)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func itemsField(obj map[string]any, keys ...string) []ReceiptItem {
	v, ok := lookup(obj, keys...)
	if !ok {
		return nil
	}
	raw, ok := v.([]any)
	if !ok {
		return nil
	}

	items := make([]ReceiptItem, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		item := ReceiptItem{
			Name:  stringField(m, itemNameKeys...),
			Price: decimalField(m, itemPriceKeys...),
		}
		if item.Price != nil && item.Price.IsNegative() {
			item.Price = nil
		}
		if q := intField(m, itemQuantityKeys...); q != nil && *q >= 1 {
			item.Quantity = q
		}
		// an item is only meaningful with a name
		if item.Name == "" {
			continue
		}

		// any total sent by the model is ignored
		if item.Price != nil && item.Quantity != nil {
			total := item.Price.Mul(decimal.NewFromInt(int64(*item.Quantity)))
			item.Total = &total
		}

		items = append(items, item)
	}

	return items
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		return parseLocaleDecimal(t)
	}
	return decimal.Decimal{}, false
}

var (
	minIntValue = decimal.NewFromInt(math.MinInt32)
	maxIntValue = decimal.NewFromInt(math.MaxInt32)
)

// toInt accepts whole numbers within the int32 range; anything larger is
// treated as garbage rather than wrapped.
func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 32); err == nil {
			return int(n), true
		}
		// 2.0 is still a whole number
		d, err := decimal.NewFromString(t.String())
		if err != nil || !d.IsInteger() || d.LessThan(minIntValue) || d.GreaterThan(maxIntValue) {
			return 0, false
		}
		return int(d.IntPart()), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 32)
		return int(n), err == nil
	}
	return 0, false
}

// parseLocaleDecimal accepts "45,90", "45.90", "R$ 1.234,56" and "1,234.56".
// When both separators appear the first one is the thousands separator.
func parseLocaleDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	for _, p := range currencyPrefixes {
		if strings.HasPrefix(strings.ToUpper(s), p) {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Decimal{}, false
	}

	dot := strings.Index(s, ".")
	comma := strings.Index(s, ",")
	switch {
	case dot >= 0 && comma >= 0 && dot < comma:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case dot >= 0 && comma >= 0:
		s = strings.ReplaceAll(s, ",", "")
	default:
		s = strings.Replace(s, ",", ".", 1)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}
