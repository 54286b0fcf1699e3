package scanning

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ReceiptItem is a single line item read from a receipt.
// Total is only set when both Price and Quantity are known and is always Price * Quantity.
type ReceiptItem struct {
	Name     string           `json:"name"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity *int             `json:"quantity,omitempty"`
	Total    *decimal.Decimal `json:"total,omitempty"`
}

// ReceiptAnalysis is the typed result of one structured-extraction attempt.
// Empty strings and nil pointers mean the field was not found; zero values are never invented.
type ReceiptAnalysis struct {
	Successful       bool             `json:"successful"`
	ErrorMessage     string           `json:"error_message,omitempty"`
	Amount           *decimal.Decimal `json:"amount,omitempty"`
	MerchantName     string           `json:"merchant_name,omitempty"`
	TransactionDate  *time.Time       `json:"transaction_date,omitempty"`
	Category         string           `json:"category,omitempty"`
	Currency         string           `json:"currency,omitempty"`
	PaymentMethod    string           `json:"payment_method,omitempty"`
	InstallmentCount *int             `json:"installment_count,omitempty"`
	Items            []ReceiptItem    `json:"items,omitempty"`
	RawResponseText  string           `json:"raw_response_text"`
}

// StructuredExtractor asks a generative model to describe a receipt as JSON.
// Implementations return the model's raw text; interpreting it is the job of Parse.
type StructuredExtractor interface {
	// AnalyzeImage sends the receipt image inline with the extraction prompt
	AnalyzeImage(ctx context.Context, imageData []byte, mimeType string) (string, error)
	// AnalyzeText sends text previously read from the receipt (OCR) with the extraction prompt
	AnalyzeText(ctx context.Context, receiptText string) (string, error)
	// Close releases any resources held by the client
	Close() error
}

// VisionExtractor reads raw text from an image. It is best effort: failures
// are reported through ok=false and never as errors.
type VisionExtractor interface {
	ExtractText(ctx context.Context, imageData []byte) (text string, ok bool)
}
