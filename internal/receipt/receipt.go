package receipt

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultCategory is used when neither a hint nor the analysis supplies one
	DefaultCategory = "Geral"

	defaultPageSize = 20
	maxPageSize     = 100
)

// Receipt represents a stored receipt record
type Receipt struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	FileName    string          `json:"file_name"`
	StoragePath string          `json:"storage_path"`
	MIMEType    string          `json:"mime_type"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Active      bool            `json:"active"`
	UploadedAt  time.Time       `json:"uploaded_at"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
}

// User is a directory entry. Entries created from the messaging channel carry
// placeholder identity fields derived from the channel address.
type User struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Email          string     `json:"email"`
	ChannelAddress string     `json:"channel_address"`
	Document       string     `json:"document"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// ListFilter selects active receipts. Empty fields do not filter.
type ListFilter struct {
	OwnerID  string
	Search   string // substring of file name, description or category
	Category string
	Page     int
	PageSize int
}

func (f ListFilter) normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = defaultPageSize
	}
	if f.PageSize > maxPageSize {
		f.PageSize = maxPageSize
	}
	return f
}

func (f ListFilter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// ListResult is one page of receipts
type ListResult struct {
	Receipts   []*Receipt `json:"receipts"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

// UpdateParams holds the mutable fields of a receipt; nil fields are left unchanged
type UpdateParams struct {
	Description *string          `json:"description" validate:"omitempty,max=500"`
	Amount      *decimal.Decimal `json:"amount"`
	Category    *string          `json:"category" validate:"omitempty,min=1,max=100"`
}

// timestamps are stored in UTC with second precision
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
