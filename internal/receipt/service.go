package receipt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
)

// Service handles operations on stored receipts
type Service struct {
	db         DB
	storage    Storage
	timeSource TimeSource
	validate   *validator.Validate
	logger     *slog.Logger
}

// NewService creates a new Service with the default time source
func NewService(db DB, storage Storage, logger *slog.Logger) *Service {
	return NewServiceWithDeps(db, storage, defaultTimeSource{}, logger)
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(db DB, storage Storage, timeSrc TimeSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:         db,
		storage:    storage,
		timeSource: timeSrc,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		logger:     logger,
	}
}

// Get retrieves an active receipt by ID
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// List returns a page of active receipts
func (s *Service) List(ctx context.Context, filter ListFilter) (*ListResult, error) {
	filter = filter.normalize()

	receipts, total, err := s.db.ListReceipts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	return &ListResult{
		Receipts:   receipts,
		Total:      total,
		Page:       filter.Page,
		PageSize:   filter.PageSize,
		TotalPages: (total + filter.PageSize - 1) / filter.PageSize,
	}, nil
}

// Update changes the given fields and always refreshes UpdatedAt
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (*Receipt, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	if params.Amount != nil && params.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidInput)
	}

	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt for update: %w", err)
	}

	if params.Description != nil {
		receipt.Description = *params.Description
	}
	if params.Amount != nil {
		receipt.Amount = *params.Amount
	}
	if params.Category != nil {
		receipt.Category = *params.Category
	}
	now := stamp(s.timeSource.Now())
	receipt.UpdatedAt = &now

	if err := s.db.SaveReceipt(ctx, receipt); err != nil {
		return nil, fmt.Errorf("%w: updating receipt: %w", ErrPersistence, err)
	}
	return receipt, nil
}

// Delete deactivates a receipt. The record and its file are kept.
func (s *Service) Delete(ctx context.Context, id string) error {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return fmt.Errorf("getting receipt for deletion: %w", err)
	}

	now := stamp(s.timeSource.Now())
	receipt.Active = false
	receipt.UpdatedAt = &now

	if err := s.db.SaveReceipt(ctx, receipt); err != nil {
		return fmt.Errorf("%w: deactivating receipt: %w", ErrPersistence, err)
	}

	s.logger.Info("Receipt deactivated", "receipt_id", id)
	return nil
}

// File retrieves the stored image of an active receipt
func (s *Service) File(ctx context.Context, id string) ([]byte, string, error) {
	receipt, err := s.db.GetReceipt(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	data, err := s.storage.Get(ctx, receipt.StoragePath)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt file: %w", err)
	}

	return data, receipt.MIMEType, nil
}
