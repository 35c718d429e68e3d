package retirement

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"agricarbon/credit-marketplace/credit-marketplace-backend/internal/ledger"
	"agricarbon/credit-marketplace/credit-marketplace-backend/pkg/pdf"
)

// Service permanently removes credit quantity from circulation. It delegates
// the quantity movement to the ledger and adds request-ID idempotency plus
// certificate generation on top.
type Service struct {
	ledger       *ledger.Service
	certificates *pdf.Generator
	logger       *zap.Logger
}

// NewService creates the retirement service.
func NewService(ledgerSvc *ledger.Service, certificates *pdf.Generator, logger *zap.Logger) *Service {
	return &Service{
		ledger:       ledgerSvc,
		certificates: certificates,
		logger:       logger,
	}
}

// RetireRequest asks for permanent removal of quantity.
type RetireRequest struct {
	CreditUnitID uuid.UUID `json:"credit_unit_id" binding:"required"`
	Quantity     float64   `json:"quantity" binding:"required"`
	Reason       string    `json:"reason" binding:"required"`
	RetiredBy    string    `json:"retired_by" binding:"required"`
	// RequestID makes retries safe: the same request ID never retires twice.
	RequestID string `json:"request_id"`
}

// RetireCredits retires quantity and returns the immutable record. Calls
// retried with the same RequestID return the original record unchanged.
func (s *Service) RetireCredits(ctx context.Context, req RetireRequest) (*ledger.RetirementRecord, error) {
	var requestID *string
	if req.RequestID != "" {
		requestID = &req.RequestID
	}

	record, err := s.ledger.Retire(ctx, req.CreditUnitID, req.Quantity, req.Reason, req.RetiredBy, requestID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("retirement recorded",
		zap.String("retirement_id", record.ID.String()),
		zap.String("credit_unit_id", req.CreditUnitID.String()),
		zap.Float64("quantity", record.Quantity))
	return record, nil
}

// GetRetirementHistory returns the append-only retirement trail for a unit.
func (s *Service) GetRetirementHistory(ctx context.Context, creditUnitID uuid.UUID) ([]ledger.RetirementRecord, error) {
	return s.ledger.GetRetirementHistory(ctx, creditUnitID)
}

// Certificate renders the PDF certificate for one retirement record.
func (s *Service) Certificate(ctx context.Context, retirementID uuid.UUID, creditUnitID uuid.UUID) (io.Reader, error) {
	unit, err := s.ledger.GetCreditUnit(ctx, creditUnitID)
	if err != nil {
		return nil, err
	}

	records, err := s.ledger.GetRetirementHistory(ctx, creditUnitID)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		if record.ID != retirementID {
			continue
		}
		return s.certificates.GenerateCertificate(pdf.CertificateData{
			CertificateNumber: certificateNumber(record.ID),
			CreditUnitID:      unit.ID.String(),
			MRVReportID:       unit.MRVReportID,
			Methodology:       unit.Methodology,
			Vintage:           unit.Vintage,
			Quantity:          record.Quantity,
			Reason:            record.Reason,
			RetiredBy:         record.RetiredBy,
			RetiredAt:         record.Timestamp,
		})
	}
	return nil, ledger.ErrNotFound
}

// certificateNumber derives a stable human-readable number from the record ID.
func certificateNumber(id uuid.UUID) string {
	raw := id.String()
	return fmt.Sprintf("RET-%s", raw[:8])
}
