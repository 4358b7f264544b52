package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/diagnosis/smartregister/pkg/clock"
	"github.com/diagnosis/smartregister/pkg/config"
	"github.com/diagnosis/smartregister/pkg/events"
	"github.com/diagnosis/smartregister/pkg/logger"
	"github.com/diagnosis/smartregister/services/registration/internal/domain"
	"github.com/diagnosis/smartregister/services/registration/internal/notifier"
	"github.com/diagnosis/smartregister/services/registration/internal/repository"
)

// OtpManager issues and checks one-time passcodes per phone number.
type OtpManager interface {
	// RequestOtp replaces any unverified OTP of phone with a fresh one and a
	// full attempt budget, then sends it. Verified OTPs of other sessions stay.
	RequestOtp(ctx context.Context, phone string) (domain.OtpHandle, error)
	// Verify reports Verified, Rejected or Expired. A missing OTP is
	// Rejected(0) together with ErrOtpNotFound.
	Verify(ctx context.Context, phone, candidate string) (domain.Verification, error)
	// Regenerate swaps the pending OTP for a new one at the cost of one attempt.
	Regenerate(ctx context.Context, phone string) (domain.OtpHandle, error)
}

type otpManager struct {
	store    repository.RecordStore
	notifier notifier.Service
	eventBus events.Publisher
	clock    clock.Clock
	config   config.OTPConfig
}

func NewOtpManager(
	store repository.RecordStore,
	notifier notifier.Service,
	eventBus events.Publisher,
	clk clock.Clock,
	cfg config.OTPConfig,
) OtpManager {
	return &otpManager{
		store:    store,
		notifier: notifier,
		eventBus: eventBus,
		clock:    clk,
		config:   cfg,
	}
}

func (m *otpManager) RequestOtp(ctx context.Context, phone string) (domain.OtpHandle, error) {
	phone = domain.NormalizePhone(phone)
	if err := domain.ValidatePhone(phone); err != nil {
		return domain.OtpHandle{}, err
	}

	fullBudget := func(context.Context) (int, error) { return m.config.AttemptLimit, nil }
	return m.issue(ctx, phone, fullBudget, false)
}

func (m *otpManager) Regenerate(ctx context.Context, phone string) (domain.OtpHandle, error) {
	phone = domain.NormalizePhone(phone)
	if err := domain.ValidatePhone(phone); err != nil {
		return domain.OtpHandle{}, err
	}

	remainingBudget := func(ctx context.Context) (int, error) {
		current, err := m.store.FindLatestPending(ctx, phone)
		if err != nil {
			return 0, err
		}
		if current == nil {
			return 0, domain.ErrOtpNotFound
		}
		if current.AttemptsRemaining <= 0 {
			return 0, domain.ErrAttemptsExhausted
		}
		return current.AttemptsRemaining - 1, nil
	}
	return m.issue(ctx, phone, remainingBudget, true)
}

// issue stores a new OTP in place of the previous one and sends it. When the
// message cannot be delivered the new row is removed again.
func (m *otpManager) issue(ctx context.Context, phone string, budget func(context.Context) (int, error), regenerated bool) (domain.OtpHandle, error) {
	code, err := generateCode(domain.OtpLength)
	if err != nil {
		return domain.OtpHandle{}, fmt.Errorf("generate otp: %w", err)
	}

	codeHash, err := bcrypt.GenerateFromPassword([]byte(code), m.config.HashCost)
	if err != nil {
		return domain.OtpHandle{}, fmt.Errorf("hash otp: %w", err)
	}

	now := m.clock.Now()
	otp := domain.PendingOtp{
		PhoneNumber: phone,
		CodeHash:    string(codeHash),
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.config.ValidityWindow),
	}

	err = m.store.WithTx(ctx, func(ctx context.Context) error {
		if err := m.store.LockPhone(ctx, phone); err != nil {
			return err
		}
		attempts, err := budget(ctx)
		if err != nil {
			return err
		}
		otp.AttemptsRemaining = attempts

		if _, err := m.store.DeletePending(ctx, phone, repository.PendingFilter{}); err != nil {
			return err
		}
		otp.ID, err = m.store.InsertPending(ctx, otp)
		return err
	})
	if err != nil {
		return domain.OtpHandle{}, err
	}

	if err := m.notifier.Send(ctx, phone, domain.OtpMessage(code, m.config.ValidityWindow)); err != nil {
		logger.WarnContext(ctx, "OTP delivery failed", "error", err, "phone", domain.MaskPhone(phone))

		if _, delErr := m.store.DeletePending(ctx, phone, repository.PendingFilter{ID: otp.ID}); delErr != nil {
			logger.ErrorContext(ctx, "Failed to remove undelivered OTP", "error", delErr, "otp_id", otp.ID)
		}
		publish(ctx, m.eventBus, events.NotifyFailed, events.NotifyFailedEvent{
			PhoneNumber: domain.MaskPhone(phone),
			Purpose:     "otp",
			Reason:      err.Error(),
			FailedAt:    m.clock.Now(),
		})
		return domain.OtpHandle{}, fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}

	publish(ctx, m.eventBus, events.OtpIssued, events.OtpIssuedEvent{
		PhoneNumber:       domain.MaskPhone(phone),
		ExpiresAt:         otp.ExpiresAt,
		AttemptsRemaining: otp.AttemptsRemaining,
		Regenerated:       regenerated,
	})
	logger.InfoContext(ctx, "OTP issued",
		"phone", domain.MaskPhone(phone),
		"attempts_remaining", otp.AttemptsRemaining,
		"regenerated", regenerated,
	)

	return domain.OtpHandle{
		PhoneNumber:       phone,
		ExpiresAt:         otp.ExpiresAt,
		AttemptsRemaining: otp.AttemptsRemaining,
	}, nil
}

func (m *otpManager) Verify(ctx context.Context, phone, candidate string) (domain.Verification, error) {
	phone = domain.NormalizePhone(phone)
	candidate = strings.TrimSpace(candidate)

	var (
		result = domain.Verification{Outcome: domain.OutcomeRejected}
		found  bool
	)
	err := m.store.WithTx(ctx, func(ctx context.Context) error {
		if err := m.store.LockPhone(ctx, phone); err != nil {
			return err
		}
		otp, err := m.store.FindLatestPending(ctx, phone)
		if err != nil || otp == nil {
			return err
		}
		found = true

		if otp.AttemptsRemaining <= 0 {
			return nil
		}

		now := m.clock.Now()
		if !now.Before(otp.ExpiresAt) {
			result = domain.Verification{Outcome: domain.OutcomeExpired, AttemptsLeft: otp.AttemptsRemaining - 1}
			return m.store.UpdateAttempts(ctx, otp.ID, result.AttemptsLeft)
		}

		if !codeMatches(otp.CodeHash, candidate) {
			result = domain.Verification{Outcome: domain.OutcomeRejected, AttemptsLeft: otp.AttemptsRemaining - 1}
			return m.store.UpdateAttempts(ctx, otp.ID, result.AttemptsLeft)
		}

		result = domain.Verification{Outcome: domain.OutcomeVerified, AttemptsLeft: m.config.AttemptLimit, OtpID: otp.ID}
		return m.store.MarkVerified(ctx, otp.ID, now, m.config.AttemptLimit)
	})
	if err != nil {
		return domain.Verification{Outcome: domain.OutcomeRejected}, err
	}
	if !found {
		return result, domain.ErrOtpNotFound
	}

	logger.InfoContext(ctx, "OTP checked",
		"phone", domain.MaskPhone(phone),
		"outcome", result.Outcome,
		"attempts_left", result.AttemptsLeft,
	)
	return result, nil
}

// codeMatches is an exact comparison of the candidate with the stored code.
func codeMatches(codeHash, candidate string) bool {
	if len(candidate) != domain.OtpLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(codeHash), []byte(candidate)) == nil
}

func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
