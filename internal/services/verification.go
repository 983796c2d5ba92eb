package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"roadside-backend/internal/clients"
	"roadside-backend/pkg/codestore"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

const codeDigits = 6

type SendCodeRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Channel string `json:"channel" validate:"required,oneof=sms email"`
}

type VerifyCodeRequest struct {
	UserID  string `json:"userId" validate:"required"`
	Channel string `json:"channel" validate:"required,oneof=sms email"`
	Code    string `json:"code" validate:"required,len=6,numeric"`
}

type SendCodeResult struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// VerificationService issues one-time codes. Only bcrypt hashes are stored,
// and a code is consumed by the first verification attempt.
type VerificationService struct {
	codes    codestore.Store
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
	generate func() (string, error)
	log      zerolog.Logger
}

func NewVerificationService(codes codestore.Store, notifier Notifier, ttl time.Duration, log zerolog.Logger) *VerificationService {
	return &VerificationService{
		codes:    codes,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
		generate: randomCode,
		log:      log,
	}
}

func (s *VerificationService) SendCode(ctx context.Context, req SendCodeRequest) (*SendCodeResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalidRequest("verification", err)
	}

	code, err := s.generate()
	if err != nil {
		return nil, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}

	key := codeKey(req.UserID, req.Channel)
	if err := s.codes.Put(ctx, key, string(hash), s.ttl); err != nil {
		return nil, unavailableError("failed to store verification code", err)
	}

	// Undelivered codes are discarded.
	err = s.notifier.Notify(ctx, clients.Notification{
		UserID: req.UserID,
		Title:  "Verification code",
		Body:   fmt.Sprintf("Your Auto Alert verification code is: %s. This code will expire in %d minutes.", code, int(s.ttl.Minutes())),
		Data:   map[string]string{"type": "VERIFICATION_CODE", "channel": req.Channel},
	})
	if err != nil {
		if _, cerr := s.codes.Consume(context.WithoutCancel(ctx), key); cerr != nil && !errors.Is(cerr, codestore.ErrNotFound) {
			s.log.Warn().Err(cerr).Str("user_id", req.UserID).Msg("failed to discard undelivered code")
		}
		return nil, unavailableError("failed to deliver verification code", err)
	}

	s.log.Info().Str("user_id", req.UserID).Str("channel", req.Channel).Msg("verification code sent")
	return &SendCodeResult{ExpiresAt: s.now().Add(s.ttl)}, nil
}

// VerifyCode checks a code. Any attempt, right or wrong, consumes the stored code.
func (s *VerificationService) VerifyCode(ctx context.Context, req VerifyCodeRequest) error {
	if err := validate.Struct(req); err != nil {
		return invalidRequest("verification", err)
	}

	hash, err := s.codes.Consume(ctx, codeKey(req.UserID, req.Channel))
	if err != nil {
		if errors.Is(err, codestore.ErrNotFound) {
			return validationError("invalid or expired verification code")
		}
		return unavailableError("failed to read verification code", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Code)) != nil {
		return validationError("invalid or expired verification code")
	}
	return nil
}

func codeKey(userID, channel string) string {
	return userID + ":" + channel
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()+100000), nil
}
