package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/models"
	"github.com/google/uuid"
)

var ErrInvalidSignature = errors.New("invalid signature")

// WebhookService handles payout outcomes pushed by the payout rail.
type WebhookService struct {
	withdrawals *WithdrawalService
	hmacKey     []byte
	skipSig     bool
}

func NewWebhookService(withdrawals *WithdrawalService, hmacKey string, skipSignature bool) *WebhookService {
	return &WebhookService{
		withdrawals: withdrawals,
		hmacKey:     []byte(hmacKey),
		skipSig:     skipSignature,
	}
}

// PayoutWebhookPayload is the rail's callback body.
type PayoutWebhookPayload struct {
	WithdrawalID string `json:"withdrawal_id"`
	RailRef      string `json:"rail_ref"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

// HandlePayoutWebhook verifies the signature and applies the reported outcome.
func (s *WebhookService) HandlePayoutWebhook(ctx context.Context, payload []byte, signature string) (models.WithdrawalRequest, error) {
	if !s.verifyHMAC(payload, signature) {
		return models.WithdrawalRequest{}, ErrInvalidSignature
	}

	var body PayoutWebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return models.WithdrawalRequest{}, domain.ErrInvalidPayoutResult.Wrapf("invalid payload: %v", err)
	}

	res := PayoutResult{
		RailRef: strings.TrimSpace(body.RailRef),
		Status:  gateway.PayoutStatus(strings.ToUpper(strings.TrimSpace(body.Status))),
		Reason:  strings.TrimSpace(body.Reason),
	}
	if raw := strings.TrimSpace(body.WithdrawalID); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return models.WithdrawalRequest{}, domain.ErrInvalidPayoutResult.Wrapf("invalid withdrawal_id: %v", err)
		}
		res.WithdrawalID = &id
	}

	w, err := s.withdrawals.ReportPayoutResult(ctx, res)
	if err != nil {
		return models.WithdrawalRequest{}, fmt.Errorf("apply payout result: %w", err)
	}
	return w, nil
}

// Sign returns the signature header value for a payload.
func (s *WebhookService) Sign(payload []byte) string {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

func (s *WebhookService) verifyHMAC(payload []byte, signature string) bool {
	if s.skipSig {
		return true
	}
	if len(s.hmacKey) == 0 {
		return false
	}
	// constant-time comparison
	return hmac.Equal([]byte(signature), []byte(s.Sign(payload)))
}
