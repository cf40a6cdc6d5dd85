// Package webhook authenticates asynchronous payment notifications and hands
// them to the payment engine as confirmations.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"paycore/internal/app/payments"
	"paycore/internal/domain"
)

// Notification is a webhook body after the scheme has decoded it.
type Notification struct {
	Authority string
	Status    string
	RefID     string
	Amount    *decimal.Decimal
	Extra     map[string]any
}

// Scheme knows how one kind of sender signs and shapes its notifications.
type Scheme interface {
	Kind() string
	Authenticate(header http.Header, body []byte) error
	Decode(body []byte) (*Notification, error)
}

type Confirmer interface {
	Confirm(ctx context.Context, c payments.Confirmation) (*payments.PaymentResult, error)
}

type Verifier struct {
	schemes   map[string]Scheme
	confirmer Confirmer
	logger    *zap.Logger
}

func NewVerifier(confirmer Confirmer, logger *zap.Logger, schemes ...Scheme) *Verifier {
	v := &Verifier{
		schemes:   make(map[string]Scheme, len(schemes)),
		confirmer: confirmer,
		logger:    logger,
	}
	for _, s := range schemes {
		v.schemes[s.Kind()] = s
	}
	return v
}

// Handle authenticates body for the given sender kind and applies it. Nothing
// is changed unless the signature checks out.
func (v *Verifier) Handle(ctx context.Context, kind string, header http.Header, body []byte) (*payments.PaymentResult, error) {
	scheme, ok := v.schemes[strings.ToLower(kind)]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, domain.ErrUnknownGatewayKind)
	}
	log := v.logger.With(zap.String("kind", scheme.Kind()))

	if err := scheme.Authenticate(header, body); err != nil {
		log.Warn("Rejected webhook with bad signature", zap.Error(err))
		return nil, err
	}

	n, err := scheme.Decode(body)
	if err != nil {
		log.Warn("Failed to decode webhook", zap.Error(err))
		return nil, err
	}
	success, err := payments.ParseReportedStatus(n.Status)
	if err != nil {
		return nil, err
	}

	res, err := v.confirmer.Confirm(ctx, payments.Confirmation{
		Authority: n.Authority,
		Success:   success,
		RefID:     n.RefID,
		Amount:    n.Amount,
		Extra:     n.Extra,
		Source:    "webhook:" + scheme.Kind(),
	})
	if err != nil {
		log.Warn("Webhook not applied", zap.String("authority", n.Authority), zap.Error(err))
		return nil, err
	}
	log.Info("Webhook applied",
		zap.String("authority", n.Authority),
		zap.String("transaction_id", res.TransactionID),
		zap.String("status", string(res.Status)))
	return res, nil
}

func checkHex(expected []byte, got string) error {
	if got == "" {
		return fmt.Errorf("missing signature: %w", domain.ErrInvalidSignature)
	}
	sig, err := hex.DecodeString(strings.TrimSpace(got))
	if err != nil {
		return fmt.Errorf("signature is not hex: %w", domain.ErrInvalidSignature)
	}
	if !hmac.Equal(sig, expected) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type gatewayScheme struct {
	secret []byte
}

// NewGatewayScheme accepts notifications from the card gateway, signed with
// hex HMAC-SHA256 of the raw body in X-Gateway-Signature.
func NewGatewayScheme(secret string) Scheme {
	return &gatewayScheme{secret: []byte(secret)}
}

func (s *gatewayScheme) Kind() string { return "gateway" }

func (s *gatewayScheme) Authenticate(header http.Header, body []byte) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("gateway webhook secret not configured: %w", domain.ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return checkHex(mac.Sum(nil), header.Get("X-Gateway-Signature"))
}

func (s *gatewayScheme) Decode(body []byte) (*Notification, error) {
	var payload struct {
		Authority string           `json:"authority"`
		Status    string           `json:"status"`
		Amount    *decimal.Decimal `json:"amount"`
		RefID     string           `json:"ref_id"`
		Extra     map[string]any   `json:"extra"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.ValidationError("malformed gateway webhook: %v", err)
	}
	if payload.Authority == "" {
		return nil, domain.ValidationError("gateway webhook without authority")
	}
	return &Notification{
		Authority: payload.Authority,
		Status:    payload.Status,
		RefID:     payload.RefID,
		Amount:    payload.Amount,
		Extra:     payload.Extra,
	}, nil
}

type bankScheme struct {
	secret []byte
}

// NewBankScheme accepts bank transfer notifications. The bank signs with
// hex SHA-256 over the body followed by the shared secret.
func NewBankScheme(secret string) Scheme {
	return &bankScheme{secret: []byte(secret)}
}

func (s *bankScheme) Kind() string { return "bank" }

func (s *bankScheme) Authenticate(header http.Header, body []byte) error {
	if len(s.secret) == 0 {
		return fmt.Errorf("bank webhook secret not configured: %w", domain.ErrInvalidSignature)
	}
	h := sha256.New()
	h.Write(body)
	h.Write(s.secret)
	return checkHex(h.Sum(nil), header.Get("X-Bank-Signature"))
}

func (s *bankScheme) Decode(body []byte) (*Notification, error) {
	var payload struct {
		Reference    string           `json:"reference"`
		Result       string           `json:"result"`
		Amount       *decimal.Decimal `json:"amount"`
		TrackingCode string           `json:"tracking_code"`
		Extra        map[string]any   `json:"extra"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.ValidationError("malformed bank webhook: %v", err)
	}
	if payload.Reference == "" {
		return nil, domain.ValidationError("bank webhook without reference")
	}
	return &Notification{
		Authority: payload.Reference,
		Status:    payload.Result,
		RefID:     payload.TrackingCode,
		Amount:    payload.Amount,
		Extra:     payload.Extra,
	}, nil
}
