package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	codeSuccess         = 100
	codeAlreadyVerified = 101
)

type HTTPClientConfig struct {
	BaseURL    string
	MerchantID string
}

// HTTPClient speaks the merchant JSON API: request.json issues an authority,
// StartPay/{authority} is the page the payer is sent to and verify.json
// settles the payment.
type HTTPClient struct {
	cfg    HTTPClientConfig
	client *http.Client
	logger *zap.Logger
}

func NewHTTPClient(cfg HTTPClientConfig, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{cfg: cfg, client: httpClient, logger: logger}
}

type requestPaymentBody struct {
	MerchantID  string            `json:"merchant_id"`
	Amount      int64             `json:"amount"`
	Description string            `json:"description"`
	CallbackURL string            `json:"callback_url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type verifyPaymentBody struct {
	MerchantID string `json:"merchant_id"`
	Amount     int64  `json:"amount"`
	Authority  string `json:"authority"`
}

type responseData struct {
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Authority string `json:"authority"`
	RefID     int64  `json:"ref_id"`
	CardPan   string `json:"card_pan"`
	CardHash  string `json:"card_hash"`
	FeeType   string `json:"fee_type"`
	Fee       int64  `json:"fee"`
}

type responseError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type gatewayResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors json.RawMessage `json:"errors"`
}

func (c *HTTPClient) RequestPayment(ctx context.Context, req PaymentRequest) (*PaymentHandle, error) {
	body := requestPaymentBody{
		MerchantID:  c.cfg.MerchantID,
		Amount:      req.Amount.IntPart(),
		Description: req.Description,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
	}

	data, err := c.post(ctx, "/pg/v4/payment/request.json", body)
	if err != nil {
		return nil, err
	}
	if data.Code != codeSuccess || data.Authority == "" {
		return nil, rejected(data.Code, data.Message)
	}

	return &PaymentHandle{
		Authority:  data.Authority,
		PaymentURL: c.cfg.BaseURL + "/pg/StartPay/" + data.Authority,
	}, nil
}

func (c *HTTPClient) VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*Verification, error) {
	body := verifyPaymentBody{
		MerchantID: c.cfg.MerchantID,
		Amount:     amount.IntPart(),
		Authority:  authority,
	}

	data, err := c.post(ctx, "/pg/v4/payment/verify.json", body)
	if err != nil {
		return nil, err
	}
	if data.Code != codeSuccess && data.Code != codeAlreadyVerified {
		return nil, rejected(data.Code, data.Message)
	}

	extra := map[string]any{"gateway_code": data.Code}
	if data.CardPan != "" {
		extra["card_pan"] = data.CardPan
	}
	if data.CardHash != "" {
		extra["card_hash"] = data.CardHash
	}
	if data.FeeType != "" {
		extra["fee_type"] = data.FeeType
		extra["fee"] = data.Fee
	}
	return &Verification{RefID: strconv.FormatInt(data.RefID, 10), Extra: extra}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) (*responseData, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, unavailable(0, "transport failure", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, unavailable(resp.StatusCode, "failed to read response", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("Gateway responded with a transient status",
			zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil, unavailable(resp.StatusCode, http.StatusText(resp.StatusCode), nil)
	}

	var parsed gatewayResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, rejected(resp.StatusCode, http.StatusText(resp.StatusCode))
		}
		return nil, unavailable(resp.StatusCode, "malformed response", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var gwErr responseError
		if len(parsed.Errors) > 0 && json.Unmarshal(parsed.Errors, &gwErr) == nil && gwErr.Code != 0 {
			return nil, rejected(gwErr.Code, gwErr.Message)
		}
		return nil, rejected(resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var data responseData
	if len(parsed.Data) == 0 || json.Unmarshal(parsed.Data, &data) != nil {
		var gwErr responseError
		if len(parsed.Errors) > 0 && json.Unmarshal(parsed.Errors, &gwErr) == nil && gwErr.Code != 0 {
			return nil, rejected(gwErr.Code, gwErr.Message)
		}
		return nil, unavailable(resp.StatusCode, "response without data", nil)
	}
	return &data, nil
}
