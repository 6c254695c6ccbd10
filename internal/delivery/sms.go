// Package delivery sends finished packages to their recipients over email
// and SMS, and forwards CRM leads.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/vbmedia/packline/internal/config"
)

// Message states reported by the SMS provider.
const (
	SMSStateQueued      = "queued"
	SMSStateSent        = "sent"
	SMSStateDelivered   = "delivered"
	SMSStateUndelivered = "undelivered"
	SMSStateFailed      = "failed"
)

// SMSClient talks to the outbound text message provider.
type SMSClient struct {
	baseURL     string
	token       string
	fromNumbers []string
	client      *http.Client
	logger      *slog.Logger
}

func NewSMSClient(cfg config.SMSConfig, logger *slog.Logger) *SMSClient {
	return &SMSClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		token:       cfg.Token,
		fromNumbers: cfg.FromNumbers,
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

type smsSendRequest struct {
	Src  string `json:"src"`
	Dst  string `json:"dst"`
	Text string `json:"text"`
	Type string `json:"type"`
}

type smsSendResponse struct {
	MessageUUID []string `json:"message_uuid"`
	Error       string   `json:"error,omitempty"`
}

type smsStatusResponse struct {
	MessageState string `json:"message_state"`
	ErrorCode    string `json:"error_code,omitempty"`
}

// NormalizePhone converts a recipient phone to the provider's dial format:
// digits only with the country prefix.
func NormalizePhone(phone string) string {
	return "1" + strings.ReplaceAll(phone, "-", "")
}

// Send submits a text message and returns the provider's message UUID. The
// source number is picked at random from the configured pool.
func (c *SMSClient) Send(ctx context.Context, phone, text string) (string, error) {
	payload := smsSendRequest{
		Src:  c.fromNumbers[rand.Intn(len(c.fromNumbers))],
		Dst:  NormalizePhone(phone),
		Text: text,
		Type: "sms",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/Message/", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send text message: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var sendResp smsSendResponse
	if err := json.Unmarshal(data, &sendResp); err != nil {
		return "", fmt.Errorf("sms provider returned status %d: %s", resp.StatusCode, data)
	}

	if resp.StatusCode != http.StatusAccepted {
		if sendResp.Error != "" {
			return "", fmt.Errorf("sms provider rejected the message: %s", sendResp.Error)
		}
		return "", fmt.Errorf("sms provider returned unknown status code %d", resp.StatusCode)
	}

	if len(sendResp.MessageUUID) == 0 {
		return "", fmt.Errorf("sms provider accepted the message but returned no UUID")
	}

	c.logger.Info("text message sent out",
		"dst", payload.Dst,
		"message_uuid", sendResp.MessageUUID[0],
	)
	return sendResp.MessageUUID[0], nil
}

// MessageState fetches the delivery state of a previously sent message.
func (c *SMSClient) MessageState(ctx context.Context, messageUUID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/Message/"+messageUUID+"/", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to check text message state: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("unexpected status code from the sms provider",
			"status", resp.StatusCode,
			"message_uuid", messageUUID,
		)
	}

	var status smsStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("failed to decode message state: %w", err)
	}
	return status.MessageState, nil
}
