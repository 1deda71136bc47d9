package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ResendClient talks to the Resend REST API (POST /emails).
type ResendClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewResendClient(apiKey, baseURL string) *ResendClient {
	if baseURL == "" {
		baseURL = "https://api.resend.com"
	}
	return &ResendClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type resendSendReq struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

type resendSendResp struct {
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

func (c *ResendClient) Send(ctx context.Context, from, to, subject, htmlBody string) (string, error) {
	if c.Client == nil {
		return "", errors.New("resend: http client is nil")
	}

	b, err := json.Marshal(resendSendReq{
		From:    from,
		To:      []string{to},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/emails", c.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var decoded resendSendResp
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("resend: status %d: %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decoded.Message != "" {
			return "", fmt.Errorf("resend: %s", decoded.Message)
		}
		return "", fmt.Errorf("resend: status %d", resp.StatusCode)
	}

	if decoded.ID == "" {
		return "", errors.New("resend: no message id in response")
	}
	return decoded.ID, nil
}
