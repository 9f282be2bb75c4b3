package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LeventeLantos/message-dispatch/internal/errs"
	"github.com/LeventeLantos/message-dispatch/internal/model"
)

// Relay posts plain text to a generic HTTP relay that answers 202 with the
// id it assigned.
type Relay struct {
	url    string
	client *http.Client
}

func NewRelay(url string) *Relay {
	return &Relay{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Relay) Name() string { return string(model.ProviderRelay) }

type sendRequest struct {
	PhoneNumber string `json:"phoneNumber"`
	Message     string `json:"message"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func relayText(kind model.Kind, p model.Payload) (string, error) {
	switch kind {
	case model.KindText:
		if p.Text != "" {
			return p.Text, nil
		}
	case model.KindMedia:
		if p.MediaURL != "" {
			return strings.TrimSpace(p.Caption + " " + p.MediaURL), nil
		}
	}
	return "", fmt.Errorf("%w: relay cannot carry %s messages", errs.ErrInvalidPayload, kind)
}

func (c *Relay) Send(ctx context.Context, phoneNumber string, kind model.Kind, payload model.Payload) (string, error) {
	text, err := relayText(kind, payload)
	if err != nil {
		return "", err
	}

	reqBody, err := json.Marshal(sendRequest{
		PhoneNumber: phoneNumber,
		Message:     text,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", errs.Transient(c.Name(), "", err.Error(), err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusAccepted {
		return "", classifyHTTP(c.Name(), resp.StatusCode, "",
			fmt.Sprintf("unexpected status code: %d body=%q", resp.StatusCode, string(body)))
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", errs.Permanent(c.Name(), "", fmt.Sprintf("failed to decode json: %v body=%q", err, string(body)), err)
	}
	if sr.MessageID == "" {
		return "", errs.Permanent(c.Name(), "", fmt.Sprintf("missing messageId in response body=%q", string(body)), nil)
	}

	return sr.MessageID, nil
}

func (c *Relay) FetchStatus(context.Context, string) (model.State, error) {
	return "", errs.ErrStatusUnsupported
}
