package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const deliveryTimeout = 5 * time.Second

// Sink delivers human-readable alerts to an external webhook. The alert
// text is always written to the local log first; delivery is bounded to
// five seconds and a dropped alert is never retried, so notifying can
// never block or crash a health or backup loop.
type Sink struct {
	url    string
	client *http.Client
}

func NewSink(url string) *Sink {
	return &Sink{
		url: url,
		client: &http.Client{
			Timeout: deliveryTimeout,
		},
	}
}

func (s *Sink) Notify(ctx context.Context, message string) {
	log.Println("ALERT:", message)

	if s.url == "" {
		return
	}

	err := s.deliver(ctx, message)
	if err != nil {
		log.Println(errors.WithMessage(err, "failed to deliver alert"))
	}
}

func (s *Sink) deliver(ctx context.Context, message string) error {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: message})
	if err != nil {
		return errors.WithMessage(err, "failed to marshal payload")
	}

	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.WithMessage(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.WithMessage(err, "failed to send alert")
	}

	err = resp.Body.Close()
	if err != nil {
		log.Println("failed to close body", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("alert endpoint returned %d", resp.StatusCode)
	}

	return nil
}
