package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentworks/credgate/internal/models"
)

// WebhookNotifier posts a JSON alert to a configured webhook when a key is
// rotated because of compromise. Delivery is asynchronous and best effort.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (n *WebhookNotifier) NotifyCompromisedRotation(agent *models.Agent, rec *models.RotationRecord) {
	if n.url == "" {
		return
	}

	payload := map[string]any{
		"content": fmt.Sprintf("Compromised API key rotated for agent %q (%s); old key expires at %s",
			agent.Name, agent.ID, rec.OldKeyExpiresAt.UTC().Format(time.RFC3339)),
		"agent_id":   agent.ID,
		"reason":     rec.Reason,
		"rotated_at": rec.RotatedAt.UTC().Format(time.RFC3339),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		body, err := json.Marshal(payload)
		if err != nil {
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			log.Error().Err(err).Msg("Failed to build compromise alert request")
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			log.Error().Err(err).Msg("Failed to deliver compromise alert")
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			log.Warn().Int("status", resp.StatusCode).Msg("Compromise alert webhook rejected")
		}
	}()
}

var _ CompromiseNotifier = (*WebhookNotifier)(nil)
