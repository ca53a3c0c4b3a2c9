package taskhandler

import (
	"context"
	"fmt"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tidwall/sjson"

	"github.com/aurea-ops/orchestrator/internal/config"
	"github.com/aurea-ops/orchestrator/internal/service"
)

// httpSink posts outbox entries to the downstream event sink. The entry id
// rides along as the delivery key so the sink can deduplicate replays.
type httpSink struct {
	client  *req.Client
	baseURL string
}

func NewOutboxSink(cfg *config.Config) service.OutboxSink {
	timeout := time.Duration(cfg.Collab.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpSink{
		client:  req.C().SetTimeout(timeout),
		baseURL: cfg.Collab.SinkURL,
	}
}

func (s *httpSink) Deliver(ctx context.Context, entry *service.OutboxEntry) error {
	if s.baseURL == "" {
		return fmt.Errorf("outbox sink endpoint not configured")
	}

	body, err := sjson.SetBytes(entry.Payload, "delivery_id", entry.ID)
	if err != nil {
		return err
	}
	body, err = sjson.SetBytes(body, "effect_type", entry.EffectType)
	if err != nil {
		return err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", entry.ID).
		SetContentType("application/json").
		SetBodyBytes(body).
		Post(s.baseURL + "/v1/effects/" + entry.Target)
	if err != nil {
		return err
	}
	if resp.IsErrorState() {
		return fmt.Errorf("sink returned %d: %s", resp.StatusCode, resp.String())
	}
	return nil
}
