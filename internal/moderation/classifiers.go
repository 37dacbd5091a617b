package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// httpClassifier calls out to a single HTTP endpoint (an NSFW model or
// an LLM) that returns one of the five closed decisions (spec §4.7 step
// 2). All three configured classifiers (NSFW, primary LLM, secondary
// LLM) share this shape; only the endpoint and name differ.
type httpClassifier struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a Classifier backed by endpoint. An empty
// endpoint makes the classifier always defer (Ignore), so an engine can
// be constructed with some stages disabled without nil-checking the
// chain at call sites.
func NewHTTPClassifier(name, endpoint string) Classifier {
	return &httpClassifier{
		name:     name,
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (h *httpClassifier) Name() string { return h.name }

type classifyRequest struct {
	ContentId   string `json:"content_id,omitempty"`
	ProfileText string `json:"profile_text,omitempty"`
}

type classifyResponse struct {
	Decision string `json:"decision"`
	Details  string `json:"details,omitempty"`
}

func (h *httpClassifier) Classify(ctx context.Context, item model.ModerationQueueItem) (model.ClassifierDecision, error) {
	if h.endpoint == "" {
		return model.DecisionIgnore, nil
	}

	body, err := json.Marshal(classifyRequest{ContentId: string(item.ContentId), ProfileText: item.ProfileText})
	if err != nil {
		return model.DecisionIgnore, fmt.Errorf("moderation: marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.DecisionIgnore, fmt.Errorf("moderation: build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return model.DecisionIgnore, fmt.Errorf("%s: %w", h.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.DecisionIgnore, fmt.Errorf("%s: unexpected status %d", h.name, resp.StatusCode)
	}

	var parsed classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return model.DecisionIgnore, fmt.Errorf("%s: decode response: %w", h.name, err)
	}
	return parseDecision(parsed.Decision), nil
}

func parseDecision(s string) model.ClassifierDecision {
	switch s {
	case "accept":
		return model.DecisionAccept
	case "reject":
		return model.DecisionReject
	case "move_to_human":
		return model.DecisionMoveToHuman
	case "delete":
		return model.DecisionDelete
	default:
		return model.DecisionIgnore
	}
}

// secondaryOnIgnore wraps a primary classifier so the secondary only
// runs when the primary returns Ignore (spec §4.7 step 2: "then primary
// LLM, then secondary LLM if the primary returned ignore").
type secondaryOnIgnore struct {
	primary, secondary Classifier
}

// NewLLMChain composes the primary/secondary LLM pair into the single
// chain slot the engine expects.
func NewLLMChain(primary, secondary Classifier) Classifier {
	return &secondaryOnIgnore{primary: primary, secondary: secondary}
}

func (s *secondaryOnIgnore) Name() string { return "llm" }

func (s *secondaryOnIgnore) Classify(ctx context.Context, item model.ModerationQueueItem) (model.ClassifierDecision, error) {
	decision, err := s.primary.Classify(ctx, item)
	if err != nil {
		return model.DecisionIgnore, err
	}
	if decision != model.DecisionIgnore {
		return decision, nil
	}
	return s.secondary.Classify(ctx, item)
}
