package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// fcmMessagingScope is the OAuth2 scope required to call the FCM v1 send
// endpoint with a service account.
const fcmMessagingScope = "https://www.googleapis.com/auth/firebase.messaging"

// initialBackoffOnRateLimit seeds fcmSendingLogic's exponential curve
// when FCM asks us to slow down.
const initialBackoffOnRateLimit = 2 * time.Second

// FcmProvider sends messages through the FCM HTTP v1 API, authenticated
// with a service account credentials file (config.FcmCredentialsPath).
// No FCM client library appears anywhere in the retrieval pack (see
// DESIGN.md), so this talks to the v1 REST endpoint directly with
// golang.org/x/oauth2/google for the service-account token source.
type FcmProvider struct {
	projectId string
	client    *http.Client
	endpoint  string
}

// NewFcmProvider builds an FcmProvider from a service account JSON file.
func NewFcmProvider(ctx context.Context, credentialsJSON []byte, projectId string) (*FcmProvider, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, fcmMessagingScope)
	if err != nil {
		return nil, fmt.Errorf("push: load fcm credentials: %w", err)
	}
	return &FcmProvider{
		projectId: projectId,
		client:    oauth2.NewClient(ctx, creds.TokenSource),
		endpoint:  fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectId),
	}, nil
}

type fcmEnvelope struct {
	Message fcmWireMessage `json:"message"`
}

type fcmWireMessage struct {
	Token    string            `json:"token"`
	Data     map[string]string `json:"data,omitempty"`
	Android  *fcmAndroidConfig `json:"android,omitempty"`
}

type fcmAndroidConfig struct {
	Priority string `json:"priority"`
}

// Send implements Provider. It classifies the HTTP response into the
// spec §4.8 step 5 recommended-action taxonomy by status code alone; the
// FCM v1 error body (`error.status`, `error.details[].errorCode`) is not
// parsed.
func (p *FcmProvider) Send(ctx context.Context, deviceToken string, payload []byte) (Outcome, error) {
	var data map[string]string
	if err := json.Unmarshal(payload, &data); err != nil {
		return Outcome{}, fmt.Errorf("push: decode data payload: %w", err)
	}

	body, err := json.Marshal(fcmEnvelope{Message: fcmWireMessage{
		Token:   deviceToken,
		Data:    data,
		Android: &fcmAndroidConfig{Priority: "high"},
	}})
	if err != nil {
		return Outcome{}, fmt.Errorf("push: marshal fcm message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, fmt.Errorf("push: build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Outcome{Action: ActionHandleUnknownError}, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Outcome{Action: ActionNone}, nil
	case http.StatusNotFound, http.StatusGone:
		return Outcome{Action: ActionRemoveFcmAppToken}, nil
	case http.StatusBadRequest, http.StatusForbidden:
		return Outcome{Action: ActionDisableProvider}, nil
	case http.StatusTooManyRequests:
		return Outcome{Action: ActionReduceRateAndRetry, Wait: initialBackoffOnRateLimit, WaitIsInitial: true}, nil
	case http.StatusServiceUnavailable, http.StatusInternalServerError:
		return Outcome{Action: ActionRetry, Wait: initialBackoffOnRateLimit, WaitIsInitial: true}, nil
	default:
		return Outcome{Action: ActionHandleUnknownError}, nil
	}
}
