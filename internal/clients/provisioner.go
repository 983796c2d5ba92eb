package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Party is one side of a call.
type Party struct {
	UserID      string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
}

type ProvisionRequest struct {
	AlertID  string
	Driver   Party
	Mechanic Party
	Mode     string
}

// HTTPProvisioner opens voice/video sessions through the communication service.
type HTTPProvisioner struct {
	api jsonClient
}

func NewHTTPProvisioner(baseURL string, timeout time.Duration) *HTTPProvisioner {
	return &HTTPProvisioner{api: newJSONClient("communication-service", baseURL, timeout)}
}

type callRequest struct {
	To           string           `json:"to"`
	From         string           `json:"from"`
	UserID       string           `json:"userId"`
	CallType     string           `json:"callType"`
	MediaType    string           `json:"mediaType"`
	ChannelName  string           `json:"channelName"`
	Participants map[string]Party `json:"participants"`
}

// Provision starts a session from the mechanic to the driver and returns its reference.
func (p *HTTPProvisioner) Provision(ctx context.Context, req ProvisionRequest) (string, error) {
	if req.Driver.PhoneNumber == "" || req.Mechanic.PhoneNumber == "" {
		return "", errors.New("driver or mechanic phone number missing")
	}

	body, _, err := p.api.do(ctx, http.MethodPost, "/api/communications/voice/calls", nil, callRequest{
		To:          req.Driver.PhoneNumber,
		From:        req.Mechanic.PhoneNumber,
		UserID:      req.Driver.UserID,
		CallType:    "traditional",
		MediaType:   req.Mode,
		ChannelName: "sos-alert-" + req.AlertID,
		Participants: map[string]Party{
			"driver":   req.Driver,
			"mechanic": req.Mechanic,
		},
	})
	if err != nil {
		return "", err
	}

	var session struct {
		CallID string `json:"callId"`
		SID    string `json:"sid"`
		ID     string `json:"_id"`
	}
	if err := json.Unmarshal(unwrapData(body), &session); err != nil {
		return "", fmt.Errorf("decode call session: %w", err)
	}
	switch {
	case session.CallID != "":
		return session.CallID, nil
	case session.SID != "":
		return session.SID, nil
	case session.ID != "":
		return session.ID, nil
	}
	return "sos-alert-" + req.AlertID, nil
}
