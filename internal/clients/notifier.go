package clients

import (
	"context"
	"net/http"
	"time"
)

// Notification is a single push/SMS message to one user.
type Notification struct {
	UserID string            `json:"userId"`
	Title  string            `json:"title"`
	Body   string            `json:"message"`
	Data   map[string]string `json:"data,omitempty"`
}

// HTTPNotifier delivers notifications through the notification service.
type HTTPNotifier struct {
	api jsonClient
}

func NewHTTPNotifier(baseURL string, timeout time.Duration) *HTTPNotifier {
	return &HTTPNotifier{api: newJSONClient("notification-service", baseURL, timeout)}
}

func (n *HTTPNotifier) Notify(ctx context.Context, msg Notification) error {
	_, _, err := n.api.do(ctx, http.MethodPost, "/api/notifications/send", nil, msg)
	return err
}
