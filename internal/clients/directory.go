package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"roadside-backend/internal/models"
)

var ErrProfileNotFound = errors.New("profile not found")

// DirectoryClient reads mechanics and profiles from the user service.
type DirectoryClient struct {
	api jsonClient
}

func NewDirectoryClient(baseURL string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{api: newJSONClient("user-service", baseURL, timeout)}
}

type mechanicListing struct {
	UserID          string `json:"userId"`
	ID              string `json:"_id"`
	Status          string `json:"status"`
	MechanicDetails *struct {
		Specializations []string `json:"specializations"`
	} `json:"mechanicDetails"`
}

// ListMechanics returns every user with role=mechanic. Fields the listing
// omits stay empty so the matcher can fetch the full profile.
func (c *DirectoryClient) ListMechanics(ctx context.Context) ([]models.MechanicSnapshot, error) {
	query := url.Values{"role": {string(models.RoleMechanic)}}
	body, _, err := c.api.do(ctx, http.MethodGet, "/api/users?"+query.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}

	var listing []mechanicListing
	if err := json.Unmarshal(unwrapData(body), &listing); err != nil {
		return nil, fmt.Errorf("decode mechanic listing: %w", err)
	}

	out := make([]models.MechanicSnapshot, 0, len(listing))
	for _, l := range listing {
		id := l.UserID
		if id == "" {
			id = l.ID
		}
		snap := models.MechanicSnapshot{UserID: id, Status: l.Status}
		if l.MechanicDetails != nil {
			snap.Specializations = l.MechanicDetails.Specializations
		}
		out = append(out, snap)
	}
	return out, nil
}

func (c *DirectoryClient) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	body, status, err := c.api.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/profile", nil, nil)
	if err != nil {
		if status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, userID)
		}
		return nil, err
	}
	return models.DecodeProfile(unwrapData(body))
}
