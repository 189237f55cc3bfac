package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"estate_chat/internal/domain"
	"estate_chat/pkg/errors"
	"estate_chat/pkg/logger"
)

// DirectoryService получает данные объявлений и пользователей из основного API
type DirectoryService interface {
	GetProperty(ctx context.Context, propertyID int64) (*domain.PropertyInfo, error)
	GetUser(ctx context.Context, userID int64) (*domain.UserProfile, error)
}

type directoryClient struct {
	baseURL    string
	mediaURL   string
	timeout    time.Duration
	httpClient *http.Client
	log        logger.Logger
}

func NewDirectoryService(baseURL, mediaURL string, timeout time.Duration, log logger.Logger) DirectoryService {
	return &directoryClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		mediaURL: strings.TrimRight(mediaURL, "/"),
		timeout:  timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type propertyResponse struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	OwnerID int64  `json:"owner_id"`
	Images  []struct {
		ImageURL string `json:"image_url"`
	} `json:"images"`
}

func (c *directoryClient) GetProperty(ctx context.Context, propertyID int64) (*domain.PropertyInfo, error) {
	var resp propertyResponse
	if err := c.get(ctx, fmt.Sprintf("/properties/%d", propertyID), &resp); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NotFound(fmt.Sprintf("property %d not found", propertyID))
		}
		return nil, err
	}
	if resp.OwnerID == 0 {
		c.log.Warn("Property has no owner", "property_id", propertyID)
		return nil, errors.Unavailable("property owner is unknown")
	}

	info := &domain.PropertyInfo{
		ID:      propertyID,
		Title:   resp.Title,
		OwnerID: resp.OwnerID,
	}
	if len(resp.Images) > 0 {
		info.ImageURL = c.imageURL(resp.Images[0].ImageURL)
	}
	return info, nil
}

func (c *directoryClient) GetUser(ctx context.Context, userID int64) (*domain.UserProfile, error) {
	var profile domain.UserProfile
	if err := c.get(ctx, fmt.Sprintf("/users/%d", userID), &profile); err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.NotFound(fmt.Sprintf("user %d not found", userID))
		}
		return nil, err
	}
	if profile.ID == 0 {
		profile.ID = userID
	}
	return &profile, nil
}

// imageURL превращает имя файла из основного API в абсолютный URL
func (c *directoryClient) imageURL(value string) string {
	if value == "" || strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return value
	}
	base := strings.TrimSuffix(c.mediaURL, "/api/v1")
	return base + "/uploads/properties/" + strings.TrimLeft(value, "/")
}

func (c *directoryClient) get(ctx context.Context, path string, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Error("Directory request failed", "error", err, "path", path)
		return errors.Unavailable("directory service is unavailable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Error("Directory returned unexpected status", "status", resp.StatusCode, "path", path, "body", string(body))
		return errors.Unavailable(fmt.Sprintf("directory service returned status %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.log.Error("Failed to decode directory response", "error", err, "path", path)
		return errors.Unavailable("directory service returned malformed response")
	}
	return nil
}
