// Package sponsor предоставляет клиент каталога спонсоров для бейджей.
package sponsor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/sponsorship-system/internal/model"
)

// Client инкапсулирует HTTP-взаимодействие с каталогом спонсоров.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient создаёт HTTP-клиент каталога спонсоров по указанному адресу.
// Временные сбои каталога ретраятся; профиль спонсора — декоративные данные,
// поэтому ретраев немного и таймаут короткий.
func NewClient(baseURL string) *Client {
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = 5 * time.Second
	c.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: c,
	}
}

// GetProfile запрашивает отображаемый профиль спонсора по идентификатору.
// Для неизвестного спонсора возвращается (nil, nil).
func (c *Client) GetProfile(ctx context.Context, sponsorID string) (*model.SponsorProfile, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("sponsor directory client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/sponsors/%s", base, sponsorID)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var profile model.SponsorProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if profile.ID == "" {
		profile.ID = sponsorID
	}

	return &profile, nil
}
