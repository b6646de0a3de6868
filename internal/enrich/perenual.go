// Package enrich looks up plant details on the Perenual species API.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNoAPIKey is returned when the client was built without a key.
var ErrNoAPIKey = errors.New("perenual api key not configured")

// Image is a species' default image.
type Image struct {
	OriginalURL string `json:"original_url"`
	RegularURL  string `json:"regular_url"`
	Thumbnail   string `json:"thumbnail"`
}

// Species is a species-list entry.
type Species struct {
	ID             int      `json:"id"`
	CommonName     string   `json:"common_name"`
	ScientificName []string `json:"scientific_name"`
	OtherName      []string `json:"other_name"`
	DefaultImage   *Image   `json:"default_image"`
}

// ImageURL returns the best available image, or "".
func (s Species) ImageURL() string {
	if s.DefaultImage == nil {
		return ""
	}
	if s.DefaultImage.OriginalURL != "" {
		return s.DefaultImage.OriginalURL
	}
	return s.DefaultImage.RegularURL
}

// Name returns the common name, or "Unknown".
func (s Species) Name() string {
	if s.CommonName == "" {
		return "Unknown"
	}
	return s.CommonName
}

// Details is the species details response.
type Details struct {
	Species
	Cycle       string   `json:"cycle"`
	Watering    string   `json:"watering"`
	Sunlight    []string `json:"sunlight"`
	Maintenance string   `json:"maintenance"`
	GrowthRate  string   `json:"growth_rate"`
	Description string   `json:"description"`
}

// CareSection is one section of a care guide.
type CareSection struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// CareGuide is a care guide for a species.
type CareGuide struct {
	ID        int           `json:"id"`
	SpeciesID int           `json:"species_id"`
	Section   []CareSection `json:"section"`
}

// SearchResult is a page of species.
type SearchResult struct {
	Data        []Species `json:"data"`
	Total       int       `json:"total"`
	CurrentPage int       `json:"current_page"`
	LastPage    int       `json:"last_page"`
}

// Client talks to the Perenual API.
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// NewClient creates a Perenual client. baseURL is the API root without a
// version segment, e.g. https://perenual.com/api.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Enabled reports whether requests can be made.
func (c *Client) Enabled() bool {
	return c != nil && c.APIKey != ""
}

// Search finds species by name.
func (c *Client) Search(ctx context.Context, query string) (SearchResult, error) {
	var out SearchResult
	err := c.get(ctx, "/v2/species-list", url.Values{"q": {query}}, &out)
	if err != nil {
		return SearchResult{}, fmt.Errorf("perenual search: %w", err)
	}
	return out, nil
}

// Details fetches one species.
func (c *Client) Details(ctx context.Context, id int) (Details, error) {
	var out Details
	if err := c.get(ctx, "/v2/species/details/"+strconv.Itoa(id), nil, &out); err != nil {
		return Details{}, fmt.Errorf("perenual details: %w", err)
	}
	return out, nil
}

// CareGuides fetches the care guides of a species.
func (c *Client) CareGuides(ctx context.Context, speciesID int) ([]CareGuide, error) {
	var out struct {
		Data []CareGuide `json:"data"`
	}
	params := url.Values{"species_id": {strconv.Itoa(speciesID)}}
	if err := c.get(ctx, "/species-care-guide-list", params, &out); err != nil {
		return nil, fmt.Errorf("perenual care guide: %w", err)
	}
	return out.Data, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, dst any) error {
	if !c.Enabled() {
		return ErrNoAPIKey
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
