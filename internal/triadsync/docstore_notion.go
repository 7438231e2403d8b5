package triadsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NotionPropertyNames maps DocRow fields onto the table's property names.
// Leave a name empty when the table does not carry that column.
type NotionPropertyNames struct {
	Title           string
	Notes           string
	Date            string
	SchedulerID     string
	CreatorID       string
	PageID          string
	EventURL        string
	CalendarEventID string
	Location        string
}

// InternalTableProperties is the default shape of the members-only table.
func InternalTableProperties() NotionPropertyNames {
	return NotionPropertyNames{
		Title:       "Title",
		Notes:       "Notes",
		Date:        "Date",
		SchedulerID: "Scheduler ID",
		CreatorID:   "Creator ID",
		PageID:      "Page ID",
		EventURL:    "Event URL",
	}
}

// ExternalTableProperties is the default shape of the public table.
func ExternalTableProperties() NotionPropertyNames {
	return NotionPropertyNames{
		Title:           "Title",
		Date:            "Date",
		SchedulerID:     "Scheduler ID",
		CalendarEventID: "Calendar Event ID",
		Location:        "Location",
		PageID:          "Page ID",
	}
}

type NotionTableOptions struct {
	BaseURL    string
	Token      string
	DatabaseID string
	Properties NotionPropertyNames
	HTTPClient *http.Client
	APIVersion string
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NotionTableClient writes event rows to one Notion database.
type NotionTableClient struct {
	baseURL    string
	token      string
	databaseID string
	props      NotionPropertyNames
	httpClient *http.Client
	apiVersion string
	userAgent  string
	retry      retryPolicy
}

func NewNotionTableClient(opts NotionTableOptions) *NotionTableClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.notion.com"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2022-06-28"
	}
	return &NotionTableClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		databaseID: strings.TrimSpace(opts.DatabaseID),
		props:      opts.Properties,
		httpClient: httpClient,
		apiVersion: apiVersion,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		retry: retryPolicy{
			maxRetries: opts.MaxRetries,
			baseDelay:  opts.BaseDelay,
			maxDelay:   opts.MaxDelay,
		}.withDefaults(),
	}
}

// CreatePage inserts the row and then writes the page's own id back into the
// table's Page ID column so humans can correlate rows with API objects.
func (c *NotionTableClient) CreatePage(ctx context.Context, row DocRow) (string, error) {
	if c.databaseID == "" {
		return "", fmt.Errorf("notion database id is required")
	}
	payload := map[string]any{
		"parent":     map[string]any{"database_id": c.databaseID},
		"properties": c.properties(row),
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/pages", payload, &out); err != nil {
		return "", err
	}
	if out.ID != "" && c.props.PageID != "" {
		patch := map[string]any{
			"properties": map[string]any{
				c.props.PageID: richText(out.ID),
			},
		}
		if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+out.ID, patch, nil); err != nil {
			return out.ID, err
		}
	}
	return out.ID, nil
}

func (c *NotionTableClient) UpdatePage(ctx context.Context, pageID string, row DocRow) error {
	if strings.TrimSpace(pageID) == "" {
		return fmt.Errorf("%w: notion page id", ErrMissingIdentifier)
	}
	properties := c.properties(row)
	if len(properties) == 0 {
		return nil
	}
	payload := map[string]any{"properties": properties}
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload, nil)
}

func (c *NotionTableClient) ArchivePage(ctx context.Context, pageID string) error {
	if strings.TrimSpace(pageID) == "" {
		return fmt.Errorf("%w: notion page id", ErrMissingIdentifier)
	}
	payload := map[string]any{"archived": true}
	return c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload, nil)
}

func (c *NotionTableClient) properties(row DocRow) map[string]any {
	props := map[string]any{}
	if c.props.Title != "" && strings.TrimSpace(row.Title) != "" {
		props[c.props.Title] = map[string]any{
			"title": []map[string]any{{"text": map[string]any{"content": row.Title}}},
		}
	}
	if c.props.Notes != "" && strings.TrimSpace(row.Notes) != "" {
		props[c.props.Notes] = richText(row.Notes)
	}
	if c.props.Date != "" && !row.Start.IsZero() {
		date := map[string]any{"start": row.Start.UTC().Format(time.RFC3339)}
		if !row.End.IsZero() {
			date["end"] = row.End.UTC().Format(time.RFC3339)
		}
		props[c.props.Date] = map[string]any{"date": date}
	}
	if c.props.SchedulerID != "" && strings.TrimSpace(row.SchedulerID) != "" {
		props[c.props.SchedulerID] = richText(row.SchedulerID)
	}
	if c.props.CreatorID != "" && strings.TrimSpace(row.CreatorID) != "" {
		props[c.props.CreatorID] = richText(row.CreatorID)
	}
	if c.props.EventURL != "" && strings.TrimSpace(row.EventURL) != "" {
		props[c.props.EventURL] = map[string]any{"url": row.EventURL}
	}
	if c.props.CalendarEventID != "" && strings.TrimSpace(row.CalendarEventID) != "" {
		props[c.props.CalendarEventID] = richText(row.CalendarEventID)
	}
	if c.props.Location != "" && strings.TrimSpace(row.Location) != "" {
		props[c.props.Location] = richText(row.Location)
	}
	return props
}

func richText(content string) map[string]any {
	return map[string]any{
		"rich_text": []map[string]any{{"text": map[string]any{"content": content}}},
	}
}

func (c *NotionTableClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("notion client is nil")
	}
	if c.token == "" {
		return fmt.Errorf("notion token is required")
	}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Notion-Version", c.apiVersion)
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.retry.maxRetries {
				if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return Transient(err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Transient(readErr)
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out != nil && len(respBody) > 0 {
				return json.Unmarshal(respBody, out)
			}
			return nil
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: notion page", ErrNotFound)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.retry.maxRetries {
			if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errCode := ""
		errMessage := strings.TrimSpace(string(respBody))
		var parsed map[string]any
		if json.Unmarshal(respBody, &parsed) == nil {
			if code, ok := parsed["code"].(string); ok {
				errCode = code
			}
			if message, ok := parsed["message"].(string); ok && strings.TrimSpace(message) != "" {
				errMessage = message
			}
		}
		if errCode != "" {
			err = fmt.Errorf("notion write failed: status=%d code=%s message=%s", resp.StatusCode, errCode, errMessage)
		} else {
			err = fmt.Errorf("notion write failed: status=%d message=%s", resp.StatusCode, errMessage)
		}
		if retryable {
			return Transient(err)
		}
		return err
	}
}
