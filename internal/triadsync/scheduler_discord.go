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

const (
	discordNameLimit        = 100
	discordDescriptionLimit = 1000
	discordLocationLimit    = 100
	discordLocationFallback = "See event description"

	discordPrivacyGuildOnly     = 2
	discordEntityTypeExternal   = 3
	discordDefaultEventDuration = time.Hour
)

type DiscordSchedulerOptions struct {
	BaseURL    string
	BotToken   string
	GuildID    string
	HTTPClient *http.Client
	UserAgent  string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DiscordSchedulerClient manages guild scheduled events over the Discord
// REST API.
type DiscordSchedulerClient struct {
	baseURL    string
	botToken   string
	guildID    string
	httpClient *http.Client
	userAgent  string
	retry      retryPolicy
}

func NewDiscordSchedulerClient(opts DiscordSchedulerOptions) *DiscordSchedulerClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://discord.com/api/v10"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &DiscordSchedulerClient{
		baseURL:    baseURL,
		botToken:   strings.TrimSpace(opts.BotToken),
		guildID:    strings.TrimSpace(opts.GuildID),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		retry: retryPolicy{
			maxRetries: opts.MaxRetries,
			baseDelay:  opts.BaseDelay,
			maxDelay:   opts.MaxDelay,
		}.withDefaults(),
	}
}

type discordEventPayload struct {
	Name               string                 `json:"name,omitempty"`
	Description        string                 `json:"description,omitempty"`
	ScheduledStartTime string                 `json:"scheduled_start_time,omitempty"`
	ScheduledEndTime   string                 `json:"scheduled_end_time,omitempty"`
	PrivacyLevel       int                    `json:"privacy_level,omitempty"`
	EntityType         int                    `json:"entity_type,omitempty"`
	EntityMetadata     *discordEntityMetadata `json:"entity_metadata,omitempty"`
}

type discordEntityMetadata struct {
	Location string `json:"location"`
}

func (c *DiscordSchedulerClient) eventPayload(fields EventFields, create bool) discordEventPayload {
	end := fields.End
	if end.IsZero() && !fields.Start.IsZero() {
		end = fields.Start.Add(discordDefaultEventDuration)
	}
	location := truncate(strings.TrimSpace(fields.Location), discordLocationLimit)
	if location == "" {
		location = discordLocationFallback
	}
	payload := discordEventPayload{
		Name:           truncate(fields.Title, discordNameLimit),
		Description:    truncate(fields.Description, discordDescriptionLimit),
		EntityMetadata: &discordEntityMetadata{Location: location},
	}
	if !fields.Start.IsZero() {
		payload.ScheduledStartTime = fields.Start.UTC().Format(time.RFC3339)
	}
	if !end.IsZero() {
		payload.ScheduledEndTime = end.UTC().Format(time.RFC3339)
	}
	if create {
		payload.PrivacyLevel = discordPrivacyGuildOnly
		payload.EntityType = discordEntityTypeExternal
	}
	return payload
}

func (c *DiscordSchedulerClient) CreateEvent(ctx context.Context, fields EventFields) (string, error) {
	if strings.TrimSpace(fields.Title) == "" || fields.Start.IsZero() {
		return "", fmt.Errorf("%w: scheduler event needs a title and start time", ErrInvalidInput)
	}
	var out struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/guilds/%s/scheduled-events", c.guildID)
	if err := c.do(ctx, http.MethodPost, path, c.eventPayload(fields, true), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *DiscordSchedulerClient) UpdateEvent(ctx context.Context, schedulerID string, fields EventFields) error {
	if strings.TrimSpace(schedulerID) == "" {
		return fmt.Errorf("%w: scheduler event id", ErrMissingIdentifier)
	}
	path := fmt.Sprintf("/guilds/%s/scheduled-events/%s", c.guildID, schedulerID)
	return c.do(ctx, http.MethodPatch, path, c.eventPayload(fields, false), nil)
}

func (c *DiscordSchedulerClient) DeleteEvent(ctx context.Context, schedulerID string) error {
	if strings.TrimSpace(schedulerID) == "" {
		return fmt.Errorf("%w: scheduler event id", ErrMissingIdentifier)
	}
	path := fmt.Sprintf("/guilds/%s/scheduled-events/%s", c.guildID, schedulerID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *DiscordSchedulerClient) do(ctx context.Context, method, path string, payload, out any) error {
	if c == nil {
		return fmt.Errorf("discord client is nil")
	}
	if c.botToken == "" {
		return fmt.Errorf("discord bot token is required")
	}
	if c.guildID == "" {
		return fmt.Errorf("discord guild id is required")
	}
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	url := c.baseURL + path

	for attempt := 0; ; attempt++ {
		var body io.Reader
		if bodyBytes != nil {
			body = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bot "+c.botToken)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}
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
			return fmt.Errorf("%w: scheduler event", ErrNotFound)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
		if retryable && attempt < c.retry.maxRetries {
			if waitErr := sleepContext(ctx, c.retry.delay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		errMessage := strings.TrimSpace(string(respBody))
		var parsed struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil && strings.TrimSpace(parsed.Message) != "" {
			errMessage = parsed.Message
		}
		err = fmt.Errorf("discord write failed: status=%d code=%d message=%s", resp.StatusCode, parsed.Code, errMessage)
		if retryable {
			return Transient(err)
		}
		return err
	}
}

func truncate(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
