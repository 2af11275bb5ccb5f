// Package servicenow fetches resolved incidents from the ServiceNow Table API.
package servicenow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/kbsync/internal/tickets"
)

// displayLayout is the sys_* timestamp format returned with
// sysparm_display_value=false.
const displayLayout = "2006-01-02 15:04:05"

const (
	DefaultPageSize          = 1000
	DefaultRequestsPerSecond = 5.0
	DefaultTimeout           = 30 * time.Second
)

var fields = []string{
	"number", "short_description", "description", "close_notes", "state",
	"sys_created_on", "sys_updated_on", "opened_at", "sys_id", "priority", "category",
}

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL           string
	User              string
	Password          string
	PageSize          int
	RequestsPerSecond float64
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// Client pages through the incident table.
type Client struct {
	baseURL  string
	user     string
	password string
	pageSize int

	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

var _ tickets.Source = (*Client)(nil)

// New creates a Client for the instance at opts.BaseURL.
func New(opts Options) *Client {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		user:       opts.User,
		password:   opts.Password,
		pageSize:   opts.PageSize,
		httpClient: hc,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		logger:     slog.Default().With("component", "servicenow"),
	}
}

type tableResponse struct {
	Result []incident `json:"result"`
}

type incident struct {
	SysID            string `json:"sys_id"`
	Number           string `json:"number"`
	ShortDescription string `json:"short_description"`
	Description      string `json:"description"`
	CloseNotes       string `json:"close_notes"`
	State            string `json:"state"`
	Priority         string `json:"priority"`
	Category         string `json:"category"`
	SysCreatedOn     string `json:"sys_created_on"`
	SysUpdatedOn     string `json:"sys_updated_on"`
	OpenedAt         string `json:"opened_at"`
}

// Query builds the encoded sysparm_query for resolved incidents with close
// notes updated strictly after since, oldest first.
func Query(since time.Time) string {
	return query(since, ">")
}

// query orders by sys_updated_on then sys_id so rows sharing a timestamp
// come back in a stable order across pages.
func query(bound time.Time, op string) string {
	b := bound.UTC()
	return fmt.Sprintf(
		"state=6^close_notesISNOTEMPTY^sys_updated_on%sjavascript:gs.dateGenerate('%s','%s')^ORDERBYsys_updated_on^ORDERBYsys_id",
		op, b.Format("2006-01-02"), b.Format("15:04:05"),
	)
}

// FetchModifiedSince returns every resolved incident updated after since.
// Follow-up pages ask for rows at or after the last seen sys_updated_on and
// drop rows already returned, keeping the newer version of an incident that
// was updated mid-fetch. sysparm_offset only steps through a full page of
// rows that share one timestamp.
func (c *Client) FetchModifiedSince(ctx context.Context, since time.Time) ([]tickets.Record, error) {
	var out []tickets.Record
	seen := make(map[string]int)

	q := Query(since)
	cursor := since
	offset := 0
	for {
		page, err := c.fetchPage(ctx, q, offset)
		if err != nil {
			return nil, err
		}
		last := cursor
		for _, inc := range page {
			rec, err := c.toRecord(inc)
			if err != nil {
				return nil, fmt.Errorf("decoding incident %s: %w", inc.Number, err)
			}
			if rec.UpdatedAt.After(last) {
				last = rec.UpdatedAt
			}
			// gs.dateGenerate has second precision; drop anything not strictly newer.
			if !rec.UpdatedAt.After(since) {
				continue
			}
			key := inc.SysID
			if key == "" {
				key = inc.Number
			}
			if i, ok := seen[key]; ok {
				if rec.UpdatedAt.After(out[i].UpdatedAt) {
					out[i] = rec
				}
				continue
			}
			seen[key] = len(out)
			out = append(out, rec)
		}
		if len(page) < c.pageSize {
			break
		}
		if last.After(cursor) {
			cursor = last
			offset = 0
		} else {
			offset += c.pageSize
		}
		q = query(cursor, ">=")
	}
	c.logger.Info("fetched incidents", "count", len(out), "since", since.UTC().Format(time.RFC3339))
	return out, nil
}

func (c *Client) fetchPage(ctx context.Context, sysparmQuery string, offset int) ([]incident, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	q := url.Values{}
	q.Set("sysparm_query", sysparmQuery)
	q.Set("sysparm_fields", strings.Join(fields, ","))
	q.Set("sysparm_limit", strconv.Itoa(c.pageSize))
	q.Set("sysparm_offset", strconv.Itoa(offset))
	q.Set("sysparm_display_value", "false")
	q.Set("sysparm_exclude_reference_link", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/now/table/incident?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting incidents: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("incident table: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tableResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return tr.Result, nil
}

func (c *Client) toRecord(inc incident) (tickets.Record, error) {
	created, err := parseTime(inc.SysCreatedOn)
	if err != nil {
		return tickets.Record{}, fmt.Errorf("sys_created_on: %w", err)
	}
	updated, err := parseTime(inc.SysUpdatedOn)
	if err != nil {
		return tickets.Record{}, fmt.Errorf("sys_updated_on: %w", err)
	}
	opened := created
	if inc.OpenedAt != "" {
		if opened, err = parseTime(inc.OpenedAt); err != nil {
			return tickets.Record{}, fmt.Errorf("opened_at: %w", err)
		}
	}

	rec := tickets.Record{
		Number:      inc.Number,
		Title:       inc.ShortDescription,
		Description: plainText(inc.Description),
		Resolution:  plainText(inc.CloseNotes),
		Status:      stateName(inc.State),
		URL:         c.baseURL + "/nav_to.do?uri=incident.do?sys_id=" + url.QueryEscape(inc.SysID),
		CreatedAt:   created,
		UpdatedAt:   updated,
		OpenedAt:    opened,
		Extra:       map[string]string{},
	}
	if inc.Priority != "" {
		rec.Extra["priority"] = inc.Priority
	}
	if inc.Category != "" {
		rec.Extra["category"] = inc.Category
	}
	if inc.SysID != "" {
		rec.Extra["sys_id"] = inc.SysID
	}
	return rec, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	return time.ParseInLocation(displayLayout, s, time.UTC)
}

// stateName maps incident state codes to their default labels.
func stateName(code string) string {
	switch code {
	case "1":
		return "New"
	case "2":
		return "In Progress"
	case "3":
		return "On Hold"
	case "6":
		return "Resolved"
	case "7":
		return "Closed"
	case "8":
		return "Canceled"
	}
	return code
}
