package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	crerr "github.com/cockroachdb/errors"
	"github.com/leadlap/leaguesync/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrTransient marks remote failures that a later trigger may retry:
// network errors, timeouts, and 5xx responses.
var ErrTransient = crerr.New("stats service transient failure")

// IsTransient reports whether an error is a retryable remote failure.
func IsTransient(err error) bool {
	return crerr.Is(err, ErrTransient)
}

// ClientConfig configures the stats service client.
type ClientConfig struct {
	HTTPClient *http.Client
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the remote racing stats service. It logs in lazily
// and re-authenticates once when a request comes back 401.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	password   string
	logger     *zap.Logger

	cookie    atomic.Value
	requests  atomic.Int64
	unhealthy atomic.Bool
}

// NewClient creates a stats service client.
func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		logger:     logger,
	}
}

// Requests returns the number of HTTP requests made so far.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// Healthy reports whether the most recent remote request succeeded.
func (c *Client) Healthy() bool {
	return !c.unhealthy.Load()
}

// LeagueInfo fetches a league's description, or nil when unknown.
func (c *Client) LeagueInfo(ctx context.Context, leagueID int64) (*LeagueInfo, error) {
	var info LeagueInfo
	found, err := c.getJSON(ctx, fmt.Sprintf("/leagues/%d", leagueID), nil, &info)
	if err != nil || !found {
		return nil, err
	}
	if info.LeagueID == 0 {
		info.LeagueID = leagueID
	}
	return &info, nil
}

// SearchLeagues finds leagues by display name.
func (c *Client) SearchLeagues(ctx context.Context, name string) ([]LeagueInfo, error) {
	var payload struct {
		Rows []LeagueInfo `json:"rows"`
	}
	params := url.Values{"search": []string{name}}
	if _, err := c.getJSON(ctx, "/leagues", params, &payload); err != nil {
		return nil, err
	}
	return payload.Rows, nil
}

// LeagueMembers fetches a league's full roster.
func (c *Client) LeagueMembers(ctx context.Context, leagueID int64) ([]Member, error) {
	var payload struct {
		Roster []Member `json:"roster"`
	}
	if _, err := c.getJSON(ctx, fmt.Sprintf("/leagues/%d/members", leagueID), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Roster, nil
}

// LeagueSeasons fetches a league's season list.
func (c *Client) LeagueSeasons(ctx context.Context, leagueID int64) ([]Season, error) {
	var payload struct {
		Seasons []Season `json:"seasons"`
	}
	if _, err := c.getJSON(ctx, fmt.Sprintf("/leagues/%d/seasons", leagueID), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Seasons, nil
}

// SeasonCalendar fetches a season's event schedule, or nil when the
// remote has none.
func (c *Client) SeasonCalendar(ctx context.Context, leagueID, seasonID int64) (*Calendar, error) {
	var calendar Calendar
	path := fmt.Sprintf("/leagues/%d/seasons/%d/calendar", leagueID, seasonID)
	found, err := c.getJSON(ctx, path, nil, &calendar)
	if err != nil || !found {
		return nil, err
	}
	return &calendar, nil
}

// SessionResults fetches final results for a session, or nil when the
// remote has not published them.
func (c *Client) SessionResults(ctx context.Context, subsessionID int64) (*ResultSheet, error) {
	var sheet ResultSheet
	found, err := c.getJSON(ctx, fmt.Sprintf("/sessions/%d/results", subsessionID), nil, &sheet)
	if err != nil || !found {
		return nil, err
	}
	if len(sheet.Rows) == 0 {
		return nil, nil
	}
	if sheet.SubsessionID == 0 {
		sheet.SubsessionID = subsessionID
	}
	return &sheet, nil
}

// SessionLaps fetches the lap payload for one driver group in a
// session, or nil when absent. The payload is stored verbatim.
func (c *Client) SessionLaps(ctx context.Context, subsessionID, groupID int64) (json.RawMessage, error) {
	params := url.Values{"group": []string{strconv.FormatInt(groupID, 10)}}
	var raw json.RawMessage
	found, err := c.getJSON(ctx, fmt.Sprintf("/sessions/%d/laps", subsessionID), params, &raw)
	if err != nil || !found {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return raw, nil
}

// getJSON issues an authenticated GET and decodes the body. It returns
// found=false for 404 and empty bodies.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) (bool, error) {
	body, status, err := c.do(ctx, path, params)
	if err != nil {
		return false, err
	}
	if status == http.StatusNotFound || len(body) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, crerr.Wrapf(err, "decode %s response", path)
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	var span trace.Span
	if telemetry.ShouldTraceDependencies() {
		ctx, span = otel.Tracer("leaguesync/internal/datasource").Start(
			ctx,
			"datasource.client.do",
			trace.WithAttributes(attribute.String("http.path", path)),
		)
		defer span.End()
	}

	body, status, err := c.doOnce(ctx, path, params)
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, 0, err
	}
	if span != nil {
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	if status != http.StatusUnauthorized {
		return body, status, nil
	}

	// Session expired; log in again and retry once.
	c.cookie.Store("")
	if err := c.login(ctx); err != nil {
		return nil, 0, err
	}
	return c.doOnce(ctx, path, params)
}

func (c *Client) doOnce(ctx context.Context, path string, params url.Values) ([]byte, int, error) {
	cookie, _ := c.cookie.Load().(string)
	if cookie == "" {
		if err := c.login(ctx); err != nil {
			return nil, 0, err
		}
		cookie, _ = c.cookie.Load().(string)
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, crerr.Wrapf(err, "build request %s", path)
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("Accept", "application/json")

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.unhealthy.Store(true)
		return nil, 0, crerr.Mark(crerr.Wrapf(err, "get %s", path), ErrTransient)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.unhealthy.Store(true)
		return nil, 0, crerr.Mark(
			crerr.Newf("get %s: status %d", path, resp.StatusCode),
			ErrTransient,
		)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.unhealthy.Store(true)
		return nil, 0, crerr.Mark(crerr.Wrapf(err, "read %s response", path), ErrTransient)
	}
	c.unhealthy.Store(false)
	return body, resp.StatusCode, nil
}

func (c *Client) login(ctx context.Context) error {
	form := url.Values{
		"username": []string{c.username},
		"password": []string{c.password},
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/login",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return crerr.Wrap(err, "build login request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	c.requests.Add(1)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return crerr.Mark(crerr.Wrap(err, "login"), ErrTransient)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return crerr.Mark(crerr.Newf("login: status %d", resp.StatusCode), ErrTransient)
	}

	var cookies []string
	for _, cookie := range resp.Cookies() {
		cookies = append(cookies, cookie.Name+"="+cookie.Value)
	}
	if len(cookies) == 0 {
		return crerr.New("login: no session cookie returned")
	}
	c.cookie.Store(strings.Join(cookies, "; "))

	c.logger.Debug("authenticated against stats service")
	return nil
}
