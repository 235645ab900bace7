package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haztrack/surveysync/internal/agent/models"
	"github.com/haztrack/surveysync/internal/logging"
)

// HTTPClient implements Client over the survey service's REST API.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     logging.Logger
	now     func() time.Time
}

// NewHTTPClient builds a client for the given endpoint. The timeout bounds
// each exchange so a dead uplink fails fast instead of hanging a sync pass.
func NewHTTPClient(baseURL string, timeout time.Duration, log logging.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetToken installs the bearer token used on subsequent requests.
func (c *HTTPClient) SetToken(token string) {
	c.token = token
}

// checkToken fails fast on a locally expired token so we do not burn a
// network round trip to learn what the clock already knows. The signature
// is not verified here; the server does that.
func (c *HTTPClient) checkToken() error {
	if c.token == "" {
		return fmt.Errorf("%w: no token", ErrUnauthorized)
	}
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(c.token, &claims)
	if err != nil {
		return fmt.Errorf("%w: malformed token: %v", ErrUnauthorized, err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(c.now()) {
		return fmt.Errorf("%w: token expired at %s", ErrUnauthorized, claims.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/ping", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: ping returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) UpsertSurvey(ctx context.Context, s *models.SurveyUpsert) error {
	return c.do(ctx, http.MethodPut, "/api/v1/surveys/"+url.PathEscape(s.ID), s)
}

func (c *HTTPClient) DeleteSurvey(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/surveys/"+url.PathEscape(id), nil)
	// Deleting what is already gone is a success for an idempotent API.
	if errors.Is(err, ErrGone) {
		return nil
	}
	return err
}

func (c *HTTPClient) RegisterPhoto(ctx context.Context, p *models.PhotoRegistration) error {
	path := "/api/v1/surveys/" + url.PathEscape(p.SurveyID) + "/photos/" + url.PathEscape(p.ID)
	return c.do(ctx, http.MethodPut, path, p)
}

func (c *HTTPClient) DeletePhoto(ctx context.Context, surveyID, photoID string) error {
	path := "/api/v1/surveys/" + url.PathEscape(surveyID) + "/photos/" + url.PathEscape(photoID)
	err := c.do(ctx, http.MethodDelete, path, nil)
	if errors.Is(err, ErrGone) {
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) error {
	if err := c.checkToken(); err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encoding payload: %v", ErrRejected, err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 300 {
		return nil
	}

	c.log.Debug(ctx, "server refused request", "method", method, "path", path,
		"status", resp.StatusCode, "body", string(detail))

	return classifyStatus(resp.StatusCode, string(detail))
}

// classifyStatus maps HTTP status codes onto the sentinel errors the sync
// engine branches on.
func classifyStatus(code int, detail string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %d %s", ErrUnauthorized, code, detail)
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: %d %s", ErrGone, code, detail)
	case code == http.StatusConflict || code == http.StatusPreconditionFailed:
		return fmt.Errorf("%w: %d %s", ErrConflict, code, detail)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return fmt.Errorf("%w: %d %s", ErrUnavailable, code, detail)
	default:
		return fmt.Errorf("%w: %d %s", ErrRejected, code, detail)
	}
}
