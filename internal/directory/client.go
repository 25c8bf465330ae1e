// Package directory talks to the external recipient directory used for
// audience expansion. All failures degrade to model.ErrUnavailable so
// callers can defer expansion to a later tick instead of failing the
// broadcast.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sony/gobreaker"
	"github.com/webitel/broadcast-delivery-service/config"
	"github.com/webitel/broadcast-delivery-service/internal/domain/model"
)

// Client resolves recipient sets over the directory's REST surface.
// A circuit breaker sits in front of every call: once the directory
// starts timing out we stop hammering it and fail fast for the
// configured open interval.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(cfg config.Directory, logger *slog.Logger) *Client {
	log := logger.With(slog.String("component", "directory"))
	settings := gobreaker.Settings{
		Name:    "recipient-directory",
		Timeout: cfg.BreakerOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerTrips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("breaker state change",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  log,
	}
}

// ResolveRecipients expands (targetType, targetIDs) to concrete recipient
// ids. ALL lists every active recipient; SELECTED passes the ids through the
// directory so unknown or deactivated accounts are dropped; ROLE resolves
// each role's membership.
func (c *Client) ResolveRecipients(ctx context.Context, targetType model.TargetType, targetIDs []string) ([]string, error) {
	var endpoint string
	params := url.Values{}
	switch targetType {
	case model.TargetAll:
		endpoint = "/v1/recipients"
	case model.TargetSelected:
		endpoint = "/v1/recipients"
		params.Set("ids", strings.Join(targetIDs, ","))
	case model.TargetRole:
		endpoint = "/v1/recipients"
		params.Set("roles", strings.Join(targetIDs, ","))
	default:
		return nil, model.Validationf("unknown target_type %q", targetType)
	}

	result, err := c.breaker.Execute(func() (any, error) {
		return c.fetch(ctx, endpoint, params)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: directory breaker open", model.ErrUnavailable)
		}
		return nil, err
	}
	return result.([]string), nil
}

func (c *Client) fetch(ctx context.Context, endpoint string, params url.Values) ([]string, error) {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: directory: %v", model.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: directory responded %d", model.ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Recipients []string `json:"recipients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: directory: decode: %v", model.ErrUnavailable, err)
	}
	return body.Recipients, nil
}

// Healthy reports whether the breaker currently admits traffic.
func (c *Client) Healthy() bool {
	return c.breaker.State() != gobreaker.StateOpen
}
