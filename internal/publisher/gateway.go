// Package publisher contains platform adapters. The gateway adapter speaks
// to an HTTP publishing gateway that owns each network's upload protocol.
package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/shelfcast/publisher/internal/domain"
	"github.com/shelfcast/publisher/internal/service/publishing"
)

const maxErrorBody = 64 << 10

// GatewayPublisher publishes one platform's posts through the gateway.
// Requests are not retried here: a publish is not idempotent.
type GatewayPublisher struct {
	baseURL  string
	platform domain.Platform
	client   *http.Client
}

// NewGatewayPublisher creates an adapter for one platform. client carries
// transport settings; the bearer token is added per account.
func NewGatewayPublisher(baseURL string, platform domain.Platform, client *http.Client) *GatewayPublisher {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &GatewayPublisher{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		platform: platform,
		client:   client,
	}
}

// Register installs a gateway adapter for each named platform and returns
// the platforms registered.
func Register(reg *publishing.Registry, baseURL string, platforms []string, client *http.Client) []domain.Platform {
	var out []domain.Platform
	for _, name := range platforms {
		p := domain.Platform(strings.ToLower(strings.TrimSpace(name)))
		if p == "" {
			continue
		}
		reg.Register(p, NewGatewayPublisher(baseURL, p, client))
		out = append(out, p)
	}
	return out
}

type publishBody struct {
	Text       string `json:"text"`
	ImageURL   string `json:"image_url,omitempty"`
	VideoURL   string `json:"video_url,omitempty"`
	AccountID  string `json:"account_id"`
	ExternalID string `json:"external_id,omitempty"`
	ItemID     string `json:"external_ref,omitempty"`
}

type publishReply struct {
	PostID string `json:"post_id"`
	Error  string `json:"error"`
	Code   string `json:"code"`
}

// Publish implements publishing.Publisher.
func (g *GatewayPublisher) Publish(ctx context.Context, req publishing.PublishRequest) (publishing.PublishResult, error) {
	if req.Account.AccessToken == "" {
		return publishing.PublishResult{
			Class:        domain.OutcomeFailed,
			ErrorMessage: "account has no access token, reconnect it",
			ErrorCode:    "missing_token",
		}, nil
	}

	payload, err := json.Marshal(publishBody{
		Text:       req.Text,
		ImageURL:   req.ImageURL,
		VideoURL:   req.VideoURL,
		AccountID:  req.Account.ID,
		ExternalID: req.Account.ExternalID,
		ItemID:     req.ItemID,
	})
	if err != nil {
		return publishing.PublishResult{}, fmt.Errorf("encode publish request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/publish", g.baseURL, g.platform)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return publishing.PublishResult{}, fmt.Errorf("build publish request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := g.authorized(ctx, req.Account).Do(httpReq)
	if err != nil {
		return publishing.PublishResult{}, fmt.Errorf("%s gateway: %w", g.platform, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var reply publishReply
	if len(body) > 0 {
		// Non-JSON error pages fall through to the status text below.
		_ = json.Unmarshal(body, &reply)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return publishing.PublishResult{Class: domain.OutcomeSuccess, PostID: reply.PostID}, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return publishing.PublishResult{
			Class:        domain.OutcomeRateLimited,
			ErrorMessage: messageOr(reply.Error, "rate limited by "+g.platform.HumanName()),
			ErrorCode:    codeOr(reply.Code, domain.ErrCodeRateLimited),
			RetryAfter:   parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}, nil
	}

	res := publishing.PublishResult{
		Class:        domain.OutcomeFailed,
		ErrorMessage: messageOr(reply.Error, fmt.Sprintf("gateway returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))),
		ErrorCode:    codeOr(reply.Code, strconv.Itoa(resp.StatusCode)),
	}
	// Some networks report throttling as a 400 with their own code.
	if publishing.IsRateLimitCode(reply.Code) {
		res.Class = domain.OutcomeRateLimited
	}
	return res, nil
}

// authorized returns a client that sends the account's token as a bearer token.
func (g *GatewayPublisher) authorized(ctx context.Context, acc domain.Account) *http.Client {
	tok := &oauth2.Token{
		AccessToken:  acc.AccessToken,
		RefreshToken: acc.RefreshToken,
		TokenType:    "Bearer",
	}
	if acc.TokenExpiresAt != nil {
		tok.Expiry = *acc.TokenExpiresAt
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)
	c := oauth2.NewClient(ctx, oauth2.StaticTokenSource(tok))
	c.Timeout = g.client.Timeout
	return c
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func messageOr(msg, fallback string) string {
	if msg = strings.TrimSpace(msg); msg != "" {
		return msg
	}
	return fallback
}

func codeOr(code, fallback string) string {
	if code != "" {
		return code
	}
	return fallback
}

var _ publishing.Publisher = (*GatewayPublisher)(nil)

// ErrNoGateway is returned by the command when platforms are configured
// without a gateway URL.
var ErrNoGateway = errors.New("publisher gateway URL is not configured")
