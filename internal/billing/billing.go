// Package billing answers plan-tier questions for the messaging core. The
// subscription lifecycle lives elsewhere; this package only queries it.
package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Tier string

const (
	TierFree     Tier = "free"
	TierBasic    Tier = "basic"
	TierPro      Tier = "pro"
	TierBusiness Tier = "business"
)

func ParseTier(s string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierBasic, TierPro, TierBusiness:
		return t
	}
	return TierFree
}

// CanMessage reports whether the tier includes sending and receiving
// messages. Free and basic do not.
func (t Tier) CanMessage() bool { return t == TierPro || t == TierBusiness }

type Provider interface {
	PlanTier(ctx context.Context, userID string) (Tier, error)
}

// Static serves tiers from memory, for single-node and development setups.
type Static struct {
	Default   Tier
	Overrides map[string]Tier
}

func (s Static) PlanTier(_ context.Context, userID string) (Tier, error) {
	if t, ok := s.Overrides[userID]; ok {
		return t, nil
	}
	if s.Default == "" {
		return TierFree, nil
	}
	return s.Default, nil
}

// HTTPClient queries GET {base}/v1/users/{id}/plan, retrying 5xx and
// transport errors with exponential backoff.
type HTTPClient struct {
	base       string
	http       *http.Client
	maxElapsed time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    32,
		IdleConnTimeout: 90 * time.Second,
	}
	return &HTTPClient{
		base:       strings.TrimRight(baseURL, "/"),
		http:       &http.Client{Transport: tr, Timeout: timeout},
		maxElapsed: 3 * timeout,
	}
}

type planResponse struct {
	Tier string `json:"tier"`
}

func (c *HTTPClient) PlanTier(ctx context.Context, userID string) (Tier, error) {
	endpoint := fmt.Sprintf("%s/v1/users/%s/plan", c.base, url.PathEscape(userID))

	var tier Tier
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			tier = TierFree
			return nil
		case resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("billing: status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("billing: status %d", resp.StatusCode))
		}
		var body planResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return backoff.Permanent(fmt.Errorf("billing: decode: %w", err))
		}
		tier = ParseTier(body.Tier)
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}
	return tier, nil
}
