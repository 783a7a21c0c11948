// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// defaultUserAgent identifies this service to the metadata providers.
// MusicBrainz expects ~1 req/s and AcoustID tolerates up to 3 req/s; rate
// limiting is the deployment's concern, not enforced here.
const defaultUserAgent = "Resonate/1.0 (https://github.com/AleutianAI/Resonate)"

const (
	maxRetries       = 2
	initialBackoff   = 500 * time.Millisecond
	lookupTimeout    = 15 * time.Second
	maxResponseBytes = 4 << 20
)

// statusError reports a non-2xx lookup response. Retryable codes are 5xx.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("lookup returned status %d: %s", e.Status, e.Body)
}

// NotFound reports whether the error is a definitive 404, which callers
// cache as a negative result rather than a transient failure.
func NotFound(err error) bool {
	se, ok := err.(*statusError)
	return ok && se.Status == http.StatusNotFound
}

// lookupClient wraps an http.Client with bounded retry on 5xx.
type lookupClient struct {
	httpClient *http.Client
	userAgent  string
}

func newLookupClient(userAgent string) *lookupClient {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &lookupClient{
		httpClient: &http.Client{Timeout: lookupTimeout},
		userAgent:  userAgent,
	}
}

// getJSON fetches a URL with retry and returns the response body.
func (c *lookupClient) getJSON(ctx context.Context, rawURL string) ([]byte, error) {
	return c.retry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

// postForm posts URL-encoded values with retry and returns the body.
func (c *lookupClient) postForm(ctx context.Context, rawURL string, form url.Values) ([]byte, error) {
	encoded := form.Encode()
	return c.retry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL,
			strings.NewReader(encoded))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
}

func (c *lookupClient) retry(ctx context.Context, build func() (*http.Request, error)) ([]byte, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(initialBackoff)), maxRetries), ctx)

	var body []byte
	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", c.userAgent)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &statusError{Status: resp.StatusCode, Body: truncate(data, 256)}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return backoff.Permanent(&statusError{Status: resp.StatusCode, Body: truncate(data, 256)})
		}
		body = data
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n])
	}
	return string(data)
}
