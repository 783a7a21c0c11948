// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// acoustID is the acoustic-fingerprint lookup client.
type acoustID struct {
	client    *lookupClient
	baseURL   string
	clientKey string
}

func newAcoustID(client *lookupClient, baseURL, clientKey string) *acoustID {
	return &acoustID{
		client:    client,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		clientKey: clientKey,
	}
}

func (a *acoustID) configured() bool {
	return a != nil && a.baseURL != "" && a.clientKey != ""
}

// fingerprintMatch is one recording id with the service's match score.
type fingerprintMatch struct {
	MBID  string
	Score float64
}

// lookup posts the fingerprint and returns matches ordered by score,
// highest first.
func (a *acoustID) lookup(ctx context.Context, fingerprint string, durationS int) ([]fingerprintMatch, error) {
	form := url.Values{
		"client":      {a.clientKey},
		"fingerprint": {fingerprint},
		"duration":    {strconv.Itoa(durationS)},
		"meta":        {"recordingids+recordings"},
	}
	body, err := a.client.postForm(ctx, a.baseURL+"/v2/lookup", form)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Status  string `json:"status"`
		Results []struct {
			Score      float64 `json:"score"`
			Recordings []struct {
				ID string `json:"id"`
			} `json:"recordings"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unreadable fingerprint response: %w", err)
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("fingerprint lookup status %q", resp.Status)
	}

	var matches []fingerprintMatch
	for _, result := range resp.Results {
		for _, rec := range result.Recordings {
			if rec.ID != "" {
				matches = append(matches, fingerprintMatch{MBID: rec.ID, Score: result.Score})
			}
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches, nil
}
