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
	"math"
	"net/url"
	"strings"

	"github.com/agnivade/levenshtein"
)

// recordingCandidate is one scored match from a metadata lookup.
type recordingCandidate struct {
	MBID      string  `json:"mbid"`
	Title     string  `json:"title"`
	Artist    string  `json:"artist"`
	DurationS int     `json:"duration_s"`
	Score     float64 `json:"score"`
}

// mbRecording mirrors the provider's recording payload. Length is in
// milliseconds.
type mbRecording struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Length       int    `json:"length"`
	ArtistCredit []struct {
		Name string `json:"name"`
	} `json:"artist-credit"`
}

func (r mbRecording) artistName() string {
	parts := make([]string, 0, len(r.ArtistCredit))
	for _, credit := range r.ArtistCredit {
		if credit.Name != "" {
			parts = append(parts, credit.Name)
		}
	}
	return strings.Join(parts, " ")
}

// musicBrainz is the metadata database client.
type musicBrainz struct {
	client  *lookupClient
	baseURL string
}

func newMusicBrainz(client *lookupClient, baseURL string) *musicBrainz {
	return &musicBrainz{client: client, baseURL: strings.TrimSuffix(baseURL, "/")}
}

func (mb *musicBrainz) configured() bool { return mb != nil && mb.baseURL != "" }

// verifyMBID checks that a recording exists. A 404 is a definitive negative.
func (mb *musicBrainz) verifyMBID(ctx context.Context, mbid string) error {
	_, err := mb.client.getJSON(ctx, fmt.Sprintf("%s/recording/%s?fmt=json", mb.baseURL, mbid))
	return err
}

// lookupISRC returns the recordings registered under an ISRC.
func (mb *musicBrainz) lookupISRC(ctx context.Context, isrc string) ([]mbRecording, error) {
	body, err := mb.client.getJSON(ctx, fmt.Sprintf(
		"%s/isrc/%s?inc=recordings+artist-credits&fmt=json", mb.baseURL, isrc))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Recordings []mbRecording `json:"recordings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unreadable isrc response: %w", err)
	}
	return resp.Recordings, nil
}

// searchRecordings runs the fallback text search.
func (mb *musicBrainz) searchRecordings(ctx context.Context, title, artist string) ([]mbRecording, error) {
	query := fmt.Sprintf("recording:%q AND artist:%q", title, artist)
	body, err := mb.client.getJSON(ctx, fmt.Sprintf(
		"%s/recording?query=%s&fmt=json&limit=10", mb.baseURL, url.QueryEscape(query)))
	if err != nil {
		return nil, err
	}
	var resp struct {
		Recordings []mbRecording `json:"recordings"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unreadable search response: %w", err)
	}
	return resp.Recordings, nil
}

// similarity is normalized Levenshtein over normalized text: 1.0 for equal
// strings, 0.0 for nothing in common.
func similarity(a, b string) float64 {
	a, b = normText(a), normText(b)
	if a == "" && b == "" {
		return 1
	}
	longest := len([]rune(a))
	if l := len([]rune(b)); l > longest {
		longest = l
	}
	if longest == 0 {
		return 1
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}

// durationScore tiers the seconds difference between the input and a
// candidate. Unknown durations contribute nothing either way.
func durationScore(wantS, gotS int) float64 {
	if wantS <= 0 || gotS <= 0 {
		return 0.5
	}
	diff := math.Abs(float64(wantS - gotS))
	switch {
	case diff <= 1:
		return 1.0
	case diff <= 2:
		return 0.9
	case diff <= 5:
		return 0.7
	case diff <= 10:
		return 0.4
	default:
		return 0
	}
}

// scoreCandidates ranks provider recordings against the normalized input:
// 0.5 title similarity + 0.35 artist similarity + 0.15 duration score.
func scoreCandidates(n Normalized, recordings []mbRecording) []recordingCandidate {
	out := make([]recordingCandidate, 0, len(recordings))
	for _, rec := range recordings {
		if rec.ID == "" {
			continue
		}
		gotDuration := rec.Length / 1000
		score := 0.5*similarity(n.TitleNorm, rec.Title) +
			0.35*similarity(n.ArtistNorm, rec.artistName()) +
			0.15*durationScore(n.DurationS, gotDuration)
		out = append(out, recordingCandidate{
			MBID:      rec.ID,
			Title:     rec.Title,
			Artist:    rec.artistName(),
			DurationS: gotDuration,
			Score:     score,
		})
	}
	return out
}

func bestCandidate(candidates []recordingCandidate) (recordingCandidate, bool) {
	var best recordingCandidate
	found := false
	for _, c := range candidates {
		if !found || c.Score > best.Score {
			best = c
			found = true
		}
	}
	return best, found
}
