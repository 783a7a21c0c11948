// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMBID = "5b11f4ce-a62d-471e-81fc-a69a8278c7da"

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	cache, err := OpenCache(CacheConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

// ====================================================================
// Normalization and track key
// ====================================================================

func TestNormalizeIsIdempotent(t *testing.T) {
	in := Input{Title: "  TOXIC  (Remaster) ", Artist: "Britney   Spears",
		Album: "In The Zone", DurationS: 200, ISRC: "us-rc1-76-07839", MBID: strings.ToUpper(testMBID)}
	once := Normalize(in)
	again := Normalize(Input{Title: once.TitleNorm, Artist: once.ArtistNorm,
		Album: once.AlbumNorm, DurationS: once.DurationS, ISRC: once.ISRCNorm, MBID: once.MBIDNorm})
	assert.Equal(t, once, again)

	assert.Equal(t, "toxic", once.TitleNorm)
	assert.Equal(t, "britney spears", once.ArtistNorm)
	assert.Equal(t, "USRC17607839", once.ISRCNorm)
	assert.Equal(t, testMBID, once.MBIDNorm)
}

func TestNormalizeDropsInvalidHints(t *testing.T) {
	n := Normalize(Input{Title: "Song", Artist: "Artist",
		DurationS: 30000, ISRC: "bogus", MBID: "not-a-uuid"})
	assert.Zero(t, n.DurationS, "durations beyond the cap are dropped")
	assert.Empty(t, n.ISRCNorm)
	assert.Empty(t, n.MBIDNorm)
}

func TestTrackKeyStabilityAcrossDurationDrift(t *testing.T) {
	a := TrackKey(Normalize(Input{Title: "Toxic", Artist: "Britney Spears", DurationS: 200}))
	b := TrackKey(Normalize(Input{Title: "Toxic", Artist: "Britney Spears", DurationS: 201}))
	assert.Equal(t, a, b, "a one-second drift lands in the same 2s bucket")

	c := TrackKey(Normalize(Input{Title: "Toxic", Artist: "Britney Spears", DurationS: 210}))
	assert.NotEqual(t, a, c)
}

func TestTrackKeyAbsorbsReleaseMarkers(t *testing.T) {
	original := TrackKey(Normalize(Input{Title: "Toxic", Artist: "Britney Spears", DurationS: 200}))
	remaster := TrackKey(Normalize(Input{Title: "Toxic (Remaster)", Artist: "Britney Spears", DurationS: 200}))
	assert.Equal(t, original, remaster)
}

func TestTrackKeyIncompleteVariant(t *testing.T) {
	complete := TrackKey(Normalize(Input{Title: "Toxic", Artist: "Britney Spears"}))
	incomplete := TrackKey(Normalize(Input{Title: "Toxic", Album: "In the Zone"}))
	assert.NotEqual(t, complete, incomplete)
	assert.Equal(t, incomplete, TrackKey(Normalize(Input{Title: "Toxic", Album: "In the Zone"})))
}

// ====================================================================
// Scoring
// ====================================================================

func TestSimilarityAndDurationScore(t *testing.T) {
	assert.Equal(t, 1.0, similarity("Toxic", "toxic"))
	assert.Greater(t, similarity("Toxic", "Toxik"), 0.7)
	assert.Less(t, similarity("Toxic", "Something Else Entirely"), 0.3)

	assert.Equal(t, 1.0, durationScore(200, 201))
	assert.Equal(t, 0.9, durationScore(200, 202))
	assert.Equal(t, 0.7, durationScore(200, 204))
	assert.Equal(t, 0.4, durationScore(200, 209))
	assert.Equal(t, 0.0, durationScore(200, 260))
	assert.Equal(t, 0.5, durationScore(0, 200), "unknown durations are neutral")
}

// ====================================================================
// Cascade
// ====================================================================

func TestResolveEmbeddedMBID(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		require.Contains(t, r.URL.Path, "/recording/"+testMBID)
		w.Write([]byte(`{"id":"` + testMBID + `"}`))
	}))
	defer server.Close()

	r := New(Config{MusicBrainzURL: server.URL, Cache: newTestCache(t)})
	result := r.Resolve(context.Background(), Input{
		Title: "Toxic", Artist: "Britney Spears", MBID: testMBID,
	})
	assert.Equal(t, 0.98, result.Confidence)
	assert.Equal(t, testMBID, result.MBID)
	assert.Equal(t, []string{StepMBIDPresent, StepMBIDVerified}, result.Provenance)
	assert.NotEmpty(t, result.TrackKey)

	// Second resolve is served from the cache.
	r.Resolve(context.Background(), Input{Title: "Toxic", Artist: "Britney Spears", MBID: testMBID})
	assert.Equal(t, int32(1), hits.Load())
}

func TestResolveISRCConfidence(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.Path, "/isrc/USRC17607839")
		w.Write([]byte(`{"recordings":[
			{"id":"` + testMBID + `","title":"Toxic","length":198000,
			 "artist-credit":[{"name":"Britney Spears"}]},
			{"id":"11111111-2222-3333-4444-555555555555","title":"Toxic (Karaoke)",
			 "length":240000,"artist-credit":[{"name":"Backing Band"}]}
		]}`))
	}))
	defer server.Close()

	r := New(Config{MusicBrainzURL: server.URL, Cache: newTestCache(t)})
	result := r.Resolve(context.Background(), Input{
		Title: "Toxic", Artist: "Britney Spears", DurationS: 199, ISRC: "USRC17607839",
	})
	assert.Equal(t, testMBID, result.MBID)
	// Best candidate scores 1.0 on title and artist and 1.0 on duration, so
	// confidence caps at 0.92.
	assert.InDelta(t, 0.92, result.Confidence, 0.06)
	assert.GreaterOrEqual(t, result.Confidence, 0.85)
	assert.Equal(t, StepISRCMatched, result.Provenance[len(result.Provenance)-1])
}

func TestResolveUnresolved(t *testing.T) {
	r := New(Config{Cache: newTestCache(t)})
	result := r.Resolve(context.Background(), Input{Title: "Toxic", Artist: "Britney Spears"})
	assert.Zero(t, result.Confidence)
	assert.Equal(t, []string{StepUnresolved}, result.Provenance)
	assert.NotEmpty(t, result.TrackKey, "the key is always computed")
}

func TestResolveRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"id":"` + testMBID + `"}`))
	}))
	defer server.Close()

	r := New(Config{MusicBrainzURL: server.URL, Cache: newTestCache(t)})
	result := r.Resolve(context.Background(), Input{Title: "T", Artist: "A", MBID: testMBID})
	assert.Equal(t, 0.98, result.Confidence)
	assert.Equal(t, int32(2), calls.Load(), "one retry after the 503")
}

func TestResolveCachesNegativeMBID(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer server.Close()

	r := New(Config{MusicBrainzURL: server.URL, Cache: newTestCache(t)})
	in := Input{Title: "T", Artist: "A", MBID: testMBID}

	first := r.Resolve(context.Background(), in)
	assert.Equal(t, StepUnresolved, first.Provenance[len(first.Provenance)-1])

	second := r.Resolve(context.Background(), in)
	assert.Equal(t, StepUnresolved, second.Provenance[len(second.Provenance)-1])
	assert.Equal(t, int32(1), calls.Load(), "the 404 is cached, not re-fetched")
}

func TestResolveFingerprint(t *testing.T) {
	mb := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer mb.Close()
	fp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "recordingids+recordings", r.Form.Get("meta"))
		assert.Equal(t, "test-key", r.Form.Get("client"))
		w.Write([]byte(`{"status":"ok","results":[
			{"score":0.91,"recordings":[{"id":"` + testMBID + `"}]},
			{"score":0.40,"recordings":[{"id":"66666666-7777-8888-9999-aaaaaaaaaaaa"}]}
		]}`))
	}))
	defer fp.Close()

	r := New(Config{
		MusicBrainzURL: mb.URL,
		AcoustIDURL:    fp.URL,
		AcoustIDKey:    "test-key",
		Cache:          newTestCache(t),
	})
	result := r.Resolve(context.Background(), Input{
		Title: "Toxic", Artist: "Britney Spears", DurationS: 199, Fingerprint: "AQADtEmS",
	})
	assert.Equal(t, testMBID, result.MBID)
	assert.InDelta(t, minF(0.95, 0.75+0.25*0.91), result.Confidence, 1e-9)
	assert.Equal(t, StepFingerprintMatched, result.Provenance[len(result.Provenance)-1])
}

func TestTextSearchBehindFlag(t *testing.T) {
	var searched atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/recording") && r.URL.Query().Get("query") != "" {
			searched.Store(true)
			w.Write([]byte(`{"recordings":[{"id":"` + testMBID + `","title":"Toxic",
				"length":199000,"artist-credit":[{"name":"Britney Spears"}]}]}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer server.Close()

	off := New(Config{MusicBrainzURL: server.URL, Cache: newTestCache(t)})
	result := off.Resolve(context.Background(), Input{Title: "Toxic", Artist: "Britney Spears"})
	assert.False(t, searched.Load(), "text search is off by default")
	assert.Zero(t, result.Confidence)

	on := New(Config{MusicBrainzURL: server.URL, EnableTextSearch: true, Cache: newTestCache(t)})
	result = on.Resolve(context.Background(), Input{Title: "Toxic", Artist: "Britney Spears", DurationS: 199})
	assert.True(t, searched.Load())
	assert.Equal(t, testMBID, result.MBID)
	assert.Equal(t, StepTextMatched, result.Provenance[len(result.Provenance)-1])
	assert.InDelta(t, 0.85, result.Confidence, 1e-9)
}

func TestResolverWorksWithoutCache(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"` + testMBID + `"}`))
	}))
	defer server.Close()

	r := New(Config{MusicBrainzURL: server.URL})
	result := r.Resolve(context.Background(), Input{Title: "T", Artist: "A", MBID: testMBID})
	assert.Equal(t, 0.98, result.Confidence)
}
