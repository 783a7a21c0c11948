// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/Resonate/pkg/validation"
)

var tracer = otel.Tracer("resonate.resolver")

// Provenance steps, appended in cascade order. The final entry is either a
// *_verified / *_matched step or "unresolved".
const (
	StepMBIDPresent        = "mbid_present"
	StepMBIDVerified       = "mbid_verified"
	StepISRCLookup         = "isrc_lookup"
	StepISRCMatched        = "isrc_matched"
	StepFingerprintLookup  = "fingerprint_lookup"
	StepFingerprintMatched = "fingerprint_matched"
	StepTextSearch         = "text_search"
	StepTextMatched        = "text_matched"
	StepUnresolved         = "unresolved"
)

// Acceptance thresholds and confidence formulas per step.
const (
	mbidConfidence       = 0.98
	isrcThreshold        = 0.72
	fingerprintThreshold = 0.80
	textThreshold        = 0.78
)

// Result is the resolver output. Normalized and TrackKey are always set;
// MBID and Confidence only when a step resolved.
type Result struct {
	Normalized Normalized `json:"normalized"`
	TrackKey   string     `json:"trackKey"`
	MBID       string     `json:"mbid,omitempty"`
	Confidence float64    `json:"confidence"`
	Provenance []string   `json:"provenance"`
}

// Config wires the resolver's external services. Empty endpoints disable
// their steps.
type Config struct {
	MusicBrainzURL   string
	AcoustIDURL      string
	AcoustIDKey      string
	EnableTextSearch bool
	UserAgent        string
	Cache            *Cache
	Logger           *slog.Logger
}

// Resolver cascades track identity lookups.
type Resolver struct {
	mb         *musicBrainz
	fp         *acoustID
	cache      *Cache
	textSearch bool
	log        *slog.Logger
}

// New builds a Resolver from explicit configuration.
func New(cfg Config) *Resolver {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	client := newLookupClient(cfg.UserAgent)
	return &Resolver{
		mb:         newMusicBrainz(client, cfg.MusicBrainzURL),
		fp:         newAcoustID(client, cfg.AcoustIDURL, cfg.AcoustIDKey),
		cache:      cfg.Cache,
		textSearch: cfg.EnableTextSearch,
		log:        log,
	}
}

// NewFromEnv builds a Resolver from MUSICBRAINZ_URL, ACOUSTID_URL,
// ACOUSTID_CLIENT_KEY, and RESOLVER_TEXT_SEARCH. Missing endpoints disable
// the corresponding steps rather than failing.
func NewFromEnv(cache *Cache, log *slog.Logger) *Resolver {
	enabled, _ := strconv.ParseBool(os.Getenv("RESOLVER_TEXT_SEARCH"))
	key := os.Getenv("ACOUSTID_CLIENT_KEY")
	if key == "" {
		if data, err := os.ReadFile("/run/secrets/acoustid_client_key"); err == nil {
			key = strings.TrimSpace(string(data))
		}
	}
	return New(Config{
		MusicBrainzURL:   os.Getenv("MUSICBRAINZ_URL"),
		AcoustIDURL:      os.Getenv("ACOUSTID_URL"),
		AcoustIDKey:      key,
		EnableTextSearch: enabled,
		UserAgent:        os.Getenv("RESOLVER_USER_AGENT"),
		Cache:            cache,
		Logger:           log,
	})
}

// Resolve normalizes the input and walks the cascade. It never fails hard:
// a step with missing prerequisites or a transient provider error is
// skipped and the next step runs.
func (r *Resolver) Resolve(ctx context.Context, in Input) *Result {
	ctx, span := tracer.Start(ctx, "resolver.resolve")
	defer span.End()

	n := Normalize(in)
	result := &Result{Normalized: n, TrackKey: TrackKey(n)}

	if done := r.tryMBID(ctx, n, result); done {
		return result
	}
	if done := r.tryISRC(ctx, n, result); done {
		return result
	}
	if done := r.tryFingerprint(ctx, n, in.Fingerprint, result); done {
		return result
	}
	if done := r.tryTextSearch(ctx, n, result); done {
		return result
	}

	result.Provenance = append(result.Provenance, StepUnresolved)
	return result
}

func (r *Resolver) tryMBID(ctx context.Context, n Normalized, result *Result) bool {
	if n.MBIDNorm == "" {
		return false
	}
	result.Provenance = append(result.Provenance, StepMBIDPresent)
	if !r.mb.configured() {
		return false
	}

	key := "mb:recording:" + n.MBIDNorm
	if entry, ok := r.cache.Get(key); ok {
		if !entry.Found {
			return false
		}
		result.MBID = n.MBIDNorm
		result.Confidence = mbidConfidence
		result.Provenance = append(result.Provenance, StepMBIDVerified)
		return true
	}

	err := r.mb.verifyMBID(ctx, n.MBIDNorm)
	if err == nil {
		r.cache.Set(key, cachedLookup{Found: true})
		result.MBID = n.MBIDNorm
		result.Confidence = mbidConfidence
		result.Provenance = append(result.Provenance, StepMBIDVerified)
		return true
	}
	if NotFound(err) {
		r.cache.Set(key, cachedLookup{Found: false})
	} else {
		r.log.WarnContext(ctx, "mbid verification unavailable",
			"mbid", n.MBIDNorm, "error", err)
	}
	return false
}

func (r *Resolver) tryISRC(ctx context.Context, n Normalized, result *Result) bool {
	if n.ISRCNorm == "" || !r.mb.configured() {
		return false
	}
	result.Provenance = append(result.Provenance, StepISRCLookup)

	key := "mb:isrc:" + n.ISRCNorm
	var recordings []mbRecording
	if entry, ok := r.cache.Get(key); ok {
		if !entry.Found {
			return false
		}
		if err := json.Unmarshal(entry.Payload, &recordings); err != nil {
			recordings = nil
		}
	}
	if recordings == nil {
		var err error
		recordings, err = r.mb.lookupISRC(ctx, n.ISRCNorm)
		if err != nil {
			if NotFound(err) {
				r.cache.Set(key, cachedLookup{Found: false})
			} else {
				r.log.WarnContext(ctx, "isrc lookup unavailable",
					"isrc", n.ISRCNorm, "error", err)
			}
			return false
		}
		if payload, err := json.Marshal(recordings); err == nil {
			r.cache.Set(key, cachedLookup{Found: true, Payload: payload})
		}
	}

	best, found := bestCandidate(scoreCandidates(n, recordings))
	if !found || best.Score < isrcThreshold {
		return false
	}
	result.MBID = best.MBID
	result.Confidence = minF(0.92, 0.70+0.30*best.Score)
	result.Provenance = append(result.Provenance, StepISRCMatched)
	return true
}

func (r *Resolver) tryFingerprint(ctx context.Context, n Normalized,
	fingerprint string, result *Result) bool {

	if fingerprint == "" || n.DurationS <= 0 || !r.fp.configured() {
		return false
	}
	result.Provenance = append(result.Provenance, StepFingerprintLookup)

	digest := sha256.Sum256([]byte(fingerprint))
	key := fmt.Sprintf("acoustid:%s:%d", hex.EncodeToString(digest[:8]), n.DurationS)

	var matches []fingerprintMatch
	if entry, ok := r.cache.Get(key); ok {
		if !entry.Found {
			return false
		}
		if err := json.Unmarshal(entry.Payload, &matches); err != nil {
			matches = nil
		}
	}
	if matches == nil {
		var err error
		matches, err = r.fp.lookup(ctx, fingerprint, n.DurationS)
		if err != nil {
			r.log.WarnContext(ctx, "fingerprint lookup unavailable", "error", err)
			return false
		}
		if payload, err := json.Marshal(matches); err == nil {
			r.cache.Set(key, cachedLookup{Found: len(matches) > 0, Payload: payload})
		}
	}

	for _, match := range matches {
		if match.Score >= fingerprintThreshold && validMBID(match.MBID) {
			result.MBID = match.MBID
			result.Confidence = minF(0.95, 0.75+0.25*match.Score)
			result.Provenance = append(result.Provenance, StepFingerprintMatched)
			return true
		}
	}
	return false
}

func (r *Resolver) tryTextSearch(ctx context.Context, n Normalized, result *Result) bool {
	if !r.textSearch || !r.mb.configured() || n.TitleNorm == "" || n.ArtistNorm == "" {
		return false
	}
	result.Provenance = append(result.Provenance, StepTextSearch)

	key := fmt.Sprintf("mb:search:%s|%s|%s", n.TitleNorm, n.ArtistNorm, durationBucket(n.DurationS))
	var recordings []mbRecording
	if entry, ok := r.cache.Get(key); ok {
		if !entry.Found {
			return false
		}
		if err := json.Unmarshal(entry.Payload, &recordings); err != nil {
			recordings = nil
		}
	}
	if recordings == nil {
		var err error
		recordings, err = r.mb.searchRecordings(ctx, n.TitleNorm, n.ArtistNorm)
		if err != nil {
			r.log.WarnContext(ctx, "text search unavailable", "error", err)
			return false
		}
		if payload, err := json.Marshal(recordings); err == nil {
			r.cache.Set(key, cachedLookup{Found: len(recordings) > 0, Payload: payload})
		}
	}

	best, found := bestCandidate(scoreCandidates(n, recordings))
	if !found || best.Score < textThreshold {
		return false
	}
	result.MBID = best.MBID
	result.Confidence = 0.60 + 0.25*best.Score
	result.Provenance = append(result.Provenance, StepTextMatched)
	return true
}

func validMBID(mbid string) bool {
	_, err := validation.SanitizeMBID(mbid)
	return err == nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
