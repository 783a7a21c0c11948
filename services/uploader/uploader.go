// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package uploader is the client for the content-addressed upload service.
//
// The service sits in front of an append-only store: POST /upload stages a
// payload and returns an immutable id, POST /post/{id} publishes the staged
// item to the backing store, and the public gateway serves GET /{id}.
// Staged ids become `ar://<id>` references once anchored.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"
)

// Tag is a key-value annotation stored alongside the uploaded payload.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ErrPayloadTooLarge reports a gateway payload that exceeded the caller's
// size ceiling. Distinct from availability failures: the payload exists but
// must not be accepted.
var ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")

// UpstreamError reports a non-success response from the upload service or
// gateway so handlers can map it to a 502 with the upstream body attached.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("uploader returned status %d: %s", e.Status, e.Body)
}

// Client talks to the upload service. A zero-value Client is unconfigured;
// callers must check Configured() before staging.
type Client struct {
	httpClient *http.Client
	baseURL    string
	gatewayURL string
}

// New builds a Client from explicit endpoints. Either URL may be empty, in
// which case the client reports itself unconfigured.
func New(baseURL, gatewayURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		gatewayURL: strings.TrimSuffix(gatewayURL, "/"),
	}
}

// NewFromEnv builds a Client from UPLOADER_SERVICE_URL and
// UPLOADER_GATEWAY_URL. Missing variables leave the client unconfigured
// rather than failing, so the control plane can start without the pipeline.
func NewFromEnv() *Client {
	baseURL := strings.Trim(os.Getenv("UPLOADER_SERVICE_URL"), "\"' ")
	gatewayURL := strings.Trim(os.Getenv("UPLOADER_GATEWAY_URL"), "\"' ")
	if baseURL == "" {
		slog.Info("UPLOADER_SERVICE_URL not set, publish pipeline disabled")
	}
	return New(baseURL, gatewayURL)
}

// Configured reports whether both the service and gateway endpoints are set.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != "" && c.gatewayURL != ""
}

// GatewayURL returns the public gateway URL for a staged or anchored id.
func (c *Client) GatewayURL(id string) string {
	return c.gatewayURL + "/" + id
}

// StageResult is the response from staging an upload.
type StageResult struct {
	ID         string `json:"id"`
	GatewayURL string `json:"gateway_url"`
}

// Upload stages a payload with the upload service and returns its immutable
// id plus the public gateway URL. The payload is sent as multipart form data
// with fields file, content_type, and tags (JSON array).
func (c *Client) Upload(ctx context.Context, filename string, data []byte,
	contentType string, tags []Tag) (*StageResult, error) {

	if !c.Configured() {
		return nil, fmt.Errorf("uploader not configured")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write multipart payload: %w", err)
	}
	if err := writer.WriteField("content_type", contentType); err != nil {
		return nil, fmt.Errorf("failed to write content_type field: %w", err)
	}
	if len(tags) > 0 {
		tagJSON, err := json.Marshal(tags)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tags: %w", err)
		}
		if err := writer.WriteField("tags", string(tagJSON)); err != nil {
			return nil, fmt.Errorf("failed to write tags field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", &body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil || parsed.ID == "" {
		return nil, fmt.Errorf("upload service returned malformed response: %s", string(respBody))
	}

	slog.Info("Staged payload with upload service", "id", parsed.ID, "bytes", len(data))
	return &StageResult{ID: parsed.ID, GatewayURL: c.GatewayURL(parsed.ID)}, nil
}

// Post publishes a previously staged id to the append-only backend and
// returns the raw response payload for audit storage.
func (c *Client) Post(ctx context.Context, id string) (json.RawMessage, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("uploader not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/post/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build post request: %w", err)
	}
	respBody, err := c.do(req)
	if err != nil {
		return nil, err
	}
	slog.Info("Posted staged item to append-only store", "id", id)
	return json.RawMessage(respBody), nil
}

// ProbeGateway checks whether the public gateway serves the id. Failures
// are reported as false, never as errors; availability is advisory.
func (c *Client) ProbeGateway(ctx context.Context, id string) bool {
	if !c.Configured() {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.GatewayURL(id), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Download fetches the staged bytes from the public gateway, enforcing a
// caller-supplied size ceiling. A non-2xx gateway response is returned as
// an UpstreamError.
func (c *Client) Download(ctx context.Context, gatewayURL string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gatewayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read gateway response: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("gateway payload exceeds %d bytes: %w", maxBytes, ErrPayloadTooLarge)
	}
	return data, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload service call failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload service response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
