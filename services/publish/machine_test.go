// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/Resonate/services/chain"
	"github.com/AleutianAI/Resonate/services/uploader"
)

// ====================================================================
// Fakes
// ====================================================================

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	verified map[string]bool
	banned   map[string]bool
	saves    int

	transitionErr error
	// getForUser, when set, runs inside GetJobForUser before the read
	// returns. Tests use it as a rendezvous point for races.
	getForUser func()
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     map[string]*Job{},
		verified: map[string]bool{},
		banned:   map[string]bool{},
	}
}

func (s *fakeStore) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	clone := *job
	s.jobs[job.JobID] = &clone
	return nil
}

func (s *fakeStore) GetJob(_ context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *fakeStore) GetJobForUser(ctx context.Context, jobID, userAddress string) (*Job, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil || job.UserAddress != userAddress {
		return nil, ErrJobNotFound
	}
	if s.getForUser != nil {
		s.getForUser()
	}
	return job, nil
}

func (s *fakeStore) FindByIdempotencyKey(_ context.Context, userAddress, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.UserAddress == userAddress && job.IdempotencyKey.Valid && job.IdempotencyKey.String == key {
			clone := *job
			return &clone, nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *fakeStore) TransitionStatus(_ context.Context, jobID string, from []Status, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return false, s.transitionErr
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if job.Status == f {
			job.Status = to
			job.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) SaveJob(_ context.Context, job *Job, expect Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.jobs[job.JobID]
	if !ok || stored.Status != expect {
		return false, nil
	}
	job.UpdatedAt = time.Now().UTC()
	clone := *job
	clone.CreatedAt = stored.CreatedAt
	s.jobs[job.JobID] = &clone
	s.saves++
	return true, nil
}

func (s *fakeStore) AcquireMetadataLock(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	current := MetadataStatus(job.MetadataStatus.String)
	if job.IPMetadataURI.Valid || job.NFTMetadataURI.Valid ||
		(current != "" && current != MetadataNone && current != MetadataFailed) {
		return false, nil
	}
	job.MetadataStatus = nullStr(string(MetadataAnchoring))
	job.MetadataError = sql.NullString{}
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *fakeStore) SaveJobUnconditional(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now().UTC()
	clone := *job
	s.jobs[job.JobID] = &clone
	s.saves++
	return nil
}

func (s *fakeStore) CountRecentPublishes(_ context.Context, userAddress string, _ time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.UserAddress == userAddress {
			count++
		}
	}
	return count, nil
}

func (s *fakeStore) SumRecentBytes(_ context.Context, userAddress string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, job := range s.jobs {
		if job.UserAddress == userAddress {
			total += job.FileSizeBytes
		}
	}
	return total, nil
}

func (s *fakeStore) FindJobsByAudioHash(_ context.Context, sha256Hex string, statuses []Status, excludeJobID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowed := map[Status]bool{}
	for _, st := range statuses {
		allowed[st] = true
	}
	var out []*Job
	for _, job := range s.jobs {
		if job.JobID != excludeJobID && job.AudioSha256.Valid &&
			job.AudioSha256.String == sha256Hex && allowed[job.Status] {
			clone := *job
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeStore) HasVerifiedIdentity(_ context.Context, userAddress string) (bool, error) {
	return s.verified[userAddress], nil
}

func (s *fakeStore) ActiveUploadBan(_ context.Context, userAddress string) (bool, error) {
	return s.banned[userAddress], nil
}

type fakeUploader struct {
	mu          sync.Mutex
	nextID      int
	downloads   map[string][]byte
	downloadErr error
	postErr     error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{downloads: map[string][]byte{}}
}

func (u *fakeUploader) Configured() bool            { return true }
func (u *fakeUploader) GatewayURL(id string) string { return "https://gw.test/" + id }

func (u *fakeUploader) Upload(_ context.Context, _ string, data []byte, _ string,
	_ []uploader.Tag) (*uploader.StageResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.nextID++
	id := fmt.Sprintf("item-%d", u.nextID)
	u.downloads["https://gw.test/"+id] = data
	return &uploader.StageResult{ID: id, GatewayURL: "https://gw.test/" + id}, nil
}

func (u *fakeUploader) Post(_ context.Context, id string) (json.RawMessage, error) {
	if u.postErr != nil {
		return nil, u.postErr
	}
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"posted":true}`, id)), nil
}

func (u *fakeUploader) ProbeGateway(context.Context, string) bool { return true }

func (u *fakeUploader) Download(_ context.Context, gatewayURL string, _ int64) ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.downloadErr != nil {
		return nil, u.downloadErr
	}
	data, ok := u.downloads[gatewayURL]
	if !ok {
		return nil, &uploader.UpstreamError{Status: 404, Body: "not found"}
	}
	return data, nil
}

type fakeRegistrar struct {
	mu              sync.Mutex
	trackRegistered bool
	contentActive   bool
	waitErr         error
	registerResult  *chain.RegisterResult
	registerErr     error
	trackTxCount    int
	contentTxCount  int
}

func (r *fakeRegistrar) Collection() common.Address {
	return common.HexToAddress("0x1111111111111111111111111111111111111111")
}
func (r *fakeRegistrar) TxTimeout() time.Duration { return time.Second }

func (r *fakeRegistrar) MintAndRegisterWithPILTerms(context.Context, common.Address,
	chain.IPMetadata, []chain.PILTerms, bool) (*chain.RegisterResult, error) {
	return r.registerResult, r.registerErr
}

func (r *fakeRegistrar) MintAndRegisterDerivative(context.Context, common.Address,
	chain.DerivativeData, chain.IPMetadata, bool) (*chain.RegisterResult, error) {
	return r.registerResult, r.registerErr
}

func fakeTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x5555555555555555555555555555555555555555")
	return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: 21000,
		GasPrice: big.NewInt(1), Value: big.NewInt(0)})
}

func (r *fakeRegistrar) RegisterTracks(context.Context, []chain.TrackRecord) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trackTxCount++
	return fakeTx(uint64(r.trackTxCount)), nil
}

func (r *fakeRegistrar) SetTrackCovers(context.Context, [][32]byte, [][32]byte) (*types.Transaction, error) {
	return fakeTx(100), nil
}

func (r *fakeRegistrar) RegisterContentFor(context.Context, [32]byte, [32]byte,
	common.Address, []byte) (*types.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contentTxCount++
	return fakeTx(200 + uint64(r.contentTxCount)), nil
}

func (r *fakeRegistrar) IsTrackRegistered(context.Context, [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trackRegistered, nil
}

func (r *fakeRegistrar) GetContent(context.Context, [32]byte) (*chain.ContentEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &chain.ContentEntry{Active: r.contentActive}, nil
}

func (r *fakeRegistrar) WaitMinedWithin(_ context.Context, txHash common.Hash,
	_ time.Duration) (*types.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waitErr != nil {
		return nil, r.waitErr
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(99), TxHash: txHash}, nil
}

// ====================================================================
// Fixtures
// ====================================================================

const testUser = "ab5801a7d398351b8be11c439e05c5b3259aec9b"

func newTestMachine(t *testing.T) (*Machine, *fakeStore, *fakeUploader, *fakeRegistrar) {
	t.Helper()
	store := newFakeStore()
	store.verified[testUser] = true
	uploads := newFakeUploader()
	registry := &fakeRegistrar{
		registerResult: &chain.RegisterResult{
			TxHash:          common.HexToHash("0xfeed"),
			BlockNumber:     big.NewInt(77),
			TokenID:         big.NewInt(42),
			IPID:            common.HexToAddress("0x9999999999999999999999999999999999999999"),
			LicenseTermsIDs: []*big.Int{big.NewInt(5)},
		},
	}
	return NewMachine(store, uploads, registry, nil), store, uploads, registry
}

func startOriginal(t *testing.T, m *Machine, data []byte) *Job {
	t.Helper()
	job, opErr := m.Start(context.Background(), testUser, StartInput{
		FileName:    "track.mp3",
		ContentType: "audio/mpeg",
		Data:        data,
		PublishType: PublishOriginal,
		AudioSha256: sha256Hex(data),
		Fingerprint: "fp",
	})
	require.Nil(t, opErr)
	return job
}

func stageAll(t *testing.T, m *Machine, jobID string) *Job {
	t.Helper()
	job, opErr := m.StageArtifacts(context.Background(), testUser, jobID, ArtifactsInput{
		CoverFileName:    "cover.webp",
		CoverContentType: "image/webp",
		CoverData:        []byte("webp-bytes"),
		LyricsText:       "hello",
	})
	require.Nil(t, opErr)
	return job
}

// ====================================================================
// Scenarios
// ====================================================================

func TestHappyPathOriginalPublish(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	audio := []byte("ten-kib-of-mp3-stand-in")

	job := startOriginal(t, m, audio)
	assert.Equal(t, StatusStaged, job.Status)
	assert.Len(t, job.JobID, 17)
	assert.Contains(t, job.JobID, "music_")

	job = stageAll(t, m, job.JobID)
	assert.True(t, job.CoverItemID.Valid)
	assert.True(t, job.LyricsItemID.Valid)
	assert.Equal(t, "0x"+sha256Hex([]byte("hello")), job.LyricsSha256.String)

	result, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	assert.Equal(t, StatusPolicyPassed, result.Job.Status)
	assert.Equal(t, string(DecisionPass), result.Job.PolicyDecision.String)
	assert.Equal(t, "deferred_not_implemented", result.Checks["acoustid"])
	assert.Equal(t, "none", result.Checks["hashDuplicate"])

	job, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)
	assert.Equal(t, StatusAnchored, job.Status)
	assert.Equal(t, "ar://"+job.AnchoredItemID.String, job.ArweaveRef.String)
	assert.True(t, job.GatewayAvailable.Bool)

	job, opErr = m.Metadata(ctx, testUser, job.JobID, MetadataInput{
		IPMetadataJSON:  json.RawMessage(`{"a":1}`),
		NFTMetadataJSON: json.RawMessage(`{"b":2}`),
	})
	require.Nil(t, opErr)
	assert.Equal(t, string(MetadataAnchored), job.MetadataStatus.String)
	assert.True(t, job.IPMetadataURI.Valid)
	assert.True(t, job.NFTMetadataURI.Valid)

	job, opErr = m.Register(ctx, testUser, job.JobID, RegisterInput{CommercialRevShare: 10})
	require.Nil(t, opErr)
	assert.Equal(t, StatusRegistered, job.Status)
	assert.Equal(t, "42", job.StoryTokenID.String)
	assert.Equal(t, "9999999999999999999999999999999999999999", job.StoryIPID.String)
	assert.Equal(t, `["5"]`, job.StoryLicenseTermsIDs.String)
	assert.Equal(t, "77", job.StoryBlockNumber.String)
}

func TestPreflightHashMismatchRejects(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	job := startOriginal(t, m, []byte("real audio"))

	// Tamper the declared hash after staging.
	stored := store.jobs[job.JobID]
	stored.AudioSha256 = nullStr(sha256Hex([]byte("different bytes")))
	stored.Fingerprint = nullStr("fp")

	_, opErr := m.Preflight(context.Background(), testUser, job.JobID, PreflightInput{})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeHashMismatch, opErr.Code)

	final, _ := store.GetJob(context.Background(), job.JobID)
	assert.Equal(t, StatusRejected, final.Status)
	assert.Equal(t, CodeHashMismatch, final.PolicyReasonCode.String)
}

func TestPreflightHashUnavailableIsSoft(t *testing.T) {
	m, store, uploads, _ := newTestMachine(t)
	job := startOriginal(t, m, []byte("audio"))
	stageAll(t, m, job.JobID)

	uploads.downloadErr = &uploader.UpstreamError{Status: 503, Body: "gateway down"}
	_, opErr := m.Preflight(context.Background(), testUser, job.JobID, PreflightInput{})
	require.NotNil(t, opErr)
	assert.Equal(t, http.StatusBadGateway, opErr.HTTPStatus)
	assert.Equal(t, CodeHashUnavailable, opErr.Code)

	pending, _ := store.GetJob(context.Background(), job.JobID)
	assert.Equal(t, StatusStaged, pending.Status, "soft failure must not consume the job")
	assert.Equal(t, string(DecisionPending), pending.PolicyDecision.String)

	// Gateway recovers, the same job passes without restaging.
	uploads.downloadErr = nil
	result, opErr := m.Preflight(context.Background(), testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	assert.Equal(t, StatusPolicyPassed, result.Job.Status)
}

func TestPreflightOversizedPayloadRejects(t *testing.T) {
	m, store, uploads, _ := newTestMachine(t)
	job := startOriginal(t, m, []byte("audio"))
	stageAll(t, m, job.JobID)

	uploads.downloadErr = fmt.Errorf("gateway payload exceeds %d bytes: %w",
		MaxAudioBytes, uploader.ErrPayloadTooLarge)
	_, opErr := m.Preflight(context.Background(), testUser, job.JobID, PreflightInput{})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeFileTooLarge, opErr.Code)

	final, _ := store.GetJob(context.Background(), job.JobID)
	assert.Equal(t, StatusRejected, final.Status, "an oversized payload is a hard failure")
}

func TestDuplicateHashIsWarnOnly(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	audio := []byte("same bytes")

	first := startOriginal(t, m, audio)
	stageAll(t, m, first.JobID)
	_, opErr := m.Preflight(context.Background(), testUser, first.JobID, PreflightInput{})
	require.Nil(t, opErr)

	second := startOriginal(t, m, audio)
	stageAll(t, m, second.JobID)
	result, opErr := m.Preflight(context.Background(), testUser, second.JobID, PreflightInput{})
	require.Nil(t, opErr, "a duplicate hash must not block the pipeline")
	assert.Equal(t, StatusPolicyPassed, result.Job.Status)
	assert.Equal(t, CodeWarnDuplicateFound, result.Checks["hashDuplicate"])
	require.Len(t, result.Duplicates, 1)
	assert.Equal(t, first.JobID, result.Duplicates[0].JobID)
}

func TestDerivativeRequiresParents(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	job, opErr := m.Start(context.Background(), testUser, StartInput{
		FileName:    "cover.mp3",
		ContentType: "audio/mpeg",
		Data:        []byte("derivative audio"),
		PublishType: PublishDerivative,
	})
	require.Nil(t, opErr)

	_, opErr = m.Preflight(context.Background(), testUser, job.JobID, PreflightInput{})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeParentLinkRequired, opErr.Code)

	final, _ := store.GetJob(context.Background(), job.JobID)
	assert.Equal(t, StatusRejected, final.Status)
	assert.Equal(t, CodeParentLinkRequired, final.PolicyReasonCode.String)
}

func TestAnchorLockContention(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("contended audio"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)

	type outcome struct {
		job   *Job
		opErr *OpError
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, e := m.Anchor(ctx, testUser, job.JobID)
			results <- outcome{j, e}
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for r := range results {
		switch {
		case r.opErr == nil:
			wins++
			assert.Equal(t, StatusAnchored, r.job.Status)
		default:
			conflicts++
			assert.Equal(t, http.StatusConflict, r.opErr.HTTPStatus)
			require.NotNil(t, r.opErr.Job)
			assert.Contains(t, []Status{StatusAnchoring, StatusAnchored}, r.opErr.Job.Status)
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller must win the anchor lock")
	assert.Equal(t, 1, conflicts)
}

func TestAnchorIsIdempotentWhenAnchored(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("idempotent audio"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)

	first, opErr := m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)
	savesAfterFirst := store.saves

	second, opErr := m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)
	assert.Equal(t, first.ArweaveRef.String, second.ArweaveRef.String)
	assert.Equal(t, savesAfterFirst, store.saves, "a second anchor must not write")
}

func TestAnchorFailureRollsBack(t *testing.T) {
	m, store, uploads, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("unanchorable"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)

	uploads.postErr = &uploader.UpstreamError{Status: 500, Body: "bundler exploded"}
	_, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.NotNil(t, opErr)
	assert.Equal(t, CodeAnchorFailed, opErr.Code)

	rolled, _ := store.GetJob(ctx, job.JobID)
	assert.Equal(t, StatusPolicyPassed, rolled.Status)
	assert.Equal(t, CodeAnchorFailed, rolled.ErrorCode.String)
}

func TestFinalizeTimeoutThenIdempotentRetry(t *testing.T) {
	m, store, _, registry := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("finalizable"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	_, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)

	in := FinalizeInput{Title: "Toxic", Artist: "Britney Spears", Album: "In the Zone"}

	// First attempt: the track tx wait times out and the recheck still sees
	// the track unregistered, so the call fails and rolls back.
	registry.waitErr = chain.ErrWaitTimeout
	_, opErr = m.Finalize(ctx, testUser, job.JobID, in)
	require.NotNil(t, opErr)
	assert.Equal(t, CodeFinalizeFailed, opErr.Code)
	rolled, _ := store.GetJob(ctx, job.JobID)
	assert.Equal(t, StatusAnchored, rolled.Status)

	// The slow tx lands in the background. The retry observes it and only
	// performs the content registration.
	registry.waitErr = nil
	registry.trackRegistered = true
	result, opErr := m.Finalize(ctx, testUser, job.JobID, in)
	require.Nil(t, opErr)
	assert.False(t, result.TrackRegistered, "an already-landed track must not re-register")
	assert.True(t, result.ContentRegistered)
	assert.True(t, result.CoverSet)
	assert.NotEmpty(t, result.TxHash)

	final, _ := store.GetJob(ctx, job.JobID)
	assert.Equal(t, StatusRegistered, final.Status)
	assert.Equal(t, result.TxHash, final.TempoTxHash.String)

	// A third call is a pure read.
	savesBefore := store.saves
	again, opErr := m.Finalize(ctx, testUser, job.JobID, in)
	require.Nil(t, opErr)
	assert.Equal(t, result.TxHash, again.TxHash)
	assert.Equal(t, savesBefore, store.saves)
}

func TestStartRateLimits(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()

	for i := 0; i < MaxPublishesPerDay; i++ {
		store.jobs[fmt.Sprintf("music_%011d", i)] = &Job{
			JobID: fmt.Sprintf("music_%011d", i), UserAddress: testUser,
			FileSizeBytes: 1024, Status: StatusStaged,
		}
	}
	_, opErr := m.Start(ctx, testUser, StartInput{
		FileName: "a.mp3", ContentType: "audio/mpeg", Data: []byte("x"),
		PublishType: PublishOriginal, AudioSha256: sha256Hex([]byte("x")),
	})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeRateLimitedCount, opErr.Code)
	assert.Equal(t, http.StatusTooManyRequests, opErr.HTTPStatus)
}

func TestStartIdempotencyKeyReplays(t *testing.T) {
	m, _, uploads, _ := newTestMachine(t)
	ctx := context.Background()
	in := StartInput{
		FileName: "a.mp3", ContentType: "audio/mpeg", Data: []byte("audio"),
		PublishType: PublishOriginal, AudioSha256: sha256Hex([]byte("audio")),
		IdempotencyKey: "key-1",
	}
	first, opErr := m.Start(ctx, testUser, in)
	require.Nil(t, opErr)
	uploadsAfterFirst := uploads.nextID

	second, opErr := m.Start(ctx, testUser, in)
	require.Nil(t, opErr)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, uploadsAfterFirst, uploads.nextID, "replay must not stage again")
}

func TestStartGatesIdentityAndBans(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()
	in := StartInput{FileName: "a.mp3", ContentType: "audio/mpeg", Data: []byte("x"),
		PublishType: PublishOriginal, AudioSha256: sha256Hex([]byte("x"))}

	_, opErr := m.Start(ctx, "00000000000000000000000000000000000000ff", in)
	require.NotNil(t, opErr)
	assert.Equal(t, CodeIdentityUnverified, opErr.Code)

	store.verified[testUser] = true
	store.banned[testUser] = true
	_, opErr = m.Start(ctx, testUser, in)
	require.NotNil(t, opErr)
	assert.Equal(t, CodeUploadBanned, opErr.Code)
}

func TestStartValidatesShape(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()

	_, opErr := m.Start(ctx, testUser, StartInput{FileName: "a.mp3",
		ContentType: "audio/mpeg", PublishType: PublishOriginal})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeFileEmpty, opErr.Code)

	_, opErr = m.Start(ctx, testUser, StartInput{FileName: "a.txt",
		ContentType: "text/plain", Data: []byte("x"), PublishType: PublishOriginal})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeBadContentType, opErr.Code)

	_, opErr = m.Start(ctx, testUser, StartInput{FileName: "a.mp3",
		ContentType: "audio/mpeg", Data: []byte("x"), PublishType: PublishOriginal})
	require.NotNil(t, opErr)
	assert.Equal(t, CodeAudioSha256Required, opErr.Code)
}

func TestMetadataLockRejectsSecondRun(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("meta audio"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	_, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)

	in := MetadataInput{
		IPMetadataJSON:  json.RawMessage(`{"a":1}`),
		NFTMetadataJSON: json.RawMessage(`{"b":2}`),
	}
	_, opErr = m.Metadata(ctx, testUser, job.JobID, in)
	require.Nil(t, opErr)

	_, opErr = m.Metadata(ctx, testUser, job.JobID, in)
	require.NotNil(t, opErr)
	assert.Equal(t, http.StatusConflict, opErr.HTTPStatus)
}

func TestMetadataLockContention(t *testing.T) {
	m, store, uploads, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("racing meta audio"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	_, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)
	uploadsBefore := uploads.nextID

	// Hold both callers at the job read so each observes the unset metadata
	// facet before either reaches the lock.
	var barrier sync.WaitGroup
	barrier.Add(2)
	store.getForUser = func() {
		barrier.Done()
		barrier.Wait()
	}

	in := MetadataInput{
		IPMetadataJSON:  json.RawMessage(`{"a":1}`),
		NFTMetadataJSON: json.RawMessage(`{"b":2}`),
	}
	type outcome struct {
		job   *Job
		opErr *OpError
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, e := m.Metadata(ctx, testUser, job.JobID, in)
			results <- outcome{j, e}
		}()
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for r := range results {
		switch {
		case r.opErr == nil:
			wins++
			assert.Equal(t, string(MetadataAnchored), r.job.MetadataStatus.String)
		default:
			conflicts++
			assert.Equal(t, http.StatusConflict, r.opErr.HTTPStatus)
		}
	}
	assert.Equal(t, 1, wins, "exactly one caller must win the metadata lock")
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, uploadsBefore+2, uploads.nextID,
		"only the winner may stage ip.json and nft.json")
}

func TestStoreFailureSurfacesStorageCode(t *testing.T) {
	m, store, _, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("audio"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)

	store.transitionErr = fmt.Errorf("connection reset")
	_, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.NotNil(t, opErr)
	assert.Equal(t, CodeStorageFailure, opErr.Code)
	assert.Equal(t, http.StatusInternalServerError, opErr.HTTPStatus)
	assert.NotEqual(t, CodeConfigMissing, opErr.Code,
		"a database failure is not an unconfigured dependency")
}

func TestMetadataRejectsNonObject(t *testing.T) {
	m, _, _, _ := newTestMachine(t)
	ctx := context.Background()
	job := startOriginal(t, m, []byte("meta audio 2"))
	stageAll(t, m, job.JobID)
	_, opErr := m.Preflight(ctx, testUser, job.JobID, PreflightInput{})
	require.Nil(t, opErr)
	_, opErr = m.Anchor(ctx, testUser, job.JobID)
	require.Nil(t, opErr)

	_, opErr = m.Metadata(ctx, testUser, job.JobID, MetadataInput{
		IPMetadataJSON:  json.RawMessage(`[1,2,3]`),
		NFTMetadataJSON: json.RawMessage(`{"b":2}`),
	})
	require.NotNil(t, opErr)
	assert.Equal(t, http.StatusBadRequest, opErr.HTTPStatus)
}

func TestJobIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewJobID()
		assert.Len(t, id, 17)
		assert.Regexp(t, `^music_[0-9a-z]{11}$`, id)
		assert.False(t, seen[id], "ids must not repeat")
		seen[id] = true
	}
}
