package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"channel-relay-bot/internal/attachment"
	"channel-relay-bot/internal/monitor"
	"channel-relay-bot/internal/service"
	"channel-relay-bot/internal/storage"
)

// MockStore is an in-memory Store with failure injection
type MockStore struct {
	mu     sync.Mutex
	tokens map[int64]string
	writes int
	getErr error
	setErr error
}

func NewMockStore() *MockStore {
	return &MockStore{tokens: make(map[int64]string)}
}

func (m *MockStore) Get(ctx context.Context, channelID int64) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return "", false, m.getErr
	}
	token, ok := m.tokens[channelID]
	return token, ok, nil
}

func (m *MockStore) Set(ctx context.Context, channelID int64, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.writes++
	m.tokens[channelID] = token
	return nil
}

func (m *MockStore) Delete(ctx context.Context, channelID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, channelID)
	return nil
}

func (m *MockStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return 0, m.getErr
	}
	return len(m.tokens), nil
}

// MockCompleter returns scripted results and records every request
type MockCompleter struct {
	mu       sync.Mutex
	requests []service.CompletionRequest
	results  []*service.CompletionResult
	err      error
	next     int
	delay    time.Duration
}

func (m *MockCompleter) Complete(ctx context.Context, req service.CompletionRequest) (*service.CompletionResult, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) > 0 {
		result := m.results[0]
		m.results = m.results[1:]
		return result, nil
	}
	m.next++
	return &service.CompletionResult{
		Text:              fmt.Sprintf("reply %d", m.next),
		ContinuationToken: fmt.Sprintf("resp_%d", m.next),
	}, nil
}

func (m *MockCompleter) calls() []service.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]service.CompletionRequest(nil), m.requests...)
}

// MockFetcher serves bytes by URL
type MockFetcher struct {
	files map[string][]byte
}

func (m *MockFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	data, ok := m.files[url]
	if !ok {
		return nil, "", &attachment.FetchError{URL: url, StatusCode: 404}
	}
	return data, attachment.FilenameFromURL(url), nil
}

// MockDocumentIndex records uploads; uploads of names in failOn fail
type MockDocumentIndex struct {
	mu       sync.Mutex
	uploaded []string
	indexed  []string
	failOn   map[string]bool
	count    int
	countErr error
	counted  int
}

func (m *MockDocumentIndex) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn[filename] {
		return "", &service.RemoteServiceError{Op: "upload file", Cause: errors.New("rejected")}
	}
	m.uploaded = append(m.uploaded, filename)
	return "file_" + filename, nil
}

func (m *MockDocumentIndex) Index(ctx context.Context, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, fileID)
	return nil
}

func (m *MockDocumentIndex) CountIndexed(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counted++
	return m.count, m.countErr
}

func (m *MockDocumentIndex) IndexID() string {
	return "vs_shared"
}

type MockImageGenerator struct {
	prompts []string
	err     error
}

func (m *MockImageGenerator) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return nil, m.err
	}
	return []byte("png:" + prompt), nil
}

type MockIntentClassifier struct {
	isImage bool
	err     error
	calls   int
}

func (m *MockIntentClassifier) IsImageRequest(ctx context.Context, text string) (bool, error) {
	m.calls++
	return m.isImage, m.err
}

type testHarness struct {
	store     *MockStore
	completer *MockCompleter
	documents *MockDocumentIndex
	images    *MockImageGenerator
	intent    *MockIntentClassifier
	fetcher   *MockFetcher
}

func newHarness() *testHarness {
	return &testHarness{
		store:     NewMockStore(),
		completer: &MockCompleter{},
		documents: &MockDocumentIndex{failOn: map[string]bool{}},
		images:    &MockImageGenerator{},
		intent:    &MockIntentClassifier{},
		fetcher:   &MockFetcher{files: map[string][]byte{}},
	}
}

func (h *testHarness) orchestrator(opts Options, limiter *monitor.RateLimiter) *Orchestrator {
	return New(Dependencies{
		Store:     h.store,
		Fetcher:   h.fetcher,
		Completer: h.completer,
		Documents: h.documents,
		Images:    h.images,
		Intent:    h.intent,
		Limiter:   limiter,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, opts)
}

func TestOrchestrator_ChannelScenario(t *testing.T) {
	h := newHarness()
	h.completer.results = []*service.CompletionResult{
		{Text: "Hi Alice", ContinuationToken: "resp_r1"},
		{Text: "Hi again", ContinuationToken: "resp_r2"},
	}
	o := h.orchestrator(Options{SerializePerChannel: true}, nil)
	ctx := context.Background()

	reply, err := o.Handle(ctx, Request{ChannelID: 42, UserID: "u-alice", DisplayName: "alice", Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "Hi Alice", reply.Text)

	token, found, _ := h.store.Get(ctx, 42)
	assert.True(t, found)
	assert.Equal(t, "resp_r1", token)

	_, err = o.Handle(ctx, Request{ChannelID: 42, DisplayName: "bob", Text: "hey"})
	require.NoError(t, err)

	token, _, _ = h.store.Get(ctx, 42)
	assert.Equal(t, "resp_r2", token)

	require.NoError(t, o.Clear(ctx, 42))
	_, found, _ = h.store.Get(ctx, 42)
	assert.False(t, found)

	_, err = o.Handle(ctx, Request{ChannelID: 42, DisplayName: "carol", Text: "anyone?"})
	require.NoError(t, err)

	calls := h.completer.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "", calls[0].ContinuationToken)
	assert.Equal(t, "alice: hi", calls[0].Text)
	assert.Equal(t, "u-alice", calls[0].UserID)
	assert.Equal(t, "resp_r1", calls[1].ContinuationToken)
	assert.Equal(t, "bob: hey", calls[1].Text)
	assert.Equal(t, "", calls[2].ContinuationToken)
	assert.Equal(t, "vs_shared", calls[2].IndexID)
}

func TestOrchestrator_ChainContinuity(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(Options{SerializePerChannel: true}, nil)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := o.Handle(ctx, Request{ChannelID: 7, Text: "turn"})
		require.NoError(t, err)
	}

	calls := h.completer.calls()
	require.Len(t, calls, 5)
	assert.Equal(t, "", calls[0].ContinuationToken)
	for i := 1; i < 5; i++ {
		assert.Equal(t, fmt.Sprintf("resp_%d", i), calls[i].ContinuationToken)
	}
}

func TestOrchestrator_NoOpGuarantee(t *testing.T) {
	h := newHarness()
	o := h.orchestrator(Options{}, nil)
	ctx := context.Background()

	testCases := []struct {
		name     string
		req      Request
		warnings int
	}{
		{"empty text", Request{ChannelID: 1, Text: "   "}, 0},
		{"only unsupported attachment", Request{ChannelID: 1, Attachments: []attachment.Descriptor{
			{URL: "https://cdn/x.exe", Filename: "x.exe"},
		}}, 1},
		{"only failing document", Request{ChannelID: 1, Attachments: []attachment.Descriptor{
			{URL: "https://cdn/missing.pdf", Filename: "missing.pdf"},
		}}, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reply, err := o.Handle(ctx, tc.req)
			require.NoError(t, err)
			assert.True(t, reply.Skipped)
			assert.Len(t, reply.Warnings, tc.warnings)
		})
	}

	assert.Empty(t, h.completer.calls())
	assert.Equal(t, 0, h.store.writes)
}

func TestOrchestrator_PartialAttachmentFailure(t *testing.T) {
	h := newHarness()
	h.fetcher.files["https://cdn/good.pdf"] = []byte("%PDF")
	h.fetcher.files["https://cdn/rejected.txt"] = []byte("nope")
	h.documents.failOn["rejected.txt"] = true
	o := h.orchestrator(Options{}, nil)

	reply, err := o.Handle(context.Background(), Request{
		ChannelID:   9,
		DisplayName: "dana",
		Attachments: []attachment.Descriptor{
			{URL: "https://cdn/cat.png", Filename: "cat.png", ContentType: "image/png"},
			{URL: "https://cdn/good.pdf", Filename: "good.pdf"},
			{URL: "https://cdn/missing.csv", Filename: "missing.csv"},
			{URL: "https://cdn/rejected.txt", Filename: "rejected.txt"},
			{URL: "https://cdn/song.mp3", Filename: "song.mp3"},
		},
	})
	require.NoError(t, err)
	assert.False(t, reply.Skipped)
	require.Len(t, reply.Warnings, 3)
	assert.Contains(t, reply.Warnings[0], "missing.csv")
	assert.Contains(t, reply.Warnings[1], "rejected.txt")
	assert.Contains(t, reply.Warnings[2], "song.mp3")

	calls := h.completer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "dana: (see attachments)", calls[0].Text)
	assert.Equal(t, []string{"https://cdn/cat.png"}, calls[0].ImageURLs)
	assert.Equal(t, []string{"file_good.pdf"}, calls[0].FileIDs)
	assert.Equal(t, []string{"file_good.pdf"}, h.documents.indexed)
}

func TestOrchestrator_StorageReadFailure(t *testing.T) {
	h := newHarness()
	h.store.getErr = &storage.UnavailableError{Op: "get thread", Cause: errors.New("disk I/O error")}
	o := h.orchestrator(Options{}, nil)

	reply, err := o.Handle(context.Background(), Request{ChannelID: 1, Text: "hi"})
	assert.Nil(t, reply)
	assert.True(t, errors.Is(err, storage.ErrStorageUnavailable))
	assert.Empty(t, h.completer.calls())
}

func TestOrchestrator_StorageWriteFailureStillReplies(t *testing.T) {
	h := newHarness()
	h.store.setErr = &storage.UnavailableError{Op: "upsert thread", Cause: errors.New("database is locked")}
	o := h.orchestrator(Options{}, nil)

	reply, err := o.Handle(context.Background(), Request{ChannelID: 1, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "reply 1", reply.Text)
	require.Len(t, reply.Warnings, 1)
	assert.Contains(t, reply.Warnings[0], "history")
}

func TestOrchestrator_CompletionFailureDoesNotWrite(t *testing.T) {
	h := newHarness()
	h.completer.err = &service.RemoteServiceError{Op: "create response", Cause: errors.New("timeout")}
	o := h.orchestrator(Options{}, nil)

	_, err := o.Handle(context.Background(), Request{ChannelID: 1, Text: "hi"})
	var remoteErr *service.RemoteServiceError
	assert.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, 0, h.store.writes)
}

func TestOrchestrator_DecomposesMarkers(t *testing.T) {
	h := newHarness()
	h.completer.results = []*service.CompletionResult{{
		Text:              "Done! " + EncodeMarker("data.csv", []byte("a,b")),
		ContinuationToken: "resp_files",
		OutputImageURLs:   []string{"https://files/plot.png"},
		OutputImages:      [][]byte{[]byte("img")},
		InterpreterLogs: []string{
			EncodeMarker("data.csv", []byte("a,b")),
			"computing...\n" + EncodeMarker("script.py", []byte("print(1)")),
		},
	}}
	o := h.orchestrator(Options{}, nil)

	reply, err := o.Handle(context.Background(), Request{ChannelID: 3, Text: "make files"})
	require.NoError(t, err)
	assert.Equal(t, "Done!", reply.Text)
	assert.Equal(t, []string{"https://files/plot.png"}, reply.ImageURLs)
	assert.Equal(t, [][]byte{[]byte("img")}, reply.Images)
	require.Len(t, reply.Files, 2)
	assert.Equal(t, File{Name: "data.csv", Data: []byte("a,b")}, reply.Files[0])
	assert.Equal(t, File{Name: "script.py", Data: []byte("print(1)")}, reply.Files[1])

	token, _, _ := h.store.Get(context.Background(), 3)
	assert.Equal(t, "resp_files", token)
}

func TestOrchestrator_ImageIntentRouting(t *testing.T) {
	h := newHarness()
	h.intent.isImage = true
	o := h.orchestrator(Options{ImageIntentRouting: true}, nil)

	reply, err := o.Handle(context.Background(), Request{ChannelID: 1, UserID: "u1", Text: "draw a cat"})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("png:draw a cat")}, reply.Images)
	assert.Empty(t, h.completer.calls())
	assert.Equal(t, 0, h.store.writes)
}

func TestOrchestrator_ClassifierDefaultsToChat(t *testing.T) {
	h := newHarness()
	h.intent.err = errors.New("classifier down")
	o := h.orchestrator(Options{ImageIntentRouting: true}, nil)

	reply, err := o.Handle(context.Background(), Request{ChannelID: 1, Text: "draw a cat"})
	require.NoError(t, err)
	assert.Equal(t, "reply 1", reply.Text)
	assert.Len(t, h.completer.calls(), 1)
	assert.Empty(t, h.images.prompts)
}

func TestOrchestrator_ClassifierSkippedWhenDisabledOrAttachments(t *testing.T) {
	h := newHarness()
	h.intent.isImage = true

	o := h.orchestrator(Options{}, nil)
	_, err := o.Handle(context.Background(), Request{ChannelID: 1, Text: "draw a cat"})
	require.NoError(t, err)
	assert.Equal(t, 0, h.intent.calls)

	o = h.orchestrator(Options{ImageIntentRouting: true}, nil)
	_, err = o.Handle(context.Background(), Request{ChannelID: 1, Text: "draw this", Attachments: []attachment.Descriptor{
		{URL: "https://cdn/ref.png", Filename: "ref.png"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, h.intent.calls)
	assert.Len(t, h.completer.calls(), 2)
}

func TestOrchestrator_GenerateImageRateLimited(t *testing.T) {
	h := newHarness()
	limiter := monitor.NewRateLimiter(monitor.Limits{PerMinute: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	o := h.orchestrator(Options{}, limiter)
	ctx := context.Background()

	image, err := o.GenerateImage(ctx, "u1", "a fox")
	require.NoError(t, err)
	assert.Equal(t, []byte("png:a fox"), image)

	_, err = o.GenerateImage(ctx, "u1", "another fox")
	var limited *RateLimitError
	require.True(t, errors.As(err, &limited))
	assert.Contains(t, limited.Error(), "Rate limit exceeded")
	assert.Len(t, h.images.prompts, 1)

	o.DropCaches()
	_, err = o.GenerateImage(ctx, "u1", "third fox")
	assert.NoError(t, err)
}

func TestOrchestrator_Status(t *testing.T) {
	h := newHarness()
	h.documents.count = 4
	o := h.orchestrator(Options{Model: "gpt-4o"}, nil)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, 1, "resp_a"))
	require.NoError(t, h.store.Set(ctx, 2, "resp_b"))

	status, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", status.Model)
	assert.Equal(t, 2, status.ActiveThreads)
	assert.Equal(t, 4, status.IndexedDocuments)
	assert.Equal(t, "vs_shared", status.IndexID)

	// The document count is cached
	h.documents.count = 10
	status, err = o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, status.IndexedDocuments)
	assert.Equal(t, 1, h.documents.counted)

	o.DropCaches()
	status, err = o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, status.IndexedDocuments)

	h.store.getErr = errors.New("down")
	_, err = o.Status(ctx)
	assert.Error(t, err)
}

func TestOrchestrator_SerializesPerChannel(t *testing.T) {
	h := newHarness()
	h.completer.delay = 5 * time.Millisecond
	o := h.orchestrator(Options{SerializePerChannel: true}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Handle(context.Background(), Request{ChannelID: 11, Text: "concurrent"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Serialized turns form one chain: every token is used as previous exactly once
	calls := h.completer.calls()
	require.Len(t, calls, 5)
	seen := map[string]bool{}
	for _, call := range calls {
		assert.False(t, seen[call.ContinuationToken], "token %q reused", call.ContinuationToken)
		seen[call.ContinuationToken] = true
	}
}
