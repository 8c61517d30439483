package service

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"path/filepath"
	"sync"

	"github.com/openai/openai-go/v3"
)

// OpenAIVectorStoreService implements DocumentIndex with the OpenAI Files and Vector Stores APIs
type OpenAIVectorStoreService struct {
	client    openai.Client
	storeName string
	logger    *slog.Logger

	mu            sync.Mutex
	vectorStoreID string
}

// NewOpenAIVectorStoreService creates a document index. When vectorStoreID is empty a
// store named storeName is created on the first Index call.
func NewOpenAIVectorStoreService(client openai.Client, vectorStoreID, storeName string, logger *slog.Logger) *OpenAIVectorStoreService {
	if logger == nil {
		logger = slog.Default()
	}
	if storeName == "" {
		storeName = "channel-relay-bot"
	}
	return &OpenAIVectorStoreService{
		client:        client,
		storeName:     storeName,
		vectorStoreID: vectorStoreID,
		logger:        logger.With(slog.String("component", "vector_store")),
	}
}

// Upload sends the document to the Files API for retrieval and interpreter use
func (s *OpenAIVectorStoreService) Upload(ctx context.Context, data []byte, filename string) (string, error) {
	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	file, err := s.client.Files.New(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(data), filename, contentType),
		Purpose: openai.FilePurposeAssistants,
	})
	if err != nil {
		return "", remoteError("upload file", err)
	}

	s.logger.Info("Uploaded document",
		slog.String("filename", filename),
		slog.String("file_id", file.ID),
		slog.Int("bytes", len(data)))
	return file.ID, nil
}

// Index attaches an uploaded file to the shared vector store, creating the store if needed
func (s *OpenAIVectorStoreService) Index(ctx context.Context, fileID string) error {
	storeID, err := s.ensureStore(ctx)
	if err != nil {
		return err
	}

	if _, err := s.client.VectorStores.Files.New(ctx, storeID, openai.VectorStoreFileNewParams{
		FileID: fileID,
	}); err != nil {
		return remoteError("index file", err)
	}
	return nil
}

// CountIndexed returns the total number of files in the vector store
func (s *OpenAIVectorStoreService) CountIndexed(ctx context.Context) (int, error) {
	storeID := s.IndexID()
	if storeID == "" {
		return 0, nil
	}

	store, err := s.client.VectorStores.Get(ctx, storeID)
	if err != nil {
		return 0, remoteError("get vector store", err)
	}
	return int(store.FileCounts.Total), nil
}

// IndexID returns the vector store id, empty until one is configured or created
func (s *OpenAIVectorStoreService) IndexID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vectorStoreID
}

func (s *OpenAIVectorStoreService) ensureStore(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.vectorStoreID != "" {
		return s.vectorStoreID, nil
	}

	store, err := s.client.VectorStores.New(ctx, openai.VectorStoreNewParams{
		Name: openai.String(s.storeName),
	})
	if err != nil {
		return "", remoteError("create vector store", err)
	}

	s.vectorStoreID = store.ID
	s.logger.Warn("Created vector store, set VECTOR_STORE_ID to reuse it across restarts",
		slog.String("vector_store_id", store.ID))
	return store.ID, nil
}

