package service

import (
	"context"
	"fmt"
)

// Completer sends one conversational turn to the hosted model
type Completer interface {
	// Complete continues the conversation identified by req.ContinuationToken, or starts
	// a new one when the token is empty
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error)
}

// ImageGenerator renders an image from a prompt and returns the encoded bytes
type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// IntentClassifier decides whether a message asks for an image rather than a chat reply
type IntentClassifier interface {
	IsImageRequest(ctx context.Context, text string) (bool, error)
}

// DocumentIndex stores uploaded documents for retrieval by the model.
// The index is shared across all channels.
type DocumentIndex interface {
	// Upload stores raw bytes and returns the remote file identifier
	Upload(ctx context.Context, data []byte, filename string) (string, error)

	// Index adds an uploaded file to the shared search index
	Index(ctx context.Context, fileID string) error

	// CountIndexed returns the number of files in the index, 0 when none exists yet
	CountIndexed(ctx context.Context) (int, error)

	// IndexID returns the search index identifier, empty when none exists yet
	IndexID() string
}

// CompletionRequest is a single user turn
type CompletionRequest struct {
	ContinuationToken string
	Text              string
	ImageURLs         []string
	FileIDs           []string
	// IndexID enables retrieval over the shared document index when set
	IndexID string
	// UserID identifies the sender for per-user metering of tool calls
	UserID string
}

// CompletionResult carries everything the model produced for one turn
type CompletionResult struct {
	Text              string
	ContinuationToken string
	// OutputImageURLs are interpreter-hosted images; they expire after about an hour
	OutputImageURLs []string
	// OutputImages are generated through the image tool and already downloaded
	OutputImages    [][]byte
	InterpreterLogs []string
}

// ModelConfig holds the settings every completion call shares
type ModelConfig struct {
	Model           string
	SystemPrompt    string
	MaxOutputTokens int
	WebSearch       bool
	CodeInterpreter bool
	ImageTool       bool
}

// RemoteServiceError wraps any failure of the hosted model or file APIs
type RemoteServiceError struct {
	Op    string
	Cause error
}

func (e *RemoteServiceError) Error() string {
	return fmt.Sprintf("remote service %s failed: %v", e.Op, e.Cause)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Cause
}

func remoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &RemoteServiceError{Op: op, Cause: err}
}
