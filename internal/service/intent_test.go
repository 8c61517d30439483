package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntent(t *testing.T) {
	testCases := []struct {
		answer   string
		expected bool
	}{
		{"True", true},
		{"true", true},
		{"  TRUE\n", true},
		{"False", false},
		{"", false},
		{"True.", false},
		{"Yes", false},
		{"I think True", false},
		{"maybe", false},
	}

	for _, tc := range testCases {
		t.Run(tc.answer, func(t *testing.T) {
			assert.Equal(t, tc.expected, ParseIntent(tc.answer))
		})
	}
}

func chatCompletionServer(t *testing.T, content string, status int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 8, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
}

func TestOpenAIIntentClassifier_IsImageRequest(t *testing.T) {
	testCases := []struct {
		name     string
		reply    string
		expected bool
	}{
		{"true", "True", true},
		{"false", "False", false},
		{"unexpected output defaults to chat", "Sure! Here's an image", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := chatCompletionServer(t, tc.reply, http.StatusOK)
			defer server.Close()

			classifier := NewOpenAIIntentClassifier(NewChatClient("sk-test", server.URL+"/v1"), "", newTestLogger())
			isImage, err := classifier.IsImageRequest(context.Background(), "draw me a cat")
			require.NoError(t, err)
			assert.Equal(t, tc.expected, isImage)
		})
	}
}

func TestOpenAIIntentClassifier_Error(t *testing.T) {
	server := chatCompletionServer(t, "", http.StatusServiceUnavailable)
	defer server.Close()

	classifier := NewOpenAIIntentClassifier(NewChatClient("sk-test", server.URL+"/v1"), "gpt-4o-mini", newTestLogger())
	isImage, err := classifier.IsImageRequest(context.Background(), "draw me a cat")
	assert.False(t, isImage)

	var remoteErr *RemoteServiceError
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, "classify intent", remoteErr.Op)
}
