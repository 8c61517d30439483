package bot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"channel-relay-bot/internal/conversation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sentOp is one call made against MockClient
type sentOp struct {
	Kind      string // send, edit, delete, file, typing
	ChannelID string
	MessageID string
	Content   string
	Data      []byte
}

// MockClient records every Discord call in order
type MockClient struct {
	mu sync.Mutex

	ops        []sentOp
	responses  []*discordgo.InteractionResponse
	followups  []*discordgo.WebhookParams
	registered int

	nextID      int
	sendErr     map[string]error // by content
	fileErr     map[string]error // by filename
	editErr     error
	registerErr error
}

func NewMockClient() *MockClient {
	return &MockClient{
		sendErr: make(map[string]error),
		fileErr: make(map[string]error),
	}
}

func (c *MockClient) SendText(channelID, content string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendErr[content]; err != nil {
		return "", err
	}
	c.nextID++
	id := fmt.Sprintf("msg-%d", c.nextID)
	c.ops = append(c.ops, sentOp{Kind: "send", ChannelID: channelID, MessageID: id, Content: content})
	return id, nil
}

func (c *MockClient) EditText(channelID, messageID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editErr != nil {
		return c.editErr
	}
	c.ops = append(c.ops, sentOp{Kind: "edit", ChannelID: channelID, MessageID: messageID, Content: content})
	return nil
}

func (c *MockClient) DeleteMessage(channelID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, sentOp{Kind: "delete", ChannelID: channelID, MessageID: messageID})
	return nil
}

func (c *MockClient) SendFile(channelID, name string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fileErr[name]; err != nil {
		return err
	}
	c.ops = append(c.ops, sentOp{Kind: "file", ChannelID: channelID, Content: name, Data: data})
	return nil
}

func (c *MockClient) Typing(channelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, sentOp{Kind: "typing", ChannelID: channelID})
	return nil
}

func (c *MockClient) Respond(_ *discordgo.Interaction, response *discordgo.InteractionResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, response)
	return nil
}

func (c *MockClient) Followup(_ *discordgo.Interaction, params *discordgo.WebhookParams) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.followups = append(c.followups, params)
	return nil
}

func (c *MockClient) RegisterCommands(_ string, _ []*discordgo.ApplicationCommand) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return c.registerErr
	}
	c.registered++
	return nil
}

// visible returns the ops excluding typing indicators
func (c *MockClient) visible() []sentOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentOp
	for _, op := range c.ops {
		if op.Kind != "typing" {
			out = append(out, op)
		}
	}
	return out
}

// MockFetcher serves interpreter image URLs from a map
type MockFetcher struct {
	data map[string][]byte
}

func (f *MockFetcher) FetchURL(_ context.Context, url string) ([]byte, error) {
	if data, ok := f.data[url]; ok {
		return data, nil
	}
	return nil, fmt.Errorf("fetch %s: not found", url)
}

// MockOrchestrator returns canned replies and records calls
type MockOrchestrator struct {
	mu sync.Mutex

	reply     *conversation.Reply
	err       error
	panicWith any
	requests  []conversation.Request

	cleared  []int64
	clearErr error

	image      []byte
	imageErr   error
	imagePanic any
	prompts    []string

	status    *conversation.Status
	statusErr error

	dropped int
}

func (o *MockOrchestrator) Handle(_ context.Context, req conversation.Request) (*conversation.Reply, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.panicWith != nil {
		panic(o.panicWith)
	}
	return o.reply, o.err
}

func (o *MockOrchestrator) Clear(_ context.Context, channelID int64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared = append(o.cleared, channelID)
	return o.clearErr
}

func (o *MockOrchestrator) GenerateImage(_ context.Context, _ string, prompt string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prompts = append(o.prompts, prompt)
	if o.imagePanic != nil {
		panic(o.imagePanic)
	}
	return o.image, o.imageErr
}

func (o *MockOrchestrator) Status(_ context.Context) (*conversation.Status, error) {
	return o.status, o.statusErr
}

func (o *MockOrchestrator) DropCaches() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}
