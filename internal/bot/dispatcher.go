package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"channel-relay-bot/internal/conversation"
)

// MessageLimit is the Discord message length limit in characters
const MessageLimit = 2000

// URLFetcher downloads interpreter output images before their links expire
type URLFetcher interface {
	FetchURL(ctx context.Context, url string) ([]byte, error)
}

// Split cuts text into consecutive chunks of at most limit code points. Text that already
// fits, including the empty string, comes back as a single chunk.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}

	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	chunks := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

// Dispatcher delivers a conversation.Reply to a channel
type Dispatcher struct {
	sender  MessageSender
	fetcher URLFetcher
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(sender MessageSender, fetcher URLFetcher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		fetcher: fetcher,
		logger:  logger,
	}
}

// Dispatch sends warnings, then the text (editing the placeholder with the first chunk),
// then interpreter images, generated images and extracted files. Image and file sends are
// isolated from each other; only text delivery failures are returned.
func (d *Dispatcher) Dispatch(ctx context.Context, channelID, placeholderID string, reply *conversation.Reply) error {
	for _, warning := range reply.Warnings {
		if _, err := d.sender.SendText(channelID, warning); err != nil {
			d.logger.Warn("Failed to send warning", "channel_id", channelID, "error", err)
		}
	}

	textErr := d.sendText(channelID, placeholderID, reply.Text)

	n := 0
	for _, url := range reply.ImageURLs {
		n++
		data, err := d.fetcher.FetchURL(ctx, url)
		if err == nil {
			err = d.sender.SendFile(channelID, fmt.Sprintf("output_%d.png", n), data)
		}
		if err != nil {
			d.reportFailure(channelID, fmt.Sprintf("⚠️ Couldn't send generated image #%d.", n), err)
		}
	}

	for i, image := range reply.Images {
		if err := d.sender.SendFile(channelID, fmt.Sprintf("image_%d.png", i+1), image); err != nil {
			d.reportFailure(channelID, fmt.Sprintf("⚠️ Couldn't send generated image #%d.", n+i+1), err)
		}
	}

	for _, file := range reply.Files {
		if err := d.sender.SendFile(channelID, file.Name, file.Data); err != nil {
			d.reportFailure(channelID, fmt.Sprintf("⚠️ Couldn't send `%s`.", file.Name), err)
		}
	}

	return textErr
}

func (d *Dispatcher) sendText(channelID, placeholderID, text string) error {
	if text == "" {
		if placeholderID != "" {
			if err := d.sender.DeleteMessage(channelID, placeholderID); err != nil {
				d.logger.Warn("Failed to delete placeholder", "channel_id", channelID, "error", err)
			}
		}
		return nil
	}

	var errs []error
	for i, chunk := range Split(text, MessageLimit) {
		if i == 0 && placeholderID != "" {
			err := d.sender.EditText(channelID, placeholderID, chunk)
			if err == nil {
				continue
			}
			d.logger.Warn("Failed to edit placeholder, sending instead", "channel_id", channelID, "error", err)
		}
		if _, err := d.sender.SendText(channelID, chunk); err != nil {
			errs = append(errs, fmt.Errorf("chunk %d: %w", i+1, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) reportFailure(channelID, notice string, cause error) {
	d.logger.Warn("Failed to deliver attachment", "channel_id", channelID, "notice", notice, "error", cause)
	if _, err := d.sender.SendText(channelID, notice); err != nil {
		d.logger.Error("Failed to send failure notice", "channel_id", channelID, "error", err)
	}
}
