package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"channel-relay-bot/internal/bot"
	"channel-relay-bot/internal/conversation"
)

const replUserID = "local"

// replBackend is the part of the orchestrator the local REPL drives
type replBackend interface {
	Handle(ctx context.Context, req conversation.Request) (*conversation.Reply, error)
	Clear(ctx context.Context, channelID int64) error
	GenerateImage(ctx context.Context, userID, prompt string) ([]byte, error)
	Status(ctx context.Context) (*conversation.Status, error)
	Ingest(ctx context.Context, data []byte, filename string) (string, error)
}

// repl is a terminal stand-in for a chat channel
type repl struct {
	backend   replBackend
	fetcher   bot.URLFetcher
	out       io.Writer
	outDir    string
	channelID int64
}

func chatCmd() *cobra.Command {
	var channelID int64
	var outDir string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the model from the terminal using the same conversation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			r := &repl{
				backend:   a.orchestrator,
				fetcher:   a.fetcher,
				out:       cmd.OutOrStdout(),
				outDir:    outDir,
				channelID: channelID,
			}
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().Int64Var(&channelID, "channel", 1, "channel id the session is stored under")
	cmd.Flags().StringVar(&outDir, "out", ".", "directory for images and files returned by the model")
	return cmd
}

func (r *repl) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "Commands: /clear, /image <prompt>, /status, /upload <path>, quit")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return nil
		}
		if err := r.execute(ctx, line); err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
	}
}

func (r *repl) execute(ctx context.Context, line string) error {
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch command {
	case "/clear":
		if err := r.backend.Clear(ctx, r.channelID); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "Conversation history cleared.")
		return nil

	case "/image":
		if arg == "" {
			return errors.New("usage: /image <prompt>")
		}
		image, err := r.backend.GenerateImage(ctx, replUserID, arg)
		if err != nil {
			var limited *conversation.RateLimitError
			if errors.As(err, &limited) {
				fmt.Fprintln(r.out, limited.Error())
				return nil
			}
			return err
		}
		return r.save("generated.png", image)

	case "/status":
		status, err := r.backend.Status(ctx)
		if err != nil {
			return err
		}
		indexID := status.IndexID
		if indexID == "" {
			indexID = "none"
		}
		fmt.Fprintf(r.out, "model=%s threads=%d documents=%d vector_store=%s uptime=%s\n",
			status.Model, status.ActiveThreads, status.IndexedDocuments, indexID, status.Uptime.Round(time.Second))
		return nil

	case "/upload":
		if arg == "" {
			return errors.New("usage: /upload <path>")
		}
		data, err := os.ReadFile(arg)
		if err != nil {
			return err
		}
		fileID, err := r.backend.Ingest(ctx, data, filepath.Base(arg))
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "Indexed %s as %s\n", filepath.Base(arg), fileID)
		return nil
	}

	reply, err := r.backend.Handle(ctx, conversation.Request{
		ChannelID: r.channelID,
		UserID:    replUserID,
		Text:      line,
	})
	if err != nil {
		return err
	}
	return r.print(ctx, reply)
}

func (r *repl) print(ctx context.Context, reply *conversation.Reply) error {
	for _, warning := range reply.Warnings {
		fmt.Fprintln(r.out, warning)
	}
	if reply.Text != "" {
		fmt.Fprintln(r.out, reply.Text)
	}

	var errs []error
	for i, url := range reply.ImageURLs {
		data, err := r.fetcher.FetchURL(ctx, url)
		if err == nil {
			err = r.save(fmt.Sprintf("output_%d.png", i+1), data)
		}
		errs = append(errs, err)
	}
	for i, image := range reply.Images {
		errs = append(errs, r.save(fmt.Sprintf("image_%d.png", i+1), image))
	}
	for _, file := range reply.Files {
		errs = append(errs, r.save(file.Name, file.Data))
	}
	return errors.Join(errs...)
}

func (r *repl) save(name string, data []byte) error {
	path := filepath.Join(r.outDir, filepath.Base(name))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "[saved %s]\n", path)
	return nil
}
