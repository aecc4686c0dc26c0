package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/dashsync/internal/client"
)

const (
	flushTimeout      = 10 * time.Second
	retryPollInterval = 100 * time.Millisecond
)

var errConflicted = errors.New("section is conflicted")

func newPutCommand() *cobra.Command {
	var section, content, file, onConflict string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Save one section, queueing it offline when the server is unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSection(section)
			if err != nil {
				return err
			}
			policy, err := parseConflictPolicy(onConflict)
			if err != nil {
				return err
			}
			document, err := readDocument(cmd.InOrStdin(), content, file)
			if err != nil {
				return err
			}

			a, err := openAgent(cmd.OutOrStdout(), "manual")
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.queue.SetOnline(ctx); err != nil {
				return err
			}
			if err := a.queue.Edit(id, document); err != nil {
				return err
			}
			if err := a.queue.SaveNow(ctx, id); err != nil {
				return err
			}
			return settle(ctx, a, id, policy)
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "Section as <type>/<key>")
	cmd.Flags().StringVar(&content, "content", "", "JSON document to save")
	cmd.Flags().StringVar(&file, "file", "", "Read the JSON document from a file, - for stdin")
	cmd.Flags().StringVar(&onConflict, "on-conflict", conflictReport, "Conflict handling: report, keep-local or use-server")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

// settle reports the final state of a saved section, resolving a conflict when the policy asks.
func settle(ctx context.Context, a *agent, id client.SectionID, policy string) error {
	if err := awaitRetries(ctx, a, id); err != nil {
		return err
	}
	if a.queue.State(id) == client.StateConflicted {
		resolution, ok := resolutionFor(policy)
		if !ok {
			return fmt.Errorf("%w: %s", errConflicted, id)
		}
		if err := a.queue.Resolve(ctx, id, resolution, nil); err != nil {
			return err
		}
		if err := awaitRetries(ctx, a, id); err != nil {
			return err
		}
	}
	switch a.queue.State(id) {
	case client.StateConflicted:
		return fmt.Errorf("%w: %s", errConflicted, id)
	case client.StateRetrying:
		return fmt.Errorf("save of %s did not complete within %s", id, flushTimeout)
	}
	return nil
}

// awaitRetries blocks while the section is retrying.
func awaitRetries(ctx context.Context, a *agent, id client.SectionID) error {
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		state := a.queue.State(id)
		if state != client.StateRetrying && state != client.StateSending {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryPollInterval):
		}
	}
	return nil
}

func readDocument(stdin io.Reader, content, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case content != "" && file != "":
		return nil, errors.New("use either --content or --file")
	case content != "":
		raw = []byte(content)
	case file == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, err
		}
		raw = data
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = data
	default:
		return nil, errors.New("one of --content or --file is required")
	}
	if !json.Valid(raw) {
		return nil, errors.New("document is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func newWatchCommand() *cobra.Command {
	var sections []string
	var onConflict string
	var readEdits bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow sections, printing remote changes and saving edits read from stdin",
		Long: "Follow sections through the push channel, falling back to polling while it is down.\n" +
			"With --edits, each stdin line of the form '<type>/<key> <json>' is auto-saved.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]client.SectionID, 0, len(sections))
			for _, raw := range sections {
				id, err := parseSection(raw)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			if len(ids) == 0 {
				return errors.New("at least one --section is required")
			}
			policy, err := parseConflictPolicy(onConflict)
			if err != nil {
				return err
			}

			a, err := openAgent(cmd.OutOrStdout(), "auto")
			if err != nil {
				return err
			}
			defer a.Close()
			return watch(cmd.Context(), a, ids, policy, readEdits, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringSliceVar(&sections, "section", nil, "Section to follow as <type>/<key> (repeatable)")
	cmd.Flags().StringVar(&onConflict, "on-conflict", conflictReport, "Conflict handling: report, keep-local or use-server")
	cmd.Flags().BoolVar(&readEdits, "edits", false, "Read edits from stdin")
	return cmd
}

func watch(ctx context.Context, a *agent, ids []client.SectionID, policy string, readEdits bool, stdin io.Reader) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reachable := make(chan struct{}, 1)
	signalReachable := func() {
		select {
		case reachable <- struct{}{}:
		default:
		}
	}
	conflicts := make(chan client.SectionID, 16)
	a.queue.OnEvent(func(event client.Event) {
		if event.Type != client.EventSaveConflict {
			return
		}
		select {
		case conflicts <- event.Section:
		default:
			a.logger.Warn("conflict backlog full", zap.String("section", event.Section.String()))
		}
	})

	subscriber, err := client.NewSubscriber(client.SubscriberConfig{
		API:           a.api,
		Handler:       a.queue,
		Sections:      ids,
		PollInterval:  a.cfg.PollInterval,
		PushReconnect: a.cfg.PushReconnect,
		OnConnected: func(connectionID string) {
			a.queue.SetConnectionID(connectionID)
			signalReachable()
		},
		OnReachable: func() {
			if !a.queue.Online() {
				signalReachable()
			}
		},
		Logger: a.logger,
	})
	if err != nil {
		return err
	}

	if err := a.queue.SetOnline(signalCtx); err != nil {
		return err
	}

	subscriberDone := make(chan error, 1)
	go func() {
		subscriberDone <- subscriber.Run(signalCtx)
	}()

	edits := make(chan editLine)
	if readEdits {
		go scanEdits(signalCtx, stdin, edits, a.logger)
	}

	for {
		select {
		case <-signalCtx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			a.queue.Flush(flushCtx)
			cancel()
			return <-subscriberDone
		case err := <-subscriberDone:
			return err
		case <-reachable:
			if err := a.queue.SetOnline(signalCtx); err != nil {
				a.logger.Warn("offline replay failed", zap.Error(err))
			}
		case id := <-conflicts:
			resolution, ok := resolutionFor(policy)
			if !ok {
				continue
			}
			if err := a.queue.Resolve(signalCtx, id, resolution, nil); err != nil && !errors.Is(err, client.ErrNotConflicted) {
				a.logger.Warn("conflict resolution failed", zap.String("section", id.String()), zap.Error(err))
			}
		case edit := <-edits:
			if err := a.queue.Edit(edit.section, edit.content); err != nil {
				a.logger.Warn("edit rejected", zap.String("section", edit.section.String()), zap.Error(err))
			}
		}
	}
}

type editLine struct {
	section client.SectionID
	content json.RawMessage
}

func scanEdits(ctx context.Context, stdin io.Reader, edits chan<- editLine, logger *zap.Logger) {
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rawSection, document, ok := strings.Cut(line, " ")
		if !ok {
			logger.Warn("edit line must be '<type>/<key> <json>'", zap.String("line", line))
			continue
		}
		id, err := parseSection(rawSection)
		if err != nil {
			logger.Warn("invalid edit section", zap.Error(err))
			continue
		}
		select {
		case edits <- editLine{section: id, content: json.RawMessage(strings.TrimSpace(document))}:
		case <-ctx.Done():
			return
		}
	}
}

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Send every save queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.OutOrStdout(), "auto")
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			queued, err := a.offline.List(ctx)
			if err != nil {
				return err
			}
			if err := a.queue.SetOnline(ctx); err != nil {
				return err
			}
			remaining, err := a.offline.List(ctx)
			if err != nil {
				return err
			}
			a.printer.print(map[string]any{"queued": len(queued), "remaining": len(remaining)})
			if len(remaining) > 0 {
				return fmt.Errorf("%d saves are still queued", len(remaining))
			}
			return nil
		},
	}
}

func newFetchCommand() *cobra.Command {
	var sectionType string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "List the owner's sections",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openAgent(cmd.OutOrStdout(), "auto")
			if err != nil {
				return err
			}
			defer a.Close()
			sections, err := a.api.Fetch(cmd.Context(), sectionType)
			if err != nil {
				return err
			}
			for _, section := range sections {
				a.printer.print(section)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sectionType, "type", "", "Only list sections of this type")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var section string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List retained snapshots of a section, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSection(section)
			if err != nil {
				return err
			}
			a, err := openAgent(cmd.OutOrStdout(), "auto")
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.api.History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				a.printer.print(entry)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "Section as <type>/<key>")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of snapshots")
	_ = cmd.MarkFlagRequired("section")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	var section string
	var version int64
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Make a retained snapshot the current content of a section",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseSection(section)
			if err != nil {
				return err
			}
			if version <= 0 {
				return errors.New("--version must be positive")
			}
			a, err := openAgent(cmd.OutOrStdout(), "auto")
			if err != nil {
				return err
			}
			defer a.Close()
			outcome, err := a.api.Restore(cmd.Context(), id, version)
			if err != nil {
				return err
			}
			a.printer.print(map[string]any{
				"section":  id.String(),
				"restored": version,
				"version":  outcome.Version,
				"savedAt":  outcome.SavedAt,
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&section, "section", "", "Section as <type>/<key>")
	cmd.Flags().Int64Var(&version, "version", 0, "Snapshot version to restore")
	_ = cmd.MarkFlagRequired("section")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}
