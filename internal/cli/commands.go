package cli

import (
	"bytes"
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

	"github.com/nadmax/auditq/internal/client"
	"github.com/nadmax/auditq/internal/poller"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const cancelNotifyTimeout = 10 * time.Second

func newAuditCmd(a *app) *cobra.Command {
	var (
		location    string
		language    string
		maxPages    int
		notifyEmail string
	)

	cmd := &cobra.Command{
		Use:   "audit <domain>",
		Short: "Run a technical SEO audit of a site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"domain":    args[0],
				"location":  location,
				"language":  language,
				"max_pages": maxPages,
			}
			if notifyEmail != "" {
				params["notify_email"] = notifyEmail
			}
			return a.follow(cmd, client.AuditEndpoint, params)
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "target market of the site")
	cmd.Flags().StringVar(&language, "language", "", "expected page language, e.g. en")
	cmd.Flags().IntVar(&maxPages, "max-pages", 0, "crawl limit (server default when 0)")
	cmd.Flags().StringVar(&notifyEmail, "notify-email", "", "address to e-mail when the audit finishes")
	return cmd
}

func newGenerateCmd(a *app) *cobra.Command {
	var (
		keywords    []string
		language    string
		tone        string
		notifyEmail string
	)

	cmd := &cobra.Command{
		Use:   "generate <topic>",
		Short: "Generate an SEO article about a topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{
				"topic":    strings.Join(args, " "),
				"keywords": keywords,
				"language": language,
				"tone":     tone,
			}
			if notifyEmail != "" {
				params["notify_email"] = notifyEmail
			}
			return a.follow(cmd, client.ContentEndpoint, params)
		},
	}

	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "comma separated target keywords")
	cmd.Flags().StringVar(&language, "language", "", "article language (server default when empty)")
	cmd.Flags().StringVar(&tone, "tone", "", "writing tone (server default when empty)")
	cmd.Flags().StringVar(&notifyEmail, "notify-email", "", "address to e-mail when the article is ready")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Print the current status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client.CheckStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			raw, err := json.Marshal(resp)
			if err != nil {
				return err
			}
			return a.writeResult(cmd.OutOrStdout(), raw)
		},
	}
}

func newCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.NotifyCancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "task %s %s\n", args[0], colorStatus("cancelled"))
			return err
		},
	}
}

// follow launches a task, waits for it to finish and prints its result. An
// interrupt cancels the task locally and on the server.
func (a *app) follow(cmd *cobra.Command, endpoint string, params map[string]any) error {
	p := poller.New(a.client.Launcher(endpoint), a.client,
		poller.WithPolicy(a.cfg.Poller),
		poller.WithObserver(progressLogger(a.cfg.Poller)),
	)

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !p.Start(sigCtx, params) {
		return errors.New("a task is already in progress")
	}

	// an interrupt may surface as a failed request rather than from Wait
	snap, err := p.Wait(sigCtx)
	if err == nil && snap.Status != poller.StatusCompleted {
		err = sigCtx.Err()
	}
	if err != nil {
		taskID := snap.TaskID
		p.Cancel()
		if taskID == "" {
			return fmt.Errorf("interrupted before the task started: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), cancelNotifyTimeout)
		defer cancel()
		if nerr := a.client.NotifyCancel(ctx, taskID); nerr != nil {
			log.WithError(nerr).WithField("task_id", taskID).Warn("failed to cancel task on the server")
		}
		return fmt.Errorf("task %s cancelled: %w", taskID, err)
	}

	switch snap.Status {
	case poller.StatusCompleted:
		return a.writeResult(cmd.OutOrStdout(), snap.Result)
	case poller.StatusError:
		return snap.Err
	default:
		return fmt.Errorf("task ended in unexpected state %q", snap.Status)
	}
}

func progressLogger(policy poller.Policy) func(poller.Snapshot) {
	var last poller.Status
	return func(s poller.Snapshot) {
		fields := log.Fields{"status": s.Status}
		if s.TaskID != "" {
			fields["task_id"] = s.TaskID
		}

		if s.Status != last {
			last = s.Status
			if s.Status == poller.StatusProcessing && s.EstimatedDurationLabel != "" {
				fields["estimated"] = s.EstimatedDurationLabel
				fields["gives_up_after"] = policy.TimeoutLabel()
			}
			log.WithFields(fields).Info("task " + string(s.Status))
			return
		}

		if s.Status == poller.StatusProcessing && s.Attempt > 0 {
			fields["attempt"] = s.Attempt
			fields["progress"] = fmt.Sprintf("%.0f%%", s.Progress()*100)
			log.WithFields(fields).Debug("checking status")
		}
	}
}

func (a *app) writeResult(w io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	if a.output == outputYAML {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("format result: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("format result: %w", err)
		}
		return enc.Close()
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return fmt.Errorf("format result: %w", err)
	}
	buf.WriteByte('\n')

	_, err := buf.WriteTo(w)
	return err
}
