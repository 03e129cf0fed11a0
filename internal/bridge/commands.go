package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codexbridge/codexbridge/internal/codex"
	"github.com/codexbridge/codexbridge/internal/store"
)

const helpText = `Commands:
/help - this list
/status - session state
/stop - interrupt the current turn
/reset - start a fresh thread
/debug - last turn timeline
/thread [new] - show or create the thread
/compact - compact conversation context
/model <id> - set model (suffix -<effort> accepted)
/effort [level] - show or set reasoning effort
/spark - toggle the spark model
/pause | /resume - pause or resume the bridge
/notifications [count] [source] | get <id> - recent notifications
/restart <codex|bridge|both> - restart components`

// handleCommand parses and executes one slash command, replying through the
// outbound queue
func (b *Bridge) handleCommand(ctx context.Context, content string) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	b.audit(ctx, store.AuditCommand, truncate(content, 200))

	var err error
	switch cmd {
	case "/help":
		b.Enqueue(helpText)
	case "/status":
		err = b.cmdStatus(ctx)
	case "/stop":
		err = b.cmdStop(ctx)
	case "/reset":
		err = b.cmdReset(ctx)
	case "/debug":
		err = b.cmdDebug(ctx)
	case "/thread":
		err = b.cmdThread(ctx, args)
	case "/compact":
		err = b.cmdCompact(ctx)
	case "/model":
		err = b.cmdModel(ctx, args)
	case "/effort":
		err = b.cmdEffort(ctx, args)
	case "/spark":
		err = b.cmdSpark(ctx)
	case "/pause":
		err = b.cmdPause(ctx, true)
	case "/resume":
		err = b.cmdPause(ctx, false)
	case "/notifications":
		err = b.cmdNotifications(ctx, args)
	case "/restart":
		err = b.cmdRestart(ctx, args)
	default:
		b.Enqueue("Unknown command. Send /help for the list.")
		return
	}

	if err != nil {
		b.logger.Warn("command failed", zap.String("command", cmd), zap.Error(err))
		b.audit(ctx, store.AuditError, truncate(fmt.Sprintf("%s: %s", cmd, err), 200))
		b.Enqueue("Error: " + err.Error())
	}
}

func (b *Bridge) cmdStatus(ctx context.Context) error {
	sess, err := b.store.GetOrCreateSession(ctx, b.phone)
	if err != nil {
		return err
	}
	flags := b.flags(ctx)

	model := sess.Model
	if model == "" {
		model = b.cfg.Codex.DefaultModel
	}
	thread := sess.ThreadID
	if thread == "" {
		thread = "none"
	}
	turn := sess.ActiveTurnID
	if turn == "" {
		turn = "none"
	}

	b.Enqueue(fmt.Sprintf("phone: %s\nthread: %s\nactive_turn: %s\nmodel: %s\npaused: %t\nauto_approve: %t",
		b.phone, thread, turn, model, flags.Paused, flags.AutoApprove))
	return nil
}

func (b *Bridge) cmdStop(ctx context.Context) error {
	err := b.session.Interrupt(ctx)
	if err == codex.ErrNoActiveTurn {
		b.Enqueue("Nothing to interrupt.")
		return nil
	}
	if err != nil {
		return err
	}
	b.Enqueue("Interrupting the current turn.")
	return nil
}

func (b *Bridge) cmdReset(ctx context.Context) error {
	if err := b.store.ResetSession(ctx, b.phone); err != nil {
		return err
	}
	threadID, err := b.session.EnsureThread(ctx, b.flags(ctx))
	if err != nil {
		return err
	}
	b.Enqueue("Session reset. New thread: " + threadID)
	return nil
}

func (b *Bridge) cmdDebug(ctx context.Context) error {
	timeline, err := b.store.LastTurnTimeline(ctx, b.phone, 50)
	if err != nil {
		return err
	}
	if len(timeline) == 0 {
		b.Enqueue("No turns recorded yet.")
		return nil
	}

	var lines []string
	for _, ev := range timeline {
		lines = append(lines, fmt.Sprintf("%s: %s", ev.Kind, truncate(ev.Summary, 200)))
	}
	b.Enqueue(strings.Join(lines, "\n"))
	return nil
}

func (b *Bridge) cmdThread(ctx context.Context, args []string) error {
	if len(args) > 0 && strings.EqualFold(args[0], "new") {
		if err := b.store.ResetSession(ctx, b.phone); err != nil {
			return err
		}
		threadID, err := b.session.EnsureThread(ctx, b.flags(ctx))
		if err != nil {
			return err
		}
		b.Enqueue("New thread: " + threadID)
		return nil
	}

	sess, err := b.store.GetOrCreateSession(ctx, b.phone)
	if err != nil {
		return err
	}
	if sess.ThreadID == "" {
		b.Enqueue("No thread yet. Send a message or /thread new to start one.")
		return nil
	}
	b.Enqueue("Thread: " + sess.ThreadID)
	return nil
}

func (b *Bridge) cmdCompact(ctx context.Context) error {
	if err := b.session.CompactThread(ctx, b.flags(ctx)); err != nil {
		return err
	}
	b.Enqueue("Compaction requested.")
	return nil
}

func (b *Bridge) cmdModel(ctx context.Context, args []string) error {
	if len(args) == 0 {
		sess, err := b.store.GetOrCreateSession(ctx, b.phone)
		if err != nil {
			return err
		}
		model := sess.Model
		if model == "" {
			model = b.cfg.Codex.DefaultModel
		}
		effort, err := b.session.EffortForModel(ctx, model)
		if err != nil {
			return err
		}
		b.Enqueue(fmt.Sprintf("Model: %s (effort %s)", model, effort))
		return nil
	}

	requested := args[0]

	// Suffix form: "<id>-<effort>" splits on the last dash
	if idx := strings.LastIndex(requested, "-"); idx > 0 {
		if suffix := requested[idx+1:]; codex.IsValidEffort(suffix) {
			model := requested[:idx]
			if err := b.session.SetModelWithEffort(ctx, model, suffix); err != nil {
				return err
			}
			b.Enqueue(fmt.Sprintf("Model set to %s (effort %s)", model, suffix))
			return nil
		}
	}

	effort, err := b.session.SetModel(ctx, requested)
	if err != nil {
		return err
	}
	b.Enqueue(fmt.Sprintf("Model set to %s (effort %s)", requested, effort))
	return nil
}

func (b *Bridge) cmdEffort(ctx context.Context, args []string) error {
	if len(args) == 0 {
		sess, err := b.store.GetOrCreateSession(ctx, b.phone)
		if err != nil {
			return err
		}
		model := sess.Model
		if model == "" {
			model = b.cfg.Codex.DefaultModel
		}
		effort, err := b.session.EffortForModel(ctx, model)
		if err != nil {
			return err
		}
		b.Enqueue(fmt.Sprintf("Effort for %s: %s", model, effort))
		return nil
	}

	level := strings.ToLower(args[0])
	model, err := b.session.SetEffortForCurrentModel(ctx, level)
	if err != nil {
		return err
	}
	b.Enqueue(fmt.Sprintf("Effort for %s set to %s", model, level))
	return nil
}

func (b *Bridge) cmdSpark(ctx context.Context) error {
	model, effort, err := b.session.ToggleSparkModel(ctx)
	if err != nil {
		return err
	}
	b.Enqueue(fmt.Sprintf("Model set to %s (effort %s)", model, effort))
	return nil
}

// cmdPause pauses (paused=true, auto_approve=false) or resumes (paused=false,
// auto_approve=true)
func (b *Bridge) cmdPause(ctx context.Context, pause bool) error {
	if err := b.store.SetBoolFlag(ctx, store.FlagPaused, pause); err != nil {
		return err
	}
	if err := b.store.SetBoolFlag(ctx, store.FlagAutoApprove, !pause); err != nil {
		return err
	}
	if pause {
		b.Enqueue("Paused. Approvals are declined until /resume.")
	} else {
		b.Enqueue("Resumed. Auto-approval enabled.")
	}
	return nil
}

func (b *Bridge) cmdNotifications(ctx context.Context, args []string) error {
	if len(args) > 0 && strings.EqualFold(args[0], "get") {
		if len(args) < 2 {
			b.Enqueue("Usage: /notifications get <id>")
			return nil
		}
		return b.notificationDetail(ctx, args[1])
	}

	count := 10
	source := ""
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			count = n
			continue
		}
		switch strings.ToLower(arg) {
		case "all", store.SourceWebhook, store.SourceCron, store.SourceHeartbeat:
			source = strings.ToLower(arg)
		default:
			b.Enqueue(fmt.Sprintf("Unknown source %q. Use all, webhook, cron, or heartbeat.", arg))
			return nil
		}
	}
	if count < 1 {
		count = 1
	}
	if count > 200 {
		count = 200
	}

	list, err := b.store.ListNotifications(ctx, count, source)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		b.Enqueue("No notifications.")
		return nil
	}

	var lines []string
	for _, n := range list {
		ts := time.UnixMilli(n.ReceivedAtMs).Format("01-02 15:04")
		lines = append(lines, fmt.Sprintf("%s [%s] %s: %s", ts, n.Status, n.Source, truncate(n.Summary, 120)))
	}
	b.Enqueue(strings.Join(lines, "\n"))
	return nil
}

func (b *Bridge) notificationDetail(ctx context.Context, id string) error {
	n, err := b.store.GetNotification(ctx, id)
	if err != nil {
		b.Enqueue("No notification with id " + id)
		return nil
	}

	lines := []string{
		"id: " + n.ID,
		"source: " + n.Source,
		"status: " + n.Status,
		fmt.Sprintf("received: %s", time.UnixMilli(n.ReceivedAtMs).Format("2006-01-02 15:04:05")),
		"summary: " + truncate(n.Summary, 200),
	}
	if n.Delivery != "" {
		lines = append(lines, "delivery: "+n.Delivery)
	}
	if n.ReasonCode != "" {
		lines = append(lines, "reason: "+n.ReasonCode)
	}
	if n.MessageExcerpt != "" {
		lines = append(lines, "message: "+truncate(n.MessageExcerpt, 200))
	}
	if n.ErrorText != "" {
		lines = append(lines, "error: "+truncate(n.ErrorText, 200))
	}
	if n.DuplicateCount > 0 {
		lines = append(lines, fmt.Sprintf("duplicates: %d", n.DuplicateCount))
	}
	b.Enqueue(strings.Join(lines, "\n"))
	return nil
}

func (b *Bridge) cmdRestart(ctx context.Context, args []string) error {
	if len(args) == 0 {
		b.Enqueue("Usage: /restart <codex|bridge|both>")
		return nil
	}

	switch strings.ToLower(args[0]) {
	case "codex":
		threadID, err := b.session.RestartCodex(ctx, b.flags(ctx))
		if err != nil {
			return err
		}
		if threadID == "" {
			threadID = "none"
		}
		b.Enqueue("Codex restarted. Thread: " + threadID)
		return nil

	case "bridge", "both":
		// Sent synchronously so the chunk leaves before the process exits
		b.sendMessage(ctx, "Restarting bridge now...")
		return b.RequestRestart(ctx, strings.ToLower(args[0]))

	default:
		b.Enqueue("Usage: /restart <codex|bridge|both>")
		return nil
	}
}
