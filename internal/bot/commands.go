package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-telegram/bot/models"

	"portwatch/internal/monitor"
	"portwatch/internal/probe"
	"portwatch/internal/storage"
	"portwatch/internal/util"
)

const historyRows = 20

type EndpointStore interface {
	AddEndpoint(ctx context.Context, input storage.NewEndpoint) (storage.Endpoint, error)
	GetEndpoint(ctx context.Context, id int64) (storage.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]storage.Endpoint, error)
	History(ctx context.Context, id int64, limit int) ([]storage.CheckRecord, error)
	AddSubscriber(ctx context.Context, chatID int64) error
	RemoveSubscriber(ctx context.Context, chatID int64) error
}

// Checker owns every mutation that must not interleave with a running
// transition on the same endpoint.
type Checker interface {
	CheckNow(ctx context.Context, id int64) (storage.Endpoint, probe.Result, monitor.Outcome, error)
	RunCycle(ctx context.Context) (monitor.CycleStats, error)
	ResetEndpoint(ctx context.Context, id int64) error
	RemoveEndpoint(ctx context.Context, id int64) error
	ToggleEndpoint(ctx context.Context, id int64) (bool, error)
	State(ep storage.Endpoint) monitor.State
}

type Session interface {
	Start(ctx context.Context) (monitor.StartResult, error)
	Stop() monitor.StopResult
	Info() monitor.SessionInfo
}

type Sender interface {
	SendHTML(ctx context.Context, chatID int64, text string) error
}

type Settings struct {
	Interval      time.Duration
	FastInterval  time.Duration
	FailThreshold int
	// AdminIDs may manage endpoints and the session. Empty allows everyone.
	AdminIDs []int64
}

type CommandHandler struct {
	store    EndpointStore
	checker  Checker
	session  Session
	sender   Sender
	logger   *slog.Logger
	settings Settings
	admins   map[int64]struct{}

	checkingAll atomic.Bool
	background  sync.WaitGroup
}

func NewCommandHandler(store EndpointStore, checker Checker, session Session, sender Sender, settings Settings) *CommandHandler {
	admins := make(map[int64]struct{}, len(settings.AdminIDs))
	for _, id := range settings.AdminIDs {
		admins[id] = struct{}{}
	}
	return &CommandHandler{
		store:    store,
		checker:  checker,
		session:  session,
		sender:   sender,
		logger:   slog.Default(),
		settings: settings,
		admins:   admins,
	}
}

func (h *CommandHandler) HandleUpdate(ctx context.Context, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	command, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	chatID := msg.Chat.ID
	userID := chatID
	if msg.From != nil {
		userID = msg.From.ID
	}

	var responses []string
	switch command {
	case "start", "help":
		responses = []string{helpText()}
	case "list":
		responses = []string{h.listText(ctx)}
	case "status":
		responses = []string{h.statusText(ctx)}
	case "stats":
		responses = []string{h.statsText(ctx)}
	case "history":
		responses = h.historyMessages(ctx, args)
	case "subscribe":
		responses = []string{h.subscribeText(ctx, chatID, true)}
	case "unsubscribe":
		responses = []string{h.subscribeText(ctx, chatID, false)}
	case "add", "delete", "toggle", "reset", "check", "startmon", "stopmon":
		if !h.isAdmin(userID) {
			responses = []string{"This command is only available to administrators."}
			break
		}
		responses = []string{h.adminCommand(ctx, chatID, command, args)}
	default:
		return
	}

	if h.sender == nil {
		return
	}
	for _, response := range responses {
		if err := h.sender.SendHTML(ctx, chatID, response); err != nil {
			h.logger.Warn("failed to send command response", "command", command, "chat_id", chatID, "error", err)
			return
		}
	}
}

// Wait blocks until background command work has finished.
func (h *CommandHandler) Wait() {
	h.background.Wait()
}

func (h *CommandHandler) adminCommand(ctx context.Context, chatID int64, command string, args []string) string {
	switch command {
	case "add":
		return h.addText(ctx, args)
	case "delete":
		return h.withEndpointID(args, "/delete &lt;id&gt;", func(id int64) string {
			if err := h.checker.RemoveEndpoint(ctx, id); err != nil {
				return h.rejectionText(err)
			}
			return fmt.Sprintf("Endpoint <code>%d</code> deleted.", id)
		})
	case "toggle":
		return h.withEndpointID(args, "/toggle &lt;id&gt;", func(id int64) string {
			active, err := h.checker.ToggleEndpoint(ctx, id)
			if err != nil {
				return h.rejectionText(err)
			}
			if active {
				return fmt.Sprintf("Endpoint <code>%d</code> resumed.", id)
			}
			return fmt.Sprintf("Endpoint <code>%d</code> paused.", id)
		})
	case "reset":
		return h.withEndpointID(args, "/reset &lt;id&gt;", func(id int64) string {
			if err := h.checker.ResetEndpoint(ctx, id); err != nil {
				return h.rejectionText(err)
			}
			return fmt.Sprintf("Statistics and history of endpoint <code>%d</code> cleared.", id)
		})
	case "check":
		return h.checkText(ctx, chatID, args)
	case "startmon":
		return h.startText(ctx)
	case "stopmon":
		return h.stopText()
	}
	return ""
}

func (h *CommandHandler) addText(ctx context.Context, args []string) string {
	if len(args) < 3 {
		return "Usage: /add &lt;name&gt; &lt;host&gt; &lt;port&gt; [tcp|udp]"
	}
	port, err := strconv.Atoi(args[2])
	if err != nil {
		return h.rejectionText(storage.ErrInvalidPort)
	}
	protocol := probe.TCP
	if len(args) > 3 {
		if protocol, err = probe.ParseProtocol(args[3]); err != nil {
			return h.rejectionText(storage.ErrInvalidProtocol)
		}
	}

	ep, err := h.store.AddEndpoint(ctx, storage.NewEndpoint{
		Name:     args[0],
		Host:     args[1],
		Port:     port,
		Protocol: protocol,
	})
	if err != nil {
		return h.rejectionText(err)
	}
	return fmt.Sprintf(
		"Endpoint added: <code>%d</code> <b>%s</b> <code>%s</code> (%s)",
		ep.ID,
		util.HTMLEscape(ep.Name),
		util.HTMLEscape(ep.Address()),
		ep.Protocol,
	)
}

func (h *CommandHandler) checkText(ctx context.Context, chatID int64, args []string) string {
	if len(args) == 0 {
		if !h.checkingAll.CompareAndSwap(false, true) {
			return "A full check is already in progress."
		}
		h.background.Add(1)
		go h.checkAll(ctx, chatID)
		return "Checking all active endpoints; results will follow."
	}

	return h.withEndpointID(args, "/check [id]", func(id int64) string {
		ep, res, outcome, err := h.checker.CheckNow(ctx, id)
		if err != nil {
			return h.rejectionText(err)
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "<b>%s</b> <code>%s</code>\n", util.HTMLEscape(ep.Name), util.HTMLEscape(ep.Address()))
		if res.Available {
			fmt.Fprintf(&sb, "state: <b>UP</b> via %s, %s", res.Method, util.FormatLatency(res.Latency))
		} else {
			fmt.Fprintf(&sb, "state: <b>DOWN</b> via %s: <code>%s</code>", res.Method, util.HTMLEscape(res.Error))
		}
		fmt.Fprintf(&sb, "\nstreak: %d", ep.ConsecutiveFailures)
		if outcome != monitor.OutcomeNone {
			fmt.Fprintf(&sb, "\ntransition: %s", outcome)
		}
		return sb.String()
	})
}

// checkAll runs off the update loop since confirmations can take a while.
func (h *CommandHandler) checkAll(ctx context.Context, chatID int64) {
	defer h.background.Done()
	defer h.checkingAll.Store(false)

	text := "Check failed: storage error, see logs."
	stats, err := h.checker.RunCycle(ctx)
	if err != nil {
		h.logger.Error("manual check cycle failed", "error", err)
	} else {
		text = fmt.Sprintf(
			"Checked <b>%d</b> endpoint(s): %d ok, %d failed, %d alert(s) sent.",
			stats.Checked,
			stats.Checked-stats.Failed,
			stats.Failed,
			stats.Alerts,
		)
	}
	if h.sender == nil {
		return
	}
	if err := h.sender.SendHTML(ctx, chatID, text); err != nil {
		h.logger.Warn("failed to send check results", "chat_id", chatID, "error", err)
	}
}

func (h *CommandHandler) startText(ctx context.Context) string {
	result, err := h.session.Start(ctx)
	if err != nil {
		h.logger.Error("failed to start monitoring", "error", err)
		return "Failed to start monitoring: storage error, see logs."
	}
	switch result {
	case monitor.Started:
		return "Monitoring started."
	case monitor.AlreadyRunning:
		return "Monitoring is already running."
	case monitor.NoActiveEndpoints:
		return "No active endpoints. Add one with /add first."
	case monitor.StillStopping:
		return "The previous session is still finishing its last checks. Try again shortly."
	}
	return result.String()
}

func (h *CommandHandler) stopText() string {
	if h.session.Stop() == monitor.NotRunning {
		return "Monitoring is not running."
	}
	return "Monitoring is stopping; in-flight checks will finish first."
}

func (h *CommandHandler) listText(ctx context.Context) string {
	endpoints, err := h.store.ListEndpoints(ctx)
	if err != nil {
		return h.rejectionText(err)
	}
	if len(endpoints) == 0 {
		return "No endpoints configured. Use /add."
	}

	var sb strings.Builder
	sb.WriteString("<b>Endpoints</b>\n")
	for _, ep := range endpoints {
		fmt.Fprintf(
			&sb,
			"<code>%d</code>. <b>%s</b> - <code>%s</code> %s | %s | %s\n",
			ep.ID,
			util.HTMLEscape(ep.Name),
			util.HTMLEscape(ep.Address()),
			ep.Protocol,
			activeLabel(ep.Active),
			statusLabel(ep, h.checker.State(ep)),
		)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (h *CommandHandler) statusText(ctx context.Context) string {
	endpoints, err := h.store.ListEndpoints(ctx)
	if err != nil {
		return h.rejectionText(err)
	}

	active, online, offline := 0, 0, 0
	for _, ep := range endpoints {
		if !ep.Active {
			continue
		}
		active++
		if ep.LastCheck.IsZero() {
			continue
		}
		if ep.LastStatus {
			online++
		} else {
			offline++
		}
	}

	info := h.session.Info()
	var sb strings.Builder
	switch {
	case info.Running:
		fmt.Fprintf(&sb, "<b>Monitoring: running</b> (started %s, %s cycles)\n", humanize.Time(info.StartedAt), humanize.Comma(int64(info.Cycles)))
	case info.Stopping:
		sb.WriteString("<b>Monitoring: stopping</b>\n")
	default:
		sb.WriteString("<b>Monitoring: stopped</b>\n")
	}
	fmt.Fprintf(&sb, "endpoints: %d | active: %d | online: %d | offline: %d\n", len(endpoints), active, online, offline)
	fmt.Fprintf(
		&sb,
		"interval: %s (fast %s) | fail threshold: %d",
		h.settings.Interval,
		h.settings.FastInterval,
		h.settings.FailThreshold,
	)
	return sb.String()
}

func (h *CommandHandler) statsText(ctx context.Context) string {
	endpoints, err := h.store.ListEndpoints(ctx)
	if err != nil {
		return h.rejectionText(err)
	}
	if len(endpoints) == 0 {
		return "No endpoints configured. Use /add."
	}

	var total, failures int64
	var body strings.Builder
	for _, ep := range endpoints {
		total += ep.TotalChecks
		failures += ep.TotalFailures
		fmt.Fprintf(
			&body,
			"<b>%s</b>: %s (%s checks, %s failed)\n",
			util.HTMLEscape(ep.Name),
			uptimeLabel(ep.TotalChecks, ep.TotalFailures),
			humanize.Comma(ep.TotalChecks),
			humanize.Comma(ep.TotalFailures),
		)
	}

	header := fmt.Sprintf(
		"<b>Uptime</b>\noverall: %s (%s checks)\n\n",
		uptimeLabel(total, failures),
		humanize.Comma(total),
	)
	return header + strings.TrimSuffix(body.String(), "\n")
}

func (h *CommandHandler) historyMessages(ctx context.Context, args []string) []string {
	if len(args) == 0 {
		return []string{"Usage: /history &lt;id&gt;"}
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return []string{"Usage: /history &lt;id&gt;"}
	}
	ep, err := h.store.GetEndpoint(ctx, id)
	if err != nil {
		return []string{h.rejectionText(err)}
	}
	rows, err := h.store.History(ctx, id, historyRows)
	if err != nil {
		return []string{h.rejectionText(err)}
	}

	header := fmt.Sprintf(
		"History: <b>%s</b> <code>%s</code> | last %d check(s)",
		util.HTMLEscape(ep.Name),
		util.HTMLEscape(ep.Address()),
		len(rows),
	)
	return renderHistoryChunks(header, rows)
}

func (h *CommandHandler) subscribeText(ctx context.Context, chatID int64, subscribe bool) string {
	if subscribe {
		if err := h.store.AddSubscriber(ctx, chatID); err != nil {
			return h.rejectionText(err)
		}
		return "Subscribed. This chat will receive down and recovery alerts."
	}
	if err := h.store.RemoveSubscriber(ctx, chatID); err != nil {
		return h.rejectionText(err)
	}
	return "Unsubscribed. Use /subscribe to receive alerts again."
}

func (h *CommandHandler) withEndpointID(args []string, usage string, fn func(id int64) string) string {
	if len(args) == 0 {
		return "Usage: " + usage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return "Usage: " + usage
	}
	return fn(id)
}

func (h *CommandHandler) isAdmin(userID int64) bool {
	if len(h.admins) == 0 {
		return true
	}
	_, ok := h.admins[userID]
	return ok
}

func (h *CommandHandler) rejectionText(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "Endpoint not found. Use /list."
	case errors.Is(err, storage.ErrDuplicateEndpoint):
		return "An endpoint with this host and port already exists."
	case errors.Is(err, storage.ErrInvalidPort):
		return "Port must be a number between 1 and 65535."
	case errors.Is(err, storage.ErrInvalidProtocol):
		return "Protocol must be tcp or udp."
	case errors.Is(err, storage.ErrInvalidHost):
		return "Host must not be empty or contain spaces."
	}
	h.logger.Error("command failed", "error", err)
	return "Storage error, see logs."
}

func parseCommand(text string) (string, []string, bool) {
	raw := strings.TrimSpace(text)
	if raw == "" || raw[0] != '/' {
		return "", nil, false
	}
	parts := strings.Fields(raw)
	command := strings.TrimPrefix(parts[0], "/")
	if idx := strings.Index(command, "@"); idx > 0 {
		command = command[:idx]
	}
	if command == "" {
		return "", nil, false
	}
	return strings.ToLower(command), parts[1:], true
}

func renderHistoryChunks(header string, rows []storage.CheckRecord) []string {
	if len(rows) == 0 {
		return []string{header + "\n<pre>(empty)</pre>"}
	}

	base := header + "\n<pre>"
	suffix := "</pre>"
	maxBody := 3800 - len(base) - len(suffix)
	if maxBody < 256 {
		maxBody = 256
	}

	chunks := make([]string, 0, 1)
	current := strings.Builder{}
	for _, row := range rows {
		status := "UP"
		if !row.Available {
			status = "DOWN"
		}
		line := fmt.Sprintf("%s  %-4s  %-9s  %s\n", util.FormatTime(row.CheckedAt), status, util.FormatLatency(row.Latency), row.Error)
		if current.Len() > 0 && current.Len()+len(line) > maxBody {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	if len(chunks) == 1 {
		return []string{base + util.HTMLEscape(strings.TrimRight(chunks[0], " \n")) + suffix}
	}

	out := make([]string, 0, len(chunks))
	for idx, chunk := range chunks {
		title := fmt.Sprintf("%s (%d/%d)", header, idx+1, len(chunks))
		body := util.HTMLEscape(strings.TrimRight(chunk, " \n"))
		out = append(out, title+"\n<pre>"+body+"</pre>")
	}
	return out
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "paused"
}

func statusLabel(ep storage.Endpoint, state monitor.State) string {
	if ep.LastCheck.IsZero() {
		return "not checked"
	}
	switch state {
	case monitor.ConfirmedDown:
		return "<b>DOWN</b>"
	case monitor.SuspectDown:
		return fmt.Sprintf("failing (%d)", ep.ConsecutiveFailures)
	case monitor.ConfirmingRecovery:
		return "recovering"
	default:
		return "UP"
	}
}

func uptimeLabel(total, failures int64) string {
	pct, ok := util.UptimePercent(total, failures)
	if !ok {
		return "n/a"
	}
	return fmt.Sprintf("%.2f%%", pct)
}

func helpText() string {
	return strings.Join([]string{
		"<b>Port monitor</b>",
		"/list - endpoints",
		"/status - monitoring state and totals",
		"/stats - uptime per endpoint",
		"/history &lt;id&gt; - last checks",
		"/add &lt;name&gt; &lt;host&gt; &lt;port&gt; [tcp|udp] - add endpoint",
		"/delete &lt;id&gt; - remove endpoint and its history",
		"/toggle &lt;id&gt; - pause or resume",
		"/reset &lt;id&gt; - clear statistics",
		"/check [id] - check now",
		"/startmon, /stopmon - start or stop monitoring",
		"/subscribe, /unsubscribe - alerts in this chat",
	}, "\n")
}
