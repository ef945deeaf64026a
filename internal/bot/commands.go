package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dripbot/internal/broadcast"
	"dripbot/internal/catalog"
	"dripbot/internal/delivery"
	"dripbot/internal/enroll"
	"dripbot/internal/scheduler"
	"dripbot/internal/storage"
	logx "dripbot/pkg/logx"
	"dripbot/pkg/tgui"
)

// DeliveryTask is the scheduler job name /run triggers.
const DeliveryTask = "delivery"

type Enroller interface {
	Enroll(ctx context.Context, p storage.Profile) (enroll.Result, error)
}

type StatsSource interface {
	Stats(ctx context.Context) (storage.Stats, error)
}

type Broadcaster interface {
	Send(ctx context.Context, c catalog.Content) (broadcast.Result, error)
	Enqueue(c catalog.Content) (string, error)
}

type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
}

type ReportSource interface {
	LastReport() delivery.Report
}

// Deps are the services the built-in commands call. A nil dependency
// leaves its command out.
type Deps struct {
	Enroller  Enroller
	Stats     StatsSource
	Broadcast Broadcaster
	Tasks     TaskRunner
	Reports   ReportSource
}

// Commands builds the dripbot command table.
func Commands(d Deps) []Command {
	h := handlers{d}
	var out []Command
	if d.Enroller != nil {
		out = append(out, Command{
			Name:        "start",
			Description: "subscribe",
			Usage:       "/start",
			Handle:      h.start,
		})
	}
	if d.Stats != nil {
		out = append(out, Command{
			Name:        "stats",
			Description: "subscriber and schedule counters",
			Usage:       "/stats",
			Access:      AccessOwnerOnly,
			Handle:      h.stats,
		})
	}
	if d.Broadcast != nil {
		out = append(out, Command{
			Name:        "broadcast",
			Description: "send a message to every subscriber",
			Usage:       `/broadcast [--image=URL] [--button="Label|URL"] [--wait] text`,
			Access:      AccessOwnerOnly,
			Timeout:     30 * time.Minute,
			Handle:      h.broadcast,
		})
	}
	if d.Tasks != nil {
		out = append(out, Command{
			Name:        "run",
			Description: "run a delivery cycle now",
			Usage:       "/run",
			Access:      AccessOwnerOnly,
			Timeout:     10 * time.Minute,
			Handle:      h.run,
		})
	}
	return out
}

type handlers struct {
	d Deps
}

func (h handlers) start(ctx context.Context, req *Request) error {
	msg := req.Message
	if !msg.IsPrivate {
		return req.Reply(ctx, "Send /start to me in a private chat to subscribe.", nil)
	}
	res, err := h.d.Enroller.Enroll(ctx, storage.Profile{
		ID:          msg.FromID,
		DisplayName: msg.DisplayName(),
		Handle:      msg.FromUsername,
	})
	if errors.Is(err, enroll.ErrEnrollFailed) {
		_ = req.Reply(ctx, "Something went wrong, please try /start again later.", nil)
		return err
	}
	if err != nil {
		// The subscriber is stored; a failed welcome or schedule is retried
		// by later cycles or the next /start.
		req.Logger.Warn("enrollment incomplete",
			logx.Err(err),
			logx.Bool("welcome_sent", res.WelcomeSent),
			logx.Int("scheduled", len(res.Scheduled)),
		)
	}
	return nil
}

func (h handlers) stats(ctx context.Context, req *Request) error {
	st, err := h.d.Stats.Stats(ctx)
	if err != nil {
		_ = req.Reply(ctx, "stats unavailable: "+err.Error(), nil)
		return err
	}
	lines := []tgui.H{
		tgui.B("Subscribers"),
		tgui.KV("total", st.Subscribers),
		"",
		tgui.B("Schedule"),
		tgui.KV("pending", st.Pending),
		tgui.KV("due now", st.Due),
		tgui.KV("sent", st.Sent),
		tgui.KV("failed", st.Failed),
	}
	if h.d.Reports != nil {
		lines = append(lines, "", tgui.B("Last delivery cycle"))
		lines = append(lines, reportLines(h.d.Reports.LastReport())...)
	}
	return req.ReplyHTML(ctx, joinLines(lines))
}

func reportLines(rep delivery.Report) []tgui.H {
	if rep.StartedAt.IsZero() {
		return []tgui.H{tgui.I("none yet")}
	}
	out := []tgui.H{
		tgui.KV("started", rep.StartedAt.Format(time.DateTime)),
		tgui.KV("took", rep.Took.Round(time.Millisecond)),
		tgui.KV("due", rep.Due),
		tgui.KV("delivered", rep.Delivered),
		tgui.KV("failed", rep.Failed),
	}
	if rep.Dropped > 0 {
		out = append(out, tgui.KV("dropped", rep.Dropped))
	}
	if rep.Error != "" {
		out = append(out, tgui.KV("error", rep.Error))
	}
	return out
}

// joinLines keeps blank separators, unlike tgui.JoinH.
func joinLines(lines []tgui.H) string {
	ss := make([]string, len(lines))
	for i, l := range lines {
		ss[i] = l.String()
	}
	return strings.Join(ss, "\n")
}

func (h handlers) broadcast(ctx context.Context, req *Request) error {
	content, wait, err := broadcastContent(req.Text)
	if err != nil {
		return req.Reply(ctx, err.Error()+"\nusage: "+`/broadcast [--image=URL] [--button="Label|URL"] [--wait] text`, nil)
	}

	if wait {
		res, err := h.d.Broadcast.Send(ctx, content)
		if err != nil {
			_ = req.Reply(ctx, "broadcast failed: "+err.Error(), nil)
			return err
		}
		return req.Reply(ctx, fmt.Sprintf("broadcast done: %d delivered, %d failed of %d", res.Delivered, res.Failed, res.Total), nil)
	}

	id, err := h.d.Broadcast.Enqueue(content)
	if err != nil {
		_ = req.Reply(ctx, "broadcast not queued: "+err.Error(), nil)
		return err
	}
	lines := []tgui.H{
		tgui.JoinH(" ", tgui.Esc("broadcast queued:"), tgui.Code(id)),
		tgui.I(tgui.Preview(content.Text, 80)),
	}
	if b := content.Button; b != nil {
		lines = append(lines, tgui.JoinH(" ", tgui.Esc("button:"), tgui.Link(b.Label, b.URL)))
	}
	return req.ReplyHTML(ctx, tgui.JoinH("\n", lines...).String())
}

// broadcastContent assembles the message from the leading --image,
// --button and --wait flags and the text after them, kept as typed. A
// button without "|" is a bare URL.
func broadcastContent(text string) (c catalog.Content, wait bool, err error) {
	flagToks, body := leadingFlags(text)
	_, flags, bools := parseFlags(flagToks)
	c = catalog.Content{
		Text:  body,
		Image: strings.TrimSpace(flags["image"]),
	}
	if raw := strings.TrimSpace(flags["button"]); raw != "" {
		c.Button = parseButton(raw)
	}
	if err := c.Validate(); err != nil {
		return catalog.Content{}, false, err
	}
	return c, bools["wait"], nil
}

func parseButton(raw string) *catalog.Button {
	label, url, ok := strings.Cut(raw, "|")
	if !ok {
		return &catalog.Button{Label: catalog.DefaultButtonLabel, URL: strings.TrimSpace(raw)}
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = catalog.DefaultButtonLabel
	}
	return &catalog.Button{Label: label, URL: strings.TrimSpace(url)}
}

func (h handlers) run(ctx context.Context, req *Request) error {
	err := h.d.Tasks.RunNow(ctx, DeliveryTask)
	switch {
	case errors.Is(err, scheduler.ErrSkipped), errors.Is(err, delivery.ErrBusy):
		return req.Reply(ctx, "a delivery cycle is already running", nil)
	case err != nil && h.d.Reports == nil:
		_ = req.Reply(ctx, "delivery cycle failed: "+err.Error(), nil)
		return err
	}
	if h.d.Reports == nil {
		return req.Reply(ctx, "delivery cycle done", nil)
	}
	lines := append([]tgui.H{tgui.B("Delivery cycle")}, reportLines(h.d.Reports.LastReport())...)
	if rerr := req.ReplyHTML(ctx, joinLines(lines)); rerr != nil {
		return errors.Join(err, rerr)
	}
	return err
}
