package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "dripbot/internal/transport"
	"dripbot/pkg/tgui"
)

const (
	telegramTextLimit    = 4000
	telegramCaptionLimit = 1024
)

func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		sendOpt := a.sendOptions(to, opt)
		// The button goes under the last part so it follows the whole text.
		if i != len(chunks)-1 {
			sendOpt.ReplyMarkup = nil
		}
		msg, err := a.send(ctx, chat, chunk, sendOpt)
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendPhoto sends image with caption. Captions over the Telegram limit are
// sent as a follow-up text message carrying the button.
func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, image, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}
	photo := &tele.Photo{File: photoFile(image)}

	overflow := len([]rune(caption)) > telegramCaptionLimit
	sendOpt := a.sendOptions(to, opt)
	if overflow {
		sendOpt.ReplyMarkup = nil
	} else {
		photo.Caption = caption
	}

	msg, err := a.send(ctx, chat, photo, sendOpt)
	if err != nil {
		return kit.MessageRef{}, err
	}
	ref := kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
	if overflow {
		if _, err := a.SendText(ctx, to, caption, opt); err != nil {
			return ref, err
		}
	}
	return ref, nil
}

func (a *Adapter) sendOptions(to kit.ChatTarget, opt *kit.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
	if opt.Button != nil {
		so.ReplyMarkup = tgui.CallToAction(opt.Button.Label, opt.Button.URL)
	}
	return so
}

// send waits for the shared limiter and maps Telegram errors.
func (a *Adapter) send(ctx context.Context, chat *tele.Chat, what any, opt *tele.SendOptions) (*tele.Message, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	msg, err := a.bot.Send(chat, what, opt)
	if err != nil {
		return nil, a.apiErr(err)
	}
	return msg, nil
}

// photoFile accepts an http(s) URL or a Telegram file id.
func photoFile(image string) tele.File {
	image = strings.TrimSpace(image)
	if strings.HasPrefix(image, "http://") || strings.HasPrefix(image, "https://") {
		return tele.FromURL(image)
	}
	return tele.File{FileID: image}
}

// RetryAfterError carries Telegram's flood-control hint.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("telegram flood control, retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

func (e *RetryAfterError) RetryAfter() time.Duration { return e.After }

// apiErr prepares a Bot API failure for callers, which log it, persist it
// and show it on /status.
func (a *Adapter) apiErr(err error) error {
	if err == nil {
		return nil
	}
	return mapError(redact(err, a.cfg.Token))
}

type redactedError struct {
	msg string
	err error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.err }

// redact removes the bot token from err. Transport failures carry the
// request URL, and the token is part of its path.
func redact(err error, token string) error {
	if err == nil {
		return nil
	}
	var uerr *url.Error
	if errors.As(err, &uerr) {
		err = &redactedError{
			msg: "telegram " + strings.ToLower(uerr.Op) + ": " + uerr.Err.Error(),
			err: uerr.Err,
		}
	}
	if token != "" && strings.Contains(err.Error(), token) {
		return &redactedError{msg: strings.ReplaceAll(err.Error(), token, "***")}
	}
	return err
}

// mapError marks recipient-side rejections with kit.ErrBlocked and exposes
// flood-control hints.
func mapError(err error) error {
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrKickedFromGroup),
		errors.Is(err, tele.ErrNotStartedByUser):
		return fmt.Errorf("%w: %w", kit.ErrBlocked, err)
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &RetryAfterError{After: time.Duration(flood.RetryAfter) * time.Second, Err: err}
	}
	return err
}

// splitTelegramText splits long messages into chunks Telegram accepts.
// It prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, tele.ModeHTML) && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
