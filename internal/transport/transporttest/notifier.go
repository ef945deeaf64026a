// Package transporttest provides an in-memory Notifier for tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	kit "dripbot/internal/transport"
)

// Sent is one recorded delivery.
type Sent struct {
	ChatID  int64
	Text    string
	Image   string
	Button  *kit.Button
	Options kit.SendOptions
}

// Notifier records every successful send. Chats listed in Fail get the
// mapped error instead. Hook, when set, runs before each send.
type Notifier struct {
	mu     sync.Mutex
	fail   map[int64]error
	sent   []Sent
	nextID int

	Hook func(ctx context.Context, chatID int64) error
}

// FloodError mimics a platform rate-limit rejection carrying a back-off.
type FloodError struct{ After time.Duration }

func (e FloodError) Error() string              { return fmt.Sprintf("flood control, retry after %s", e.After) }
func (e FloodError) RetryAfter() time.Duration { return e.After }

func New() *Notifier { return &Notifier{fail: map[int64]error{}} }

// Fail makes every later send to chatID return err. A nil err clears it.
func (n *Notifier) Fail(chatID int64, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.fail, chatID)
		return
	}
	n.fail[chatID] = err
}

func (n *Notifier) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return n.record(ctx, to, Sent{ChatID: to.ChatID, Text: text}, opt)
}

func (n *Notifier) SendPhoto(ctx context.Context, to kit.ChatTarget, image, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	return n.record(ctx, to, Sent{ChatID: to.ChatID, Text: caption, Image: image}, opt)
}

func (n *Notifier) record(ctx context.Context, to kit.ChatTarget, s Sent, opt *kit.SendOptions) (kit.MessageRef, error) {
	if n.Hook != nil {
		if err := n.Hook(ctx, to.ChatID); err != nil {
			return kit.MessageRef{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	if opt != nil {
		s.Options = *opt
		if opt.Button != nil {
			b := *opt.Button
			s.Button = &b
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.fail[to.ChatID]; err != nil {
		return kit.MessageRef{}, err
	}
	n.nextID++
	n.sent = append(n.sent, s)
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: n.nextID}, nil
}

// Sent returns a copy of every recorded delivery in send order.
func (n *Notifier) Sent() []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Sent(nil), n.sent...)
}

// SentTo returns deliveries to one chat.
func (n *Notifier) SentTo(chatID int64) []Sent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Sent
	for _, s := range n.sent {
		if s.ChatID == chatID {
			out = append(out, s)
		}
	}
	return out
}

// Reset forgets recorded deliveries.
func (n *Notifier) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
}
