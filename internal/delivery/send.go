package delivery

import (
	"context"

	"dripbot/internal/catalog"
	kit "dripbot/internal/transport"
)

// SendContent renders c to one chat: a photo with caption when an image is
// set, plain text otherwise. The optional button is attached either way.
func SendContent(ctx context.Context, n kit.Notifier, chatID int64, c catalog.Content) error {
	to := kit.ChatTarget{ChatID: chatID}
	opt := &kit.SendOptions{}
	if c.Button != nil {
		opt.Button = &kit.Button{Label: c.Button.Label, URL: c.Button.URL}
	}
	var err error
	if c.Image != "" {
		_, err = n.SendPhoto(ctx, to, c.Image, c.Text, opt)
	} else {
		_, err = n.SendText(ctx, to, c.Text, opt)
	}
	return err
}
