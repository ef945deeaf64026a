package bot

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"

	kit "dripbot/internal/transport"
	"dripbot/pkg/tgui"
)

// helpText renders the command list in HTML parse mode. Owner-only
// commands are shown to owners only.
func (r *Router) helpText(owner bool) string {
	cmds := r.visible(owner)
	lines := []tgui.H{tgui.B("Commands")}
	for _, c := range cmds {
		line := tgui.Code("/" + c.Name)
		if c.Description != "" {
			line += tgui.H(" - ") + tgui.Esc(c.Description)
		}
		if c.Access == AccessOwnerOnly {
			line += tgui.H(" ") + tgui.I("(owner)")
		}
		lines = append(lines, line)
		if c.Usage != "" && c.Access == AccessOwnerOnly {
			lines = append(lines, tgui.H("    ")+tgui.Code(c.Usage))
		}
	}
	return tgui.JoinH("\n", lines...).String()
}

// visible returns non-hidden commands sorted by name, public ones first.
func (r *Router) visible(owner bool) []Command {
	r.mu.RLock()
	out := make([]Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		if c.Hidden || (c.Access == AccessOwnerOnly && !owner) {
			continue
		}
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Access != out[j].Access {
			return out[i].Access < out[j].Access
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Telegram command names are restricted to [a-z0-9_]{1,32}.
var menuName = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// MenuCommands lists the public commands for the platform menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	var out []kit.BotCommand
	for _, c := range r.visible(false) {
		if !menuName.MatchString(c.Name) {
			continue
		}
		desc := strings.TrimSpace(c.Description)
		if desc == "" {
			desc = c.Name
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: tgui.TruncRunes(desc, 256)})
	}
	return out
}

var errNoMenu = errors.New("notifier does not support command menus")

// PublishMenu pushes MenuCommands to the notifier when it supports menus.
func (r *Router) PublishMenu(ctx context.Context) error {
	up, ok := r.notifier.(kit.CommandMenuUpdater)
	if !ok {
		return errNoMenu
	}
	return up.UpdateMenuCommands(ctx, r.MenuCommands())
}
