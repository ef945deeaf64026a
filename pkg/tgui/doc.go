// Package tgui provides small Telegram UI helpers:
//   - Inline keyboard builders (URL call-to-action buttons)
//   - HTML escaping helpers for ParseMode="HTML" replies
package tgui
