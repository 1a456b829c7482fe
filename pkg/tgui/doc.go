// Package tgui provides small Telegram UI helpers:
//   - HTML escaping for ParseMode="HTML"
//   - Callback data helpers (scope:action:payload)
//   - Inline keyboard layout
package tgui
