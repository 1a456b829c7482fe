// Package render turns gift records into HTML notification bodies.
package render

import (
	"fmt"
	"strconv"
	"strings"

	"giftwatch/internal/model"
	"giftwatch/pkg/tgui"
)

// DefaultBuyURL is the link behind the "Buy" action.
const DefaultBuyURL = "https://t.me/giftbot"

const maxTitleRunes = 128

// Config customises actions. Zero value uses defaults.
type Config struct {
	BuyURL string
}

// Renderer is stateless; Render never fails.
type Renderer struct {
	buyURL string
}

func New(cfg Config) *Renderer {
	u := strings.TrimSpace(cfg.BuyURL)
	if u == "" {
		u = DefaultBuyURL
	}
	return &Renderer{buyURL: u}
}

type template func(rec, prev *model.GiftRecord) tgui.H

var templates = map[model.NotificationKind]template{
	model.KindNewGift:          newGift,
	model.KindGiftUpdate:       giftUpdate,
	model.KindPriceDrop:        priceDrop,
	model.KindLimitedAvailable: limitedAvailable,
}

// Render returns the message for kind and rec.
func (r *Renderer) Render(kind model.NotificationKind, rec model.GiftRecord) (string, []model.Action) {
	return r.RenderChange(kind, rec, nil)
}

// RenderChange is Render with the previously known record, used for price deltas.
// Formatting panics degrade to a generic message.
func (r *Renderer) RenderChange(kind model.NotificationKind, rec model.GiftRecord, prev *model.GiftRecord) (text string, actions []model.Action) {
	actions = r.actions(rec)
	defer func() {
		if p := recover(); p != nil {
			text = Fallback(rec)
		}
	}()
	tpl, ok := templates[kind]
	if !ok {
		return Fallback(rec), actions
	}
	return tpl(&rec, prev).String(), actions
}

// Fallback is the generic body used for unknown kinds and failed templates.
func Fallback(rec model.GiftRecord) string {
	title := strings.TrimSpace(rec.Title)
	if title == "" {
		title = "#" + strconv.FormatInt(rec.ID, 10)
	}
	return tgui.JoinH("\n",
		tgui.B("🎁 Gift update"),
		tgui.Esc(tgui.TruncRunes(title, maxTitleRunes)),
	).String()
}

func (r *Renderer) actions(rec model.GiftRecord) []model.Action {
	return []model.Action{
		{Label: "Buy fast", URL: r.buyURL},
		{Label: "Details", Callback: DetailsToken(rec.ID)},
	}
}

// DetailsToken is the callback payload asking for a gift's details.
func DetailsToken(id int64) string {
	return tgui.Data("gift", "details", strconv.FormatInt(id, 10))
}

// ParseDetailsToken extracts the gift id from a DetailsToken.
func ParseDetailsToken(data string) (int64, bool) {
	scope, action, payload, err := tgui.ParseData(data)
	if err != nil || scope != "gift" || action != "details" {
		return 0, false
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Availability renders "remaining/total (pct%)" with one decimal.
// Missing counters render as "unlimited" or "unknown".
func Availability(rec model.GiftRecord) string {
	if rec.AvailabilityRemaining == nil || rec.AvailabilityTotal == nil {
		if !rec.Limited {
			return "unlimited"
		}
		return "unknown"
	}
	rem, total := *rec.AvailabilityRemaining, *rec.AvailabilityTotal
	if total <= 0 {
		return fmt.Sprintf("%d/%d", rem, total)
	}
	return fmt.Sprintf("%d/%d (%.1f%%)", rem, total, float64(rem)/float64(total)*100)
}

func title(rec *model.GiftRecord) string {
	t := strings.TrimSpace(rec.Title)
	if t == "" {
		t = "#" + strconv.FormatInt(rec.ID, 10)
	}
	return tgui.TruncRunes(t, maxTitleRunes)
}

func stars(n int64) string { return strconv.FormatInt(n, 10) + " ⭐" }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func details(rec *model.GiftRecord) []tgui.H {
	return []tgui.H{
		tgui.Line("Title", title(rec)),
		tgui.Line("Price", stars(rec.Price)),
		tgui.Line("Availability", Availability(*rec)),
		tgui.Line("Limited", yesNo(rec.Limited)),
		tgui.Line("Premium required", yesNo(rec.RequiresPremium)),
	}
}

func newGift(rec, _ *model.GiftRecord) tgui.H {
	parts := append([]tgui.H{tgui.B("🎁 New gift available!"), ""}, details(rec)...)
	if rec.Upgradable {
		parts = append(parts, tgui.I("Can be upgraded"))
	}
	return joinLines(parts)
}

func giftUpdate(rec, _ *model.GiftRecord) tgui.H {
	status := "available"
	if rec.SoldOut {
		status = "sold out"
	}
	parts := append([]tgui.H{tgui.B("🔄 Gift updated"), ""}, details(rec)...)
	parts = append(parts, tgui.Line("Status", status))
	return joinLines(parts)
}

func priceDrop(rec, prev *model.GiftRecord) tgui.H {
	price := stars(rec.Price)
	if prev != nil && prev.Price > rec.Price {
		price += " (was " + stars(prev.Price) + ")"
	}
	return joinLines([]tgui.H{
		tgui.B("📉 Price drop!"),
		"",
		tgui.Line("Title", title(rec)),
		tgui.Line("Price", price),
		tgui.Line("Availability", Availability(*rec)),
	})
}

func limitedAvailable(rec, _ *model.GiftRecord) tgui.H {
	return joinLines([]tgui.H{
		tgui.B("⚡ Limited gift back in stock!"),
		"",
		tgui.Line("Title", title(rec)),
		tgui.Line("Price", stars(rec.Price)),
		tgui.Line("Remaining", Availability(*rec)),
	})
}

// joinLines keeps intentional blank lines, unlike tgui.JoinH.
func joinLines(parts []tgui.H) tgui.H {
	ss := make([]string, len(parts))
	for i, p := range parts {
		ss[i] = p.String()
	}
	return tgui.Raw(strings.Join(ss, "\n"))
}

// Details is the answer to a details callback.
func (r *Renderer) Details(rec model.GiftRecord) string {
	parts := append([]tgui.H{tgui.B("🎁 Gift #" + strconv.FormatInt(rec.ID, 10)), ""}, details(&rec)...)
	if rec.SoldOut {
		parts = append(parts, tgui.I("Sold out"))
	}
	return joinLines(parts).String()
}
