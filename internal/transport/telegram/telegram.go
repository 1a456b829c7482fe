// Package telegram adapts telebot to the transport interfaces used by the
// dispatcher, the reporter, the log sink and the live gift catalog.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"giftwatch/internal/model"
	"giftwatch/internal/render"
	rtsup "giftwatch/internal/runtime/supervisor"
	"giftwatch/internal/transport"
	"giftwatch/pkg/logx"
	"giftwatch/pkg/tgui"
)

const (
	textLimit          = 4000
	defaultPollTimeout = 10 * time.Second
	buttonsPerRow      = 2
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// Offline skips the getMe call; used in tests.
	Offline bool
}

// GiftLookup answers details callbacks.
type GiftLookup interface {
	GetGift(ctx context.Context, id int64) (model.GiftRecord, bool, error)
}

// DetailsRenderer formats a stored gift for a details callback.
type DetailsRenderer interface {
	Details(rec model.GiftRecord) string
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	gifts   GiftLookup
	details DetailsRenderer
	now     func() time.Time
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Poller:  &tele.LongPoller{Timeout: timeout},
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{bot: b, log: log.With(logx.String("comp", "telegram")), now: time.Now}
	a.bot.Handle(tele.OnCallback, a.onCallback)
	return a, nil
}

// SetGiftLookup wires the details callback. Without it callbacks are only acknowledged.
func (a *Adapter) SetGiftLookup(gifts GiftLookup, details DetailsRenderer) {
	a.mu.Lock()
	a.gifts, a.details = gifts, details
	a.mu.Unlock()
}

// Start runs the long-poll loop for callbacks.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sup != nil {
		return nil
	}
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	a.sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})
	// Start blocks until Stop; restart if it returns while still running.
	a.sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		a.log.Warn("telegram stop error", logx.Err(err))
	}
	return nil
}

// Send delivers an HTML notification with inline actions on the first chunk.
// Errors are wrapped for transport.Classify.
func (a *Adapter) Send(ctx context.Context, subscriberID int64, text string, actions []model.Action) (transport.Ack, error) {
	chat := &tele.Chat{ID: subscriberID}
	var first *tele.Message
	for i, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return transport.Ack{}, err
		}
		opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
		if i == 0 {
			if rm := keyboard(actions); rm != nil {
				opt.ReplyMarkup = rm
			}
		}
		msg, err := a.bot.Send(chat, chunk, opt)
		if err != nil {
			return transport.Ack{}, mapError(err)
		}
		if first == nil {
			first = msg
		}
	}
	ack := transport.Ack{SentAt: a.now()}
	if first != nil {
		ack.MessageID = first.ID
	}
	return ack, nil
}

// Notify sends a plain HTML operator message.
func (a *Adapter) Notify(ctx context.Context, chatID int64, text string) error {
	_, err := a.Send(ctx, chatID, text, nil)
	return err
}

// SendLog implements logx.Sink.
func (a *Adapter) SendLog(ctx context.Context, chatID int64, text string) error {
	return a.Notify(ctx, chatID, text)
}

// AvailableGifts returns the "result" object of getAvailableGifts.
func (a *Adapter) AvailableGifts(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type out struct {
		body []byte
		err  error
	}
	ch := make(chan out, 1)
	go func() {
		body, err := a.bot.Raw("getAvailableGifts", map[string]string{})
		ch <- out{body, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return nil, mapError(o.err)
		}
		return unwrapResult(o.body)
	}
}

func unwrapResult(body []byte) ([]byte, error) {
	var env struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode bot api response: %w", err)
	}
	if !env.OK {
		return nil, fmt.Errorf("bot api error: %s", env.Description)
	}
	return env.Result, nil
}

func (a *Adapter) onCallback(c tele.Context) error {
	cb := c.Callback()
	if cb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	text, ok := a.detailsReply(ctx, cb.Data)
	if !ok {
		return c.Respond()
	}
	if err := c.Respond(); err != nil {
		a.log.Debug("callback respond failed", logx.Err(err))
	}
	return c.Send(text, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
}

// detailsReply resolves a "gift:details:<id>" callback into a message body.
func (a *Adapter) detailsReply(ctx context.Context, data string) (string, bool) {
	id, ok := render.ParseDetailsToken(strings.TrimSpace(data))
	if !ok {
		return "", false
	}
	a.mu.Lock()
	gifts, details := a.gifts, a.details
	a.mu.Unlock()
	if gifts == nil || details == nil {
		return "", false
	}
	rec, found, err := gifts.GetGift(ctx, id)
	if err != nil {
		a.log.Warn("gift lookup failed", logx.Int64("gift_id", id), logx.Err(err))
		return tgui.Esc("Gift details are temporarily unavailable.").String(), true
	}
	if !found {
		return tgui.Esc("This gift is no longer tracked.").String(), true
	}
	return details.Details(rec), true
}

// keyboard lays actions out in rows. Callback buttons whose data Telegram
// would reject are dropped so the message itself still goes out.
func keyboard(actions []model.Action) *tele.ReplyMarkup {
	valid := make([]model.Action, 0, len(actions))
	for _, act := range actions {
		if act.Callback != "" && tgui.CheckData(act.Callback) != nil {
			continue
		}
		valid = append(valid, act)
	}
	if len(valid) == 0 {
		return nil
	}
	actions = valid
	rows := tgui.Grid(len(actions), buttonsPerRow)
	rm := &tele.ReplyMarkup{InlineKeyboard: make([][]tele.InlineButton, 0, len(rows))}
	for _, row := range rows {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, i := range row {
			act := actions[i]
			btns = append(btns, tele.InlineButton{Text: act.Label, URL: act.URL, Data: act.Callback})
		}
		rm.InlineKeyboard = append(rm.InlineKeyboard, btns)
	}
	return rm
}

// mapError tags telebot errors with the transport taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}
	var floodPtr *tele.FloodError
	if errors.As(err, &floodPtr) && floodPtr != nil {
		return transport.RateLimited(err, time.Duration(floodPtr.RetryAfter)*time.Second)
	}
	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrKickedFromGroup):
		return transport.Unreachable(err)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		desc := strings.ToLower(apiErr.Description)
		switch {
		case apiErr.Code == 429:
			return transport.RateLimited(err, 0)
		case apiErr.Code == 403,
			strings.Contains(desc, "chat not found"),
			strings.Contains(desc, "deactivated"),
			strings.Contains(desc, "blocked"):
			return transport.Unreachable(err)
		}
	}
	return err
}

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries and never cutting inside an HTML tag.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i > start+limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
			open, closed := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					open = i
				case '>':
					closed = i
				}
			}
			if open > closed && open > start {
				end = open
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
