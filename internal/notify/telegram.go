package notify

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"missionctl/internal/runtime/supervisor"
	logx "missionctl/pkg/logx"
)

// telegramTextLimit is Telegram's maximum message length.
const telegramTextLimit = 4096

type TelegramConfig struct {
	Token       string
	ChatID      int64
	ThreadID    int
	PollTimeout time.Duration
}

// Telegram is the Transport for one operator chat. Commands and button
// presses from any other chat are ignored.
type Telegram struct {
	cfg  TelegramConfig
	bot  *tele.Bot
	chat *tele.Chat
	ctl  Controller
	log  logx.Logger
}

func NewTelegram(cfg TelegramConfig, ctl Controller, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{
		cfg:  cfg,
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		ctl:  ctl,
		log:  log.With(logx.String("comp", "notify.telegram")),
	}
	if ctl != nil {
		t.registerHandlers()
	}
	return t, nil
}

func (t *Telegram) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	}
	if len(m.Actions) > 0 {
		rm := &tele.ReplyMarkup{}
		btns := make([]tele.Btn, 0, len(m.Actions))
		for _, a := range m.Actions {
			btns = append(btns, tele.Btn{Text: a.Label, Data: a.Data})
		}
		rm.Inline(rm.Row(btns...))
		opts.ReplyMarkup = rm
	}
	_, err := t.bot.Send(t.chat, truncate(m.Text, telegramTextLimit), opts)
	return err
}

func (t *Telegram) authorized(c tele.Context) bool {
	chat := c.Chat()
	return chat != nil && chat.ID == t.cfg.ChatID
}

func actor(c tele.Context) string {
	u := c.Sender()
	if u == nil {
		return "telegram"
	}
	if u.Username != "" {
		return "telegram:" + u.Username
	}
	return "telegram:" + strconv.FormatInt(u.ID, 10)
}

func (t *Telegram) registerHandlers() {
	t.bot.Handle(tele.OnText, func(c tele.Context) error {
		if !t.authorized(c) || !strings.HasPrefix(c.Text(), "/") {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		reply := HandleCommand(ctx, t.ctl, c.Text(), actor(c))
		if reply == "" {
			return nil
		}
		return c.Reply(reply)
	})
	t.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || !t.authorized(c) {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		toast := HandleCallback(ctx, t.ctl, strings.TrimSpace(cb.Data), actor(c))
		t.log.Info("approval action", logx.String("data", cb.Data), logx.String("by", actor(c)), logx.String("result", toast))
		if m := c.Message(); m != nil {
			// Drop the buttons so the request cannot be answered twice.
			_, _ = t.bot.EditReplyMarkup(m, nil)
		}
		return c.Respond(&tele.CallbackResponse{Text: toast})
	})
}

// Run long-polls for commands until ctx is done. Polling restarts if
// telebot's loop exits on its own.
func (t *Telegram) Run(sup *supervisor.Supervisor) {
	sup.Go0("telegram.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		t.bot.Stop()
	})
	sup.GoRestart("telegram.poll", func(ctx context.Context) error {
		t.log.Info("polling started")
		t.bot.Start()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.New("telegram poller exited")
	}, supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
}
