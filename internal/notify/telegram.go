package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"mailqueue/internal/job"
	logx "mailqueue/pkg/logx"
)

const telegramTextLimit = 4000

type TelegramConfig struct {
	Token string
	// RatePerSec bounds outgoing messages; Telegram allows about 30/s per bot.
	RatePerSec float64
	Burst      int
	// Offline skips the getMe call at startup.
	Offline bool
}

type telegramSender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// TelegramSink sends messages to a Telegram chat. The recipient is a chat id,
// optionally followed by ":<thread id>" for forum topics.
type TelegramSink struct {
	bot     telegramSender
	limiter *rate.Limiter
	log     logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*TelegramSink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegramSink(b, cfg, log), nil
}

func newTelegramSink(bot telegramSender, cfg TelegramConfig, log logx.Logger) *TelegramSink {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &TelegramSink{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.String("comp", "notify.telegram")),
	}
}

func (s *TelegramSink) Send(ctx context.Context, m Message) error {
	chatID, threadID, err := parseChatTarget(m.Recipient)
	if err != nil {
		return fatal(m.Recipient, err)
	}
	text := m.Body
	if m.Subject != "" {
		text = m.Subject + "\n\n" + m.Body
	}

	chat := &tele.Chat{ID: chatID}
	for i, chunk := range splitText(text, telegramTextLimit) {
		if err := s.limiter.Wait(ctx); err != nil {
			return transient(m.Recipient, err)
		}
		if _, err := s.bot.Send(chat, chunk, &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}); err != nil {
			s.log.Debug("telegram send failed", logx.Int64("chat_id", chatID), logx.Int("chunk", i), logx.Err(err))
			return classifyTelegram(m.Recipient, err)
		}
	}
	return nil
}

// classifyTelegram maps Bot API errors onto delivery errors: flood control
// carries its retry-after, client errors (bad chat, blocked bot) are fatal.
func classifyTelegram(recipient string, err error) error {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return job.RetryAfter(transient(recipient, err), time.Duration(flood.RetryAfter)*time.Second)
	}
	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != 429 {
		return fatal(recipient, err)
	}
	for _, code := range []string{"(400)", "(403)", "(404)"} {
		if strings.Contains(err.Error(), code) {
			return fatal(recipient, err)
		}
	}
	return transient(recipient, err)
}

func parseChatTarget(s string) (chatID int64, threadID int, err error) {
	s = strings.TrimSpace(s)
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err = strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, fmt.Errorf("invalid telegram chat id %q", s)
	}
	if hasThread {
		threadID, err = strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil || threadID < 0 {
			return 0, 0, fmt.Errorf("invalid telegram thread id %q", s)
		}
	}
	return chatID, threadID, nil
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
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
