// Package telegram connects the agent to a Telegram chat. Incoming messages
// become heard sensations; the agent's speech is sent back as messages.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/psyche/internal/bus"
	"github.com/user/psyche/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxPhotoBytes      = 10 << 20
)

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Adapter is both the agent's ear and its mouth on Telegram.
type Adapter struct {
	bot    botAPI
	bus    *bus.Bus
	client *http.Client

	chatID      atomic.Int64
	speaking    atomic.Bool
	interrupted atomic.Bool
	sendMu      sync.Mutex
}

// New creates a Telegram adapter. chatID pins replies to one chat; zero
// adopts the first chat that writes to the bot and keeps it.
func New(token string, chatID int64, b *bus.Bus) (*Adapter, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newAdapter(bot, chatID, b), nil
}

func newAdapter(bot botAPI, chatID int64, b *bus.Bus) *Adapter {
	a := &Adapter{bot: bot, bus: b, client: &http.Client{Timeout: 30 * time.Second}}
	a.chatID.Store(chatID)
	return a
}

// Run long-polls for updates until ctx ends.
func (a *Adapter) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			a.handleMessage(ctx, update.Message)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return nil
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	a.chatID.CompareAndSwap(0, msg.Chat.ID)

	if msg.IsCommand() {
		a.handleCommand(msg)
		return
	}

	if len(msg.Photo) > 0 {
		a.handlePhoto(ctx, msg)
		return
	}
	if msg.Text == "" {
		return
	}
	bus.Publish(a.bus, types.SensationTopic, types.Sensation{
		What: types.Sense{Kind: types.KindHeard, Text: speakerLine(msg.From, msg.Text)},
		At:   msg.Time(),
	})
}

func (a *Adapter) handlePhoto(ctx context.Context, msg *tgbotapi.Message) {
	largest := msg.Photo[len(msg.Photo)-1]
	img, err := a.download(ctx, largest.FileID)
	if err != nil {
		slog.Warn("download telegram photo failed", "error", err)
		return
	}
	text := "I am shown a picture."
	if msg.Caption != "" {
		text = speakerLine(msg.From, msg.Caption)
	}
	bus.Publish(a.bus, types.SensationTopic, types.Sensation{
		What: types.Sense{Kind: types.KindVision, Text: text, Image: img},
		At:   msg.Time(),
	})
}

func (a *Adapter) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := a.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPhotoBytes))
}

func (a *Adapter) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "start":
		a.send(msg.Chat.ID, "Hello! Talk to me and I will listen.")
	case "break":
		bus.Publish(a.bus, types.InstructionTopic, types.Instruction{Kind: types.InstructionBreakEpisode})
		a.send(msg.Chat.ID, "Closing this chapter.")
	default:
		a.send(msg.Chat.ID, "Unknown command. Available: /start, /break")
	}
}

func speakerLine(from *tgbotapi.User, text string) string {
	if from == nil || from.FirstName == "" {
		return text
	}
	return from.FirstName + ": " + text
}

// Say sends text to the current chat. It returns once the message is sent.
func (a *Adapter) Say(ctx context.Context, text string) error {
	chatID := a.chatID.Load()
	if chatID == 0 {
		return fmt.Errorf("say: no chat to talk to yet")
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	a.speaking.Store(true)
	defer a.speaking.Store(false)
	a.interrupted.Store(false)

	for _, part := range splitMessage(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if a.interrupted.Load() {
			return nil
		}
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// Interrupt drops any parts of the current message not yet sent.
func (a *Adapter) Interrupt() {
	a.interrupted.Store(true)
}

func (a *Adapter) IsSpeaking() bool {
	return a.speaking.Load()
}

func (a *Adapter) send(chatID int64, text string) {
	for _, part := range splitMessage(text) {
		if _, err := a.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			slog.Warn("send telegram message failed", "error", err)
		}
	}
}

// splitMessage cuts text into chunks Telegram accepts, preferring line breaks
// and never splitting a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		if i := strings.LastIndexByte(text[:end], '\n'); i > maxTelegramMessage/2 {
			end = i + 1
		} else {
			for end > 0 && !utf8.RuneStart(text[end]) {
				end--
			}
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
