package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/studyhall/studybot/internal/domain"
)

func (b *Bot) handleUpdate(update tgbotapi.Update) {
	if update.Message != nil {
		b.handleMessage(update.Message)
	}
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	user, err := b.storage.GetUserByTelegramID(msg.From.ID)
	if err != nil {
		b.logger.Error("get user", slog.String("error", err.Error()))
		return
	}
	if user == nil {
		user = b.registerUser(msg.From, chatID)
		if user == nil {
			return
		}
	}
	if user.ChatID != chatID {
		if err := b.storage.UpdateUserChat(user.ID, chatID); err == nil {
			user.ChatID = chatID
		}
	}

	if !msg.IsCommand() {
		b.SendMessage(chatID, "I only understand commands here. Try /help")
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	switch msg.Command() {
	case "start":
		b.SendMessage(chatID, fmt.Sprintf("Hi %s! I keep your study sessions in sync with Google Calendar.\n\n/connect to link your calendar, /help for commands.", user.Name))
	case "help":
		b.cmdHelp(chatID)
	case "today":
		b.cmdList(chatID, user, b.events.ListToday, "today")
	case "week":
		b.cmdList(chatID, user, b.events.ListWeek, "this week")
	case "add":
		b.cmdAdd(chatID, user, args)
	case "sync":
		b.cmdSync(chatID, user)
	case "connect":
		b.cmdConnect(chatID, user)
	case "disconnect":
		b.cmdDisconnect(chatID, user)
	default:
		b.SendMessage(chatID, "Unknown command. /help for the list")
	}
}

func (b *Bot) registerUser(from *tgbotapi.User, chatID int64) *domain.User {
	name := from.FirstName
	if from.LastName != "" {
		name += " " + from.LastName
	}

	user := &domain.User{
		TelegramID: from.ID,
		Name:       name,
		ChatID:     chatID,
	}
	if err := b.storage.CreateUser(user); err != nil {
		b.logger.Error("register user", slog.String("error", err.Error()))
		b.SendMessage(chatID, "Registration failed, try again later")
		return nil
	}
	return user
}

func (b *Bot) cmdHelp(chatID int64) {
	text := `<b>Commands:</b>

/today — today's study sessions
/week — sessions this week
/add 2026-09-01 15:00 Algebra review — add a session (1h by default)
/sync — reconcile with Google Calendar now
/connect — link your Google Calendar
/disconnect — unlink Google Calendar`

	b.SendMessage(chatID, text)
}

func (b *Bot) cmdList(chatID int64, user *domain.User, list func(int64) ([]*domain.Event, error), label string) {
	events, err := list(user.ID)
	if err != nil {
		b.SendMessage(chatID, "Failed to load events: "+err.Error())
		return
	}
	if len(events) == 0 {
		b.SendMessage(chatID, "No sessions "+label)
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("<b>Sessions %s:</b>\n", label))
	for _, e := range events {
		line := fmt.Sprintf("%s %s — %s", e.StartTime.Format("02.01"), e.FormatTime(), e.Title)
		if e.HasLocation() {
			line += " @ " + e.Location
		}
		sb.WriteString(line + "\n")
	}
	b.SendMessage(chatID, sb.String())
}

// cmdAdd parses "/add 2026-09-01 15:00 Title words" and creates a one-hour
// session starting at the given time.
func (b *Bot) cmdAdd(chatID int64, user *domain.User, args string) {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) < 3 {
		b.SendMessage(chatID, "Usage: /add 2026-09-01 15:00 Title")
		return
	}

	start, err := time.ParseInLocation("2006-01-02 15:04", fields[0]+" "+fields[1], b.cfg.Timezone)
	if err != nil {
		b.SendMessage(chatID, "Can't read that date. Usage: /add 2026-09-01 15:00 Title")
		return
	}

	event, err := b.events.CreateEvent(user.ID, fields[2], "", "", start, start.Add(time.Hour), false, "")
	if err != nil {
		b.SendMessage(chatID, "Failed to add: "+err.Error())
		return
	}

	b.SendMessage(chatID, fmt.Sprintf("Added \"%s\" on %s. It will reach Google Calendar on the next sync (/sync to push now).",
		event.Title, event.StartTime.Format("02.01 15:04")))
}

func (b *Bot) cmdSync(chatID int64, user *domain.User) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	result, err := b.sync.Reconcile(ctx, user.ID)
	if err != nil {
		b.SendMessage(chatID, "Sync failed: "+err.Error()+"\nUse /connect to (re)link Google Calendar.")
		return
	}
	b.SendMessage(chatID, result.Summary())
}

func (b *Bot) cmdConnect(chatID int64, user *domain.User) {
	url := b.google.AuthURL(strconv.FormatInt(user.ID, 10))
	b.SendMessage(chatID, "Open this link to grant calendar access:\n"+url)
}

func (b *Bot) cmdDisconnect(chatID int64, user *domain.User) {
	if err := b.storage.DisconnectGoogle(user.ID); err != nil {
		b.SendMessage(chatID, "Failed to disconnect: "+err.Error())
		return
	}
	b.SendMessage(chatID, "Google Calendar unlinked. Local events are untouched.")
}
