package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/putto11262002/chatsync/core"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  /chats                 list chats
  /open <chat id>        open a chat and show its messages
  /new <user id>[,...] [name]
                         start a chat with the given users
  /search <query>        search users
  /retry <client id>     resend a failed message
  /discard <client id>   drop a failed message
  /refresh               reload the chat list
  /quit                  exit
anything else is sent to the open chat
`

// execute runs one input line.
func (app *App) execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := app.session.SendMessage(ctx, app.session.Focus(), line)
		return err
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/help":
		app.printf("%s", helpText)
	case "/quit", "/exit":
		return errQuit
	case "/chats":
		app.printChats()
	case "/refresh":
		if err := app.session.RefreshChats(ctx); err != nil {
			return err
		}
		app.printChats()
	case "/open":
		if arg == "" {
			return errors.New("usage: /open <chat id>")
		}
		if err := app.session.SelectChat(ctx, arg); err != nil {
			return err
		}
		app.printConversation(arg)
	case "/new":
		ids, name, _ := strings.Cut(arg, " ")
		var participants []string
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				participants = append(participants, id)
			}
		}
		chatID, err := app.session.CreateChat(ctx, core.CreateChatRequest{
			ParticipantIDs: participants,
			Name:           strings.TrimSpace(name),
		})
		if err != nil {
			return err
		}
		app.printConversation(chatID)
	case "/search":
		found, err := app.session.SearchParticipants(ctx, arg)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			app.printf("no users found\n")
		}
		for _, p := range found {
			app.printf("  %s  %s\n", p.ID, p.FullName())
		}
	case "/retry":
		return app.session.RetryMessage(ctx, app.session.Focus(), arg)
	case "/discard":
		return app.session.DiscardMessage(ctx, app.session.Focus(), arg)
	default:
		return fmt.Errorf("unknown command %s, try /help", cmd)
	}
	return nil
}

func (app *App) printChats() {
	chats := app.session.Chats()
	if len(chats) == 0 {
		app.printf("no chats yet, start one with /new\n")
		return
	}
	for _, c := range chats {
		marker := " "
		if c.ID == app.session.Focus() {
			marker = "*"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
		}
		app.printf("%s %s  %s%s  %s\n", marker, c.ID, c.DisplayName, unread, c.LastMessageContent)
	}
}

func (app *App) printConversation(chatID string) {
	name := chatID
	for _, c := range app.session.Chats() {
		if c.ID == chatID {
			name = c.DisplayName
		}
	}
	app.printf("-- %s --\n", name)
	for _, m := range app.session.Messages(chatID) {
		app.printMessage(m)
	}
}

func (app *App) printMessage(m core.Message) {
	from := app.senderName(m.ChatID, m.SenderID)
	line := fmt.Sprintf("[%s] %s: %s", m.SentAt.Local().Format("15:04"), from, m.Content)
	switch m.DeliveryState {
	case core.DeliveryPending:
		line += " (sending)"
	case core.DeliveryFailed:
		line += fmt.Sprintf(" (failed, /retry %s)", m.ClientID)
	}
	app.printf("%s\n", line)
}

// senderName resolves a sender id to a participant name of the chat.
func (app *App) senderName(chatID, senderID string) string {
	if senderID == app.session.UserID() {
		return "me"
	}
	for _, c := range app.session.Chats() {
		if c.ID != chatID {
			continue
		}
		for _, p := range c.Participants {
			if p.ID == senderID && p.FullName() != "" {
				return p.FullName()
			}
		}
	}
	return senderID
}
