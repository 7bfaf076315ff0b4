package chatsync

import (
	"context"
	"errors"

	"github.com/putto11262002/chatsync/core"
)

func (app *App) registerEventHandlers() {
	app.eventRouter.On(core.EventMessage, app.messageHandler)
	app.eventRouter.On(core.EventMessageFailed, app.messageFailedHandler)
	app.eventRouter.On(core.EventMessageRemoved, app.messageRemovedHandler)
	app.eventRouter.On(core.EventConnectionState, app.connectionStateHandler)
	app.eventRouter.On(core.EventSessionClosed, app.sessionClosedHandler)
}

// messageHandler prints messages of the open chat as they arrive. Confirmations of
// the user's own messages are not printed again.
func (app *App) messageHandler(_ context.Context, e core.Event) error {
	if e.Message == nil {
		return errors.New("message event without message")
	}
	if e.ChatID != app.session.Focus() {
		app.printf("new message in chat %s\n", e.ChatID)
		return nil
	}
	if e.ReplacedID != "" || e.Message.SenderID == app.session.UserID() {
		return nil
	}
	app.printMessage(*e.Message)
	return nil
}

func (app *App) messageFailedHandler(_ context.Context, e core.Event) error {
	if e.Message == nil {
		return errors.New("message failed event without message")
	}
	app.printf("message not sent: %v (/retry %s or /discard %s)\n", e.Err, e.Message.ClientID, e.Message.ClientID)
	return nil
}

func (app *App) messageRemovedHandler(_ context.Context, e core.Event) error {
	if e.Message != nil {
		app.printf("message %s removed\n", e.Message.ClientID)
	}
	return nil
}

func (app *App) connectionStateHandler(_ context.Context, e core.Event) error {
	app.logger.Debug("connection state", "state", e.State.String())
	switch e.State {
	case core.StateReconnecting:
		app.printf("connection lost, reconnecting...\n")
	case core.StateFailed:
		app.printf("connection failed\n")
	case core.StateConnected:
		app.printf("connected\n")
	}
	return nil
}

func (app *App) sessionClosedHandler(_ context.Context, e core.Event) error {
	if e.Err != nil {
		app.printf("session closed: %v\n", e.Err)
		return nil
	}
	app.printf("session closed\n")
	return nil
}
