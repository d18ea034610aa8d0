package game

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/pending"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
)

// UserCommitted records the outcome of a game user transition. The first successful add of a
// JoinGame publishes the transfer handle before its completion event is queued.
func (c *Client) UserCommitted(ctx context.Context, intent pending.Intent, doc *session.Document, err error) {
	switch intent.Kind {
	case pending.KindAddUser, pending.KindJoinUser:
		if err != nil {
			c.logError(intent.Kind.String(), "write_failed", err, zap.String("xuid", intent.XUID))
			c.setGameState(intent.XUID, users.GameStateUnknown)
		} else {
			c.setGameState(intent.XUID, users.GameStateInSession)
			if intent.Kind == pending.KindAddUser && c.takeAdvertise() {
				err = c.advertise(ctx, intent, doc)
			}
		}
		completed := events.JoinGameCompleted{XUID: intent.XUID}
		if doc != nil {
			completed.Reference = doc.Reference
		}
		c.events.Push(events.Event{
			Type:        events.TypeJoinGameCompleted,
			SessionKind: session.KindGame,
			Err:         err,
			Payload:     completed,
			Context:     intent.Context,
		})
	case pending.KindLeaveUser:
		if err != nil {
			c.logError("leave_game", "write_failed", err, zap.String("xuid", intent.XUID))
		}
		c.setGameState(intent.XUID, users.GameStateUnknown)
		if !c.anyInGame() {
			c.writer.Reset()
			if c.lobby.TransferHandle() != "" {
				if _, clearErr := c.lobby.ClearGame(ctx); clearErr != nil && !errors.Is(clearErr, session.ErrDestroyed) {
					c.logError("clear_game", "write_failed", clearErr)
				}
			}
		}
		c.events.Push(events.Event{
			Type:        events.TypeLeaveGameCompleted,
			SessionKind: session.KindGame,
			Err:         err,
			Payload:     events.LeaveGameCompleted{XUID: intent.XUID},
			Context:     intent.Context,
		})
	}
}

// advertise creates a transfer handle for the joined game and publishes it on the lobby.
// Handle creation is retried a bounded number of times; the game stays joined either way.
func (c *Client) advertise(ctx context.Context, intent pending.Intent, doc *session.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: %v", ErrTransferHandle, errNoGame)
	}
	user, ok := c.users.Get(intent.XUID)
	if !ok {
		return fmt.Errorf("%w: %s", users.ErrUnknownUser, intent.XUID)
	}
	var handleID string
	var lastErr error
	for attempt := 1; attempt <= c.handleAttempts; attempt++ {
		created, err := c.directory.CreateTransferHandle(ctx, user.Credentials, doc.Reference)
		if err == nil {
			handleID = created
			break
		}
		if errors.Is(err, session.ErrDestroyed) {
			return err
		}
		lastErr = err
		c.logger.Debug("transfer handle attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	}
	if handleID == "" {
		c.logError("create_transfer_handle", "attempts_exhausted", lastErr, zap.Int("attempts", c.handleAttempts))
		return fmt.Errorf("%w: %v", ErrTransferHandle, lastErr)
	}
	if _, err := c.lobby.AdvertiseGame(ctx, handleID); err != nil {
		if errors.Is(err, session.ErrLogic) {
			c.logger.Debug("game not advertised", zap.Error(err))
			return nil
		}
		c.logError("advertise_game", "write_failed", err, zap.String("handle_id", handleID))
		return fmt.Errorf("%w: %v", ErrTransferHandle, err)
	}
	return nil
}

func (c *Client) takeAdvertise() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued := c.advertisePending
	c.advertisePending = false
	return queued
}

func (c *Client) setGameState(xuid string, state users.GameState) {
	if _, err := c.users.Update(xuid, func(user *users.LocalUser) {
		user.GameState = state
	}); err != nil {
		c.logError("set_game_state", "user_vanished", err, zap.String("xuid", xuid))
	}
}

func (c *Client) anyInGame() bool {
	for _, user := range c.users.Users() {
		if user.GameState != users.GameStateUnknown {
			return true
		}
	}
	return false
}

func (c *Client) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Warn("game operation failed", allFields...)
}
