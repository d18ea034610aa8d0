package lobby

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/events"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/pending"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/users"
)

// UserCommitted records the outcome of a lobby user transition.
func (c *Client) UserCommitted(_ context.Context, intent pending.Intent, doc *session.Document, err error) {
	switch intent.Kind {
	case pending.KindAddUser:
		c.transitionCompleted(intent, err, users.LobbyStateInSession)
		c.events.Push(events.Event{
			Type:        events.TypeUserAdded,
			SessionKind: session.KindLobby,
			Err:         err,
			Payload:     events.UserAdded{XUID: intent.XUID},
			Context:     intent.Context,
		})
	case pending.KindJoinUser:
		c.transitionCompleted(intent, err, users.LobbyStateInSession)
		joined := events.JoinLobbyCompleted{XUID: intent.XUID}
		if doc != nil {
			joined.Reference = doc.Reference
		}
		c.events.Push(events.Event{
			Type:        events.TypeJoinLobbyCompleted,
			SessionKind: session.KindLobby,
			Err:         err,
			Payload:     joined,
			Context:     intent.Context,
		})
	case pending.KindLeaveUser:
		if err != nil {
			c.logError("leave_user", "write_failed", err, zap.String("xuid", intent.XUID))
		}
		c.events.Push(events.Event{
			Type:        events.TypeUserRemoved,
			SessionKind: session.KindLobby,
			Err:         err,
			Payload:     events.UserRemoved{XUID: intent.XUID},
			Context:     intent.Context,
		})
		c.users.Remove(intent.XUID)
		if c.users.Len() == 0 {
			c.writer.Reset()
			c.refreshView(nil)
		}
	}
}

func (c *Client) transitionCompleted(intent pending.Intent, err error, state users.LobbyState) {
	if err != nil {
		c.logError(intent.Kind.String(), "write_failed", err, zap.String("xuid", intent.XUID))
		c.users.MarkForRemoval(intent.XUID)
		return
	}
	if _, updateErr := c.users.Update(intent.XUID, func(user *users.LocalUser) {
		user.LobbyState = state
		user.InviteHandle = ""
	}); updateErr != nil {
		c.logError(intent.Kind.String(), "user_vanished", updateErr, zap.String("xuid", intent.XUID))
	}
}

// AdvertiseGame publishes the transfer handle of the game session so other lobby members can
// follow. It blocks and is meant to run on a batch goroutine.
func (c *Client) AdvertiseGame(ctx context.Context, handleID string) (*session.Document, error) {
	value, err := json.Marshal(handleID)
	if err != nil {
		return nil, err
	}
	return c.commitReserved(ctx, func(doc *session.Document) error {
		doc.SetCustomProperty(session.PropertyTransferHandle, value)
		return nil
	})
}

// ClearGame removes the game advertisement.
func (c *Client) ClearGame(ctx context.Context) (*session.Document, error) {
	return c.commitReserved(ctx, func(doc *session.Document) error {
		if _, ok := doc.Custom[session.PropertyTransferHandle]; ok {
			doc.DeleteCustomProperty(session.PropertyTransferHandle)
		}
		return nil
	})
}

func (c *Client) commitReserved(ctx context.Context, mutate func(doc *session.Document) error) (*session.Document, error) {
	primary, ok := c.users.Primary()
	if !ok {
		return nil, fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	if c.writer.Document() == nil {
		return nil, fmt.Errorf("%w: no lobby session", session.ErrLogic)
	}
	return c.writer.CommitSynchronized(ctx, primary.Credentials, mutate)
}

// InviteUsers sends lobby invites from the primary user and reports them with invite-sent.
func (c *Client) InviteUsers(ctx context.Context, xuids []string, requestContext any) error {
	if len(xuids) == 0 {
		return fmt.Errorf("%w: no users to invite", session.ErrInvalidArgument)
	}
	invited := make([]string, 0, len(xuids))
	for _, rawXUID := range xuids {
		xuid, err := session.NewXUID(rawXUID)
		if err != nil {
			return err
		}
		invited = append(invited, xuid)
	}
	primary, ok := c.users.Primary()
	if !ok {
		return fmt.Errorf("%w: %v", session.ErrLogic, errNoLocalUser)
	}
	doc := c.writer.Document()
	if doc == nil {
		return fmt.Errorf("%w: no lobby session", session.ErrLogic)
	}

	c.invites.Add(1)
	go func() {
		defer c.invites.Done()
		handles, err := c.directory.SendInvites(ctx, primary.Credentials, doc.Reference, invited)
		if errors.Is(err, session.ErrDestroyed) {
			return
		}
		if err != nil {
			c.logError("send_invites", "request_failed", err, zap.Int("invitees", len(invited)))
		}
		c.events.Push(events.Event{
			Type:        events.TypeInviteSent,
			SessionKind: session.KindLobby,
			Err:         err,
			Payload:     events.InviteSent{XUIDs: invited, Handles: handles},
			Context:     requestContext,
		})
	}()
	return nil
}

func (c *Client) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Warn("lobby operation failed", allFields...)
}
