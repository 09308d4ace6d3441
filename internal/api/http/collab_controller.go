package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/collabwire/collabwire/internal/domain"
	"github.com/collabwire/collabwire/internal/service"
	"github.com/collabwire/collabwire/internal/store"
	"github.com/collabwire/collabwire/lib/logger/sl"
)

// CollabController is the protocol boundary. REST callers hit Dispatch with
// a {session_id, action, data} body; long-lived clients upgrade to a
// websocket on ServeWS and stream the same request envelopes.
type CollabController struct {
	collab   service.CollabInteractor
	hub      *Hub
	identity IdentityResolver
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewCollabController(collab service.CollabInteractor, hub *Hub, identity IdentityResolver, log *slog.Logger) *CollabController {
	if log == nil {
		log = slog.Default()
	}
	return &CollabController{
		collab:   collab,
		hub:      hub,
		identity: identity,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// Dispatch handles one protocol action over plain HTTP.
func (c *CollabController) Dispatch(ctx *gin.Context) {
	user, err := c.identity.Resolve(ctx.Request)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}

	var req domain.Request
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}

	reqCtx := ctx.Request.Context()

	switch req.Action {
	case domain.ActionJoin:
		res, b := c.collab.Join(reqCtx, req.SessionID, user)
		c.publish(b)
		ctx.JSON(http.StatusOK, gin.H{
			"participants": res.Participants,
			"your_color":   res.YourColor,
		})

	case domain.ActionLeave:
		c.publish(c.collab.Leave(reqCtx, req.SessionID, user.ID))
		ctx.JSON(http.StatusOK, gin.H{"success": true})

	case domain.ActionUpdateCursor:
		var data domain.CursorData
		if err := decodeData(req.Data, &data); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		b := c.collab.UpdateCursor(reqCtx, req.SessionID, user.ID, data.Cursor, data.CurrentFile)
		c.publish(b)
		resp := gin.H{"success": true}
		if b != nil {
			resp["broadcast"] = b
		}
		ctx.JSON(http.StatusOK, resp)

	case domain.ActionUpdatePresence:
		var data domain.PresenceData
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &data); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid presence data"})
				return
			}
		}
		c.publish(c.collab.UpdatePresence(reqCtx, req.SessionID, user.ID, data.Status, data.CurrentFile))
		ctx.JSON(http.StatusOK, gin.H{"success": true})

	case domain.ActionGetParticipants:
		ctx.JSON(http.StatusOK, gin.H{
			"participants": c.collab.Participants(reqCtx, req.SessionID),
		})

	case domain.ActionSendMessage:
		var data domain.MessageData
		if err := decodeData(req.Data, &data); err != nil {
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg, b, err := c.collab.SendMessage(reqCtx, req.SessionID, user, data.Message, data.Kind)
		if err != nil {
			c.fail(ctx, err)
			return
		}
		c.publish(b)
		ctx.JSON(http.StatusOK, gin.H{"success": true, "message": msg, "broadcast": b})

	case domain.ActionLockFile:
		file, ok := c.bindFile(ctx, req.Data)
		if !ok {
			return
		}
		if err := c.collab.LockFile(reqCtx, req.SessionID, file, user.ID); err != nil {
			c.fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"success": true, "locked_by": user.ID, "file": file})

	case domain.ActionUnlockFile:
		file, ok := c.bindFile(ctx, req.Data)
		if !ok {
			return
		}
		if err := c.collab.UnlockFile(reqCtx, req.SessionID, file); err != nil {
			c.fail(ctx, err)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"success": true, "file": file})

	case domain.ActionEdit, domain.ActionSync:
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "action requires a websocket connection"})

	default:
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// ServeWS upgrades the caller to a websocket, joins the session and streams
// protocol envelopes until the connection drops. Callers without resolvable
// identity may still join as a guest by supplying ?name=.
func (c *CollabController) ServeWS(ctx *gin.Context) {
	sessionID := ctx.Param("sessionID")

	user, err := c.identity.Resolve(ctx.Request)
	if err != nil {
		name := ctx.Query("name")
		if name == "" {
			ctx.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		user = domain.NewGuestUser(name)
	}

	conn, err := c.upgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		return
	}

	reqCtx := context.Background()

	_, joined := c.collab.Join(reqCtx, sessionID, user)
	sub := c.hub.Register(sessionID, user.ID)
	go c.writePump(conn, sub)
	c.publish(joined)

	c.enqueueSnapshot(reqCtx, sub, sessionID)

	c.log.Info("websocket connected",
		slog.String("session_id", sessionID),
		slog.String("user_id", user.ID),
	)

	for {
		var req domain.Request
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		c.handleSocketRequest(reqCtx, sub, sessionID, user, req)
	}

	c.hub.Unregister(sessionID, sub)
	c.publish(c.collab.Leave(reqCtx, sessionID, user.ID))
	conn.Close()

	c.log.Info("websocket disconnected",
		slog.String("session_id", sessionID),
		slog.String("user_id", user.ID),
	)
}

func (c *CollabController) handleSocketRequest(reqCtx context.Context, sub *Subscriber, sessionID string, user domain.User, req domain.Request) {
	switch req.Action {
	case domain.ActionEdit:
		var data domain.EditData
		if err := decodeData(req.Data, &data); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		_, b, err := c.collab.AppendEdit(reqCtx, sessionID, user.ID, data.Operation)
		if err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		// The sender needs the assigned version too, so it gets the same
		// envelope directly while the hub fans it out to everyone else.
		sub.Enqueue(*b)
		c.hub.Publish(*b)

	case domain.ActionSync, domain.ActionGetParticipants:
		c.enqueueSnapshot(reqCtx, sub, sessionID)

	case domain.ActionJoin:
		_, b := c.collab.Join(reqCtx, sessionID, user)
		c.publish(b)
		c.enqueueSnapshot(reqCtx, sub, sessionID)

	case domain.ActionLeave:
		c.publish(c.collab.Leave(reqCtx, sessionID, user.ID))

	case domain.ActionUpdateCursor:
		var data domain.CursorData
		if err := decodeData(req.Data, &data); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		c.publish(c.collab.UpdateCursor(reqCtx, sessionID, user.ID, data.Cursor, data.CurrentFile))

	case domain.ActionUpdatePresence:
		var data domain.PresenceData
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &data); err != nil {
				c.enqueueError(sub, sessionID, req.Action, errors.New("invalid presence data"))
				return
			}
		}
		c.publish(c.collab.UpdatePresence(reqCtx, sessionID, user.ID, data.Status, data.CurrentFile))

	case domain.ActionSendMessage:
		var data domain.MessageData
		if err := decodeData(req.Data, &data); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		_, b, err := c.collab.SendMessage(reqCtx, sessionID, user, data.Message, data.Kind)
		if err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		c.publish(b)

	case domain.ActionLockFile:
		var data domain.FileData
		if err := decodeData(req.Data, &data); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		if err := c.collab.LockFile(reqCtx, sessionID, data.File, user.ID); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
		}

	case domain.ActionUnlockFile:
		var data domain.FileData
		if err := decodeData(req.Data, &data); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
			return
		}
		if err := c.collab.UnlockFile(reqCtx, sessionID, data.File); err != nil {
			c.enqueueError(sub, sessionID, req.Action, err)
		}

	default:
		c.enqueueError(sub, sessionID, req.Action, errors.New("unknown action"))
	}
}

func (c *CollabController) writePump(conn *websocket.Conn, sub *Subscriber) {
	for event := range sub.Events {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}
	conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *CollabController) enqueueSnapshot(reqCtx context.Context, sub *Subscriber, sessionID string) {
	snap, err := c.collab.Snapshot(reqCtx, sessionID)
	if err != nil {
		c.enqueueError(sub, sessionID, domain.ActionSync, err)
		return
	}
	sub.Enqueue(domain.Broadcast{
		Event:     domain.EventSyncState,
		SessionID: sessionID,
		Payload:   snap,
	})
}

func (c *CollabController) enqueueError(sub *Subscriber, sessionID string, action domain.Action, err error) {
	sub.Enqueue(domain.Broadcast{
		Event:     domain.EventError,
		SessionID: sessionID,
		Payload: map[string]any{
			"action":  action,
			"message": err.Error(),
		},
	})
}

func (c *CollabController) publish(b *domain.Broadcast) {
	if b != nil {
		c.hub.Publish(*b)
	}
}

func (c *CollabController) fail(ctx *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrEmptyMessage), errors.Is(err, service.ErrMessageTooLong):
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.log.Error("action failed", sl.Err(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (c *CollabController) bindFile(ctx *gin.Context, raw json.RawMessage) (string, bool) {
	var data domain.FileData
	if err := decodeData(raw, &data); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	if data.File == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return "", false
	}
	return data.File, true
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("data is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.New("invalid action data")
	}
	return nil
}
