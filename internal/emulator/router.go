// Package emulator is a development stand-in for the session directory. It persists session
// documents with gorm, applies the directory's write and precondition rules, issues handles
// and match tickets, and pushes change notifications over server-sent events.
package emulator

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

const (
	xuidContextKey           = "lobbysync_xuid"
	deviceTokenContextKey    = "lobbysync_device_token"
	defaultHeartbeatInterval = 15 * time.Second
)

// TokenManager issues and validates device tokens.
type TokenManager interface {
	IssueDeviceToken(xuid, deviceToken string) (string, int64, error)
	ValidateToken(token string) (DeviceClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Store             *Store
	TokenManager      TokenManager
	Dispatcher        *Dispatcher
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

// NewHTTPHandler builds the directory routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", transport.HeaderIfMatch},
		ExposeHeaders: []string{transport.HeaderETag},
		MaxAge:        12 * time.Hour,
	}))

	handler := &httpHandler{
		store:      deps.Store,
		tokens:     deps.TokenManager,
		dispatcher: deps.Dispatcher,
		heartbeat:  heartbeat,
		logger:     logger,
	}

	router.POST("/auth/device", handler.handleDeviceAuth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/serviceconfigs/:scid/sessiontemplates/:template/sessions/:name", handler.handleGetSession)
	protected.PUT("/serviceconfigs/:scid/sessiontemplates/:template/sessions/:name", handler.handleWriteSession)
	protected.PUT("/handles/:handle/session", handler.handleWriteSessionByHandle)
	protected.POST("/handles", handler.handleCreateHandle)
	protected.POST("/serviceconfigs/:scid/hoppers/:hopper", handler.handleCreateTicket)
	protected.DELETE("/serviceconfigs/:scid/hoppers/:hopper/tickets/:ticket", handler.handleDeleteTicket)
	protected.GET("/notifications", handler.handleNotifications)
	protected.POST("/dev/tickets/:ticket/resolve", handler.handleResolveTicket)
	protected.POST("/dev/resync", handler.handleResync)

	return router, nil
}

type httpHandler struct {
	store      *Store
	tokens     TokenManager
	dispatcher *Dispatcher
	heartbeat  time.Duration
	logger     *zap.Logger
}

type deviceAuthRequestPayload struct {
	XUID        string `json:"xuid"`
	Gamertag    string `json:"gamertag"`
	DeviceToken string `json:"device_token"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleDeviceAuth(c *gin.Context) {
	var request deviceAuthRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	xuid, err := session.NewXUID(request.XUID)
	if err != nil || normalize(request.DeviceToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	device, err := h.store.RegisterDevice(c.Request.Context(), Device{
		XUID:        xuid,
		DeviceToken: request.DeviceToken,
		Gamertag:    normalize(request.Gamertag),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueDeviceToken(device.XUID, device.DeviceToken)
	if err != nil {
		h.logger.Error("failed to issue device token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	ref, ok := sessionReference(c)
	if !ok {
		return
	}
	doc, err := h.store.GetSession(c.Request.Context(), ref)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondDocument(c, doc)
}

func (h *httpHandler) handleWriteSession(c *gin.Context) {
	ref, ok := sessionReference(c)
	if !ok {
		return
	}
	request, ok := bindWriteRequest(c)
	if !ok {
		return
	}
	mode, etag := writePrecondition(c.GetHeader(transport.HeaderIfMatch))
	change, err := h.store.WriteSession(c.Request.Context(), ref, mode, etag, request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.dispatcher.PublishChange(change)
	h.respondDocument(c, change.Document)
}

func (h *httpHandler) handleWriteSessionByHandle(c *gin.Context) {
	request, ok := bindWriteRequest(c)
	if !ok {
		return
	}
	change, err := h.store.WriteSessionByHandle(c.Request.Context(), c.Param("handle"), request)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.dispatcher.PublishChange(change)
	h.respondDocument(c, change.Document)
}

func (h *httpHandler) handleCreateHandle(c *gin.Context) {
	var body transport.HandleBody
	if !bindJSON(c, &body) {
		return
	}
	handle, err := h.store.CreateHandle(c.Request.Context(), body.Type, body.SessionRef.Reference(), c.GetString(xuidContextKey), body.InvitedXUID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, transport.HandleResult{ID: handle.ID})
}

func (h *httpHandler) handleCreateTicket(c *gin.Context) {
	var body transport.TicketBody
	if !bindJSON(c, &body) {
		return
	}
	ref := body.TicketSessionRef.Reference()
	if ref.ServiceConfigID != c.Param("scid") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scid_mismatch"})
		return
	}
	ticket, change, err := h.store.CreateTicket(c.Request.Context(), TicketRecord{
		ServiceConfigID: ref.ServiceConfigID,
		Hopper:          c.Param("hopper"),
		TicketTemplate:  ref.TemplateName,
		TicketSession:   ref.SessionName,
		SubmitterXUID:   c.GetString(xuidContextKey),
		GiveUpSeconds:   body.GiveUpDuration,
		PreserveSession: body.PreserveSession,
		AttributesJSON:  string(body.TicketAttributes),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.dispatcher.PublishChange(change)
	c.JSON(http.StatusCreated, transport.TicketResult{
		TicketID: ticket.ID,
		WaitTime: int64(h.store.TypicalWait() / time.Second),
	})
}

func (h *httpHandler) handleDeleteTicket(c *gin.Context) {
	changes, err := h.store.DeleteTicket(c.Request.Context(), c.Param("scid"), c.Param("hopper"), c.Param("ticket"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	for _, change := range changes {
		h.dispatcher.PublishChange(change)
	}
	c.Status(http.StatusNoContent)
}

type resolveTicketPayload struct {
	Status              string                   `json:"status"`
	StatusDetails       string                   `json:"statusDetails"`
	TargetSessionRef    *transport.ReferenceBody `json:"targetSessionRef"`
	InitializationStage string                   `json:"initializationStage"`
}

func (h *httpHandler) handleResolveTicket(c *gin.Context) {
	var body resolveTicketPayload
	if !bindJSON(c, &body) {
		return
	}
	resolution := TicketResolution{
		Status:  session.MatchmakingStatus(normalize(body.Status)),
		Details: body.StatusDetails,
		Stage:   session.InitializationStage(normalize(body.InitializationStage)),
	}
	if body.TargetSessionRef != nil {
		resolution.Target = body.TargetSessionRef.Reference()
	}
	changes, err := h.store.ResolveTicket(c.Request.Context(), c.Param("ticket"), resolution)
	if err != nil {
		h.respondError(c, err)
		return
	}
	for _, change := range changes {
		h.dispatcher.PublishChange(change)
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleResync(c *gin.Context) {
	connections := h.dispatcher.Broadcast(transport.EventResync)
	c.JSON(http.StatusOK, gin.H{"connections": connections})
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	connectionID := normalize(c.Query("connectionId"))
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	ctx := c.Request.Context()
	stream, cleanup := h.dispatcher.Subscribe(ctx, connectionID)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	if err := writeEvent(c, transport.EventConnected, transport.ConnectedBody{ConnectionID: connectionID}); err != nil {
		h.logger.Warn("notification stream failed", zap.String("connection_id", connectionID), zap.Error(err))
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			switch message.EventType {
			case transport.EventSessionChange:
				err = writeEvent(c, message.EventType, transport.NotificationBody{
					SessionRef:   transport.NewReferenceBody(message.Reference),
					ChangeNumber: message.ChangeNumber,
				})
			default:
				err = writeEvent(c, message.EventType, struct{}{})
			}
		case <-heartbeat.C:
			err = writeEvent(c, transport.EventHeartbeat, struct{}{})
		}
		if err != nil {
			h.logger.Warn("notification stream failed", zap.String("connection_id", connectionID), zap.Error(err))
			return
		}
	}
}

func writeEvent(c *gin.Context, name string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	c.SSEvent(name, string(payload))
	c.Writer.Flush()
	return nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(xuidContextKey, claims.Subject)
	c.Set(deviceTokenContextKey, claims.DeviceToken)
	c.Next()
}

func (h *httpHandler) respondDocument(c *gin.Context, doc *session.Document) {
	body, err := session.Encode(doc)
	if err != nil {
		h.logger.Error("failed to encode session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "encode_failed"})
		return
	}
	c.Header(transport.HeaderETag, doc.ETag)
	c.Data(http.StatusOK, "application/json", body)
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("directory request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	code := err.Error()
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	c.JSON(status, transport.ErrorBody{Error: code})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrConflict):
		return http.StatusPreconditionFailed
	case errors.Is(err, session.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writePrecondition maps If-Match onto a write mode: "*" requires an existing session, an
// entity tag requires that exact version, and no header writes blind.
func writePrecondition(ifMatch string) (transport.WriteMode, string) {
	ifMatch = strings.TrimSpace(ifMatch)
	switch ifMatch {
	case "":
		return transport.WriteModeCreateOrUpdate, ""
	case "*":
		return transport.WriteModeUpdateExisting, ""
	default:
		return transport.WriteModeSynchronized, ifMatch
	}
}

func sessionReference(c *gin.Context) (session.Reference, bool) {
	ref, err := session.NewReference(c.Param("scid"), c.Param("template"), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_session_reference"})
		return session.Reference{}, false
	}
	return ref, true
}

func bindWriteRequest(c *gin.Context) (*session.WriteRequest, bool) {
	request := &session.WriteRequest{}
	if !bindJSON(c, request) {
		return nil, false
	}
	return request, true
}

func bindJSON(c *gin.Context, target any) bool {
	raw, err := c.GetRawData()
	if err == nil {
		err = json.Unmarshal(raw, target)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return false
	}
	return true
}
