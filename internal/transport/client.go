package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4096
)

var (
	// ErrInvalidClientConfig indicates a ClientConfig that cannot produce a client.
	ErrInvalidClientConfig = errors.New("transport: invalid client config")
	errMissingBaseURL      = errors.New("base url required")
	errMissingHandleID     = errors.New("handle id required")
	errMissingReference    = errors.New("session reference required")
)

// ClientConfig configures the HTTP directory client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client implements Directory over HTTP and JSON.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates cfg and constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{baseURL: baseURL, httpClient: httpClient, logger: logger}, nil
}

// WriteSession sends doc's write request to the session resource.
func (c *Client) WriteSession(ctx context.Context, creds Credentials, doc *session.Document, mode WriteMode) (*session.Document, error) {
	if doc == nil || doc.Reference.IsZero() {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidArgument, errMissingReference)
	}
	header := http.Header{}
	switch mode {
	case WriteModeSynchronized:
		if doc.ETag != "" {
			header.Set(HeaderIfMatch, doc.ETag)
		}
	case WriteModeUpdateExisting:
		header.Set(HeaderIfMatch, "*")
	}
	return c.putSession(ctx, "write_session", creds, SessionPath(doc.Reference), doc, header)
}

// WriteSessionByHandle joins the session a handle points at.
func (c *Client) WriteSessionByHandle(ctx context.Context, creds Credentials, doc *session.Document, handleID string) (*session.Document, error) {
	handleID = strings.TrimSpace(handleID)
	if handleID == "" {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidArgument, errMissingHandleID)
	}
	if doc == nil {
		doc = session.New(session.Reference{})
	}
	return c.putSession(ctx, "write_session_by_handle", creds, HandleSessionPath(handleID), doc, nil)
}

// GetSession fetches the current document for ref.
func (c *Client) GetSession(ctx context.Context, creds Credentials, ref session.Reference) (*session.Document, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: %v", session.ErrInvalidArgument, errMissingReference)
	}
	response, err := c.do(ctx, "get_session", creds, http.MethodGet, SessionPath(ref), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeDocument("get_session", ref, response)
}

// CreateTransferHandle creates a handle other users can join ref through.
func (c *Client) CreateTransferHandle(ctx context.Context, creds Credentials, ref session.Reference) (string, error) {
	var result HandleResult
	body := HandleBody{Type: HandleTypeTransfer, SessionRef: NewReferenceBody(ref)}
	if err := c.postJSON(ctx, "create_transfer_handle", creds, HandlesPath(), body, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

// SendInvites creates one invite handle per invited user.
func (c *Client) SendInvites(ctx context.Context, creds Credentials, ref session.Reference, xuids []string) ([]string, error) {
	handles := make([]string, 0, len(xuids))
	for _, xuid := range xuids {
		var result HandleResult
		body := HandleBody{Type: HandleTypeInvite, SessionRef: NewReferenceBody(ref), InvitedXUID: xuid}
		if err := c.postJSON(ctx, "send_invites", creds, HandlesPath(), body, &result); err != nil {
			return handles, err
		}
		handles = append(handles, result.ID)
	}
	return handles, nil
}

// CreateMatchTicket submits a ticket for the members of the request's session.
func (c *Client) CreateMatchTicket(ctx context.Context, creds Credentials, request TicketRequest) (Ticket, error) {
	body := TicketBody{
		TicketSessionRef: NewReferenceBody(request.Session),
		GiveUpDuration:   int64(request.Timeout / time.Second),
		PreserveSession:  request.PreserveSession,
		TicketAttributes: request.Attributes,
	}
	var result TicketResult
	path := HopperPath(request.Session.ServiceConfigID, request.Hopper)
	if err := c.postJSON(ctx, "create_match_ticket", creds, path, body, &result); err != nil {
		return Ticket{}, err
	}
	return Ticket{ID: result.TicketID, EstimatedWait: time.Duration(result.WaitTime) * time.Second}, nil
}

// DeleteMatchTicket cancels a ticket.
func (c *Client) DeleteMatchTicket(ctx context.Context, creds Credentials, serviceConfigID, hopper, ticketID string) error {
	response, err := c.do(ctx, "delete_match_ticket", creds, http.MethodDelete, TicketPath(serviceConfigID, hopper, ticketID), nil, nil)
	if err != nil {
		return err
	}
	response.Body.Close()
	return nil
}

func (c *Client) putSession(ctx context.Context, operation string, creds Credentials, path string, doc *session.Document, header http.Header) (*session.Document, error) {
	payload, err := json.Marshal(doc.WriteRequest())
	if err != nil {
		return nil, fmt.Errorf("%s: encode write request: %w", operation, err)
	}
	response, err := c.do(ctx, operation, creds, http.MethodPut, path, payload, header)
	if err != nil {
		return nil, err
	}
	return decodeDocument(operation, doc.Reference, response)
}

func (c *Client) postJSON(ctx context.Context, operation string, creds Credentials, path string, body any, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", operation, err)
	}
	response, err := c.do(ctx, operation, creds, http.MethodPost, path, payload, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return &session.TransportError{Operation: operation, StatusCode: response.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, operation string, creds Credentials, method, path string, payload []byte, header http.Header) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", operation, err)
	}
	for key, values := range header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if creds.Token != "" {
		request.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", session.ErrDestroyed, ctxErr)
		}
		c.logError(operation, "request_failed", err, zap.String("path", path))
		return nil, &session.TransportError{Operation: operation, Err: err}
	}
	if response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices {
		return response, nil
	}
	defer response.Body.Close()
	return nil, c.statusError(operation, path, response)
}

func (c *Client) statusError(operation, path string, response *http.Response) error {
	transportErr := &session.TransportError{Operation: operation, StatusCode: response.StatusCode}
	switch response.StatusCode {
	case http.StatusNotFound:
		transportErr.Err = session.ErrNotFound
		return transportErr
	case http.StatusPreconditionFailed:
		transportErr.Err = session.ErrConflict
		return transportErr
	}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var payload ErrorBody
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		transportErr.Err = errors.New(payload.Error)
	} else if len(raw) > 0 {
		transportErr.Err = errors.New(strings.TrimSpace(string(raw)))
	}
	c.logError(operation, "unexpected_status", transportErr, zap.String("path", path), zap.Int("status", response.StatusCode))
	return transportErr
}

func decodeDocument(operation string, ref session.Reference, response *http.Response) (*session.Document, error) {
	defer response.Body.Close()
	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, &session.TransportError{Operation: operation, StatusCode: response.StatusCode, Err: err}
	}
	doc, err := session.Decode(ref, response.Header.Get(HeaderETag), raw)
	if err != nil {
		return nil, &session.TransportError{Operation: operation, StatusCode: response.StatusCode, Err: err}
	}
	return doc, nil
}

func (c *Client) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	c.logger.Warn("directory request failed", allFields...)
}
