package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
)

const (
	defaultReconnectDelay = time.Second
	defaultMaxReconnects  = 3
	maxEventLineBytes     = 1 << 20
)

var (
	// ErrInvalidSubscriberConfig indicates a SubscriberConfig that cannot produce a subscriber.
	ErrInvalidSubscriberConfig = errors.New("transport: invalid subscriber config")
	// ErrSubscriptionsLost is returned by Run once reconnect attempts are exhausted.
	ErrSubscriptionsLost = errors.New("transport: subscriptions lost")
	errMissingHandler    = errors.New("notification handler required")
)

// SubscriberConfig configures the server-sent events notification subscriber.
type SubscriberConfig struct {
	BaseURL        string
	HTTPClient     *http.Client
	Credentials    Credentials
	Handler        NotificationHandler
	ReconnectDelay time.Duration
	MaxReconnects  int
	Logger         *zap.Logger
}

// Subscriber reads the directory notification stream and forwards it to a NotificationHandler.
type Subscriber struct {
	baseURL        string
	httpClient     *http.Client
	credentials    Credentials
	handler        NotificationHandler
	reconnectDelay time.Duration
	maxReconnects  int
	logger         *zap.Logger

	mu            sync.Mutex
	connectionID  string
	connected     chan struct{}
	connectedOnce sync.Once
}

// NewSubscriber validates cfg and constructs a Subscriber.
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscriberConfig, errMissingBaseURL)
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubscriberConfig, errMissingHandler)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay <= 0 {
		reconnectDelay = defaultReconnectDelay
	}
	maxReconnects := cfg.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = defaultMaxReconnects
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		baseURL:        baseURL,
		httpClient:     httpClient,
		credentials:    cfg.Credentials,
		handler:        cfg.Handler,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		logger:         logger,
		connected:      make(chan struct{}),
	}, nil
}

// ConnectionID returns the subscription id members advertise, or "" before the first connect.
func (s *Subscriber) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

// WaitConnected blocks until the stream announced its connection id.
func (s *Subscriber) WaitConnected(ctx context.Context) (string, error) {
	select {
	case <-s.connected:
		return s.ConnectionID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Run consumes the stream until ctx is canceled. Dropped streams are reopened with the same
// connection id followed by a Resync; once MaxReconnects consecutive attempts fail the handler
// receives SubscriptionsLost and Run returns ErrSubscriptionsLost.
func (s *Subscriber) Run(ctx context.Context) error {
	failures := 0
	reconnecting := false
	for {
		received, err := s.stream(ctx, reconnecting)
		if ctx.Err() != nil {
			return nil
		}
		if received {
			failures = 0
		}
		failures++
		if failures > s.maxReconnects {
			s.logger.Warn("notification stream lost",
				zap.String("operation", "subscribe"),
				zap.String("reason", "reconnects_exhausted"),
				zap.Error(err),
			)
			s.handler.SubscriptionsLost()
			return ErrSubscriptionsLost
		}
		s.logger.Debug("notification stream interrupted", zap.Error(err), zap.Int("attempt", failures))
		reconnecting = true
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.reconnectDelay):
		}
	}
}

func (s *Subscriber) stream(ctx context.Context, reconnecting bool) (bool, error) {
	endpoint := s.baseURL + NotificationsPath()
	if id := s.ConnectionID(); id != "" {
		endpoint += "?connectionId=" + url.QueryEscape(id)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, err
	}
	request.Header.Set("Accept", "text/event-stream")
	if s.credentials.Token != "" {
		request.Header.Set("Authorization", "Bearer "+s.credentials.Token)
	}
	response, err := s.httpClient.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return false, &session.TransportError{Operation: "subscribe", StatusCode: response.StatusCode}
	}

	received := false
	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLineBytes)
	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName != "" || data.Len() > 0 {
				if s.dispatch(eventName, data.String(), reconnecting) {
					received = true
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return received, err
	}
	return received, errors.New("stream closed")
}

func (s *Subscriber) dispatch(eventName, data string, reconnecting bool) bool {
	switch eventName {
	case EventConnected:
		var body ConnectedBody
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			s.logger.Warn("invalid connected event", zap.Error(err))
			return false
		}
		if strings.TrimSpace(body.ConnectionID) == "" {
			s.logger.Warn("connected event without connection id")
			return false
		}
		s.mu.Lock()
		s.connectionID = body.ConnectionID
		s.mu.Unlock()
		s.connectedOnce.Do(func() { close(s.connected) })
		if reconnecting {
			s.handler.Resync()
		}
		return true
	case EventSessionChange:
		var body NotificationBody
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			s.logger.Warn("invalid session-change event", zap.Error(err))
			return false
		}
		s.handler.SessionChanged(Notification{
			Reference:    body.SessionRef.Reference(),
			ChangeNumber: body.ChangeNumber,
		})
		return true
	case EventResync:
		s.handler.Resync()
		return true
	case EventHeartbeat:
		return true
	default:
		return false
	}
}
