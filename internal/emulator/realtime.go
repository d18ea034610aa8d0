package emulator

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

const defaultStreamBuffer = 16

// Message is one notification delivered to a connection.
type Message struct {
	ConnectionID string
	EventType    string
	Reference    session.Reference
	ChangeNumber uint64
}

// Dispatcher fans notifications out to the streams open for a connection id. A connection may
// be served by several streams while a client reconnects.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe opens a stream for connectionID that closes its registration when ctx ends.
func (d *Dispatcher) Subscribe(ctx context.Context, connectionID string) (<-chan Message, func()) {
	if connectionID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(connectionID, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(connectionID, entry.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// PublishChange notifies every subscription listed on change.
func (d *Dispatcher) PublishChange(change Change) {
	if change.Document == nil {
		return
	}
	for _, connectionID := range change.Subscriptions {
		d.Publish(Message{
			ConnectionID: connectionID,
			EventType:    transport.EventSessionChange,
			Reference:    change.Document.Reference,
			ChangeNumber: change.Document.ChangeNumber,
		})
	}
}

// Publish delivers message without blocking; full streams drop it.
func (d *Dispatcher) Publish(message Message) {
	if message.ConnectionID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.ConnectionID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- message:
		default:
		}
	}
}

// Broadcast sends a resync to every open connection.
func (d *Dispatcher) Broadcast(eventType string) int {
	d.mu.RLock()
	connections := make([]string, 0, len(d.subscribers))
	for connectionID := range d.subscribers {
		connections = append(connections, connectionID)
	}
	d.mu.RUnlock()
	for _, connectionID := range connections {
		d.Publish(Message{ConnectionID: connectionID, EventType: eventType})
	}
	return len(connections)
}

// Connections reports the number of connection ids with an open stream.
func (d *Dispatcher) Connections() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(connectionID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[connectionID]; !ok {
		d.subscribers[connectionID] = make(map[int64]*subscriber)
	}
	d.subscribers[connectionID][entry.id] = entry
}

func (d *Dispatcher) unregister(connectionID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[connectionID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, connectionID)
		}
	}
	d.mu.Unlock()
}
