package emulator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/lobbysync/internal/session"
	"github.com/MarcoPoloResearchLab/lobbysync/internal/transport"
)

const defaultTypicalWait = 30 * time.Second

// StoreConfig describes the store dependencies.
type StoreConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	TypicalWait time.Duration
	Logger      *zap.Logger
}

// Store persists sessions, handles and tickets and applies the directory's write semantics.
type Store struct {
	db          *gorm.DB
	clock       func() time.Time
	typicalWait time.Duration
	logger      *zap.Logger
}

// Change is one committed session version. Subscriptions lists the notification connections
// of members before and after the write.
type Change struct {
	Document      *session.Document
	Deleted       bool
	Subscriptions []string
}

// TicketResolution is a development request settling a ticket.
type TicketResolution struct {
	Status  session.MatchmakingStatus
	Target  session.Reference
	Details string
	// Stage starts or advances the target session's initialization episode when set.
	Stage session.InitializationStage
}

// NewStore validates cfg and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	typicalWait := cfg.TypicalWait
	if typicalWait <= 0 {
		typicalWait = defaultTypicalWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, typicalWait: typicalWait, logger: logger}, nil
}

// RegisterDevice records the device a user signed in from.
func (s *Store) RegisterDevice(ctx context.Context, device Device) (Device, error) {
	device.XUID = normalize(device.XUID)
	device.DeviceToken = normalize(device.DeviceToken)
	if device.XUID == "" || device.DeviceToken == "" {
		return Device{}, newServiceError(opRegister, "missing_identity", session.ErrInvalidArgument)
	}
	device.LastSeenAt = s.clock().UTC()
	if err := s.db.WithContext(ctx).Save(&device).Error; err != nil {
		s.logError(opRegister, "device_save_failed", err, zap.String("xuid", device.XUID))
		return Device{}, newServiceError(opRegister, "device_save_failed", err)
	}
	return device, nil
}

// WriteSession merges request into the session at ref under the precondition of mode.
func (s *Store) WriteSession(ctx context.Context, ref session.Reference, mode transport.WriteMode, etag string, request *session.WriteRequest) (Change, error) {
	var change Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.load(tx, opWriteSession, ref)
		if err != nil {
			return err
		}
		if err := checkPrecondition(current, mode, etag); err != nil {
			return err
		}
		change, err = s.commit(tx, opWriteSession, ref, current, func(doc *session.Document) *session.Document {
			return session.ApplyWriteRequest(doc, ref, request)
		})
		return err
	})
	if err != nil {
		return Change{}, err
	}
	return change, nil
}

// WriteSessionByHandle merges request into the session a handle points at.
func (s *Store) WriteSessionByHandle(ctx context.Context, handleID string, request *session.WriteRequest) (Change, error) {
	handle, err := s.ResolveHandle(ctx, handleID)
	if err != nil {
		return Change{}, err
	}
	return s.WriteSession(ctx, handle.Reference(), transport.WriteModeUpdateExisting, "", request)
}

// GetSession returns the current document at ref.
func (s *Store) GetSession(ctx context.Context, ref session.Reference) (*session.Document, error) {
	doc, err := s.load(s.db.WithContext(ctx), opGetSession, ref)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, newServiceError(opGetSession, "session_not_found", session.ErrNotFound)
	}
	return doc, nil
}

// CreateHandle issues a transfer or invite handle for an existing session.
func (s *Store) CreateHandle(ctx context.Context, handleType string, ref session.Reference, inviterXUID, invitedXUID string) (HandleRecord, error) {
	if handleType != transport.HandleTypeTransfer && handleType != transport.HandleTypeInvite {
		return HandleRecord{}, newServiceError(opCreateHandle, "invalid_type", session.ErrInvalidArgument)
	}
	if handleType == transport.HandleTypeInvite && normalize(invitedXUID) == "" {
		return HandleRecord{}, newServiceError(opCreateHandle, "missing_invitee", session.ErrInvalidArgument)
	}
	if _, err := s.GetSession(ctx, ref); err != nil {
		return HandleRecord{}, err
	}
	handle := HandleRecord{
		ID:              uuid.NewString(),
		Type:            handleType,
		ServiceConfigID: ref.ServiceConfigID,
		TemplateName:    ref.TemplateName,
		SessionName:     ref.SessionName,
		InviterXUID:     inviterXUID,
		InvitedXUID:     normalize(invitedXUID),
	}
	if err := s.db.WithContext(ctx).Create(&handle).Error; err != nil {
		s.logError(opCreateHandle, "handle_insert_failed", err, zap.String("session", ref.String()))
		return HandleRecord{}, newServiceError(opCreateHandle, "handle_insert_failed", err)
	}
	return handle, nil
}

// ResolveHandle returns the handle with handleID.
func (s *Store) ResolveHandle(ctx context.Context, handleID string) (HandleRecord, error) {
	var handle HandleRecord
	err := s.db.WithContext(ctx).Where("handle_id = ?", normalize(handleID)).Take(&handle).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return HandleRecord{}, newServiceError(opResolveHandle, "handle_not_found", session.ErrNotFound)
	}
	if err != nil {
		s.logError(opResolveHandle, "handle_select_failed", err, zap.String("handle_id", handleID))
		return HandleRecord{}, newServiceError(opResolveHandle, "handle_select_failed", err)
	}
	return handle, nil
}

// CreateTicket records a ticket for the members of its ticket session and marks that session
// as searching.
func (s *Store) CreateTicket(ctx context.Context, ticket TicketRecord) (TicketRecord, Change, error) {
	if normalize(ticket.Hopper) == "" {
		return TicketRecord{}, Change{}, newServiceError(opCreateTicket, "missing_hopper", session.ErrInvalidArgument)
	}
	ticket.ID = uuid.NewString()
	var change Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ref := ticket.SessionReference()
		current, err := s.load(tx, opCreateTicket, ref)
		if err != nil {
			return err
		}
		if current == nil {
			return newServiceError(opCreateTicket, "ticket_session_not_found", session.ErrNotFound)
		}
		if err := tx.Create(&ticket).Error; err != nil {
			s.logError(opCreateTicket, "ticket_insert_failed", err, zap.String("hopper", ticket.Hopper))
			return newServiceError(opCreateTicket, "ticket_insert_failed", err)
		}
		change, err = s.commit(tx, opCreateTicket, ref, current, func(doc *session.Document) *session.Document {
			doc.Matchmaking = &session.MatchmakingServer{
				Status:      session.MatchmakingStatusSearching,
				TypicalWait: s.typicalWait,
			}
			return doc
		})
		return err
	})
	if err != nil {
		return TicketRecord{}, Change{}, err
	}
	return ticket, change, nil
}

// TypicalWait is the wait estimate returned for new tickets.
func (s *Store) TypicalWait() time.Duration {
	return s.typicalWait
}

// DeleteTicket cancels a ticket and marks its ticket session canceled.
func (s *Store) DeleteTicket(ctx context.Context, serviceConfigID, hopper, ticketID string) ([]Change, error) {
	var changes []Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.takeTicket(tx, opDeleteTicket, ticketID)
		if err != nil {
			return err
		}
		if ticket.ServiceConfigID != serviceConfigID || ticket.Hopper != hopper {
			return newServiceError(opDeleteTicket, "ticket_not_found", session.ErrNotFound)
		}
		if err := tx.Delete(&ticket).Error; err != nil {
			return newServiceError(opDeleteTicket, "ticket_delete_failed", err)
		}
		changed, err := s.setMatchmaking(tx, opDeleteTicket, ticket.SessionReference(), session.MatchmakingServer{
			Status: session.MatchmakingStatusCanceled,
		})
		if err != nil {
			return err
		}
		changes = append(changes, changed...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

// ResolveTicket settles a ticket the way a matchmaking service would.
func (s *Store) ResolveTicket(ctx context.Context, ticketID string, resolution TicketResolution) ([]Change, error) {
	switch resolution.Status {
	case session.MatchmakingStatusFound, session.MatchmakingStatusExpired, session.MatchmakingStatusSearching:
	default:
		return nil, newServiceError(opResolveTicket, "invalid_status", fmt.Errorf("%w: %w %q", session.ErrInvalidArgument, errUnknownTicketStatus, resolution.Status))
	}
	if resolution.Status == session.MatchmakingStatusFound && resolution.Target.IsZero() {
		return nil, newServiceError(opResolveTicket, "missing_target", session.ErrInvalidArgument)
	}
	var changes []Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ticket, err := s.takeTicket(tx, opResolveTicket, ticketID)
		if err != nil {
			return err
		}
		if resolution.Status != session.MatchmakingStatusSearching {
			if err := tx.Delete(&ticket).Error; err != nil {
				return newServiceError(opResolveTicket, "ticket_delete_failed", err)
			}
		}
		if !resolution.Target.IsZero() && resolution.Stage != "" {
			changed, err := s.advanceInitialization(tx, resolution.Target, resolution.Stage)
			if err != nil {
				return err
			}
			changes = append(changes, changed...)
		}
		changed, err := s.setMatchmaking(tx, opResolveTicket, ticket.SessionReference(), session.MatchmakingServer{
			Status:        resolution.Status,
			StatusDetails: resolution.Details,
			TypicalWait:   s.typicalWait,
			TargetSession: resolution.Target,
		})
		if err != nil {
			return err
		}
		changes = append(changes, changed...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Store) advanceInitialization(tx *gorm.DB, ref session.Reference, stage session.InitializationStage) ([]Change, error) {
	current, err := s.load(tx, opResolveTicket, ref)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, newServiceError(opResolveTicket, "target_not_found", session.ErrNotFound)
	}
	change, err := s.commit(tx, opResolveTicket, ref, current, func(doc *session.Document) *session.Document {
		episode := 1
		if doc.Initialization != nil {
			episode = doc.Initialization.Episode
			if stage == session.InitializationStageJoining {
				episode++
			}
		}
		doc.Initialization = &session.Initialization{Stage: stage, Episode: episode}
		return doc
	})
	if err != nil {
		return nil, err
	}
	return []Change{change}, nil
}

func (s *Store) setMatchmaking(tx *gorm.DB, operation string, ref session.Reference, server session.MatchmakingServer) ([]Change, error) {
	current, err := s.load(tx, operation, ref)
	if err != nil || current == nil {
		return nil, err
	}
	change, err := s.commit(tx, operation, ref, current, func(doc *session.Document) *session.Document {
		doc.Matchmaking = &server
		return doc
	})
	if err != nil {
		return nil, err
	}
	return []Change{change}, nil
}

func (s *Store) takeTicket(tx *gorm.DB, operation, ticketID string) (TicketRecord, error) {
	var ticket TicketRecord
	err := tx.Where("ticket_id = ?", normalize(ticketID)).Take(&ticket).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return TicketRecord{}, newServiceError(operation, "ticket_not_found", session.ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "ticket_select_failed", err, zap.String("ticket_id", ticketID))
		return TicketRecord{}, newServiceError(operation, "ticket_select_failed", err)
	}
	return ticket, nil
}

// load returns the stored document at ref, or nil when the session does not exist.
func (s *Store) load(tx *gorm.DB, operation string, ref session.Reference) (*session.Document, error) {
	var record SessionRecord
	err := tx.Where("scid = ? AND template_name = ? AND session_name = ?", ref.ServiceConfigID, ref.TemplateName, ref.SessionName).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(operation, "session_select_failed", err, zap.String("session", ref.String()))
		return nil, newServiceError(operation, "session_select_failed", err)
	}
	doc, err := session.Decode(ref, etagFor(record.ChangeNumber), []byte(record.Body))
	if err != nil {
		s.logError(operation, "session_decode_failed", err, zap.String("session", ref.String()))
		return nil, newServiceError(operation, "session_decode_failed", err)
	}
	return doc, nil
}

// commit stores the next version of the session at ref. A session left without members is
// deleted together with its handles.
func (s *Store) commit(tx *gorm.DB, operation string, ref session.Reference, current *session.Document, mutate func(doc *session.Document) *session.Document) (Change, error) {
	base := current.Clone()
	if base == nil {
		base = session.New(ref)
	}
	next := mutate(base)
	next.Reference = ref
	next.ChangeNumber = changeNumberOf(current) + 1
	next.ETag = etagFor(next.ChangeNumber)
	if next.CorrelationID == "" {
		next.CorrelationID = uuid.NewString()
	}
	change := Change{Document: next, Subscriptions: subscriptionsOf(current, next)}

	if len(next.Members) == 0 {
		change.Deleted = true
		if current == nil {
			return change, nil
		}
		err := tx.Where("scid = ? AND template_name = ? AND session_name = ?", ref.ServiceConfigID, ref.TemplateName, ref.SessionName).
			Delete(&SessionRecord{}).Error
		if err == nil {
			err = tx.Where("scid = ? AND template_name = ? AND session_name = ?", ref.ServiceConfigID, ref.TemplateName, ref.SessionName).
				Delete(&HandleRecord{}).Error
		}
		if err != nil {
			s.logError(operation, "session_delete_failed", err, zap.String("session", ref.String()))
			return Change{}, newServiceError(operation, "session_delete_failed", err)
		}
		return change, nil
	}

	body, err := session.Encode(next)
	if err != nil {
		return Change{}, newServiceError(operation, "session_encode_failed", err)
	}
	record := SessionRecord{
		ServiceConfigID: ref.ServiceConfigID,
		TemplateName:    ref.TemplateName,
		SessionName:     ref.SessionName,
		ChangeNumber:    next.ChangeNumber,
		Body:            string(body),
	}
	if err := tx.Save(&record).Error; err != nil {
		s.logError(operation, "session_save_failed", err, zap.String("session", ref.String()))
		return Change{}, newServiceError(operation, "session_save_failed", err)
	}
	return change, nil
}

func checkPrecondition(current *session.Document, mode transport.WriteMode, etag string) error {
	switch mode {
	case transport.WriteModeUpdateExisting:
		if current == nil {
			return newServiceError(opWriteSession, "session_not_found", session.ErrNotFound)
		}
	case transport.WriteModeSynchronized:
		if current == nil {
			return newServiceError(opWriteSession, "session_not_found", session.ErrNotFound)
		}
		if etag != current.ETag {
			return newServiceError(opWriteSession, "precondition_failed", session.ErrConflict)
		}
	}
	return nil
}

func subscriptionsOf(docs ...*session.Document) []string {
	seen := make(map[string]struct{})
	var subscriptions []string
	for _, doc := range docs {
		if doc == nil {
			continue
		}
		for _, member := range doc.Members {
			if member.SubscriptionID == "" {
				continue
			}
			if _, ok := seen[member.SubscriptionID]; ok {
				continue
			}
			seen[member.SubscriptionID] = struct{}{}
			subscriptions = append(subscriptions, member.SubscriptionID)
		}
	}
	return subscriptions
}

func changeNumberOf(doc *session.Document) uint64 {
	if doc == nil {
		return 0
	}
	return doc.ChangeNumber
}

func etagFor(changeNumber uint64) string {
	return `"` + strconv.FormatUint(changeNumber, 10) + `"`
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Warn("emulator store operation failed", allFields...)
}
