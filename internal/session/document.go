package session

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// MatchmakingStatus is the ticket status published by the matchmaking server block.
type MatchmakingStatus string

const (
	// MatchmakingStatusSearching means the ticket is still searching.
	MatchmakingStatusSearching MatchmakingStatus = "searching"
	// MatchmakingStatusExpired means the ticket timed out on the service.
	MatchmakingStatusExpired MatchmakingStatus = "expired"
	// MatchmakingStatusFound means a target session was selected.
	MatchmakingStatusFound MatchmakingStatus = "found"
	// MatchmakingStatusCanceled means the ticket was deleted.
	MatchmakingStatusCanceled MatchmakingStatus = "canceled"
)

// MatchmakingServer is the servers.matchmaking block of a ticket session.
type MatchmakingServer struct {
	Status        MatchmakingStatus
	StatusDetails string
	TypicalWait   time.Duration
	TargetSession Reference
}

// TournamentServer is the servers.tournaments block.
type TournamentServer struct {
	RegistrationState  string
	RegistrationReason string
	NextGameSession    Reference
	LastGameResult     string
}

// ArbitrationServer is the servers.arbitration block.
type ArbitrationServer struct {
	Status string
	Result json.RawMessage
}

// InitializationStage is the stage of a session's QoS initialization episode.
type InitializationStage string

const (
	InitializationStageJoining    InitializationStage = "joining"
	InitializationStageMeasuring  InitializationStage = "measuring"
	InitializationStageEvaluating InitializationStage = "evaluating"
	InitializationStageFailed     InitializationStage = "failed"
)

// Initialization describes the session-wide initialization episode.
type Initialization struct {
	Stage   InitializationStage
	Episode int
}

// Constants are the immutable values fixed when a session is created.
type Constants struct {
	MaxMembers int
	Visibility string
	Custom     Properties
}

// Document is one versioned session record. Cached documents are treated as immutable;
// callers mutate a Clone, which records the changes into a write request.
type Document struct {
	Reference       Reference
	ETag            string
	ChangeNumber    uint64
	CorrelationID   string
	Constants       Constants
	Custom          Properties
	HostDeviceToken string
	JoinRestriction string
	Members         []Member
	Matchmaking     *MatchmakingServer
	Tournament      *TournamentServer
	Arbitration     *ArbitrationServer
	Initialization  *Initialization

	request *WriteRequest
}

// New returns an empty document for ref with no version.
func New(ref Reference) *Document {
	return &Document{Reference: ref, Custom: Properties{}}
}

// Clone returns an independent copy with an empty write request.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Custom = d.Custom.Clone()
	clone.Constants.Custom = d.Constants.Custom.Clone()
	clone.Members = make([]Member, len(d.Members))
	for i, member := range d.Members {
		clone.Members[i] = member.Clone()
	}
	if d.Matchmaking != nil {
		matchmaking := *d.Matchmaking
		clone.Matchmaking = &matchmaking
	}
	if d.Tournament != nil {
		tournament := *d.Tournament
		clone.Tournament = &tournament
	}
	if d.Arbitration != nil {
		arbitration := *d.Arbitration
		clone.Arbitration = &arbitration
	}
	if d.Initialization != nil {
		initialization := *d.Initialization
		clone.Initialization = &initialization
	}
	clone.request = nil
	return &clone
}

// NewerThan reports whether d should replace other in a cache.
func (d *Document) NewerThan(other *Document) bool {
	if d == nil {
		return false
	}
	if other == nil {
		return true
	}
	return d.ChangeNumber > other.ChangeNumber
}

// Member returns the member with the given xuid.
func (d *Document) Member(xuid string) (Member, bool) {
	if d == nil {
		return Member{}, false
	}
	for _, member := range d.Members {
		if strings.EqualFold(member.XUID, xuid) {
			return member, true
		}
	}
	return Member{}, false
}

// Host returns the member whose device token matches the host device token.
func (d *Document) Host() (Member, bool) {
	if d == nil || d.HostDeviceToken == "" {
		return Member{}, false
	}
	for _, member := range d.Members {
		if member.IsLocalTo(d.HostDeviceToken) {
			return member, true
		}
	}
	return Member{}, false
}

// MemberXUIDs returns the xuids of every member in index order.
func (d *Document) MemberXUIDs() []string {
	if d == nil {
		return nil
	}
	xuids := make([]string, 0, len(d.Members))
	for _, member := range d.Members {
		xuids = append(xuids, member.XUID)
	}
	return xuids
}

// HasChanges reports whether any mutation was recorded since the last Clone.
func (d *Document) HasChanges() bool {
	return d.request != nil && !d.request.empty()
}

// WriteRequest returns the mutations recorded on d.
func (d *Document) WriteRequest() *WriteRequest {
	if d.request == nil {
		return &WriteRequest{}
	}
	return d.request.clone()
}

func (d *Document) ensureRequest() *WriteRequest {
	if d.request == nil {
		d.request = &WriteRequest{}
	}
	return d.request
}

// SetConstants fixes the creation constants of a new session.
func (d *Document) SetConstants(constants Constants) {
	d.Constants = constants
	d.Constants.Custom = constants.Custom.Clone()
	copied := d.Constants
	d.ensureRequest().Constants = &copied
}

// SetCustomProperty sets a session-scoped custom property.
func (d *Document) SetCustomProperty(name string, value json.RawMessage) {
	if d.Custom == nil {
		d.Custom = Properties{}
	}
	d.Custom[name] = value
	request := d.ensureRequest()
	if request.Custom == nil {
		request.Custom = Properties{}
	}
	request.Custom[name] = value
}

// DeleteCustomProperty removes a session-scoped custom property.
func (d *Document) DeleteCustomProperty(name string) {
	delete(d.Custom, name)
	request := d.ensureRequest()
	if request.Custom == nil {
		request.Custom = Properties{}
	}
	request.Custom[name] = json.RawMessage("null")
}

// SetHostDeviceToken promotes the device owning token to host.
func (d *Document) SetHostDeviceToken(token string) {
	d.HostDeviceToken = token
	host := token
	d.ensureRequest().Host = &host
}

// SetJoinRestriction updates the system join restriction.
func (d *Document) SetJoinRestriction(restriction string) {
	d.JoinRestriction = restriction
	value := restriction
	d.ensureRequest().JoinRestriction = &value
}

// MemberJoin describes a local member entering the session.
type MemberJoin struct {
	XUID              string
	Gamertag          string
	DeviceToken       string
	ConnectionAddress string
	SubscriptionID    string
	Initialize        bool
	Custom            Properties
}

// JoinMember adds or reactivates a member and records the join.
func (d *Document) JoinMember(join MemberJoin) {
	active := true
	memberRequest := d.memberRequest(join.XUID)
	memberRequest.Active = &active
	memberRequest.Initialize = join.Initialize
	memberRequest.Gamertag = join.Gamertag
	memberRequest.DeviceToken = join.DeviceToken
	if join.ConnectionAddress != "" {
		address := join.ConnectionAddress
		memberRequest.ConnectionAddress = &address
	}
	if join.SubscriptionID != "" {
		subscription := join.SubscriptionID
		memberRequest.SubscriptionID = &subscription
	}
	for name, value := range join.Custom {
		if memberRequest.Custom == nil {
			memberRequest.Custom = Properties{}
		}
		memberRequest.Custom[name] = value
	}

	index := d.memberIndex(join.XUID)
	if index < 0 {
		d.Members = append(d.Members, Member{
			Index:       nextMemberIndex(d.Members),
			XUID:        join.XUID,
			Gamertag:    join.Gamertag,
			DeviceToken: join.DeviceToken,
			Custom:      Properties{},
		})
		index = len(d.Members) - 1
	}
	member := &d.Members[index]
	member.Status = MemberStatusActive
	if join.ConnectionAddress != "" {
		member.ConnectionAddress = join.ConnectionAddress
	}
	if join.SubscriptionID != "" {
		member.SubscriptionID = join.SubscriptionID
	}
	if len(join.Custom) > 0 && member.Custom == nil {
		member.Custom = Properties{}
	}
	for name, value := range join.Custom {
		member.Custom[name] = value
	}
}

// LeaveMember removes a member and records the leave.
func (d *Document) LeaveMember(xuid string) {
	request := d.ensureRequest()
	if request.Members == nil {
		request.Members = map[string]*MemberRequest{}
	}
	request.Members[xuid] = nil
	if index := d.memberIndex(xuid); index >= 0 {
		d.Members = append(d.Members[:index], d.Members[index+1:]...)
	}
}

// SetMemberCustomProperty sets a member-scoped custom property for xuid.
func (d *Document) SetMemberCustomProperty(xuid, name string, value json.RawMessage) {
	memberRequest := d.memberRequest(xuid)
	if memberRequest.Custom == nil {
		memberRequest.Custom = Properties{}
	}
	memberRequest.Custom[name] = value
	if index := d.memberIndex(xuid); index >= 0 {
		if d.Members[index].Custom == nil {
			d.Members[index].Custom = Properties{}
		}
		d.Members[index].Custom[name] = value
	}
}

// DeleteMemberCustomProperty removes a member-scoped custom property for xuid.
func (d *Document) DeleteMemberCustomProperty(xuid, name string) {
	memberRequest := d.memberRequest(xuid)
	if memberRequest.Custom == nil {
		memberRequest.Custom = Properties{}
	}
	memberRequest.Custom[name] = json.RawMessage("null")
	if index := d.memberIndex(xuid); index >= 0 {
		delete(d.Members[index].Custom, name)
	}
}

// SetMemberConnectionAddress records the secure device address of xuid.
func (d *Document) SetMemberConnectionAddress(xuid, address string) {
	value := address
	d.memberRequest(xuid).ConnectionAddress = &value
	if index := d.memberIndex(xuid); index >= 0 {
		d.Members[index].ConnectionAddress = address
	}
}

// SetMemberQosMeasurements records the QoS measurements taken by xuid.
func (d *Document) SetMemberQosMeasurements(xuid string, measurements json.RawMessage) {
	d.memberRequest(xuid).QosMeasurements = measurements
	if index := d.memberIndex(xuid); index >= 0 {
		d.Members[index].QosMeasurements = measurements
	}
}

func (d *Document) memberRequest(xuid string) *MemberRequest {
	request := d.ensureRequest()
	if request.Members == nil {
		request.Members = map[string]*MemberRequest{}
	}
	memberRequest, ok := request.Members[xuid]
	if !ok || memberRequest == nil {
		memberRequest = &MemberRequest{}
		request.Members[xuid] = memberRequest
	}
	return memberRequest
}

func (d *Document) memberIndex(xuid string) int {
	for i, member := range d.Members {
		if strings.EqualFold(member.XUID, xuid) {
			return i
		}
	}
	return -1
}
