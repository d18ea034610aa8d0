package session

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

type wireDocument struct {
	SessionRef    *wireReference         `json:"sessionRef,omitempty"`
	ChangeNumber  uint64                 `json:"changeNumber,omitempty"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	Constants     *wireConstants         `json:"constants,omitempty"`
	Properties    *wireProperties        `json:"properties,omitempty"`
	Members       map[string]*wireMember `json:"members,omitempty"`
	Servers       *wireServers           `json:"servers,omitempty"`
	Initializing  *wireInitialization    `json:"initializing,omitempty"`
}

type wireReference struct {
	SCID         string `json:"scid"`
	TemplateName string `json:"templateName"`
	Name         string `json:"name"`
}

type wireConstants struct {
	System *wireSystemConstants `json:"system,omitempty"`
	Custom Properties           `json:"custom,omitempty"`
}

type wireSystemConstants struct {
	MaxMembersCount int    `json:"maxMembersCount,omitempty"`
	Visibility      string `json:"visibility,omitempty"`
}

type wireProperties struct {
	System *wireSystemProperties `json:"system,omitempty"`
	Custom Properties            `json:"custom,omitempty"`
}

type wireSystemProperties struct {
	Host            string `json:"host,omitempty"`
	JoinRestriction string `json:"joinRestriction,omitempty"`
}

type wireMember struct {
	Constants             *wireMemberConstants  `json:"constants,omitempty"`
	Properties            *wireMemberProperties `json:"properties,omitempty"`
	Gamertag              string                `json:"gamertag,omitempty"`
	DeviceToken           string                `json:"deviceToken,omitempty"`
	Reserved              bool                  `json:"reserved,omitempty"`
	InitializationEpisode int                   `json:"initializationEpisode,omitempty"`
	InitializationFailure string                `json:"initializationFailure,omitempty"`
}

type wireMemberConstants struct {
	System *wireMemberSystemConstants `json:"system,omitempty"`
	Custom Properties                 `json:"custom,omitempty"`
}

type wireMemberSystemConstants struct {
	XUID       string `json:"xuid"`
	Initialize bool   `json:"initialize,omitempty"`
}

type wireMemberProperties struct {
	System *wireMemberSystemProperties `json:"system,omitempty"`
	Custom Properties                  `json:"custom,omitempty"`
}

type wireMemberSystemProperties struct {
	Active              bool              `json:"active,omitempty"`
	Ready               bool              `json:"ready,omitempty"`
	SecureDeviceAddress string            `json:"secureDeviceAddress,omitempty"`
	Subscription        *wireSubscription `json:"subscription,omitempty"`
	Measurements        json.RawMessage   `json:"measurements,omitempty"`
}

type wireSubscription struct {
	ID          string   `json:"id"`
	ChangeTypes []string `json:"changeTypes,omitempty"`
}

type wireServers struct {
	Matchmaking *wireMatchmakingServer `json:"matchmaking,omitempty"`
	Tournaments *wireTournamentServer  `json:"tournaments,omitempty"`
	Arbitration *wireArbitrationServer `json:"arbitration,omitempty"`
}

type wireMatchmakingServer struct {
	Properties struct {
		System wireMatchmakingSystem `json:"system"`
	} `json:"properties"`
}

type wireMatchmakingSystem struct {
	Status           string         `json:"status,omitempty"`
	StatusDetails    string         `json:"statusDetails,omitempty"`
	TypicalWait      int64          `json:"typicalWait,omitempty"`
	TargetSessionRef *wireReference `json:"targetSessionRef,omitempty"`
}

type wireTournamentServer struct {
	Properties struct {
		System wireTournamentSystem `json:"system"`
	} `json:"properties"`
}

type wireTournamentSystem struct {
	RegistrationState  string         `json:"registrationState,omitempty"`
	RegistrationReason string         `json:"registrationReason,omitempty"`
	NextGameSessionRef *wireReference `json:"nextGameSessionRef,omitempty"`
	LastGameResult     string         `json:"lastGameResult,omitempty"`
}

type wireArbitrationServer struct {
	Properties struct {
		System wireArbitrationSystem `json:"system"`
	} `json:"properties"`
}

type wireArbitrationSystem struct {
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type wireInitialization struct {
	Stage   string `json:"stage"`
	Episode int    `json:"episode"`
}

// Decode parses a directory response body. The reference embedded in the body wins over ref
// when present; etag is taken from the response header.
func Decode(ref Reference, etag string, body []byte) (*Document, error) {
	var wire wireDocument
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("session: decode document: %w", err)
	}
	doc := &Document{
		Reference:     ref,
		ETag:          etag,
		ChangeNumber:  wire.ChangeNumber,
		CorrelationID: wire.CorrelationID,
		Custom:        Properties{},
	}
	if wire.SessionRef != nil {
		doc.Reference = decodeReference(wire.SessionRef)
	}
	if wire.Constants != nil {
		doc.Constants = decodeConstants(wire.Constants)
	}
	if wire.Properties != nil {
		if wire.Properties.Custom != nil {
			doc.Custom = wire.Properties.Custom
		}
		if system := wire.Properties.System; system != nil {
			doc.HostDeviceToken = system.Host
			doc.JoinRestriction = system.JoinRestriction
		}
	}
	members, err := decodeMembers(wire.Members)
	if err != nil {
		return nil, err
	}
	doc.Members = members
	if servers := wire.Servers; servers != nil {
		if servers.Matchmaking != nil {
			system := servers.Matchmaking.Properties.System
			doc.Matchmaking = &MatchmakingServer{
				Status:        MatchmakingStatus(system.Status),
				StatusDetails: system.StatusDetails,
				TypicalWait:   time.Duration(system.TypicalWait) * time.Second,
			}
			if system.TargetSessionRef != nil {
				doc.Matchmaking.TargetSession = decodeReference(system.TargetSessionRef)
			}
		}
		if servers.Tournaments != nil {
			system := servers.Tournaments.Properties.System
			doc.Tournament = &TournamentServer{
				RegistrationState:  system.RegistrationState,
				RegistrationReason: system.RegistrationReason,
				LastGameResult:     system.LastGameResult,
			}
			if system.NextGameSessionRef != nil {
				doc.Tournament.NextGameSession = decodeReference(system.NextGameSessionRef)
			}
		}
		if servers.Arbitration != nil {
			system := servers.Arbitration.Properties.System
			doc.Arbitration = &ArbitrationServer{Status: system.Status, Result: system.Result}
		}
	}
	if wire.Initializing != nil {
		doc.Initialization = &Initialization{
			Stage:   InitializationStage(wire.Initializing.Stage),
			Episode: wire.Initializing.Episode,
		}
	}
	return doc, nil
}

// Encode renders the full document in the directory wire shape.
func Encode(doc *Document) ([]byte, error) {
	wire := wireDocument{
		SessionRef:    encodeReference(doc.Reference),
		ChangeNumber:  doc.ChangeNumber,
		CorrelationID: doc.CorrelationID,
		Constants:     encodeConstants(doc.Constants),
		Properties:    &wireProperties{Custom: doc.Custom},
	}
	if wire.Properties.Custom == nil {
		wire.Properties.Custom = Properties{}
	}
	if doc.HostDeviceToken != "" || doc.JoinRestriction != "" {
		wire.Properties.System = &wireSystemProperties{
			Host:            doc.HostDeviceToken,
			JoinRestriction: doc.JoinRestriction,
		}
	}
	wire.Members = make(map[string]*wireMember, len(doc.Members))
	for _, member := range doc.Members {
		wire.Members[strconv.Itoa(member.Index)] = encodeMember(member)
	}
	if doc.Matchmaking != nil || doc.Tournament != nil || doc.Arbitration != nil {
		wire.Servers = &wireServers{}
		if doc.Matchmaking != nil {
			server := &wireMatchmakingServer{}
			server.Properties.System = wireMatchmakingSystem{
				Status:        string(doc.Matchmaking.Status),
				StatusDetails: doc.Matchmaking.StatusDetails,
				TypicalWait:   int64(doc.Matchmaking.TypicalWait / time.Second),
			}
			if !doc.Matchmaking.TargetSession.IsZero() {
				server.Properties.System.TargetSessionRef = encodeReference(doc.Matchmaking.TargetSession)
			}
			wire.Servers.Matchmaking = server
		}
		if doc.Tournament != nil {
			server := &wireTournamentServer{}
			server.Properties.System = wireTournamentSystem{
				RegistrationState:  doc.Tournament.RegistrationState,
				RegistrationReason: doc.Tournament.RegistrationReason,
				LastGameResult:     doc.Tournament.LastGameResult,
			}
			if !doc.Tournament.NextGameSession.IsZero() {
				server.Properties.System.NextGameSessionRef = encodeReference(doc.Tournament.NextGameSession)
			}
			wire.Servers.Tournaments = server
		}
		if doc.Arbitration != nil {
			server := &wireArbitrationServer{}
			server.Properties.System = wireArbitrationSystem{Status: doc.Arbitration.Status, Result: doc.Arbitration.Result}
			wire.Servers.Arbitration = server
		}
	}
	if doc.Initialization != nil {
		wire.Initializing = &wireInitialization{
			Stage:   string(doc.Initialization.Stage),
			Episode: doc.Initialization.Episode,
		}
	}
	return json.Marshal(wire)
}

func decodeMembers(wireMembers map[string]*wireMember) ([]Member, error) {
	members := make([]Member, 0, len(wireMembers))
	for key, wire := range wireMembers {
		if wire == nil {
			continue
		}
		index, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("session: decode member index %q: %w", key, err)
		}
		member := Member{
			Index:                 index,
			Gamertag:              wire.Gamertag,
			DeviceToken:           wire.DeviceToken,
			InitializationEpisode: wire.InitializationEpisode,
			InitializationFailure: wire.InitializationFailure,
			Custom:                Properties{},
			Status:                MemberStatusInactive,
		}
		if wire.Constants != nil && wire.Constants.System != nil {
			member.XUID = wire.Constants.System.XUID
		}
		if wire.Properties != nil {
			if wire.Properties.Custom != nil {
				member.Custom = wire.Properties.Custom
			}
			if system := wire.Properties.System; system != nil {
				member.ConnectionAddress = system.SecureDeviceAddress
				member.QosMeasurements = system.Measurements
				if system.Subscription != nil {
					member.SubscriptionID = system.Subscription.ID
				}
				switch {
				case system.Active:
					member.Status = MemberStatusActive
				case system.Ready:
					member.Status = MemberStatusReady
				}
			}
		}
		if wire.Reserved {
			member.Status = MemberStatusReserved
		}
		members = append(members, member)
	}
	slices.SortFunc(members, func(a, b Member) int {
		return a.Index - b.Index
	})
	return members, nil
}

func encodeMember(member Member) *wireMember {
	system := &wireMemberSystemProperties{
		Active:              member.Status == MemberStatusActive,
		Ready:               member.Status == MemberStatusReady,
		SecureDeviceAddress: member.ConnectionAddress,
		Measurements:        member.QosMeasurements,
	}
	if member.SubscriptionID != "" {
		system.Subscription = &wireSubscription{ID: member.SubscriptionID, ChangeTypes: []string{"everything"}}
	}
	custom := member.Custom
	if custom == nil {
		custom = Properties{}
	}
	return &wireMember{
		Constants: &wireMemberConstants{
			System: &wireMemberSystemConstants{XUID: member.XUID},
		},
		Properties:            &wireMemberProperties{System: system, Custom: custom},
		Gamertag:              member.Gamertag,
		DeviceToken:           member.DeviceToken,
		Reserved:              member.Status == MemberStatusReserved,
		InitializationEpisode: member.InitializationEpisode,
		InitializationFailure: member.InitializationFailure,
	}
}

func encodeConstants(constants Constants) *wireConstants {
	wire := &wireConstants{Custom: constants.Custom}
	if constants.MaxMembers > 0 || constants.Visibility != "" {
		wire.System = &wireSystemConstants{
			MaxMembersCount: constants.MaxMembers,
			Visibility:      constants.Visibility,
		}
	}
	return wire
}

func decodeConstants(wire *wireConstants) Constants {
	constants := Constants{Custom: wire.Custom}
	if wire.System != nil {
		constants.MaxMembers = wire.System.MaxMembersCount
		constants.Visibility = wire.System.Visibility
	}
	return constants
}

func encodeReference(ref Reference) *wireReference {
	return &wireReference{SCID: ref.ServiceConfigID, TemplateName: ref.TemplateName, Name: ref.SessionName}
}

func decodeReference(wire *wireReference) Reference {
	return Reference{ServiceConfigID: wire.SCID, TemplateName: wire.TemplateName, SessionName: wire.Name}
}
