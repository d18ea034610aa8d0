package session

import (
	"github.com/goccy/go-json"
)

// WriteRequest is the patch sent to the directory. Custom values of JSON null delete the
// property; a nil member entry removes the member.
type WriteRequest struct {
	Constants       *Constants
	Host            *string
	JoinRestriction *string
	Custom          Properties
	Members         map[string]*MemberRequest
}

// MemberRequest is the per-member part of a WriteRequest, keyed by xuid.
type MemberRequest struct {
	Gamertag          string
	DeviceToken       string
	Initialize        bool
	Active            *bool
	ConnectionAddress *string
	SubscriptionID    *string
	QosMeasurements   json.RawMessage
	Custom            Properties
}

func (r *WriteRequest) empty() bool {
	return r.Constants == nil && r.Host == nil && r.JoinRestriction == nil &&
		len(r.Custom) == 0 && len(r.Members) == 0
}

func (r *WriteRequest) clone() *WriteRequest {
	clone := &WriteRequest{
		Constants:       r.Constants,
		Host:            r.Host,
		JoinRestriction: r.JoinRestriction,
		Custom:          r.Custom.Clone(),
	}
	if r.Members != nil {
		clone.Members = make(map[string]*MemberRequest, len(r.Members))
		for xuid, member := range r.Members {
			if member == nil {
				clone.Members[xuid] = nil
				continue
			}
			copied := *member
			copied.Custom = member.Custom.Clone()
			clone.Members[xuid] = &copied
		}
	}
	return clone
}

// Leaves reports whether the request removes xuid.
func (r *WriteRequest) Leaves(xuid string) bool {
	member, ok := r.Members[xuid]
	return ok && member == nil
}

// MarshalJSON encodes the request using the directory wire shape.
func (r *WriteRequest) MarshalJSON() ([]byte, error) {
	body := wireDocument{}
	if r.Constants != nil {
		body.Constants = encodeConstants(*r.Constants)
	}
	if r.Host != nil || r.JoinRestriction != nil || len(r.Custom) > 0 {
		properties := &wireProperties{Custom: r.Custom}
		if r.Host != nil || r.JoinRestriction != nil {
			properties.System = &wireSystemProperties{}
			if r.Host != nil {
				properties.System.Host = *r.Host
			}
			if r.JoinRestriction != nil {
				properties.System.JoinRestriction = *r.JoinRestriction
			}
		}
		body.Properties = properties
	}
	if len(r.Members) > 0 {
		body.Members = make(map[string]*wireMember, len(r.Members))
		for xuid, member := range r.Members {
			if member == nil {
				body.Members[xuid] = nil
				continue
			}
			body.Members[xuid] = encodeMemberRequest(xuid, member)
		}
	}
	return json.Marshal(body)
}

// UnmarshalJSON decodes a wire write request.
func (r *WriteRequest) UnmarshalJSON(data []byte) error {
	var body wireDocument
	if err := json.Unmarshal(data, &body); err != nil {
		return err
	}
	*r = WriteRequest{}
	if body.Constants != nil {
		constants := decodeConstants(body.Constants)
		r.Constants = &constants
	}
	if body.Properties != nil {
		r.Custom = body.Properties.Custom
		if system := body.Properties.System; system != nil {
			if system.Host != "" {
				host := system.Host
				r.Host = &host
			}
			if system.JoinRestriction != "" {
				restriction := system.JoinRestriction
				r.JoinRestriction = &restriction
			}
		}
	}
	if len(body.Members) > 0 {
		r.Members = make(map[string]*MemberRequest, len(body.Members))
		for xuid, member := range body.Members {
			if member == nil {
				r.Members[xuid] = nil
				continue
			}
			r.Members[xuid] = decodeMemberRequest(member)
		}
	}
	return nil
}

func encodeMemberRequest(xuid string, member *MemberRequest) *wireMember {
	wire := &wireMember{
		Constants: &wireMemberConstants{
			System: &wireMemberSystemConstants{XUID: xuid, Initialize: member.Initialize},
		},
		Gamertag:    member.Gamertag,
		DeviceToken: member.DeviceToken,
	}
	system := &wireMemberSystemProperties{
		Measurements: member.QosMeasurements,
	}
	if member.Active != nil {
		system.Active = *member.Active
	}
	if member.ConnectionAddress != nil {
		system.SecureDeviceAddress = *member.ConnectionAddress
	}
	if member.SubscriptionID != nil {
		system.Subscription = &wireSubscription{ID: *member.SubscriptionID, ChangeTypes: []string{"everything"}}
	}
	wire.Properties = &wireMemberProperties{System: system, Custom: member.Custom}
	return wire
}

func decodeMemberRequest(wire *wireMember) *MemberRequest {
	member := &MemberRequest{Gamertag: wire.Gamertag, DeviceToken: wire.DeviceToken}
	if wire.Constants != nil && wire.Constants.System != nil {
		member.Initialize = wire.Constants.System.Initialize
	}
	if wire.Properties != nil {
		member.Custom = wire.Properties.Custom
		if system := wire.Properties.System; system != nil {
			if system.Active {
				active := true
				member.Active = &active
			}
			if system.SecureDeviceAddress != "" {
				address := system.SecureDeviceAddress
				member.ConnectionAddress = &address
			}
			if system.Subscription != nil && system.Subscription.ID != "" {
				subscription := system.Subscription.ID
				member.SubscriptionID = &subscription
			}
			member.QosMeasurements = system.Measurements
		}
	}
	return member
}
