package session

import "sort"

// ApplyWriteRequest merges request onto base the way the directory does and returns the
// resulting document. A nil base creates a new session for ref. The change number and ETag
// are left to the caller.
func ApplyWriteRequest(base *Document, ref Reference, request *WriteRequest) *Document {
	var next *Document
	if base == nil {
		next = New(ref)
		if request != nil && request.Constants != nil {
			next.Constants = *request.Constants
			next.Constants.Custom = request.Constants.Custom.Clone()
		}
	} else {
		next = base.Clone()
	}
	if request == nil {
		return next
	}
	if request.Host != nil {
		next.HostDeviceToken = *request.Host
	}
	if request.JoinRestriction != nil {
		next.JoinRestriction = *request.JoinRestriction
	}
	next.Custom = mergeProperties(next.Custom, request.Custom)

	for _, xuid := range sortedMemberKeys(request.Members) {
		memberRequest := request.Members[xuid]
		index := next.memberIndex(xuid)
		if memberRequest == nil {
			if index >= 0 {
				next.Members = append(next.Members[:index], next.Members[index+1:]...)
			}
			continue
		}
		if index < 0 {
			next.Members = append(next.Members, Member{
				Index:  nextMemberIndex(next.Members),
				XUID:   xuid,
				Status: MemberStatusInactive,
				Custom: Properties{},
			})
			index = len(next.Members) - 1
		}
		member := &next.Members[index]
		if memberRequest.Gamertag != "" {
			member.Gamertag = memberRequest.Gamertag
		}
		if memberRequest.DeviceToken != "" {
			member.DeviceToken = memberRequest.DeviceToken
		}
		if memberRequest.Active != nil {
			if *memberRequest.Active {
				member.Status = MemberStatusActive
			} else {
				member.Status = MemberStatusInactive
			}
		}
		if memberRequest.ConnectionAddress != nil {
			member.ConnectionAddress = *memberRequest.ConnectionAddress
		}
		if memberRequest.SubscriptionID != nil {
			member.SubscriptionID = *memberRequest.SubscriptionID
		}
		if memberRequest.Initialize && next.Initialization != nil {
			member.InitializationEpisode = next.Initialization.Episode
		}
		if len(memberRequest.QosMeasurements) > 0 {
			member.QosMeasurements = memberRequest.QosMeasurements
		}
		member.Custom = mergeProperties(member.Custom, memberRequest.Custom)
	}
	next.request = nil
	return next
}

func mergeProperties(base, patch Properties) Properties {
	if base == nil {
		base = Properties{}
	}
	for name, value := range patch {
		if IsNull(value) {
			delete(base, name)
			continue
		}
		base[name] = value
	}
	return base
}

func nextMemberIndex(members []Member) int {
	next := 0
	for _, member := range members {
		if member.Index >= next {
			next = member.Index + 1
		}
	}
	return next
}

func sortedMemberKeys(members map[string]*MemberRequest) []string {
	keys := make([]string, 0, len(members))
	for key := range members {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
