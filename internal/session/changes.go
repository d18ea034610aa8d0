package session

import (
	"bytes"
	"strings"
)

// ChangeType is a bitmask of externally meaningful differences between two snapshots.
type ChangeType uint32

const (
	ChangeHost ChangeType = 1 << iota
	ChangeMemberList
	ChangeSessionProperty
	ChangeMemberProperty
	ChangeMatchmakingStatus
	ChangeTournament
	ChangeArbitration
	ChangeJoinability
	ChangeTransferHandle
	ChangeInitialization
)

// Has reports whether every bit of flag is set.
func (c ChangeType) Has(flag ChangeType) bool {
	return c&flag == flag
}

// Compare computes the change bitmask between prev and next. Absent snapshots and equal
// change numbers yield no changes.
func Compare(prev, next *Document) ChangeType {
	if prev == nil || next == nil || prev.ChangeNumber == next.ChangeNumber {
		return 0
	}
	var changes ChangeType
	if !strings.EqualFold(prev.HostDeviceToken, next.HostDeviceToken) {
		changes |= ChangeHost
	}
	if !sameMemberSet(prev, next) {
		changes |= ChangeMemberList
	}
	if !prev.Custom.EqualIgnoringReserved(next.Custom) {
		changes |= ChangeSessionProperty
	}
	if !prev.Custom.ValueEqual(next.Custom, PropertyJoinability) {
		changes |= ChangeJoinability
	}
	if !prev.Custom.ValueEqual(next.Custom, PropertyTransferHandle) {
		changes |= ChangeTransferHandle
	}
	if memberPropertiesChanged(prev, next) {
		changes |= ChangeMemberProperty
	}
	if !sameMatchmaking(prev.Matchmaking, next.Matchmaking) {
		changes |= ChangeMatchmakingStatus
	}
	if !sameTournament(prev.Tournament, next.Tournament) {
		changes |= ChangeTournament
	}
	if !sameArbitration(prev.Arbitration, next.Arbitration) {
		changes |= ChangeArbitration
	}
	if !sameInitialization(prev, next) {
		changes |= ChangeInitialization
	}
	return changes
}

func sameMemberSet(prev, next *Document) bool {
	if len(prev.Members) != len(next.Members) {
		return false
	}
	for _, member := range prev.Members {
		if _, ok := next.Member(member.XUID); !ok {
			return false
		}
	}
	return true
}

func memberPropertiesChanged(prev, next *Document) bool {
	for _, member := range next.Members {
		previous, ok := prev.Member(member.XUID)
		if !ok {
			continue
		}
		if !previous.Custom.Equal(member.Custom) {
			return true
		}
	}
	return false
}

func sameMatchmaking(prev, next *MatchmakingServer) bool {
	if prev == nil || next == nil {
		return prev == nil && next == nil
	}
	return prev.Status == next.Status && prev.TargetSession.Equal(next.TargetSession)
}

func sameTournament(prev, next *TournamentServer) bool {
	if prev == nil || next == nil {
		return prev == nil && next == nil
	}
	return prev.RegistrationState == next.RegistrationState &&
		prev.RegistrationReason == next.RegistrationReason &&
		prev.NextGameSession.Equal(next.NextGameSession) &&
		prev.LastGameResult == next.LastGameResult
}

func sameArbitration(prev, next *ArbitrationServer) bool {
	if prev == nil || next == nil {
		return prev == nil && next == nil
	}
	return prev.Status == next.Status && bytes.Equal(prev.Result, next.Result)
}

func sameInitialization(prev, next *Document) bool {
	if prev.Initialization == nil || next.Initialization == nil {
		return prev.Initialization == nil && next.Initialization == nil
	}
	return *prev.Initialization == *next.Initialization
}
