package session

import "testing"

const lobbyFixture = `{
  "changeNumber": 4,
  "correlationId": "6d2a1f52-8a35-4c8f-9a54-0a0b7a3ad6c1",
  "constants": {"system": {"maxMembersCount": 8, "visibility": "open"}, "custom": {}},
  "properties": {
    "system": {"host": "device-a", "joinRestriction": "followed"},
    "custom": {"GameMode": "deathmatch", "Map": {"name": "harbor", "size": 3}, "GameSessionTransferHandle": "handle-123"}
  },
  "members": {
    "1": {
      "constants": {"system": {"xuid": "2814600000000002"}},
      "properties": {"system": {"active": true, "secureDeviceAddress": "AQID"}, "custom": {"Health": 50}},
      "gamertag": "Remote Player",
      "deviceToken": "device-b"
    },
    "0": {
      "constants": {"system": {"xuid": "2814600000000001"}},
      "properties": {"system": {"active": true}, "custom": {}},
      "gamertag": "Local Player",
      "deviceToken": "device-a"
    },
    "2": {
      "constants": {"system": {"xuid": "2814600000000003"}},
      "gamertag": "Invited Player",
      "reserved": true
    }
  },
  "servers": {
    "matchmaking": {"properties": {"system": {"status": "found", "typicalWait": 45,
      "targetSessionRef": {"scid": "scid-1", "templateName": "GameSession", "name": "target"}}}}
  }
}`

func mustReference(t *testing.T, name string) Reference {
	t.Helper()
	ref, err := NewReference("scid-1", "LobbySession", name)
	if err != nil {
		t.Fatalf("unexpected reference error: %v", err)
	}
	return ref
}

func mustDecode(t *testing.T, body string) *Document {
	t.Helper()
	doc, err := Decode(mustReference(t, "lobby-1"), `"etag-1"`, []byte(body))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return doc
}
