package pending

import "testing"

func TestKindClassification(t *testing.T) {
	synchronized := []Kind{KindAddUser, KindJoinUser, KindLeaveUser, KindSetSynchronizedProperty, KindSetSynchronizedHost, KindSetJoinability}
	unsynchronized := []Kind{KindSetMemberProperty, KindDeleteMemberProperty, KindSetConnectionAddress, KindSetSessionProperty, KindDeleteSessionProperty}
	for _, kind := range synchronized {
		if !kind.Synchronized() {
			t.Fatalf("%s should be synchronized", kind)
		}
	}
	for _, kind := range unsynchronized {
		if kind.Synchronized() {
			t.Fatalf("%s should not be synchronized", kind)
		}
	}
}

func TestTakePrefixNeverMixesClassifications(t *testing.T) {
	var queue Queue
	for _, kind := range []Kind{
		KindAddUser,
		KindSetSynchronizedProperty,
		KindSetMemberProperty,
		KindSetSessionProperty,
		KindSetConnectionAddress,
		KindSetSynchronizedHost,
		KindLeaveUser,
	} {
		queue.Push(Intent{Kind: kind})
	}

	wantSizes := []int{2, 3, 2}
	for i, want := range wantSizes {
		prefix := queue.TakePrefix()
		if len(prefix) != want {
			t.Fatalf("prefix %d: expected %d intents, got %d", i, want, len(prefix))
		}
		for _, intent := range prefix {
			if intent.Kind.Synchronized() != prefix[0].Kind.Synchronized() {
				t.Fatalf("prefix %d mixes classifications", i)
			}
		}
	}
	if queue.TakePrefix() != nil || queue.Len() != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestPlanMovesInvitedUserFirst(t *testing.T) {
	commits := plan([]Intent{
		{Kind: KindJoinUser, XUID: "1"},
		{Kind: KindSetSynchronizedProperty, Name: "Mode"},
		{Kind: KindJoinUser, XUID: "2", Invited: true},
		{Kind: KindJoinUser, XUID: "3"},
	})
	order := []string{}
	for _, commit := range commits {
		order = append(order, commit.xuid())
	}
	if len(order) != 3 || order[0] != "2" || order[1] != "1" || order[2] != "3" {
		t.Fatalf("unexpected commit order %v", order)
	}
	if len(commits[0].fields) != 1 || len(commits[1].fields) != 0 {
		t.Fatalf("synchronized fields must ride on the first commit")
	}
}
