package model

import "testing"

func TestKindValid(t *testing.T) {
	if !KindMark.Valid() {
		t.Error("KindMark should be valid")
	}
	if Kind("bogus").Valid() {
		t.Error("unknown kind should not be valid")
	}
}

func TestConversationVisible(t *testing.T) {
	visible := []Kind{KindSystem, KindUser, KindAssistant, KindToolCall, KindToolResult, KindMark, KindRewind}
	for _, k := range visible {
		if !k.ConversationVisible() {
			t.Errorf("%s should be conversation-visible", k)
		}
	}
	invisible := []Kind{KindClear, KindAgentKilled, KindCommand, KindFork, KindUsage}
	for _, k := range invisible {
		if k.ConversationVisible() {
			t.Errorf("%s should not be conversation-visible", k)
		}
	}
}

func TestAgentIsRoot(t *testing.T) {
	root := &Agent{UUID: "a", ParentUUID: ""}
	if !root.IsRoot() {
		t.Error("agent with empty ParentUUID should be root")
	}
	child := &Agent{UUID: "b", ParentUUID: "a"}
	if child.IsRoot() {
		t.Error("agent with non-empty ParentUUID should not be root")
	}
}
