package upstream

import (
	"strings"
	"testing"
)

func TestChatRequestEncodeWireOrder(t *testing.T) {
	req := NewChatRequest(ChatParams{
		Query:     "hi",
		ModelID:   "deepseekV3_2",
		Abilities: []string{"deep_thought"},
	})
	b, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"userId":128122134,"botAlias":"custom","query":"hi","isRetry":false,"breakingStrategy":0,"isNewConversation":true,"isAnonymousChat":false,"mediaInfos":[],"turnIndex":0,"rewriteQuery":"","conversationId":"","attachmentInfo":{"url":{"infoList":[]}},"inputWay":"proactive","agentId":"200006","modelId":"deepseekV3_2","aiAbility":{"id":""},"abilities":[{"id":"deep_thought"}],"pureQuery":"","isPublic":0}`
	if string(b) != want {
		t.Fatalf("unexpected body:\n got %s\nwant %s", b, want)
	}
}

func TestChatRequestContinuation(t *testing.T) {
	req := NewChatRequest(ChatParams{
		UserID:         42,
		Query:          "a < b & c",
		ConversationID: "conv-1",
		TurnIndex:      3,
		ModelID:        "xiaobai5",
	})
	if req.IsNewConversation {
		t.Fatal("expected continuation when conversation id is set")
	}
	b, err := req.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s := string(b)
	for _, want := range []string{
		`"userId":42`,
		`"query":"a < b & c"`,
		`"turnIndex":3`,
		`"conversationId":"conv-1"`,
		`"abilities":[]`,
	} {
		if !strings.Contains(s, want) {
			t.Fatalf("expected %s in %s", want, s)
		}
	}
	if b[len(b)-1] == '\n' {
		t.Fatal("encoded body must not carry a trailing newline")
	}
}
