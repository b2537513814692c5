package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	DefaultUserID = 128122134

	botAlias = "custom"
	agentID  = "200006"
	inputWay = "proactive"
)

type Ability struct {
	ID string `json:"id"`
}

type attachmentURL struct {
	InfoList []json.RawMessage `json:"infoList"`
}

type attachmentInfo struct {
	URL attachmentURL `json:"url"`
}

// ChatRequest is the body of one chat/v3 call. Field order is the wire order
// and must not change: the digest covers the encoded bytes.
type ChatRequest struct {
	UserID            int64             `json:"userId"`
	BotAlias          string            `json:"botAlias"`
	Query             string            `json:"query"`
	IsRetry           bool              `json:"isRetry"`
	BreakingStrategy  int               `json:"breakingStrategy"`
	IsNewConversation bool              `json:"isNewConversation"`
	IsAnonymousChat   bool              `json:"isAnonymousChat"`
	MediaInfos        []json.RawMessage `json:"mediaInfos"`
	TurnIndex         int               `json:"turnIndex"`
	RewriteQuery      string            `json:"rewriteQuery"`
	ConversationID    string            `json:"conversationId"`
	AttachmentInfo    attachmentInfo    `json:"attachmentInfo"`
	InputWay          string            `json:"inputWay"`
	AgentID           string            `json:"agentId"`
	ModelID           string            `json:"modelId"`
	AIAbility         Ability           `json:"aiAbility"`
	Abilities         []Ability         `json:"abilities"`
	PureQuery         string            `json:"pureQuery"`
	IsPublic          int               `json:"isPublic"`
}

type ChatParams struct {
	UserID         int64
	Query          string
	ConversationID string
	TurnIndex      int
	ModelID        string
	Abilities      []string
}

// NewChatRequest fills the protocol constants around the per-call values.
// An empty ConversationID starts a new conversation.
func NewChatRequest(p ChatParams) ChatRequest {
	userID := p.UserID
	if userID == 0 {
		userID = DefaultUserID
	}
	abilities := make([]Ability, 0, len(p.Abilities))
	for _, id := range p.Abilities {
		abilities = append(abilities, Ability{ID: id})
	}
	return ChatRequest{
		UserID:            userID,
		BotAlias:          botAlias,
		Query:             p.Query,
		IsNewConversation: p.ConversationID == "",
		MediaInfos:        []json.RawMessage{},
		TurnIndex:         p.TurnIndex,
		ConversationID:    p.ConversationID,
		AttachmentInfo:    attachmentInfo{URL: attachmentURL{InfoList: []json.RawMessage{}}},
		InputWay:          inputWay,
		AgentID:           agentID,
		ModelID:           p.ModelID,
		Abilities:         abilities,
	}
}

// Encode renders the compact form that is both signed and sent.
func (r ChatRequest) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
