package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/apperrors"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/kv"
	"github.com/senior-netizen/apistudio-genesis-sub002/internal/presence"
)

// MessageType names an inbound client message.
type MessageType string

const (
	TypePresenceJoin   MessageType = "presence.join"
	TypePresenceUpdate MessageType = "presence.update"
	TypePresenceLeave  MessageType = "presence.leave"
	TypeCursorUpdate   MessageType = "cursor.update"
	TypeSyncUpdate     MessageType = "sync.update"

	TypeLogsSubscribe   MessageType = "logs.subscribe"
	TypeLogsUnsubscribe MessageType = "logs.unsubscribe"

	TypePairJoin           MessageType = "pair.join"
	TypePairRequestControl MessageType = "pair.request_control"
	TypePairGrantControl   MessageType = "pair.grant_control"
	TypePairRevokeControl  MessageType = "pair.revoke_control"
	TypePairSyncCursor     MessageType = "pair.sync_cursor"
	TypePairSyncScroll     MessageType = "pair.sync_scroll"

	TypeTakeoverJoin              MessageType = "takeover.join"
	TypeTakeoverRequestView       MessageType = "takeover.request_view"
	TypeTakeoverAcceptView        MessageType = "takeover.accept_view"
	TypeTakeoverDeclineView       MessageType = "takeover.decline_view"
	TypeTakeoverRequestCoControl  MessageType = "takeover.request_co_control"
	TypeTakeoverRespondCoControl  MessageType = "takeover.respond_co_control"
	TypeTakeoverEmergencyOverride MessageType = "takeover.emergency_override"
	TypeTakeoverEnd               MessageType = "takeover.end"
)

const maxIdentifierLength = 190

// ErrUnknownMessage marks inbound frames whose type is not part of the protocol.
var ErrUnknownMessage = fmt.Errorf("%w: unknown message type", apperrors.ErrInvalid)

// Message is a decoded, validated inbound client message.
type Message interface {
	Kind() MessageType
	Workspace() string
	Validate() error
}

// Base carries the fields every inbound message has.
type Base struct {
	Type        MessageType `json:"type"`
	WorkspaceID string      `json:"workspaceId"`
}

// Kind returns the message type.
func (b Base) Kind() MessageType { return b.Type }

// Workspace returns the workspace the message acts on.
func (b Base) Workspace() string { return b.WorkspaceID }

// Identifiers become components of store keys and room names.
var identifierRules = []validation.Rule{validation.Length(0, maxIdentifierLength), validation.By(keyPart)}

func requiredIdentifier() []validation.Rule {
	return []validation.Rule{validation.Required, validation.Length(1, maxIdentifierLength), validation.By(keyPart)}
}

// requiredUserID covers user references, which never enter a key.
func requiredUserID() []validation.Rule {
	return []validation.Rule{validation.Required, validation.Length(1, maxIdentifierLength)}
}

func keyPart(value interface{}) error {
	text, _ := value.(string)
	if strings.Contains(text, kv.KeySeparator) {
		return fmt.Errorf("must not contain %q", kv.KeySeparator)
	}
	return nil
}

// PresenceJoin enters a room. StateDigest, when present, is the base64 field digest of the
// client's cached copy; the join then answers with only what that copy lacks.
type PresenceJoin struct {
	Base
	DocumentID  string           `json:"documentId"`
	DisplayName string           `json:"displayName"`
	Status      string           `json:"status"`
	Cursor      *presence.Cursor `json:"cursor"`
	StateDigest string           `json:"stateDigest"`
}

func (m PresenceJoin) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.DocumentID, identifierRules...),
		validation.Field(&m.DisplayName, validation.Length(0, maxIdentifierLength)),
		validation.Field(&m.Status, validation.In("active", "idle", "away")),
		validation.Field(&m.StateDigest, is.Base64),
	)
}

type PresenceUpdate struct {
	Base
	DocumentID  string           `json:"documentId"`
	DisplayName *string          `json:"displayName"`
	Status      string           `json:"status"`
	Cursor      *presence.Cursor `json:"cursor"`
}

func (m PresenceUpdate) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.DocumentID, identifierRules...),
		validation.Field(&m.DisplayName, validation.NilOrNotEmpty, validation.Length(0, maxIdentifierLength)),
		validation.Field(&m.Status, validation.In("active", "idle", "away")),
	)
}

type PresenceLeave struct {
	Base
	DocumentID string `json:"documentId"`
}

func (m PresenceLeave) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.DocumentID, identifierRules...),
	)
}

type CursorUpdate struct {
	Base
	DocumentID string           `json:"documentId"`
	Cursor     *presence.Cursor `json:"cursor"`
}

func (m CursorUpdate) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.DocumentID, identifierRules...),
		validation.Field(&m.Cursor, validation.NotNil),
	)
}

// SyncUpdate carries a binary document delta as standard base64.
type SyncUpdate struct {
	Base
	DocumentID string `json:"documentId"`
	Update     string `json:"update"`
}

func (m SyncUpdate) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.DocumentID, identifierRules...),
		validation.Field(&m.Update, validation.Required, is.Base64),
	)
}

type LogsSubscribe struct {
	Base
	RunID string `json:"runId"`
}

func (m LogsSubscribe) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.RunID, requiredIdentifier()...),
	)
}

type LogsUnsubscribe struct {
	Base
	RunID string `json:"runId"`
}

func (m LogsUnsubscribe) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.RunID, requiredIdentifier()...),
	)
}

type PairJoin struct {
	Base
	RequestID string `json:"requestId"`
}

func (m PairJoin) Validate() error {
	return validatePair(&m, &m.Base, &m.RequestID)
}

type PairRequestControl struct {
	Base
	RequestID string `json:"requestId"`
}

func (m PairRequestControl) Validate() error {
	return validatePair(&m, &m.Base, &m.RequestID)
}

type PairGrantControl struct {
	Base
	RequestID string `json:"requestId"`
	TargetID  string `json:"targetId"`
}

func (m PairGrantControl) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.RequestID, identifierRules...),
		validation.Field(&m.TargetID, requiredUserID()...),
	)
}

type PairRevokeControl struct {
	Base
	RequestID string `json:"requestId"`
}

func (m PairRevokeControl) Validate() error {
	return validatePair(&m, &m.Base, &m.RequestID)
}

type PairSyncCursor struct {
	Base
	RequestID string          `json:"requestId"`
	Cursor    json.RawMessage `json:"cursor"`
}

func (m PairSyncCursor) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.RequestID, identifierRules...),
		validation.Field(&m.Cursor, validation.Required, validation.By(isJSON)),
	)
}

type PairSyncScroll struct {
	Base
	RequestID string          `json:"requestId"`
	Scroll    json.RawMessage `json:"scroll"`
}

func (m PairSyncScroll) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.RequestID, identifierRules...),
		validation.Field(&m.Scroll, validation.Required, validation.By(isJSON)),
	)
}

type TakeoverJoin struct {
	Base
	SessionID string `json:"sessionId"`
}

func (m TakeoverJoin) Validate() error {
	return validateTakeover(&m, &m.Base, &m.SessionID)
}

type TakeoverRequestView struct {
	Base
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Reason    string `json:"reason"`
}

func (m TakeoverRequestView) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.SessionID, requiredIdentifier()...),
		validation.Field(&m.TargetID, requiredUserID()...),
	)
}

type TakeoverAcceptView struct {
	Base
	SessionID string `json:"sessionId"`
}

func (m TakeoverAcceptView) Validate() error {
	return validateTakeover(&m, &m.Base, &m.SessionID)
}

type TakeoverDeclineView struct {
	Base
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (m TakeoverDeclineView) Validate() error {
	return validateTakeover(&m, &m.Base, &m.SessionID)
}

type TakeoverRequestCoControl struct {
	Base
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Reason    string `json:"reason"`
}

func (m TakeoverRequestCoControl) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.SessionID, requiredIdentifier()...),
		validation.Field(&m.TargetID, requiredUserID()...),
	)
}

type TakeoverRespondCoControl struct {
	Base
	SessionID string `json:"sessionId"`
	Accept    bool   `json:"accept"`
	Reason    string `json:"reason"`
}

func (m TakeoverRespondCoControl) Validate() error {
	return validateTakeover(&m, &m.Base, &m.SessionID)
}

type TakeoverEmergencyOverride struct {
	Base
	SessionID string `json:"sessionId"`
	TargetID  string `json:"targetId"`
	Reason    string `json:"reason"`
}

func (m TakeoverEmergencyOverride) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.WorkspaceID, requiredIdentifier()...),
		validation.Field(&m.SessionID, requiredIdentifier()...),
		validation.Field(&m.TargetID, validation.Length(0, maxIdentifierLength)),
		validation.Field(&m.Reason, validation.Required),
	)
}

type TakeoverEnd struct {
	Base
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

func (m TakeoverEnd) Validate() error {
	return validateTakeover(&m, &m.Base, &m.SessionID)
}

func validatePair(message any, base *Base, requestID *string) error {
	return validation.ValidateStruct(message,
		validation.Field(&base.WorkspaceID, requiredIdentifier()...),
		validation.Field(requestID, identifierRules...),
	)
}

func validateTakeover(message any, base *Base, sessionID *string) error {
	return validation.ValidateStruct(message,
		validation.Field(&base.WorkspaceID, requiredIdentifier()...),
		validation.Field(sessionID, requiredIdentifier()...),
	)
}

func isJSON(value interface{}) error {
	raw, _ := value.(json.RawMessage)
	if len(raw) > 0 && !json.Valid(raw) {
		return errors.New("must be valid JSON")
	}
	return nil
}

// ParseMessage decodes raw into its concrete message type and validates it. Unknown types
// return ErrUnknownMessage; malformed or invalid frames wrap apperrors.ErrInvalid.
func ParseMessage(raw []byte) (Message, error) {
	var head Base
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: malformed frame: %v", apperrors.ErrInvalid, err)
	}
	switch head.Type {
	case TypePresenceJoin:
		return decode[PresenceJoin](raw)
	case TypePresenceUpdate:
		return decode[PresenceUpdate](raw)
	case TypePresenceLeave:
		return decode[PresenceLeave](raw)
	case TypeCursorUpdate:
		return decode[CursorUpdate](raw)
	case TypeSyncUpdate:
		return decode[SyncUpdate](raw)
	case TypeLogsSubscribe:
		return decode[LogsSubscribe](raw)
	case TypeLogsUnsubscribe:
		return decode[LogsUnsubscribe](raw)
	case TypePairJoin:
		return decode[PairJoin](raw)
	case TypePairRequestControl:
		return decode[PairRequestControl](raw)
	case TypePairGrantControl:
		return decode[PairGrantControl](raw)
	case TypePairRevokeControl:
		return decode[PairRevokeControl](raw)
	case TypePairSyncCursor:
		return decode[PairSyncCursor](raw)
	case TypePairSyncScroll:
		return decode[PairSyncScroll](raw)
	case TypeTakeoverJoin:
		return decode[TakeoverJoin](raw)
	case TypeTakeoverRequestView:
		return decode[TakeoverRequestView](raw)
	case TypeTakeoverAcceptView:
		return decode[TakeoverAcceptView](raw)
	case TypeTakeoverDeclineView:
		return decode[TakeoverDeclineView](raw)
	case TypeTakeoverRequestCoControl:
		return decode[TakeoverRequestCoControl](raw)
	case TypeTakeoverRespondCoControl:
		return decode[TakeoverRespondCoControl](raw)
	case TypeTakeoverEmergencyOverride:
		return decode[TakeoverEmergencyOverride](raw)
	case TypeTakeoverEnd:
		return decode[TakeoverEnd](raw)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownMessage, head.Type)
	}
}

func decode[T Message](raw []byte) (Message, error) {
	var message T
	if err := json.Unmarshal(raw, &message); err != nil {
		return nil, fmt.Errorf("%w: malformed %T: %v", apperrors.ErrInvalid, message, err)
	}
	if err := message.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalid, err)
	}
	return message, nil
}

// requestType extracts the type field of a frame that may not decode.
func requestType(raw []byte) string {
	var head Base
	if err := json.Unmarshal(raw, &head); err != nil {
		return ""
	}
	return string(head.Type)
}
