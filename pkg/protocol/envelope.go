package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind identifies the type of an Envelope
type Kind uint8

const (
	KindLogin Kind = iota + 1
	KindQuit
	KindBroadcast
	KindToGroup
	KindToUser
	KindSystem
	KindRegister
	KindCreateGroup
	KindPublicKey
	KindGetQueue
	KindGetHistory
	KindInvite
	KindDeleteMessage
)

// Wire tags carried in the msg_type field
const (
	TagLogin         = "HLO"
	TagQuit          = "BYE"
	TagBroadcast     = "BCT"
	TagToGroup       = "GROUP"
	TagToUser        = "USER"
	TagSystem        = "SYS"
	TagRegister      = "REGISTER"
	TagCreateGroup   = "CRG"
	TagPublicKey     = "PUBLIC_KEY"
	TagGetQueue      = "GET_QUEUE"
	TagGetHistory    = "GET_HISTORY"
	TagInvite        = "INVITE"
	TagDeleteMessage = "DELETE_MSG"
)

// Field keys used on the wire
const (
	FieldMsgType       = "msg_type"
	FieldSenderName    = "sender_name"
	FieldText          = "text"
	FieldUserName      = "user_name"
	FieldPassword      = "pw"
	FieldPublicKey     = "public_key"
	FieldKeyOwner      = "key_owner"
	FieldRecipientName = "recipient_name"
	FieldGroupName     = "group_name"
	FieldInviteStatus  = "invite_status"
	FieldInviteID      = "invite_id"
	FieldInvitee       = "invitee"
	FieldInvitor       = "invitor"
	FieldMessageID     = "message_id"
)

// SystemSender is the origin name of server-generated envelopes
const SystemSender = "SYSTEM"

var kindTags = map[Kind]string{
	KindLogin:         TagLogin,
	KindQuit:          TagQuit,
	KindBroadcast:     TagBroadcast,
	KindToGroup:       TagToGroup,
	KindToUser:        TagToUser,
	KindSystem:        TagSystem,
	KindRegister:      TagRegister,
	KindCreateGroup:   TagCreateGroup,
	KindPublicKey:     TagPublicKey,
	KindGetQueue:      TagGetQueue,
	KindGetHistory:    TagGetHistory,
	KindInvite:        TagInvite,
	KindDeleteMessage: TagDeleteMessage,
}

// tagKinds maps every accepted msg_type to its kind. Older clients send
// TO_GROUP, QUIT and SYSTEM, so those are accepted on input but never emitted.
var tagKinds = map[string]Kind{
	"TO_GROUP": KindToGroup,
	"QUIT":     KindQuit,
	"SYSTEM":   KindSystem,
}

func init() {
	for kind, tag := range kindTags {
		tagKinds[tag] = kind
	}
}

// String returns the wire tag of the kind
func (k Kind) String() string {
	if tag, ok := kindTags[k]; ok {
		return tag
	}
	return "UNKNOWN"
}

// KindFromTag resolves a msg_type value to a Kind
func KindFromTag(tag string) (Kind, bool) {
	kind, ok := tagKinds[tag]
	return kind, ok
}

// Envelope is one protocol record. Envelopes are immutable once built;
// accessors return copies where the underlying value is mutable.
type Envelope struct {
	kind      Kind
	origin    string
	text      string
	fields    map[string]string
	transform func(string) string
}

func newEnvelope(kind Kind, origin, text string, fields map[string]string) *Envelope {
	f := make(map[string]string, len(fields)+3)
	for k, v := range fields {
		f[k] = v
	}
	f[FieldMsgType] = kind.String()
	f[FieldSenderName] = origin
	if text != "" {
		f[FieldText] = text
	}
	return &Envelope{kind: kind, origin: origin, text: text, fields: f}
}

// Kind returns the envelope kind
func (e *Envelope) Kind() Kind { return e.kind }

// Origin returns the claimed sender name
func (e *Envelope) Origin() string { return e.origin }

// Text returns the body text after the outbound transform, or "" when absent
func (e *Envelope) Text() string {
	if e.transform != nil {
		return e.transform(e.text)
	}
	return e.text
}

// Field returns a named field, or "" when absent
func (e *Envelope) Field(key string) string {
	return e.fields[key]
}

// Fields returns a copy of the envelope's fields
func (e *Envelope) Fields() map[string]string {
	out := make(map[string]string, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// WithTransform returns a copy of the envelope whose text passes through fn
// when read or serialized. Transforms compose in the order they are applied.
func (e *Envelope) WithTransform(fn func(string) string) *Envelope {
	if fn == nil {
		return e
	}
	prev := e.transform
	composed := fn
	if prev != nil {
		composed = func(s string) string { return fn(prev(s)) }
	}
	return &Envelope{kind: e.kind, origin: e.origin, text: e.text, fields: e.fields, transform: composed}
}

// Serialize encodes the envelope's fields as a JSON object. It never fails.
func (e *Envelope) Serialize() []byte {
	out := e.fields
	if e.transform != nil {
		out = e.Fields()
		if _, ok := out[FieldText]; ok || e.text != "" {
			out[FieldText] = e.Text()
		}
	}
	data, err := json.Marshal(out)
	if err != nil {
		// map[string]string always marshals
		return []byte("{}")
	}
	return data
}

// Parse decodes one JSON record into an Envelope. It returns nil when the
// record is malformed or carries an unknown msg_type.
func Parse(data []byte) *Envelope {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil
	}

	fields := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			fields[k] = val
		case float64:
			fields[k] = strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			fields[k] = strconv.FormatBool(val)
		}
	}

	kind, ok := KindFromTag(strings.TrimSpace(fields[FieldMsgType]))
	if !ok {
		return nil
	}
	fields[FieldMsgType] = kind.String()

	origin := fields[FieldSenderName]
	if kind == KindLogin || kind == KindRegister {
		if fields[FieldUserName] == "" {
			fields[FieldUserName] = origin
		}
		origin = fields[FieldUserName]
	}

	return &Envelope{
		kind:   kind,
		origin: origin,
		text:   fields[FieldText],
		fields: fields,
	}
}

// Login builds an HLO envelope
func Login(userName, password string) *Envelope {
	return newEnvelope(KindLogin, userName, "", map[string]string{
		FieldUserName: userName,
		FieldPassword: password,
	})
}

// Register builds a REGISTER envelope
func Register(userName, password, publicKey string) *Envelope {
	return newEnvelope(KindRegister, userName, "", map[string]string{
		FieldUserName:  userName,
		FieldPassword:  password,
		FieldPublicKey: publicKey,
	})
}

// Quit builds a BYE envelope
func Quit(sender string) *Envelope {
	return newEnvelope(KindQuit, sender, "", nil)
}

// Broadcast builds a BCT envelope
func Broadcast(sender, text string) *Envelope {
	return newEnvelope(KindBroadcast, sender, text, nil)
}

// ToGroup builds a GROUP envelope
func ToGroup(sender, group, text string) *Envelope {
	return newEnvelope(KindToGroup, sender, text, map[string]string{FieldGroupName: group})
}

// ToUser builds a USER envelope
func ToUser(sender, recipient, text string) *Envelope {
	return newEnvelope(KindToUser, sender, text, map[string]string{FieldRecipientName: recipient})
}

// CreateGroup builds a CRG envelope
func CreateGroup(sender, group string) *Envelope {
	return newEnvelope(KindCreateGroup, sender, "", map[string]string{FieldGroupName: group})
}

// GetQueue builds a GET_QUEUE envelope
func GetQueue(sender string) *Envelope {
	return newEnvelope(KindGetQueue, sender, "", nil)
}

// GetHistory builds a GET_HISTORY envelope
func GetHistory(sender string) *Envelope {
	return newEnvelope(KindGetHistory, sender, "", nil)
}

// DeleteMessage builds a DELETE_MSG envelope
func DeleteMessage(sender, messageID string) *Envelope {
	return newEnvelope(KindDeleteMessage, sender, "", map[string]string{FieldMessageID: messageID})
}

// PublicKeyRequest asks for the public key of another user
func PublicKeyRequest(sender, recipient string) *Envelope {
	return newEnvelope(KindPublicKey, sender, "", map[string]string{FieldRecipientName: recipient})
}

// InviteParams carries the optional fields of an INVITE envelope
type InviteParams struct {
	Status   string
	Group    string
	Invitee  string
	Invitor  string
	InviteID string
}

// Invite builds an INVITE envelope. Empty parameters are omitted.
func Invite(sender string, p InviteParams) *Envelope {
	fields := map[string]string{}
	for k, v := range map[string]string{
		FieldInviteStatus: p.Status,
		FieldGroupName:    p.Group,
		FieldInvitee:      p.Invitee,
		FieldInvitor:      p.Invitor,
		FieldInviteID:     p.InviteID,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	return newEnvelope(KindInvite, sender, "", fields)
}

// System builds a server notice
func System(text string) *Envelope {
	return newEnvelope(KindSystem, SystemSender, text, nil)
}

// ReturnKey answers a public key request with owner's key
func ReturnKey(owner, publicKey string) *Envelope {
	return newEnvelope(KindPublicKey, SystemSender, "", map[string]string{
		FieldPublicKey: publicKey,
		FieldKeyOwner:  owner,
	})
}

func (e *Envelope) IsLogin() bool         { return e.kind == KindLogin }
func (e *Envelope) IsRegister() bool      { return e.kind == KindRegister }
func (e *Envelope) IsQuit() bool          { return e.kind == KindQuit }
func (e *Envelope) IsBroadcast() bool     { return e.kind == KindBroadcast }
func (e *Envelope) IsToGroup() bool       { return e.kind == KindToGroup }
func (e *Envelope) IsToUser() bool        { return e.kind == KindToUser }
func (e *Envelope) IsSystem() bool        { return e.kind == KindSystem }
func (e *Envelope) IsCreateGroup() bool   { return e.kind == KindCreateGroup }
func (e *Envelope) IsPublicKey() bool     { return e.kind == KindPublicKey }
func (e *Envelope) IsGetQueue() bool      { return e.kind == KindGetQueue }
func (e *Envelope) IsGetHistory() bool    { return e.kind == KindGetHistory }
func (e *Envelope) IsInvite() bool        { return e.kind == KindInvite }
func (e *Envelope) IsDeleteMessage() bool { return e.kind == KindDeleteMessage }
