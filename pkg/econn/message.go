package econn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// ProtoVersion is the fixed wire protocol version every message must
// carry. A decode of a message carrying a different version fails
// with a Protocol error rather than being interpreted best-effort.
const ProtoVersion = "3.0"

// MsgType tags the union carried by SignalingMessage.
type MsgType int

const (
	MsgUnknown MsgType = iota
	MsgSetup
	MsgCancel
	MsgUpdate
	MsgHangup
	MsgReject
	MsgPropSync
	MsgAlert
	MsgPing
	// Conference/group variants; only round-tripped, not acted on by
	// econn/ecall (see §9 open questions on ALERT/PING dispatch: the
	// same applies here — these are parsed but not handled).
	MsgGroupStart
	MsgGroupLeave
	MsgGroupCheck
	MsgConfConn
	MsgConfStart
	MsgConfCheck
	MsgConfEnd
	MsgConfPart
)

var msgTypeName = map[MsgType]string{
	MsgSetup:      "SETUP",
	MsgCancel:     "CANCEL",
	MsgUpdate:     "UPDATE",
	MsgHangup:     "HANGUP",
	MsgReject:     "REJECT",
	MsgPropSync:   "PROPSYNC",
	MsgAlert:      "ALERT",
	MsgPing:       "PING",
	MsgGroupStart: "GROUPSTART",
	MsgGroupLeave: "GROUPLEAVE",
	MsgGroupCheck: "GROUPCHECK",
	MsgConfConn:   "CONFCONN",
	MsgConfStart:  "CONFSTART",
	MsgConfCheck:  "CONFCHECK",
	MsgConfEnd:    "CONFEND",
	MsgConfPart:   "CONFPART",
}

var nameMsgType = func() map[string]MsgType {
	m := make(map[string]MsgType, len(msgTypeName))
	for k, v := range msgTypeName {
		m[v] = k
	}
	return m
}()

func (t MsgType) String() string {
	if s, ok := msgTypeName[t]; ok {
		return s
	}
	return "UNKNOWN"
}

// IceServer mirrors the ice-server list a SETUP/UPDATE message may
// carry so the receiving side can seed its TURN client set.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Message is the tagged union over every signaling message this
// protocol exchanges. Only the fields relevant to Type are populated;
// the rest are the zero value.
type Message struct {
	Type MsgType

	SessIDSender string
	Resp         bool

	SrcUserID    string
	SrcClientID  string
	DestUserID   string
	DestClientID string

	// Set by Decode from the recv/send timestamps passed in; not part
	// of the wire envelope itself.
	Time time.Time
	Age  time.Duration

	// SETUP / UPDATE
	SDP        string
	Props      *Props
	IceServers []IceServer

	// PROPSYNC carries only Props (already covered above).

	// ALERT
	AlertLevel uint32
	AlertDescr string

	// Transient messages (e.g. ALERT) are not retried or persisted by
	// a transport that distinguishes best-effort from reliable sends.
	Transient bool
}

// IsRequest reports whether this message is a request (as opposed to
// a response to one the peer sent).
func (m *Message) IsRequest() bool { return !m.Resp }

// wireEnvelope is the on-the-wire JSON shape. Keeping it separate from
// Message lets Message carry Go-native types (time.Duration, an enum)
// while the envelope stays a flat struct; unlike the property bag,
// unrecognized top-level envelope keys are not preserved and are
// dropped on decode.
type wireEnvelope struct {
	Version string `json:"version"`
	Type    string `json:"type"`
	SessID  string `json:"sessid"`
	Resp    bool   `json:"resp"`

	SrcUserID    string `json:"src_userid,omitempty"`
	SrcClientID  string `json:"src_clientid,omitempty"`
	DestUserID   string `json:"dest_userid,omitempty"`
	DestClientID string `json:"dest_clientid,omitempty"`

	SDP   string           `json:"sdp,omitempty"`
	Props *orderedPropsDoc `json:"props,omitempty"`

	IceServers []IceServer `json:"ice_servers,omitempty"`

	AlertLevel uint32 `json:"level,omitempty"`
	AlertDescr string `json:"descr,omitempty"`
}

// Encode serializes m into the self-describing textual envelope. The
// protocol version is always ProtoVersion; callers never set it.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("econn: encode: nil message")
	}
	name, ok := msgTypeName[m.Type]
	if !ok {
		return nil, &UnsupportedTypeError{Type: m.Type}
	}

	env := wireEnvelope{
		Version:      ProtoVersion,
		Type:         name,
		SessID:       m.SessIDSender,
		Resp:         m.Resp,
		SrcUserID:    m.SrcUserID,
		SrcClientID:  m.SrcClientID,
		DestUserID:   m.DestUserID,
		DestClientID: m.DestClientID,
	}

	switch m.Type {
	case MsgSetup, MsgUpdate:
		env.SDP = m.SDP
		if m.Props != nil {
			env.Props = newOrderedPropsDoc(m.Props)
		}
		env.IceServers = m.IceServers
	case MsgPropSync:
		env.Props = newOrderedPropsDoc(m.Props)
	case MsgAlert:
		env.AlertLevel = m.AlertLevel
		env.AlertDescr = m.AlertDescr
	case MsgCancel, MsgHangup, MsgReject, MsgPing,
		MsgGroupLeave, MsgGroupCheck, MsgConfCheck, MsgConfEnd:
		// no type-specific fields
	}

	return json.Marshal(env)
}

// Decode parses raw into a Message. recvTime/sendTime are used to
// compute Age (clamped to zero); sendTime is the zero time.Time when
// unknown, in which case Age is left at zero.
func Decode(raw []byte, recvTime, sendTime time.Time) (*Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed envelope", Cause: err}
	}

	if env.Version != ProtoVersion {
		return nil, &ProtocolError{
			Reason: fmt.Sprintf("version mismatch: got %q want %q", env.Version, ProtoVersion),
		}
	}

	mtype, ok := nameMsgType[env.Type]
	if !ok {
		return nil, &UnsupportedTypeError{TypeName: env.Type}
	}

	m := &Message{
		Type:         mtype,
		SessIDSender: env.SessID,
		Resp:         env.Resp,
		SrcUserID:    env.SrcUserID,
		SrcClientID:  env.SrcClientID,
		DestUserID:   env.DestUserID,
		DestClientID: env.DestClientID,
		Time:         recvTime,
		IceServers:   env.IceServers,
	}

	if !sendTime.IsZero() && !recvTime.IsZero() {
		age := recvTime.Sub(sendTime)
		if age < 0 {
			age = 0
		}
		m.Age = age
	}

	switch mtype {
	case MsgSetup, MsgUpdate:
		m.SDP = env.SDP
		m.Props = env.Props.toProps()
	case MsgPropSync:
		m.Props = env.Props.toProps()
	case MsgAlert:
		m.AlertLevel = env.AlertLevel
		m.AlertDescr = env.AlertDescr
	}

	return m, nil
}

// UnsupportedTypeError is returned by Decode when the `type` field
// names a message type this codec does not know, and by Encode when
// asked to serialize a Message with a zero-value/invalid Type.
type UnsupportedTypeError struct {
	Type     MsgType
	TypeName string
}

func (e *UnsupportedTypeError) Error() string {
	if e.TypeName != "" {
		return fmt.Sprintf("econn: unsupported message type %q", e.TypeName)
	}
	return fmt.Sprintf("econn: unsupported message type %d", int(e.Type))
}

// ProtocolError is returned by Decode for an envelope that does not
// parse or that carries an unsupported version.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("econn: protocol error: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("econn: protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// orderedPropsDoc marshals/unmarshals a Props preserving key order,
// since encoding/json's map support does not.
type orderedPropsDoc struct {
	props *Props
}

func newOrderedPropsDoc(p *Props) *orderedPropsDoc {
	if p == nil {
		p = NewProps()
	}
	return &orderedPropsDoc{props: p}
}

func (d *orderedPropsDoc) toProps() *Props {
	if d == nil || d.props == nil {
		return NewProps()
	}
	return d.props
}

func (d *orderedPropsDoc) MarshalJSON() ([]byte, error) {
	if d == nil || d.props == nil {
		return []byte("{}"), nil
	}
	var buf []byte
	buf = append(buf, '{')
	for i, k := range d.props.Keys() {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		v, _ := d.props.Get(k)
		vb, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func (d *orderedPropsDoc) UnmarshalJSON(data []byte) error {
	// decode twice: once into an ordered token stream to recover key
	// order, once into a map for the values themselves.
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("econn: props: expected object")
	}

	var vals map[string]string
	if err := json.Unmarshal(data, &vals); err != nil {
		return err
	}

	props := NewProps()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		// consume and discard the value token; the typed value
		// already came from vals above.
		if _, err := dec.Token(); err != nil {
			return err
		}
		props.Set(key, vals[key])
	}
	d.props = props
	return nil
}
