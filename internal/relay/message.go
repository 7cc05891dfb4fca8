package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Inbound message types, grouped in the order the Router checks them.
const (
	TypeControllerRegister = "controller_register"
	TypeTransferRegister   = "telegram_backup_register"
	TypeMonitorRegister    = "monitor"

	TypeTransferReady = "telegram_backup_ready"
	TypeSetPath       = "set_tdata_path"
	TypePathConfirmed = "tdata_path_confirmed"

	TypeBackupCommand  = "backup_command"
	TypeBackupCancel   = "telegram_backup_cancel"
	TypeBackupStatus   = "telegram_backup_status"
	TypeBackupStart    = "telegram_backup_start"
	TypeBackupChunk    = "telegram_backup_chunk"
	TypeBackupComplete = "telegram_backup_complete"
	TypeBackupError    = "backup_error"

	TypeHeartbeat = "heartbeat"
)

// Outbound notice types emitted by the core.
const (
	TypeClientRegistered = "client_registered"
	TypeBackupStarted    = "backup_started"
	TypeChunkReceived    = "telegram_backup_chunk_received"
	TypeBackupReady      = "backup_ready"
	TypeBackupTimeout    = "backup_timeout"
	TypeBackupCancelled  = "backup_cancelled"
	TypeError            = "error"
)

// Message is the closed set of decoded inbound messages. Every variant is
// declared in this file; the Router switches over all of them.
type Message interface {
	// MessageType returns the wire discriminator.
	MessageType() string
	// Raw returns the frame exactly as received.
	Raw() json.RawMessage
	isMessage()
}

type envelope struct {
	typ string
	raw json.RawMessage
}

func (e envelope) MessageType() string  { return e.typ }
func (e envelope) Raw() json.RawMessage { return e.raw }
func (envelope) isMessage()             {}

// Register announces the sender's role.
type Register struct {
	envelope
	Role Role
}

// Handshake is a readiness or path message relayed verbatim between the
// Controller and TransferClient groups.
type Handshake struct {
	envelope
}

// BackupCommand asks ready transfer clients to produce a backup.
type BackupCommand struct {
	envelope
	BackupID string
}

// BackupCancel aborts one transfer, or all of them when BackupID is empty.
type BackupCancel struct {
	envelope
	BackupID string
}

// BackupStatus is an opaque progress report from a transfer client. Status
// holds the report as sent; it may be any JSON value.
type BackupStatus struct {
	envelope
	BackupID string
	Status   json.RawMessage
}

// State returns the report when it is a JSON string, otherwise "".
func (m BackupStatus) State() string {
	var state string
	if err := json.Unmarshal(m.Status, &state); err != nil {
		return ""
	}
	return state
}

// BackupStart announces the beginning of a chunk stream.
type BackupStart struct {
	envelope
	BackupID string
	Filename string
}

// BackupChunk carries one base64 encoded fragment. Data is kept encoded
// until materialization.
type BackupChunk struct {
	envelope
	BackupID string
	Index    int
	Data     string
	Size     int64
}

// BackupComplete closes a chunk stream and declares its totals.
type BackupComplete struct {
	envelope
	BackupID    string
	TotalChunks int
	TotalSize   int64
}

// BackupError reports a producer side failure.
type BackupError struct {
	envelope
	BackupID string
	Error    string
}

// Heartbeat only refreshes the sender's activity timestamp.
type Heartbeat struct {
	envelope
}

// Passthrough is any message with an unrecognized type.
type Passthrough struct {
	envelope
}

type wireType struct {
	Type string `json:"type"`
}

// wireTransfer holds the fields of the transfer lifecycle messages. It is
// only decoded for those types, so other messages may reuse the same names
// with any JSON type.
type wireTransfer struct {
	BackupID    string          `json:"backupId"`
	Filename    string          `json:"filename"`
	ChunkIndex  *int            `json:"chunkIndex"`
	Data        string          `json:"data"`
	Size        int64           `json:"size"`
	TotalChunks int             `json:"totalChunks"`
	TotalSize   int64           `json:"totalSize"`
	Error       string          `json:"error"`
	Status      json.RawMessage `json:"status"`
}

// Decode parses one text frame into its message variant. Frames that are not
// a JSON object, that lack a type, or whose lifecycle fields have the wrong
// JSON type fail with ErrMalformedMessage. Unrecognized types are never
// inspected beyond their type.
func Decode(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedMessage)
	}

	var head wireType
	if err := json.Unmarshal(trimmed, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}

	env := envelope{typ: head.Type, raw: json.RawMessage(trimmed)}

	switch head.Type {
	case TypeControllerRegister:
		return Register{envelope: env, Role: RoleController}, nil
	case TypeTransferRegister:
		return Register{envelope: env, Role: RoleTransferClient}, nil
	case TypeMonitorRegister:
		return Register{envelope: env, Role: RoleMonitor}, nil

	case TypeTransferReady, TypeSetPath, TypePathConfirmed:
		return Handshake{envelope: env}, nil

	case TypeHeartbeat:
		return Heartbeat{envelope: env}, nil

	case TypeBackupCommand, TypeBackupCancel, TypeBackupStatus, TypeBackupStart,
		TypeBackupChunk, TypeBackupComplete, TypeBackupError:
		return decodeTransfer(env, trimmed)

	default:
		return Passthrough{envelope: env}, nil
	}
}

func decodeTransfer(env envelope, data []byte) (Message, error) {
	var w wireTransfer
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, env.typ, err)
	}

	switch env.typ {
	case TypeBackupCommand:
		return BackupCommand{envelope: env, BackupID: w.BackupID}, nil
	case TypeBackupCancel:
		return BackupCancel{envelope: env, BackupID: w.BackupID}, nil
	case TypeBackupStatus:
		return BackupStatus{envelope: env, BackupID: w.BackupID, Status: w.Status}, nil
	case TypeBackupStart:
		return BackupStart{envelope: env, BackupID: w.BackupID, Filename: w.Filename}, nil
	case TypeBackupChunk:
		if w.ChunkIndex == nil || *w.ChunkIndex < 0 {
			return nil, fmt.Errorf("%w: chunk without a non-negative chunkIndex", ErrMalformedMessage)
		}
		return BackupChunk{envelope: env, BackupID: w.BackupID, Index: *w.ChunkIndex, Data: w.Data, Size: w.Size}, nil
	case TypeBackupComplete:
		return BackupComplete{envelope: env, BackupID: w.BackupID, TotalChunks: w.TotalChunks, TotalSize: w.TotalSize}, nil
	default:
		return BackupError{envelope: env, BackupID: w.BackupID, Error: w.Error}, nil
	}
}

// withField returns raw with key set to value, leaving other fields intact.
func withField(raw json.RawMessage, key string, value any) ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields[key] = encoded
	return json.Marshal(fields)
}
