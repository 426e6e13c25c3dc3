package jsonwire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame; anything larger is a protocol error.
const maxFrameSize = 4 << 20

// Frame type discriminators.
const (
	frameLogin       = "login"
	frameLoginStatus = "login_status"
	frameDirectory   = "directory"
	frameRefresh     = "refresh"
	frameCmdError    = "cmd_error"
)

// frame is the union of every message exchanged on the wire. Each frame is a
// JSON object preceded by a 4-byte big-endian length.
type frame struct {
	Type string `json:"type"`

	// login (client -> server)
	UserName      string `json:"user_name,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	InstanceID    string `json:"instance_id,omitempty"`
	Position      string `json:"position,omitempty"`

	// login_status (server -> client)
	Stream   string `json:"stream,omitempty"`
	Data     string `json:"data,omitempty"`
	Text     string `json:"text,omitempty"`
	RWFMajor int    `json:"rwf_major,omitempty"`
	RWFMinor int    `json:"rwf_minor,omitempty"`

	// cmd_error (server -> client)
	Severity       string `json:"severity,omitempty"`
	Classification string `json:"classification,omitempty"`

	// refresh (client -> server)
	TokenID        uint64       `json:"token_id,omitempty"`
	ServiceName    string       `json:"service_name,omitempty"`
	ItemName       string       `json:"item_name,omitempty"`
	Unsolicited    bool         `json:"unsolicited,omitempty"`
	Complete       bool         `json:"complete,omitempty"`
	ClearCache     bool         `json:"clear_cache,omitempty"`
	Fields         []frameField `json:"fields,omitempty"`
	PermissionData []byte       `json:"permission_data,omitempty"`

	// directory (client -> server)
	Vendor           string     `json:"vendor,omitempty"`
	Capabilities     []int      `json:"capabilities,omitempty"`
	DictionariesUsed []string   `json:"dictionaries_used,omitempty"`
	QoS              []frameQoS `json:"qos,omitempty"`
	ServiceState     int        `json:"service_state,omitempty"`
}

type frameField struct {
	FID      int32  `json:"fid"`
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Mantissa int64  `json:"mantissa,omitempty"`
	Exponent int8   `json:"exponent,omitempty"`
	Blank    bool   `json:"blank,omitempty"`
}

type frameQoS struct {
	Timeliness string `json:"timeliness"`
	Rate       string `json:"rate"`
}

func writeFrame(w io.Writer, f *frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("jsonwire: encode %s frame: %w", f.Type, err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("jsonwire: %s frame too large (%d bytes)", f.Type, len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("jsonwire: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("jsonwire: write frame payload: %w", err)
	}
	return nil
}

func readFrame(r *bufio.Reader) (*frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > maxFrameSize {
		return nil, fmt.Errorf("jsonwire: bad frame size %d", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return nil, fmt.Errorf("jsonwire: decode frame: %w", err)
	}
	return &f, nil
}
