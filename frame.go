package meshagent

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Default size caps, in bytes, for a Frame's serialized Data and Meta
// fields, for passing to Validate. A Frame with Large set to true is
// exempt. Neither the codecs nor the Agent's send and receive paths
// check frames against them; only Validate does.
const (
	DefaultMaxDataSize = 512
	DefaultMaxMetaSize = 256
)

// uuidSize is the fixed width of a Frame's UUID on the wire: a
// google/uuid string with hyphens removed is exactly 32 hex characters.
const uuidSize = 32

// Frame is the immutable envelope exchanged between agents. Construct
// one with NewFrame; once built, treat its fields as read-only and use
// Reply to derive a correlated response.
type Frame struct {
	Name  string         `json:"name"`
	Kind  Kind           `json:"kind"`
	UUID  string         `json:"uuid"`
	Data  map[string]any `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Large bool           `json:"-"`
}

// NewFrame builds a Frame with a fresh correlation UUID. Data and Meta
// may be nil.
func NewFrame(name string, kind Kind, data, meta map[string]any) Frame {
	return Frame{
		Name: name,
		Kind: kind,
		UUID: newFrameUUID(),
		Data: data,
		Meta: meta,
	}
}

// newFrameUUID returns a 32-character, hyphen-free UUID suitable for
// the wire format's fixed-width uuid field.
func newFrameUUID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// Reply builds a new frame correlated to f via meta.reply_to, with its
// own fresh uuid. Replying to a REQUEST yields a RESPONSE; replying to
// any other kind preserves f's kind.
func (f Frame) Reply(data, meta map[string]any) Frame {
	kind := f.Kind
	if f.Kind == REQUEST {
		kind = RESPONSE
	}

	merged := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		merged[k] = v
	}
	merged["reply_to"] = f.UUID

	return Frame{
		Name: f.Name,
		Kind: kind,
		UUID: newFrameUUID(),
		Data: data,
		Meta: merged,
	}
}

// Validate checks name length, uuid width, and that Data/Meta marshal
// to JSON within maxData/maxMeta bytes unless f.Large is set. Pass
// DefaultMaxDataSize/DefaultMaxMetaSize to use the runtime's defaults.
func (f Frame) Validate(maxData, maxMeta int) error {
	if !f.Kind.Valid() {
		return fmt.Errorf("meshagent: invalid kind %d", f.Kind)
	}
	if len(f.UUID) != uuidSize {
		return fmt.Errorf("meshagent: uuid must be %d characters, got %d", uuidSize, len(f.UUID))
	}
	nameLen := len(f.Name)
	if nameLen < 2 || nameLen > 128 {
		return fmt.Errorf("meshagent: name must be 2-128 bytes, got %d", nameLen)
	}

	if !f.Large {
		dataJSON, err := json.Marshal(f.Data)
		if err != nil {
			return fmt.Errorf("meshagent: data not JSON-serializable: %w", err)
		}
		if len(dataJSON) > maxData {
			return fmt.Errorf("meshagent: data exceeds %d bytes (got %d); set Large to allow it", maxData, len(dataJSON))
		}

		metaJSON, err := json.Marshal(f.Meta)
		if err != nil {
			return fmt.Errorf("meshagent: meta not JSON-serializable: %w", err)
		}
		if len(metaJSON) > maxMeta {
			return fmt.Errorf("meshagent: meta exceeds %d bytes (got %d); set Large to allow it", maxMeta, len(metaJSON))
		}
	}

	return nil
}

// wireFrame is the JSON-on-the-wire shape. It exists separately from
// Frame so Large (a local validation flag, never transmitted) can't
// leak into the wire representation by accident.
type wireFrame struct {
	Name string         `json:"name"`
	Kind Kind           `json:"kind"`
	UUID string         `json:"uuid"`
	Data map[string]any `json:"data,omitempty"`
	Meta map[string]any `json:"meta,omitempty"`
}

// ToJSON encodes the frame as JSON.
func (f Frame) ToJSON() ([]byte, error) {
	return json.Marshal(wireFrame{Name: f.Name, Kind: f.Kind, UUID: f.UUID, Data: f.Data, Meta: f.Meta})
}

// FrameFromJSON decodes a JSON-encoded frame.
func FrameFromJSON(b []byte) (Frame, error) {
	var w wireFrame
	if err := json.Unmarshal(b, &w); err != nil {
		return Frame{}, fmt.Errorf("meshagent: decode json frame: %w", err)
	}
	return Frame{Name: w.Name, Kind: w.Kind, UUID: w.UUID, Data: w.Data, Meta: w.Meta}, nil
}

// ToBytes encodes the frame using the compact binary layout:
//
//	large(1) name_size(4) data_size(4) meta_size(4) kind(2) uuid(32) name data meta
//
// large, name_size, data_size, and meta_size allow a reader to either
// validate against the configured caps (large == false) or trust the
// frame as oversized (large == true) before allocating buffers for the
// trailing fields.
func (f Frame) ToBytes() ([]byte, error) {
	if len(f.UUID) != uuidSize {
		return nil, fmt.Errorf("meshagent: uuid must be %d characters, got %d", uuidSize, len(f.UUID))
	}

	nameBytes := []byte(f.Name)
	dataBytes, err := json.Marshal(f.Data)
	if err != nil {
		return nil, fmt.Errorf("meshagent: data not JSON-serializable: %w", err)
	}
	metaBytes, err := json.Marshal(f.Meta)
	if err != nil {
		return nil, fmt.Errorf("meshagent: meta not JSON-serializable: %w", err)
	}

	buf := new(bytes.Buffer)
	large := byte(0)
	if f.Large {
		large = 1
	}
	buf.WriteByte(large)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(nameBytes)))
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(dataBytes)))
	buf.Write(u32[:])
	binary.BigEndian.PutUint32(u32[:], uint32(len(metaBytes)))
	buf.Write(u32[:])

	var u16 [2]byte
	binary.BigEndian.PutUint16(u16[:], uint16(f.Kind))
	buf.Write(u16[:])

	buf.WriteString(f.UUID)
	buf.Write(nameBytes)
	buf.Write(dataBytes)
	buf.Write(metaBytes)

	return buf.Bytes(), nil
}

// binaryHeaderSize is the fixed-width prefix before the variable-length
// name/data/meta fields: 1 (large) + 4 + 4 + 4 (sizes) + 2 (kind) + 32 (uuid).
const binaryHeaderSize = 1 + 4 + 4 + 4 + 2 + uuidSize

// FrameFromBytes decodes a frame produced by ToBytes.
func FrameFromBytes(b []byte) (Frame, error) {
	if len(b) < binaryHeaderSize {
		return Frame{}, fmt.Errorf("meshagent: binary frame too short: %d bytes", len(b))
	}

	large := b[0] == 1
	nameSize := binary.BigEndian.Uint32(b[1:5])
	dataSize := binary.BigEndian.Uint32(b[5:9])
	metaSize := binary.BigEndian.Uint32(b[9:13])
	kind := Kind(binary.BigEndian.Uint16(b[13:15]))
	uuidField := string(b[15:47])

	want := binaryHeaderSize + int(nameSize) + int(dataSize) + int(metaSize)
	if len(b) != want {
		return Frame{}, fmt.Errorf("meshagent: binary frame length mismatch: want %d, got %d", want, len(b))
	}

	offset := binaryHeaderSize
	name := string(b[offset : offset+int(nameSize)])
	offset += int(nameSize)
	dataBytes := b[offset : offset+int(dataSize)]
	offset += int(dataSize)
	metaBytes := b[offset : offset+int(metaSize)]

	var data, meta map[string]any
	if len(dataBytes) > 0 {
		if err := json.Unmarshal(dataBytes, &data); err != nil {
			return Frame{}, fmt.Errorf("meshagent: decode binary frame data: %w", err)
		}
	}
	if len(metaBytes) > 0 {
		if err := json.Unmarshal(metaBytes, &meta); err != nil {
			return Frame{}, fmt.Errorf("meshagent: decode binary frame meta: %w", err)
		}
	}

	return Frame{Name: name, Kind: kind, UUID: uuidField, Data: data, Meta: meta, Large: large}, nil
}
