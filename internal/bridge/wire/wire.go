// Package wire is the framing and message vocabulary spoken between the
// bridge and the worker over the loopback socket.
//
// Every frame is a big-endian uint32 length followed by that many bytes. A
// message is one JSON header frame followed by Header.Parts binary frames.
// Numeric payloads inside binary frames are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/bytedance/sonic"
)

// Version is the protocol version exchanged in the connect handshake.
const Version = "1"

// DefaultMaxFrame bounds a single frame unless the caller picks another limit.
const DefaultMaxFrame = 1 << 30

// Message types.
const (
	TypeConnectReq       = "connect-req"
	TypeConnectReply     = "connect-reply"
	TypePipelineInfoReq  = "pipeline-info-req"
	TypePipelineInfo     = "pipeline-info-reply"
	TypeCleanPipelineReq = "clean-pipeline-req"
	TypeCleanPipeline    = "clean-pipeline-reply"
	TypeRunReq           = "run-req"
	TypeRunGroupReq      = "run-group-req"
	TypeRunReply         = "run-reply"

	TypePipelineException = "pipeline-exception"
	TypeAnalysisException = "analysis-exception"
	TypeException         = "exception"
)

var (
	ErrFrameTooLarge = errors.New("frame too large")
	ErrMalformed     = errors.New("malformed message")
)

// Header is the JSON frame that starts every message. Fields are populated
// according to Type.
type Header struct {
	Type  string `json:"type"`
	Parts int    `json:"parts"`

	Version string `json:"version,omitempty"`
	Worker  string `json:"worker,omitempty"`

	Pipeline string   `json:"pipeline,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Tables   []string `json:"tables,omitempty"`

	Images  []ImageRef    `json:"images,omitempty"`
	Results []TableResult `json:"results,omitempty"`

	Message string `json:"message,omitempty"`
}

// ImageRef points one channel at the binary part holding its float32 samples.
type ImageRef struct {
	Channel string `json:"channel"`
	Shape   []int  `json:"shape"`
	Part    int    `json:"part"`
}

// TableResult describes one result table of a run reply.
type TableResult struct {
	Name     string       `json:"name"`
	Objects  int          `json:"objects"`
	Features []FeatureRef `json:"features"`
}

// FeatureRef is one feature of a run reply. Numeric kinds reference a binary
// part; the string kind carries its value inline.
type FeatureRef struct {
	Name  string  `json:"name"`
	Kind  string  `json:"kind"`
	Part  *int    `json:"part,omitempty"`
	Value *string `json:"value,omitempty"`
}

// Message is a header plus its binary parts.
type Message struct {
	Header Header
	Parts  [][]byte
}

// IsException reports whether m is one of the error replies.
func (m *Message) IsException() bool {
	switch m.Header.Type {
	case TypePipelineException, TypeAnalysisException, TypeException:
		return true
	}
	return false
}

// Write frames m onto w. Header.Parts is set from len(m.Parts).
func Write(w io.Writer, m *Message) error {
	m.Header.Parts = len(m.Parts)
	header, err := sonic.Marshal(&m.Header)
	if err != nil {
		return fmt.Errorf("%w: encode header: %v", ErrMalformed, err)
	}
	if err := writeFrame(w, header); err != nil {
		return err
	}
	for _, p := range m.Parts {
		if err := writeFrame(w, p); err != nil {
			return err
		}
	}
	return nil
}

// Read reads one message from r. Frames larger than maxFrame fail with
// ErrFrameTooLarge; a header that does not decode fails with ErrMalformed.
// Other errors come from r.
func Read(r io.Reader, maxFrame int) (*Message, error) {
	header, err := readFrame(r, maxFrame)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if err := sonic.Unmarshal(header, &m.Header); err != nil {
		return nil, fmt.Errorf("%w: decode header: %v", ErrMalformed, err)
	}
	if m.Header.Type == "" {
		return nil, fmt.Errorf("%w: header without type", ErrMalformed)
	}
	if m.Header.Parts < 0 || m.Header.Parts > 1<<16 {
		return nil, fmt.Errorf("%w: %d parts", ErrMalformed, m.Header.Parts)
	}
	m.Parts = make([][]byte, m.Header.Parts)
	for i := range m.Parts {
		if m.Parts[i], err = readFrame(r, maxFrame); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func writeFrame(w io.Writer, data []byte) error {
	if uint64(len(data)) > math.MaxUint32 {
		return ErrFrameTooLarge
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader, maxFrame int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if maxFrame > 0 && uint64(n) > uint64(maxFrame) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, n, maxFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}
