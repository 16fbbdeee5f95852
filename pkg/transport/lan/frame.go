package lan

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/psantana5/edgedash/pkg/transport"
)

const (
	maxHeaderBytes = 64 * 1024
	maxBodyBytes   = 8 * 1024 * 1024
	chunkSize      = 64 * 1024
)

// Frame types on a peer link
const (
	frameConnect = "connect"
	frameAccept  = "accept"
	frameReject  = "reject"
	frameBytes   = "bytes"
	frameFile    = "file"
	frameChunk   = "chunk"
	frameEnd     = "end"
	frameCancel  = "cancel"
	frameBye     = "bye"
)

var errFrameTooLarge = errors.New("lan: frame too large")

// frame is the JSON header of every link message. BodyLen raw bytes follow it.
type frame struct {
	Type      string              `json:"type"`
	From      string              `json:"from,omitempty"`
	Name      string              `json:"name,omitempty"`
	Port      int                 `json:"port,omitempty"`
	PayloadID transport.PayloadID `json:"payloadId,omitempty"`
	Size      int64               `json:"size,omitempty"`
	BodyLen   int                 `json:"bodyLen,omitempty"`
}

// writeFrame writes [header length][header][body]
func writeFrame(w io.Writer, f frame, body []byte) error {
	f.BodyLen = len(body)
	header, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 4, 4+len(header)+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

func readFrame(r *bufio.Reader) (frame, []byte, error) {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return frame{}, nil, err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n == 0 || n > maxHeaderBytes {
		return frame{}, nil, fmt.Errorf("%w: header of %d bytes", errFrameTooLarge, n)
	}
	header := make([]byte, n)
	if _, err := io.ReadFull(r, header); err != nil {
		return frame{}, nil, err
	}

	var f frame
	if err := json.Unmarshal(header, &f); err != nil {
		return frame{}, nil, fmt.Errorf("lan: bad frame header: %w", err)
	}
	if f.BodyLen < 0 || f.BodyLen > maxBodyBytes {
		return frame{}, nil, fmt.Errorf("%w: body of %d bytes", errFrameTooLarge, f.BodyLen)
	}
	var body []byte
	if f.BodyLen > 0 {
		body = make([]byte, f.BodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return frame{}, nil, err
		}
	}
	return f, body, nil
}
