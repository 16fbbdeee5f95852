package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/psantana5/edgedash/pkg/models"
	"github.com/psantana5/edgedash/pkg/transport"
)

// Separator joins the fields of a control message
const Separator = "~"

var (
	ErrUnknownCommand    = errors.New("protocol: unknown command")
	ErrMalformed         = errors.New("protocol: malformed control message")
	ErrReservedSeparator = errors.New("protocol: field contains the message separator")
)

// Control is a decoded control message.
// ANALYSE and RETURN set PayloadID and Filename, COMPLETE sets Filename,
// HW_INFO and ERROR carry their text in Body.
type Control struct {
	Command   models.Command
	PayloadID transport.PayloadID
	Filename  string
	Body      string
}

// Encode joins a command and its fields
func Encode(cmd models.Command, fields ...string) ([]byte, error) {
	if _, err := models.ParseCommand(string(cmd)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
	}
	for _, f := range fields {
		if strings.Contains(f, Separator) {
			return nil, fmt.Errorf("%w: %q", ErrReservedSeparator, f)
		}
	}
	parts := append([]string{string(cmd)}, fields...)
	if cmd == models.CommandHWInfoRequest && len(fields) == 0 {
		parts = append(parts, "")
	}
	return []byte(strings.Join(parts, Separator)), nil
}

// EncodeTransfer builds the message announcing a file payload
func EncodeTransfer(cmd models.Command, id transport.PayloadID, filename string) ([]byte, error) {
	if !cmd.CarriesFile() {
		return nil, fmt.Errorf("%w: %s does not announce a file", ErrMalformed, cmd)
	}
	return Encode(cmd, id.String(), filename)
}

// Decode parses a control message received as a bytes payload
func Decode(data []byte) (Control, error) {
	head, rest, hasRest := strings.Cut(string(data), Separator)
	cmd, err := models.ParseCommand(head)
	if err != nil {
		return Control{}, fmt.Errorf("%w: %q", ErrUnknownCommand, head)
	}
	c := Control{Command: cmd}

	switch cmd {
	case models.CommandAnalyse, models.CommandReturn:
		fields := strings.Split(rest, Separator)
		if !hasRest || len(fields) != 2 || fields[1] == "" {
			return Control{}, fmt.Errorf("%w: %s needs a payload id and a filename", ErrMalformed, cmd)
		}
		id, err := transport.ParsePayloadID(fields[0])
		if err != nil {
			return Control{}, fmt.Errorf("%w: bad payload id %q", ErrMalformed, fields[0])
		}
		c.PayloadID = id
		c.Filename = fields[1]
	case models.CommandComplete:
		if !hasRest || rest == "" || strings.Contains(rest, Separator) {
			return Control{}, fmt.Errorf("%w: %s needs exactly one filename", ErrMalformed, cmd)
		}
		c.Filename = rest
	case models.CommandHWInfo:
		if !hasRest || rest == "" {
			return Control{}, fmt.Errorf("%w: %s needs a profile", ErrMalformed, cmd)
		}
		c.Body = rest
	case models.CommandHWInfoRequest:
		if rest != "" {
			return Control{}, fmt.Errorf("%w: %s takes no fields", ErrMalformed, cmd)
		}
	case models.CommandError:
		c.Body = rest
	}
	return c, nil
}
