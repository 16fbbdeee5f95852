package models

import "fmt"

// Command tags a control message exchanged between peers
type Command string

const (
	CommandError         Command = "ERROR"           // error during transfer
	CommandAnalyse       Command = "ANALYSE"         // analyse the transferred file
	CommandComplete      Command = "COMPLETE"        // file transfer finished downloading
	CommandReturn        Command = "RETURN"          // returning a results file
	CommandHWInfo        Command = "HW_INFO"         // delivering a hardware profile
	CommandHWInfoRequest Command = "HW_INFO_REQUEST" // asking for a hardware profile
)

// ParseCommand maps a wire token to a known command
func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandError, CommandAnalyse, CommandComplete, CommandReturn, CommandHWInfo, CommandHWInfoRequest:
		return c, nil
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// CarriesFile reports whether the command is paired with a bulk file payload
func (c Command) CarriesFile() bool {
	return c == CommandAnalyse || c == CommandReturn
}

// Message pairs queued or transferred content with the command that initiated it
type Message struct {
	Content Content `json:"content"`
	Command Command `json:"command"`
	// Origin is the endpoint a job came from when its result must be returned
	Origin string `json:"origin,omitempty"`
}

// NewAnalyseMessage wraps a video for remote analysis
func NewAnalyseMessage(video Content) Message {
	return Message{Content: video, Command: CommandAnalyse}
}
