package ap

import (
	"errors"
	"fmt"
)

// State is the foreground loop's current activity.
type State int32

const (
	StateWait State = iota
	StateProcessingPacket
	StateProcessingCommand
)

func (s State) String() string {
	switch s {
	case StateWait:
		return "wait"
	case StateProcessingPacket:
		return "processing-packet"
	case StateProcessingCommand:
		return "processing-command"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var ErrUnknownCommand = errors.New("unknown command")

// Command is an operator command code, entered as a single character.
type Command byte

const (
	// CommandStart broadcasts START.
	CommandStart Command = '0'
	// CommandPoll schedules every active device and polls the first.
	CommandPoll Command = '1'
	// CommandDump writes the device table and RSSI matrix to the console.
	CommandDump Command = '2'
)

// ParseCommand validates an operator code.
func ParseCommand(b byte) (Command, error) {
	switch c := Command(b); c {
	case CommandStart, CommandPoll, CommandDump:
		return c, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCommand, b)
	}
}

func (c Command) String() string {
	switch c {
	case CommandStart:
		return "start"
	case CommandPoll:
		return "poll"
	case CommandDump:
		return "dump"
	default:
		return fmt.Sprintf("Command(%q)", byte(c))
	}
}
