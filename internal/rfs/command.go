package rfs

import "fmt"

// Command is an rfs command code.
type Command uint8

// Command codes understood by the remote core. Codes 15 and 16 are reserved.
const (
	CmdListInit  Command = 0
	CmdListNext  Command = 1
	CmdListExit  Command = 2
	CmdStat      Command = 3
	CmdOpen      Command = 4
	CmdClose     Command = 5
	CmdRead      Command = 6
	CmdWrite     Command = 7
	CmdCreate    Command = 8
	CmdDelete    Command = 9
	CmdMkdir     Command = 10
	CmdRmdir     Command = 11
	CmdRename    Command = 12
	CmdMount     Command = 13
	CmdUmount    Command = 14
	CmdVolSize   Command = 17
	CmdQuickStat Command = 18
	CmdSetTime   Command = 19

	// NumCommands is one more than the highest command code. It can be used
	// to size dispatch tables indexed by Command.
	NumCommands = 20
)

var commandNames = [NumCommands]string{
	CmdListInit:  "ListInit",
	CmdListNext:  "ListNext",
	CmdListExit:  "ListExit",
	CmdStat:      "Stat",
	CmdOpen:      "Open",
	CmdClose:     "Close",
	CmdRead:      "Read",
	CmdWrite:     "Write",
	CmdCreate:    "Create",
	CmdDelete:    "Delete",
	CmdMkdir:     "Mkdir",
	CmdRmdir:     "Rmdir",
	CmdRename:    "Rename",
	CmdMount:     "Mount",
	CmdUmount:    "Umount",
	CmdVolSize:   "VolSize",
	CmdQuickStat: "QuickStat",
	CmdSetTime:   "SetTime",
}

func (c Command) String() string {
	if int(c) < len(commandNames) && commandNames[c] != "" {
		return commandNames[c]
	}
	return fmt.Sprintf("Command(%d)", uint8(c))
}

// Valid returns true if c is a known command.
func (c Command) Valid() bool {
	return int(c) < len(commandNames) && commandNames[c] != ""
}

// ExpectsReply returns false for notification commands, which the remote
// core never answers.
func (c Command) ExpectsReply() bool {
	switch c {
	case CmdListExit, CmdQuickStat:
		return false
	default:
		return true
	}
}
