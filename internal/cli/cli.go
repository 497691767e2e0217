package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Command string

const (
	CommandRun     Command = "run"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRun:     {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// Parsed is the result of parsing top-level process arguments.
type Parsed struct {
	Command      Command
	ConfigPath   string
	Name         string
	OutputDir    string
	SourceSystem string
	SourceMic    string
	SystemOnly   bool
	MicOnly      bool
	ListSources  bool
	ShowHelp     bool
}

// Parse reads top-level CLI flags and the trailing command.
func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandRun}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		case "--name":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--name requires a value")
			}
			parsed.Name = args[i]
		case "--output-dir":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--output-dir requires a path")
			}
			parsed.OutputDir = args[i]
		case "--source-system":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--source-system requires a value")
			}
			parsed.SourceSystem = args[i]
		case "--source-mic":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--source-mic requires a value")
			}
			parsed.SourceMic = args[i]
		case "--system-only":
			parsed.SystemOnly = true
		case "--mic-only":
			parsed.MicOnly = true
		case "--list-sources":
			parsed.ListSources = true
			parsed.Command = CommandDevices
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			if i != len(args)-1 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
		}
	}

	return parsed, nil
}

// ReplCommand is one line of the interactive start/stop/status/quit loop.
type ReplCommand string

const (
	ReplStart   ReplCommand = "start"
	ReplStop    ReplCommand = "stop"
	ReplStatus  ReplCommand = "status"
	ReplQuit    ReplCommand = "quit"
	ReplUnknown ReplCommand = ""
)

// ParseReplLine interprets one line read from the interactive session prompt.
func ParseReplLine(line string) (ReplCommand, error) {
	trimmed := strings.ToLower(strings.TrimSpace(line))
	switch trimmed {
	case "":
		return ReplUnknown, nil
	case "start":
		return ReplStart, nil
	case "stop":
		return ReplStop, nil
	case "status":
		return ReplStatus, nil
	case "quit", "exit":
		return ReplQuit, nil
	default:
		return ReplUnknown, fmt.Errorf("unknown command %q (try start, stop, status, quit)", trimmed)
	}
}

// FormatDuration renders a segment-duration flag value for help text.
func FormatDuration(seconds int) string {
	return strconv.Itoa(seconds) + "s"
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] <command>

Commands:
  run       Start the interactive recording session (default)
  devices   List available audio input sources
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Interactive session commands (typed at the "%[1]s>" prompt once running):
  start     Begin capturing and processing a new meeting
  stop      Stop the active meeting and print the final summary
  status    Print current state
  quit      Stop any active meeting and exit

Flags:
  --config PATH       Config file path (default: $XDG_CONFIG_HOME/mrats/config.jsonc)
  --name NAME         Session name used in the output directory
  --output-dir PATH   Override the configured output directory
  --source-system ID  Override the configured system-audio source
  --source-mic ID     Override the configured microphone source
  --system-only       Record only the system-audio source
  --mic-only          Record only the microphone source
  --list-sources      List audio sources and exit (alias for "devices")
  -h, --help          Show help
  --version           Show version
`, binaryName)
}
