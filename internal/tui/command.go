package tui

import "strings"

// Command is a parsed ":" command line.
type Command struct {
	Name string
	Args string
}

// ParseCommand parses a command string (without the leading ':'). Names are
// case-insensitive; arguments keep their case.
func ParseCommand(input string) Command {
	input = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), ":"))
	name, args, _ := strings.Cut(input, " ")
	return Command{Name: strings.ToLower(name), Args: strings.TrimSpace(args)}
}
