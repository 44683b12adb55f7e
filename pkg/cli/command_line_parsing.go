// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type ErrHelpPageRequested struct {
	helpMessage string
}

func (err ErrHelpPageRequested) Error() string {
	return err.helpMessage
}

type ErrCommandNotFound struct {
	commandName string
}

func (err ErrCommandNotFound) Error() string {
	return fmt.Sprintf("unknown command '%s'", err.commandName)
}

type ErrInvalidOption struct {
	option string
}

func (err ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option -- '%s'", err.option)
}

type ErrMissingParameters struct {
	missing []string
}

func (err ErrMissingParameters) Error() string {
	return "Missing parameter:\n" + strings.Join(err.missing, "\n")
}

type parameter struct {
	value            string
	defaultValue     string
	shortFlag        string
	name             string
	description      string
	shortDescription string
	required         bool
	set              bool
}

func (param parameter) longFlag() string {
	return "--" + param.name
}

// match reports whether argument names the parameter and whether the value
// follows as the next argument ("-t name") rather than inline ("--target=name").
func (param parameter) match(argument string) (matched bool, valueInNext bool) {
	if argument == param.longFlag() || argument == param.shortFlag {
		return true, true
	}
	if strings.HasPrefix(argument, param.longFlag()+"=") || strings.HasPrefix(argument, param.shortFlag+"=") {
		return true, false
	}
	return false, false
}

func (param parameter) help() string {
	line := fmt.Sprintf("    %s/%s - %s", param.shortFlag, param.longFlag(), param.description)
	if param.defaultValue != "" {
		line += fmt.Sprintf(" (default %s)", param.defaultValue)
	}
	return line
}

func (param parameter) usage() string {
	usage := fmt.Sprintf("%s|%s %s", param.shortFlag, param.longFlag(), param.shortDescription)
	if param.required {
		return usage
	}
	return "[" + usage + "]"
}

func (param *parameter) extract(value string) {
	param.value = value
	param.set = true
}

type Command struct {
	name        string
	description string
	// declaration order is kept for help output
	parameters []*parameter
}

func newCommand(name, description string) *Command {
	return &Command{
		name:        name,
		description: description,
	}
}

func (command *Command) parameter(name string) *parameter {
	for _, param := range command.parameters {
		if param.name == name {
			return param
		}
	}
	return nil
}

func (command Command) usage() string {
	usages := make([]string, 0, len(command.parameters)+1)
	usages = append(usages, command.name)
	for _, param := range command.parameters {
		usages = append(usages, param.usage())
	}
	return strings.Join(usages, " ")
}

func (command Command) Help() string {
	if len(command.parameters) == 0 {
		return command.description + "\n"
	}
	descriptions := make([]string, 0, len(command.parameters))
	for _, param := range command.parameters {
		descriptions = append(descriptions, param.help())
	}
	return fmt.Sprintf("%s\n  Options:\n%s", command.description, strings.Join(descriptions, "\n"))
}

func (command *Command) reset() {
	for _, param := range command.parameters {
		param.value = ""
		param.set = false
	}
}

func (command *Command) ParseArgs(args []string) error {
	command.reset()
	var pending *parameter
	for index, argument := range args {
		if index == 0 && (argument == "--help" || argument == "-h") {
			return &ErrHelpPageRequested{helpMessage: command.Help()}
		}
		// "-t name": the previous argument was the flag
		if pending != nil {
			pending.extract(argument)
			pending = nil
			continue
		}
		found := false
		for _, param := range command.parameters {
			matched, valueInNext := param.match(argument)
			if !matched {
				continue
			}
			found = true
			if valueInNext {
				pending = param
			} else {
				param.extract(argument[strings.Index(argument, "=")+1:])
			}
			break
		}
		if !found {
			return &ErrInvalidOption{option: argument}
		}
	}
	if pending != nil {
		return errors.Errorf("option %s requires a value", pending.longFlag())
	}
	missing := make([]string, 0)
	for _, param := range command.parameters {
		if !param.set && param.required {
			missing = append(missing, param.help())
		}
	}
	if len(missing) != 0 {
		return &ErrMissingParameters{missing: missing}
	}
	return nil
}

func (command *Command) AddParameter(
	short string,
	name string,
	description string,
	shortDescription string,
	required bool,
) *Command {
	command.parameters = append(command.parameters, &parameter{
		shortFlag:        short,
		name:             name,
		description:      description,
		required:         required,
		shortDescription: shortDescription,
	})
	return command
}

// AddOptionalParameter adds a parameter that falls back to defaultValue.
func (command *Command) AddOptionalParameter(
	short string,
	name string,
	description string,
	shortDescription string,
	defaultValue string,
) *Command {
	command.AddParameter(short, name, description, shortDescription, false)
	command.parameters[len(command.parameters)-1].defaultValue = defaultValue
	return command
}

func (command Command) GetParameter(parameterName string) (string, error) {
	param := command.parameter(parameterName)
	if param == nil {
		return "", errors.Errorf("unknown parameter %s", parameterName)
	}
	if param.set {
		return param.value, nil
	}
	if param.defaultValue != "" {
		return param.defaultValue, nil
	}
	return "", errors.Errorf("missing parameter %s", parameterName)
}

func (command Command) GetIntParameter(parameterName string) (int, error) {
	value, err := command.GetParameter(parameterName)
	if err != nil {
		return 0, err
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Errorf("%s must be an integer, '%s' received", parameterName, value)
	}
	return result, nil
}

type CommandList struct {
	name        string
	description string
	commands    map[string]*Command
	// set by Parse
	currentCommandName string
}

func (cmdList CommandList) sortedNames() []string {
	names := make([]string, 0, len(cmdList.commands))
	for name := range cmdList.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (cmdList CommandList) usages() string {
	usages := make([]string, 0, len(cmdList.commands))
	for _, name := range cmdList.sortedNames() {
		usages = append(usages, fmt.Sprintf("%s %s", cmdList.name, cmdList.commands[name].usage()))
	}
	return strings.Join(usages, "\n") + "\n"
}

func (cmdList CommandList) Help() string {
	descriptions := make([]string, 0, len(cmdList.commands))
	for _, name := range cmdList.sortedNames() {
		descriptions = append(descriptions, fmt.Sprintf("* '%s': %s", name, cmdList.commands[name].Help()))
	}
	return fmt.Sprintf("%s - %s", cmdList.name, cmdList.description) +
		"\nUsage:\n" +
		cmdList.usages() +
		"\nSupported commands:\n" +
		strings.Join(descriptions, "\n\n")
}

func (cmdList *CommandList) AddCommand(name, description string) *Command {
	command := newCommand(name, description)
	cmdList.commands[name] = command
	return command
}

func (cmdList CommandList) GetCommand(name string) (*Command, bool) {
	value, ok := cmdList.commands[name]
	return value, ok
}

// Parse takes os.Args style arguments: program name, command, options.
func (cmdList *CommandList) Parse(args []string) error {
	if len(args) < 2 {
		return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
	}
	commandName := args[1]
	command, ok := cmdList.GetCommand(commandName)
	if !ok {
		if commandName == "--help" || commandName == "help" || commandName == "-h" {
			return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
		}
		return &ErrCommandNotFound{commandName: commandName}
	}
	if err := command.ParseArgs(args[2:]); err != nil {
		return err
	}
	cmdList.currentCommandName = commandName
	return nil
}

func (cmdList CommandList) GetCurrentCommand() (string, *Command) {
	command, ok := cmdList.GetCommand(cmdList.currentCommandName)
	if !ok {
		return "", nil
	}
	return cmdList.currentCommandName, command
}

func NewCommandList(name, description string) *CommandList {
	return &CommandList{
		name:        name,
		description: description,
		commands:    make(map[string]*Command),
	}
}
