// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"
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

type ErrMissingValue struct {
	option string
}

func (err ErrMissingValue) Error() string {
	return fmt.Sprintf("option '%s' requires a value", err.option)
}

type parameter struct {
	target           string
	shortFlag        string
	name             string
	description      string
	shortDescription string
	required         bool
	set              bool
}

func (param parameter) getFullCmdlineArgument() string {
	return "--" + param.name
}

// found matches "-t", "--target_name", "-t=value" and "--target_name=value".
func (param parameter) found(argument string) bool {
	name, _, _ := strings.Cut(argument, "=")
	return name == param.getFullCmdlineArgument() || name == param.shortFlag
}

func (param parameter) valueInNextCmd(argument string) bool {
	return argument == param.getFullCmdlineArgument() || argument == param.shortFlag
}

func (param parameter) help() string {
	return fmt.Sprintf(
		"    %s/--%s - %s",
		param.shortFlag,
		param.name,
		param.description,
	)
}

func (param parameter) usage() string {
	if param.required {
		return fmt.Sprintf("%s|--%s <%s>", param.shortFlag, param.name, param.shortDescription)
	}
	return fmt.Sprintf(
		"[%s|--%s %s]",
		param.shortFlag,
		param.name,
		param.shortDescription,
	)
}

func (param *parameter) extract(value string) {
	param.target = value
	param.set = true
}

type Command struct {
	name        string
	parameters  map[string]*parameter
	order       []string
	description string
}

func newCommand(name, description string) *Command {
	return &Command{
		name:        name,
		parameters:  make(map[string]*parameter),
		description: description,
	}
}

func (command *Command) orderedParameters() []*parameter {
	result := make([]*parameter, 0, len(command.order))
	for _, name := range command.order {
		result = append(result, command.parameters[name])
	}
	return result
}

func (command *Command) findParameter(commandLineArgument string) *parameter {
	for _, argument := range command.orderedParameters() {
		if argument.found(commandLineArgument) {
			return argument
		}
	}
	return nil
}

func (command Command) usage() string {
	eachCommandUsages := make([]string, 0, len(command.parameters))
	for _, arg := range command.orderedParameters() {
		eachCommandUsages = append(eachCommandUsages, arg.usage())
	}
	if len(eachCommandUsages) > 0 {
		return fmt.Sprintf(
			"%s %s",
			command.name,
			strings.Join(eachCommandUsages, " "),
		)
	}
	return command.name
}

func (command Command) Help() string {
	eachCommandsDescriptions := make([]string, 0, len(command.parameters))
	for _, arg := range command.orderedParameters() {
		eachCommandsDescriptions = append(eachCommandsDescriptions, arg.help())
	}
	if len(eachCommandsDescriptions) > 0 {
		return fmt.Sprintf(
			"%s\n  Options:\n%s",
			command.description,
			strings.Join(eachCommandsDescriptions, "\n"),
		)
	}
	return command.description + "\n"
}

func (command *Command) ParseArgs(args []string) error {
	var currentArgument *parameter
	for _, commandLineArgument := range args {
		if commandLineArgument == "--help" || commandLineArgument == "-h" {
			return &ErrHelpPageRequested{helpMessage: command.Help()}
		}
		// The previous argument was a bare option name, as in "--size 10",
		// so this one is its value.
		if currentArgument != nil {
			currentArgument.extract(commandLineArgument)
			currentArgument = nil
			continue
		}
		parameter := command.findParameter(commandLineArgument)
		if parameter == nil {
			return &ErrInvalidOption{option: commandLineArgument}
		}
		if parameter.valueInNextCmd(commandLineArgument) {
			currentArgument = parameter
			continue
		}
		// "--size=10"
		_, value, _ := strings.Cut(commandLineArgument, "=")
		parameter.extract(value)
	}
	if currentArgument != nil {
		return &ErrMissingValue{option: currentArgument.getFullCmdlineArgument()}
	}
	missingParametersErrorString := ""
	for _, parameter := range command.orderedParameters() {
		if !parameter.set && parameter.required {
			missingParametersErrorString += "Missing parameter:\n" + parameter.help() + "\n"
		}
	}
	if missingParametersErrorString != "" {
		return errors.New(missingParametersErrorString)
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
	if _, exists := command.parameters[name]; !exists {
		command.order = append(command.order, name)
	}
	command.parameters[name] = &parameter{
		shortFlag:        short,
		name:             name,
		description:      description,
		required:         required,
		shortDescription: shortDescription,
	}
	return command
}

func (command Command) GetParameter(parameterName string) (string, error) {
	value, ok := command.parameters[parameterName]
	if !ok {
		return "", fmt.Errorf("missing parameter %s", parameterName)
	}
	if !value.set {
		return "", fmt.Errorf("missing parameter %s", parameterName)
	}
	return value.target, nil
}

// GetOptionalParameter returns the value of an optional parameter, or
// defaultValue when it was not given.
func (command Command) GetOptionalParameter(parameterName, defaultValue string) string {
	value, ok := command.parameters[parameterName]
	if !ok || !value.set {
		return defaultValue
	}
	return value.target
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
	commandUsages := make([]string, 0, len(cmdList.commands))
	for _, name := range cmdList.sortedNames() {
		commandUsages = append(commandUsages, fmt.Sprintf("%s %s", cmdList.name, cmdList.commands[name].usage()))
	}
	return strings.Join(commandUsages, "\n") + "\n"
}

func (cmdList CommandList) Help() string {
	commandDescriptions := make([]string, 0, len(cmdList.commands))
	for _, name := range cmdList.sortedNames() {
		commandDescriptions = append(commandDescriptions, fmt.Sprintf("* '%s': %s", name, cmdList.commands[name].Help()))
	}
	return fmt.Sprintf(
		"%s - %s",
		cmdList.name,
		cmdList.description,
	) +
		"\nUsage:\n" +
		cmdList.usages() +
		"\nSupported commands:\n" +
		strings.Join(commandDescriptions, "\n\n")
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

// Parse takes the whole os.Args, program name included.
func (cmdList *CommandList) Parse(args []string) error {
	if len(args) < 2 {
		return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
	}
	commandName := args[1]
	commandArgs := args[2:]
	command, ok := cmdList.GetCommand(commandName)
	if !ok {
		if commandName == "--help" || commandName == "help" || commandName == "-h" {
			return &ErrHelpPageRequested{helpMessage: cmdList.Help()}
		}
		return &ErrCommandNotFound{commandName: commandName}
	}
	err := command.ParseArgs(commandArgs)
	if err != nil {
		return err
	}
	cmdList.currentCommandName = commandName
	return nil
}

func (cmdList CommandList) GetCurrentCommand() (commandName string, command *Command) {
	if cmdList.currentCommandName == "" {
		return "", nil
	}
	cmd, ok := cmdList.GetCommand(cmdList.currentCommandName)
	if !ok {
		return "", nil
	}
	return cmdList.currentCommandName, cmd
}

func NewCommandList(name, description string) *CommandList {
	return &CommandList{
		name:        name,
		description: description,
		commands:    make(map[string]*Command),
	}
}
