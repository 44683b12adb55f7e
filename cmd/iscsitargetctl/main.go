// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package main

import (
	"fmt"
	"iscsitarget/pkg/api"
	"iscsitarget/pkg/cli"
	"os"

	"github.com/pkg/errors"
)

const socketEnvironmentVariable = "ISCSITARGET_SOCKET"

const (
	CommandAttach          = "attach"
	CommandDetachLun       = "detachlun"
	CommandAddTarget       = "addtarget"
	CommandDeleteTarget    = "deletetarget"
	CommandClearTarget     = "cleartarget"
	CommandListTargets     = "list"
	CommandCloseConnection = "closeconnection"
	CommandWatch           = "watch"
)

type Client struct {
	client   api.ClientRequester
	commands *cli.CommandList
}

func addTargetNameParameter(command *cli.Command) *cli.Command {
	return command.AddParameter(
		"-t",
		"target_name",
		"string iSCSI target name",
		"target name",
		true,
	)
}

func newCommandList() *cli.CommandList {
	commands := cli.NewCommandList(
		"iscsitargetctl",
		"a tool to communicate with the iscsitarget daemon.\n"+
			"The daemon socket is taken from $"+socketEnvironmentVariable+
			" or defaults to "+api.DefaultSocketPath+"\n",
	)
	addTargetNameParameter(commands.AddCommand(
		CommandAttach,
		"Create a logical unit and attach it to the target.",
	)).AddParameter(
		"-b",
		"backing",
		"'memory:<size>' (K, M and G suffixes allowed) or a path to a regular file.",
		"backing",
		true,
	)
	addTargetNameParameter(commands.AddCommand(
		CommandDetachLun,
		"Detach logical unit from target by id.",
	)).AddParameter(
		"-l",
		"lun_id",
		"integer id of logical unit",
		"logical unit id",
		true,
	)
	addTargetNameParameter(commands.AddCommand(
		CommandAddTarget,
		"Create new target if not exists. If exists - fails.",
	))
	addTargetNameParameter(commands.AddCommand(
		CommandDeleteTarget,
		"Delete target. Doesn't work if target has LUNs or sessions.",
	))
	addTargetNameParameter(commands.AddCommand(
		CommandClearTarget,
		"Detach all logical units from an idle target.",
	))
	commands.AddCommand(CommandListTargets, "List targets with logical units, sessions and connections.")
	commands.AddCommand(
		CommandCloseConnection,
		"Start closing a connection. Use 'watch' to learn when it is gone.",
	).AddParameter(
		"-c",
		"connection_id",
		"connection id as shown by 'list'",
		"connection id",
		true,
	)
	commands.AddCommand(CommandWatch, "Print connection-closed events until interrupted.")
	return commands
}

func NewClient() Client {
	return Client{
		client:   api.NewApiRequester(os.Getenv(socketEnvironmentVariable)),
		commands: newCommandList(),
	}
}

func (client Client) PerformAttach(command *cli.Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	backing, err := command.GetParameter("backing")
	if err != nil {
		return err
	}
	response, err := client.client.PerformAttach(backing, targetName)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformDetachLun(command *cli.Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	lunId, err := command.GetIntParameter("lun_id")
	if err != nil {
		return err
	}
	response, err := client.client.PerformDetachLun(targetName, lunId)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformClearTarget(command *cli.Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	response, err := client.client.PerformClearTarget(targetName)
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformList() error {
	response, err := client.client.PerformList()
	if err != nil {
		return err
	}
	fmt.Println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformWatch() error {
	return client.client.Watch(func(event api.ConnectionClosedEvent) error {
		_, err := fmt.Println(event.ToCmdlineOutput())
		return err
	})
}

func (client Client) PerformCommand() error {
	commandName, command := client.commands.GetCurrentCommand()
	if command == nil {
		return errors.New("no command parsed")
	}
	switch commandName {
	case CommandAttach:
		return client.PerformAttach(command)
	case CommandDetachLun:
		return client.PerformDetachLun(command)
	case CommandAddTarget, CommandDeleteTarget:
		targetName, err := command.GetParameter("target_name")
		if err != nil {
			return err
		}
		if commandName == CommandAddTarget {
			return client.client.PerformAddTarget(targetName)
		}
		return client.client.PerformDeleteTarget(targetName)
	case CommandClearTarget:
		return client.PerformClearTarget(command)
	case CommandListTargets:
		return client.PerformList()
	case CommandCloseConnection:
		connectionId, err := command.GetParameter("connection_id")
		if err != nil {
			return err
		}
		return client.client.PerformCloseConnection(connectionId)
	case CommandWatch:
		return client.PerformWatch()
	default:
		return errors.Errorf("unknown command name %s", commandName)
	}
}

func main() {
	client := NewClient()
	err := client.commands.Parse(os.Args)
	if err != nil {
		var helpPage *cli.ErrHelpPageRequested
		if errors.As(err, &helpPage) {
			fmt.Println(helpPage)
			os.Exit(0)
		}
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := client.PerformCommand(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
