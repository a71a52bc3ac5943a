// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"iscsikit/pkg/api"
	"iscsikit/pkg/initiator"
)

const (
	CommandAttach       = "attach"
	CommandDetachLun    = "detachlun"
	CommandAddTarget    = "addtarget"
	CommandDeleteTarget = "deletetarget"
	CommandClearTarget  = "cleartarget"
	CommandListTargets  = "list"
	CommandSessions     = "sessions"
	CommandDiscover     = "discover"
	CommandProbe        = "probe"
)

const DefaultInitiatorName = "iqn.2018-01.com.iscsikit:iscsiadm"

const probeTimeout = 30 * time.Second

type Client struct {
	client        api.ClientRequester
	commands      *CommandList
	output        io.Writer
	initiatorName string
}

func targetNameParameter(command *Command) *Command {
	return command.AddParameter(
		"-t",
		"target_name",
		"string iSCSI target name",
		"target name",
		true,
	)
}

func portalParameter(command *Command) *Command {
	return command.AddParameter(
		"-p",
		"portal",
		"host:port of the iSCSI portal",
		"host:port",
		true,
	)
}

func addAttachCli(commands *CommandList) {
	command := commands.AddCommand(
		CommandAttach,
		"Open a disk image, create logical unit,"+
			" attach logical unit to target.",
	).AddParameter(
		"-d",
		"disk_path",
		"Absolute path to the disk image, ':memory:' for a RAM disk.",
		"disk path",
		true,
	)
	targetNameParameter(command).AddParameter(
		"-s",
		"size",
		"Size of the disk to create when it does not exist, e.g. 10GiB.",
		"size",
		false,
	).AddParameter(
		"-b",
		"block_size",
		"Logical block size in bytes, 512 by default.",
		"block size",
		false,
	)
}

func addDetachLunCli(commands *CommandList) {
	command := commands.AddCommand(
		CommandDetachLun,
		"Detach logical unit from target by id.",
	)
	targetNameParameter(command).AddParameter(
		"-l",
		"lun_id",
		"integer id of logical unit",
		"logical unit id",
		true,
	)
}

func addAddTargetCli(commands *CommandList) {
	command := commands.AddCommand(
		CommandAddTarget,
		"Create new target if not exists."+
			" If exists - fails.",
	)
	targetNameParameter(command).AddParameter(
		"-a",
		"alias",
		"human readable target alias",
		"alias",
		false,
	)
}

func addDeleteTargetCli(commands *CommandList) {
	targetNameParameter(commands.AddCommand(
		CommandDeleteTarget,
		"Delete target."+
			" Doesn't work if target has LUNs or "+
			"connected IT nexuses.",
	))
}

func addClearTargetCli(commands *CommandList) {
	targetNameParameter(commands.AddCommand(
		CommandClearTarget,
		"Detach all logical units from target.",
	))
}

func addListCli(commands *CommandList) {
	commands.AddCommand(CommandListTargets, "List all targets with logical units")
}

func addSessionsCli(commands *CommandList) {
	commands.AddCommand(CommandSessions, "List logged in iSCSI sessions")
}

func addDiscoverCli(commands *CommandList) {
	portalParameter(commands.AddCommand(
		CommandDiscover,
		"List the targets of a portal with a SendTargets discovery session.",
	))
}

func addProbeCli(commands *CommandList) {
	command := portalParameter(commands.AddCommand(
		CommandProbe,
		"Log in to a target, report the capacity of its logical units and log out.",
	))
	targetNameParameter(command)
}

func NewClient(socketPath string, output io.Writer) Client {
	commands := NewCommandList(
		"iscsiadm",
		"a tool to communicate with "+
			"iscsitargetd and iSCSI portals\n",
	)
	addAttachCli(commands)
	addDetachLunCli(commands)
	addAddTargetCli(commands)
	addDeleteTargetCli(commands)
	addClearTargetCli(commands)
	addListCli(commands)
	addSessionsCli(commands)
	addDiscoverCli(commands)
	addProbeCli(commands)
	return Client{
		client:        api.NewApiRequester(socketPath),
		commands:      commands,
		output:        output,
		initiatorName: DefaultInitiatorName,
	}
}

func (client Client) Commands() *CommandList {
	return client.commands
}

func (client Client) println(text string) {
	_, _ = fmt.Fprintln(client.output, text)
}

func (client Client) PerformAttach(command *Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	diskPath, err := command.GetParameter("disk_path")
	if err != nil {
		return err
	}
	size := uint64(0)
	if value := command.GetOptionalParameter("size", ""); value != "" {
		size, err = humanize.ParseBytes(value)
		if err != nil {
			return fmt.Errorf("invalid size '%s': %w", value, err)
		}
	}
	blockSize := uint64(0)
	if value := command.GetOptionalParameter("block_size", ""); value != "" {
		blockSize, err = strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("block size must be int, '%s' received", value)
		}
	}
	response, err := client.client.PerformAttach(diskPath, targetName, size, uint32(blockSize))
	if err != nil {
		return err
	}
	client.println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformDetachLun(command *Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	logicalUnitIdStr, err := command.GetParameter("lun_id")
	if err != nil {
		return err
	}
	lunId, err := strconv.Atoi(logicalUnitIdStr)
	if err != nil {
		return fmt.Errorf("logical unit id must be int, '%s' received", logicalUnitIdStr)
	}
	response, err := client.client.PerformDetachLun(targetName, lunId)
	if err != nil {
		return err
	}
	client.println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformAddTarget(command *Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	return client.client.PerformAddTarget(targetName, command.GetOptionalParameter("alias", ""))
}

func (client Client) PerformDeleteTarget(command *Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	return client.client.PerformDeleteTarget(targetName)
}

func (client Client) PerformClearTarget(command *Command) error {
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	response, err := client.client.PerformClearTarget(targetName)
	if err != nil {
		return err
	}
	client.println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformList() error {
	response, err := client.client.PerformList()
	if err != nil {
		return err
	}
	client.println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformSessions() error {
	response, err := client.client.PerformSessions()
	if err != nil {
		return err
	}
	client.println(response.ToCmdlineOutput())
	return nil
}

func (client Client) PerformDiscover(ctx context.Context, command *Command) error {
	portal, err := command.GetParameter("portal")
	if err != nil {
		return err
	}
	targets, err := initiator.Discover(ctx, portal, client.initiatorName)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		client.println("No targets")
		return nil
	}
	for _, target := range targets {
		client.println(fmt.Sprintf("%s %s", strings.Join(target.Addresses, " "), target.Name))
	}
	return nil
}

func (client Client) PerformProbe(ctx context.Context, command *Command) error {
	portal, err := command.GetParameter("portal")
	if err != nil {
		return err
	}
	targetName, err := command.GetParameter("target_name")
	if err != nil {
		return err
	}
	session, err := initiator.Dial(ctx, portal, initiator.DefaultConfig(client.initiatorName, targetName))
	if err != nil {
		return err
	}
	defer func() {
		_ = session.Close()
	}()
	client.println(fmt.Sprintf("Logged in to %s, TSIH 0x%04x", targetName, session.TSIH()))
	luns, err := session.ReportLuns(ctx)
	if err != nil {
		return err
	}
	for _, lun := range luns {
		capacity, err := session.ReadCapacity(ctx, lun)
		if err != nil {
			client.println(fmt.Sprintf("  Lun %d: %v", lun, err))
			continue
		}
		client.println(fmt.Sprintf(
			"  Lun %d: %s, %d blocks of %d bytes",
			lun,
			humanize.IBytes(capacity.Bytes()),
			capacity.LastLBA+1,
			capacity.BlockSize,
		))
	}
	return session.Logout(ctx)
}

func (client Client) PerformCommand() error {
	commandName, command := client.commands.GetCurrentCommand()
	if command == nil {
		return fmt.Errorf(
			"command is nil, probably an" +
				" implementation issue of command line arguments parsing",
		)
	}
	switch commandName {
	case CommandAttach:
		return client.PerformAttach(command)
	case CommandDetachLun:
		return client.PerformDetachLun(command)
	case CommandAddTarget:
		return client.PerformAddTarget(command)
	case CommandDeleteTarget:
		return client.PerformDeleteTarget(command)
	case CommandClearTarget:
		return client.PerformClearTarget(command)
	case CommandListTargets:
		return client.PerformList()
	case CommandSessions:
		return client.PerformSessions()
	case CommandDiscover, CommandProbe:
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		if commandName == CommandDiscover {
			return client.PerformDiscover(ctx, command)
		}
		return client.PerformProbe(ctx, command)
	case "":
		return fmt.Errorf("received empty command type name")
	default:
		return fmt.Errorf("unknown command name %s", commandName)
	}
}
