// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCommandList() *CommandList {
	commands := NewCommandList("ctl", "test tool")
	commands.AddCommand("detachlun", "Detach logical unit.").AddParameter(
		"-t", "target_name", "iSCSI target name", "target name", true,
	).AddParameter(
		"-l", "lun_id", "logical unit id", "lun", true,
	)
	commands.AddCommand("list", "List targets.").AddOptionalParameter(
		"-s", "socket", "api socket", "path", "/tmp/default.sock",
	)
	return commands
}

func TestParseSeparateAndInlineValues(t *testing.T) {
	commands := newTestCommandList()
	require.NoError(t, commands.Parse([]string{"ctl", "detachlun", "-t", "iqn.x", "--lun_id=3"}))
	name, command := commands.GetCurrentCommand()
	require.Equal(t, "detachlun", name)
	target, err := command.GetParameter("target_name")
	require.NoError(t, err)
	require.Equal(t, "iqn.x", target)
	lunId, err := command.GetIntParameter("lun_id")
	require.NoError(t, err)
	require.Equal(t, 3, lunId)
}

func TestParseFailures(t *testing.T) {
	commands := newTestCommandList()

	var notFound *ErrCommandNotFound
	require.ErrorAs(t, commands.Parse([]string{"ctl", "reboot"}), &notFound)

	var invalid *ErrInvalidOption
	require.ErrorAs(t, commands.Parse([]string{"ctl", "list", "--verbose"}), &invalid)

	var missing *ErrMissingParameters
	err := commands.Parse([]string{"ctl", "detachlun", "-t", "iqn.x"})
	require.ErrorAs(t, err, &missing)
	require.Contains(t, err.Error(), "--lun_id")

	require.Error(t, commands.Parse([]string{"ctl", "detachlun", "-t"}))

	require.NoError(t, commands.Parse([]string{"ctl", "detachlun", "-t", "iqn.x", "-l", "three"}))
	_, command := commands.GetCurrentCommand()
	_, err = command.GetIntParameter("lun_id")
	require.Error(t, err)
}

func TestOptionalParameterDefault(t *testing.T) {
	commands := newTestCommandList()
	require.NoError(t, commands.Parse([]string{"ctl", "list"}))
	_, command := commands.GetCurrentCommand()
	socket, err := command.GetParameter("socket")
	require.NoError(t, err)
	require.Equal(t, "/tmp/default.sock", socket)

	require.NoError(t, commands.Parse([]string{"ctl", "list", "--socket", "/run/a.sock"}))
	_, command = commands.GetCurrentCommand()
	socket, err = command.GetParameter("socket")
	require.NoError(t, err)
	require.Equal(t, "/run/a.sock", socket)
}

func TestHelpIsOrdered(t *testing.T) {
	commands := newTestCommandList()
	var help *ErrHelpPageRequested
	require.ErrorAs(t, commands.Parse([]string{"ctl", "--help"}), &help)
	require.Equal(t,
		"ctl - test tool\n"+
			"Usage:\n"+
			"ctl detachlun -t|--target_name target name -l|--lun_id lun\n"+
			"ctl list [-s|--socket path]\n"+
			"\nSupported commands:\n"+
			"* 'detachlun': Detach logical unit.\n"+
			"  Options:\n"+
			"    -t/--target_name - iSCSI target name\n"+
			"    -l/--lun_id - logical unit id\n\n"+
			"* 'list': List targets.\n"+
			"  Options:\n"+
			"    -s/--socket - api socket (default /tmp/default.sock)",
		help.Error(),
	)
	require.ErrorAs(t, commands.Parse([]string{"ctl", "list", "-h"}), &help)
}
