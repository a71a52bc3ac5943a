// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Command iscsiadm administers a running iscsitargetd and probes iSCSI
// portals.
package main

import (
	"errors"
	"fmt"
	"os"

	"iscsikit/pkg/cli"
	"iscsikit/pkg/config"
)

func fail(err error) {
	_, err = fmt.Fprintln(os.Stderr, err)
	if err != nil {
		panic(err)
	}
	os.Exit(1)
}

func main() {
	// Only the socket path is needed; ISCSIKIT_API_SOCKET overrides it.
	settings, err := config.Load("")
	if err != nil {
		fail(err)
	}
	client := cli.NewClient(settings.API.Socket, os.Stdout)
	err = client.Commands().Parse(os.Args)
	if err != nil {
		var help *cli.ErrHelpPageRequested
		if errors.As(err, &help) {
			fmt.Println(help)
			os.Exit(0)
		}
		fail(err)
	}
	if err := client.PerformCommand(); err != nil {
		fail(err)
	}
}
