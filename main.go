package main

import (
	"flag"
	"fmt"
	"os"

	"grimm.is/bastion/cmd"
	"grimm.is/bastion/internal/errdefs"
	"grimm.is/bastion/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(errdefs.ExitValidation)
	}

	var err error
	switch os.Args[1] {
	case "add":
		flags := flag.NewFlagSet("add", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(os.Args[2:])
		if flags.NArg() < 1 {
			fail(errdefs.Validationf("usage: bastion add <principal> [file|-]"))
		}
		file := "-"
		if flags.NArg() > 1 {
			file = flags.Arg(1)
		}
		err = cmd.RunAdd(*configFile, flags.Arg(0), file)

	case "enable":
		flags := flag.NewFlagSet("enable", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(os.Args[2:])
		if flags.NArg() != 1 {
			fail(errdefs.Validationf("usage: bastion enable <principal>"))
		}
		err = cmd.RunEnable(*configFile, flags.Arg(0))

	case "disable":
		flags := flag.NewFlagSet("disable", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(os.Args[2:])
		if flags.NArg() != 1 {
			fail(errdefs.Validationf("usage: bastion disable <principal>"))
		}
		err = cmd.RunDisable(*configFile, flags.Arg(0))

	case "remove":
		flags := flag.NewFlagSet("remove", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(os.Args[2:])
		if flags.NArg() != 1 {
			fail(errdefs.Validationf("usage: bastion remove <principal>"))
		}
		err = cmd.RunRemove(*configFile, flags.Arg(0))

	case "list":
		flags := flag.NewFlagSet("list", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(os.Args[2:])
		err = cmd.RunList(*configFile)

	case "consolidate":
		flags := flag.NewFlagSet("consolidate", flag.ExitOnError)
		configFile := configFlag(flags)
		family := flags.String("family", "", "Limit to one family: v4 or v6")
		diff := flags.Bool("diff", false, "Print a unified diff of canonical changes")
		flags.Parse(os.Args[2:])
		err = cmd.RunConsolidate(*configFile, *family, *diff)

	case "session":
		err = dispatchSession(os.Args[2:])

	case "ban":
		err = dispatchBan(os.Args[2:])

	case "run":
		flags := flag.NewFlagSet("run", flag.ExitOnError)
		configFile := configFlag(flags)
		metricsAddr := flags.String("metrics", "", "Expose Prometheus metrics on this address (e.g. 127.0.0.1:9310)")
		flags.Parse(os.Args[2:])
		err = cmd.RunDaemon(*configFile, *metricsAddr)

	case "help", "-h", "--help":
		printUsage()
		return

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(errdefs.ExitValidation)
	}

	if err != nil {
		fail(err)
	}
}

func dispatchSession(args []string) error {
	if len(args) < 1 {
		return errdefs.Validationf("usage: bastion session <open|close|list> ...")
	}
	switch args[0] {
	case "open":
		flags := flag.NewFlagSet("session open", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(args[1:])
		if flags.NArg() != 2 {
			return errdefs.Validationf("usage: bastion session open <ip> <principal>")
		}
		return cmd.RunSessionOpen(*configFile, flags.Arg(0), flags.Arg(1))

	case "close":
		flags := flag.NewFlagSet("session close", flag.ExitOnError)
		configFile := configFlag(flags)
		exitStatus := flags.Int("exit", 0, "Exit status of the closed session")
		flags.Parse(args[1:])
		if flags.NArg() != 1 {
			return errdefs.Validationf("usage: bastion session close <sid> [--exit N]")
		}
		return cmd.RunSessionClose(*configFile, flags.Arg(0), *exitStatus)

	case "list":
		flags := flag.NewFlagSet("session list", flag.ExitOnError)
		configFile := configFlag(flags)
		principal := flags.String("principal", "", "Filter by principal")
		ip := flags.String("ip", "", "Filter by source IP")
		date := flags.String("date", "", "Filter by date (YYYY-MM-DD)")
		state := flags.String("state", "", "Filter by state: open or closed")
		output := flags.String("output", "table", "Output format: table or yaml")
		flags.Parse(args[1:])
		filter := session.Filter{
			Principal: *principal,
			IP:        *ip,
			Date:      *date,
			State:     session.State(*state),
		}
		return cmd.RunSessionList(*configFile, filter, *output)

	default:
		return errdefs.Validationf("unknown session command %q", args[0])
	}
}

func dispatchBan(args []string) error {
	if len(args) < 1 {
		return errdefs.Validationf("usage: bastion ban <status|clear> <ip>")
	}
	switch args[0] {
	case "status":
		flags := flag.NewFlagSet("ban status", flag.ExitOnError)
		configFile := configFlag(flags)
		output := flags.String("output", "table", "Output format: table or yaml")
		flags.Parse(args[1:])
		if flags.NArg() != 1 {
			return errdefs.Validationf("usage: bastion ban status <ip>")
		}
		return cmd.RunBanStatus(*configFile, flags.Arg(0), *output)

	case "clear":
		flags := flag.NewFlagSet("ban clear", flag.ExitOnError)
		configFile := configFlag(flags)
		flags.Parse(args[1:])
		if flags.NArg() != 1 {
			return errdefs.Validationf("usage: bastion ban clear <ip>")
		}
		return cmd.RunBanClear(*configFile, flags.Arg(0))

	default:
		return errdefs.Validationf("unknown ban command %q", args[0])
	}
}

func configFlag(flags *flag.FlagSet) *string {
	configFile := flags.String("config", cmd.DefaultConfigPath, "Configuration file")
	flags.StringVar(configFile, "c", cmd.DefaultConfigPath, "Configuration file (short)")
	return configFile
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(errdefs.ExitCode(err))
}

func printUsage() {
	fmt.Printf(`bastion - SSH gateway access control and firewall consolidation

Usage:
  bastion <command> [options]

Access snippets:
  add <principal> [file|-]   Install or replace a principal's snippet
  enable <principal>         Activate a snippet
  disable <principal>        Deactivate a snippet, keeping its content
  remove <principal>         Delete a snippet
  list                       Show every principal and its state

Firewall rules:
  consolidate                Merge rule fragments into the canonical set
                             Options: --family v4|v6, --diff

Sessions:
  session open <ip> <principal>      Open a session, prints the SID
  session close <sid> [--exit N]     Finalize a session log
  session list                       Query session logs
                             Options: --principal, --ip, --date, --state,
                                      --output table|yaml

Bans:
  ban status <ip>            Show the escalation record for an IP
                             Options: --output table|yaml
  ban clear <ip>             Unban an IP and reset its record

Daemon:
  run                        Run the gateway engine in the foreground
                             Options: --metrics <addr>

All commands accept --config (-c) <file>; default %s.
`, cmd.DefaultConfigPath)
}
