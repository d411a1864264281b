package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/frectonz/pm3/client"
	"github.com/frectonz/pm3/config"
	"github.com/frectonz/pm3/daemon"
	"github.com/frectonz/pm3/paths"
	"github.com/frectonz/pm3/protocol"
)

var version = "dev"

var (
	daemonMode bool
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "pm3",
		Short:         "pm3 is a local process supervisor",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if daemonMode {
				return runDaemon()
			}
			return cmd.Help()
		},
	}
	root.PersistentFlags().BoolVar(&daemonMode, "daemon", false, "run the daemon in the foreground")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.PersistentFlags().MarkHidden("daemon")

	root.AddCommand(
		startCmd(),
		stopCmd(),
		restartCmd(),
		reloadCmd(),
		listCmd(),
		infoCmd(),
		signalCmd(),
		saveCmd(),
		resurrectCmd(),
		flushCmd(),
		killCmd(),
		logCmd(),
	)

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func runDaemon() error {
	p, err := paths.New()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.DataDir(), 0o755); err != nil {
		return err
	}

	logOut := os.Stderr
	if f, err := os.OpenFile(p.DaemonLogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
		logOut = f
		defer f.Close()
	}
	level := log.InfoLevel
	if debug {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(logOut, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          "pm3",
	})

	return daemon.Run(p, logger)
}

func startCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "start [names...]",
		Short: "Start processes from the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			configs, err := config.LoadManifest(cwd)
			if err != nil {
				return err
			}
			var env map[string]string
			if envFile != "" {
				env, err = godotenv.Read(envFile)
				if err != nil {
					return fmt.Errorf("loading env file %s: %w", envFile, err)
				}
			}
			return roundTrip(protocol.Request{
				Type:    protocol.ReqStart,
				Configs: configs,
				Names:   optionalNames(args),
				Env:     env,
			})
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", "", "dotenv file applied to every started process")
	return cmd
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop [names...]",
		Short: "Stop processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqStop, Names: optionalNames(args)})
		},
	}
}

func restartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restart [names...]",
		Short: "Restart processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqRestart, Names: optionalNames(args)})
		},
	}
}

func reloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload [names...]",
		Short: "Restart processes without touching their restart counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqReload, Names: optionalNames(args)})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List managed processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqList})
		},
	}
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show details of one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqInfo, Name: args[0]})
		},
	}
}

func signalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signal NAME SIGNAL",
		Short: "Send a signal to a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqSignal, Name: args[0], Signal: args[1]})
		},
	}
}

func saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Save the process table for later resurrection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqSave})
		},
	}
}

func resurrectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "Respawn processes from the saved table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqResurrect})
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush [names...]",
		Short: "Truncate process log files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqFlush, Names: optionalNames(args)})
		},
	}
}

func killCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Stop every process and shut the daemon down",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return roundTrip(protocol.Request{Type: protocol.ReqKill})
		},
	}
}

func logCmd() *cobra.Command {
	var lines uint
	var follow bool
	cmd := &cobra.Command{
		Use:   "log [name]",
		Short: "Show process logs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			p, err := paths.New()
			if err != nil {
				return err
			}
			if err := client.EnsureDaemon(p); err != nil {
				return err
			}
			req := protocol.Request{Type: protocol.ReqLog, Name: name, Lines: lines, Follow: follow}
			failed := false
			err = client.Stream(p, req, func(resp protocol.Response) error {
				printResponse(resp)
				if resp.Type == protocol.RespError {
					failed = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if failed {
				return errExit
			}
			return nil
		},
	}
	cmd.Flags().UintVar(&lines, "lines", 15, "number of historical lines per log file")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new log lines as they appear")
	return cmd
}

// errExit signals a non-zero exit after the response has already been
// printed.
var errExit = errors.New("command failed")

func optionalNames(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return args
}

// roundTrip sends one request to the daemon (starting it if needed) and
// prints the response.
func roundTrip(req protocol.Request) error {
	p, err := paths.New()
	if err != nil {
		return err
	}
	if err := client.EnsureDaemon(p); err != nil {
		return err
	}
	resp, err := client.SendRequest(p, req)
	if err != nil {
		return err
	}
	printResponse(resp)
	if resp.Type == protocol.RespError {
		return errExit
	}
	return nil
}

func printResponse(resp protocol.Response) {
	switch resp.Type {
	case protocol.RespSuccess:
		if resp.Message != nil && *resp.Message != "" {
			fmt.Println(*resp.Message)
		} else {
			fmt.Println("ok")
		}
	case protocol.RespError:
		msg := "unknown error"
		if resp.Message != nil {
			msg = *resp.Message
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
	case protocol.RespProcessList:
		if len(resp.Processes) == 0 {
			fmt.Println("no processes running")
			return
		}
		fmt.Printf("%-16s %-8s %-8s %-8s %s\n", "name", "pid", "status", "uptime", "restarts")
		for _, p := range resp.Processes {
			fmt.Printf("%-16s %-8s %-8s %-8s %d\n",
				p.Name, formatPID(p.PID), p.Status, formatUptime(p.UptimeSecs), p.Restarts)
		}
	case protocol.RespProcessDetail:
		info := resp.Info
		if info == nil {
			return
		}
		fmt.Printf("%s: %s\n", info.Name, info.Status)
		fmt.Printf("  command: %s\n", info.Command)
		if info.PID != nil {
			fmt.Printf("  pid: %d\n", *info.PID)
		}
		if info.Cwd != "" {
			fmt.Printf("  cwd: %s\n", info.Cwd)
		}
		if info.Group != "" {
			fmt.Printf("  group: %s\n", info.Group)
		}
		if info.UptimeSecs != nil {
			fmt.Printf("  uptime: %ds\n", *info.UptimeSecs)
		}
		fmt.Printf("  restarts: %d\n", info.Restarts)
		if info.CPUPercent != nil {
			fmt.Printf("  cpu: %.1f%%\n", *info.CPUPercent)
		}
		if info.MemoryBytes != nil {
			fmt.Printf("  memory: %d bytes\n", *info.MemoryBytes)
		}
	case protocol.RespLogLine:
		if resp.Name != nil {
			fmt.Printf("[%s] %s\n", *resp.Name, resp.Line)
		} else {
			fmt.Println(resp.Line)
		}
	}
}

func formatPID(pid *int) string {
	if pid == nil {
		return "-"
	}
	return fmt.Sprintf("%d", *pid)
}

func formatUptime(secs *uint64) string {
	if secs == nil {
		return "-"
	}
	return fmt.Sprintf("%ds", *secs)
}
