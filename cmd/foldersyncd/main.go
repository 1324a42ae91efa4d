// Command foldersyncd is the server half of foldersync: it reads and
// writes framed protocol messages on its standard streams for one sync
// session per invocation, grounded on atlassian-git-lob's
// git-lob-serve/main.go (MainImpl wraps the whole run in a panic handler
// translating to a process exit code) and server.py's server_init/
// server_sync entry points.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/sinbad-tools/foldersync/internal/flog"
	"github.com/sinbad-tools/foldersync/server"
	"github.com/sinbad-tools/foldersync/wire"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "foldersyncd panic: %v\n%s\n", r, debug.Stack())
			code = 99
		}
	}()

	var verbose bool

	root := &cobra.Command{
		Use:           "foldersyncd",
		Short:         "foldersync server daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			flog.SetVerbose(verbose)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(debugCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <root>",
		Short: "lay out a fresh server root (objects/, versions/, version 0)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return server.Init(args[0])
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve <root>",
		Short: "run one sync session against a server root over stdin/stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := args[0]

			logFile, err := os.OpenFile(root+string(os.PathSeparator)+"debug.log",
				os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				flog.SetOutput(logFile)
				defer logFile.Close()
			}

			ch := wire.New(stdioConn{})
			return server.RunSession(root, ch)
		},
	}
}

func debugCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "debug",
		Short: "print version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("foldersyncd (module github.com/sinbad-tools/foldersync)\n")
			if info, ok := debug.ReadBuildInfo(); ok {
				fmt.Printf("version: %s\ngo: %s\n", info.Main.Version, info.GoVersion)
			}
			return nil
		},
	}
}

// stdioConn adapts os.Stdin/os.Stdout into the single io.ReadWriteCloser
// wire.New expects, mirroring git-lob-serve/serve.go's use of os.Stdin and
// os.Stdout directly.
type stdioConn struct{}

func (stdioConn) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioConn) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
func (stdioConn) Close() error                { return nil }
