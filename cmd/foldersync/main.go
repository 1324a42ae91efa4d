// Command foldersync is the client half of foldersync: it bootstraps a
// server session over SSH and runs one sync against a local root.
//
// Grounded on atlassian-git-lob's providers/ssh.go (SshConnectionFactory.Connect
// spawns `ssh host ...` with stdin/stdout/stderr pipes) and syncit/client.py's
// pipe_to_remote/main (spawn `ssh host foldersyncd serve path`, wire the
// child's stdio into the sync driver). Unlike the teacher's SshConnection,
// whose Read/Write are unimplemented stubs, sshConn here actually forwards
// through the child's stdout/stdin pipes -- copying the stub behavior
// forward would leave every sync session unable to exchange a message.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/sinbad-tools/foldersync/client"
	"github.com/sinbad-tools/foldersync/internal/flog"
	"github.com/sinbad-tools/foldersync/wire"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "foldersync panic: %v\n%s\n", r, debug.Stack())
			code = 99
		}
	}()

	var verbose bool
	var sshBinary string
	var daemonPath string

	root := &cobra.Command{
		Use:           "foldersync <local-root> <user@host:remote-root>",
		Short:         "synchronize a local directory tree against a remote foldersyncd",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			flog.SetVerbose(verbose)
			return runSync(args[0], args[1], sshBinary, daemonPath)
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().StringVar(&sshBinary, "ssh", "ssh", "ssh binary to invoke")
	root.Flags().StringVar(&daemonPath, "daemon", "foldersyncd", "remote foldersyncd binary name or path")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// remotePattern matches user@host:remote-root, the same bare-URL shape
// cleanupBareUrl in providers/ssh.go normalizes before extracting host/path.
var remotePattern = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+):(.+)$`)

func runSync(localRoot, remote, sshBinary, daemonPath string) error {
	match := remotePattern.FindStringSubmatch(remote)
	if match == nil {
		return fmt.Errorf("remote %q is not of the form [user@]host:path", remote)
	}
	user, host, remoteRoot := match[1], match[2], match[3]

	hostArg := host
	if user != "" {
		hostArg = user + "@" + host
	}

	cmd := exec.Command(sshBinary, hostArg, daemonPath, "serve", remoteRoot)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("connect to ssh stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("connect to ssh stderr: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("connect to ssh stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ssh: %w", err)
	}

	conn := &sshConn{cmd: cmd, stdout: stdout, stdin: stdin, stderr: stderr}
	ch := wire.New(conn)

	syncErr := client.New(localRoot).Sync(context.Background(), ch)

	if waitErr := conn.Close(); waitErr != nil {
		if syncErr == nil {
			return waitErr
		}
		flog.Errorf("ssh session closed with error after sync: %v", waitErr)
	}
	return syncErr
}

// sshConn wires an exec.Cmd's stdio pipes into the single io.ReadWriteCloser
// wire.New expects. Close waits for the child and surfaces its stderr on
// failure, matching providers/ssh.go's SshConnection.Close.
type sshConn struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stdin  io.WriteCloser
	stderr io.ReadCloser
}

func (c *sshConn) Read(p []byte) (int, error)  { return c.stdout.Read(p) }
func (c *sshConn) Write(p []byte) (int, error) { return c.stdin.Write(p) }

func (c *sshConn) Close() error {
	_ = c.stdin.Close()
	// Drain stderr before Wait: Wait closes the pipe once the child exits.
	errBytes, readErr := io.ReadAll(c.stderr)
	if err := c.cmd.Wait(); err != nil {
		if readErr != nil {
			return fmt.Errorf("ssh session failed: %w", err)
		}
		return fmt.Errorf("ssh session failed: %w\nstderr: %s", err, errBytes)
	}
	return nil
}
