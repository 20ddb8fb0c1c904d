// Command vsh is a small Cobra CLI front-end embedding the vsh shell
// against the real OS, the "terminal-facing CLI" spec.md §1 marks as an
// external collaborator (not core, but worth shipping). Modeled on the
// pack's cobra-based CLI shape (aledsdavies-opal's devcmd) rather than
// the teacher's own stdlib-flag gosh, per SPEC_FULL.md's ambient-stack
// decision to follow the richer pattern; diagnostics are colorized with
// github.com/fatih/color the way kazz187-taskguild's CLI does.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sandboxsh/vsh"
	"github.com/sandboxsh/vsh/netfetch"
	"github.com/sandboxsh/vsh/vfs"
)

var (
	commandFlag string
	rootDir     string
	allowNet    []string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vsh [script]",
		Short: "vsh runs shell scripts against a sandboxed, in-process interpreter",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRoot,
	}
	cmd.Flags().StringVarP(&commandFlag, "command", "c", "", "command string to execute")
	cmd.Flags().StringVar(&rootDir, "root", ".", "host directory the virtual file system is rooted at")
	cmd.Flags().StringSliceVar(&allowNet, "allow-url", nil, "URL prefix to allow curl to reach (repeatable); enables networking")
	return cmd
}

func runRoot(cmd *cobra.Command, args []string) error {
	osfs, err := vfs.NewOSRoot(rootDir)
	if err != nil {
		return err
	}

	opts := []vsh.Option{vsh.WithCwd("/"), vsh.WithFS(osfs)}
	if len(allowNet) > 0 {
		opts = append(opts, vsh.WithNetwork(netfetch.Policy{
			AllowedURLPrefixes: allowNet,
			AllowedMethods:     []string{"GET", "HEAD", "POST", "PUT", "DELETE", "PATCH"},
		}))
	}

	sh, err := vsh.New(opts...)
	if err != nil {
		return err
	}

	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}

	res := sh.Exec(context.Background(), source)
	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	if res.Stderr != "" {
		color.New(color.FgRed).Fprint(cmd.ErrOrStderr(), res.Stderr)
	}
	if res.ExitCode != 0 {
		os.Exit(res.ExitCode)
	}
	return nil
}

func readSource(cmd *cobra.Command, args []string) (string, error) {
	if commandFlag != "" {
		return commandFlag, nil
	}
	if len(args) == 1 {
		b, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
