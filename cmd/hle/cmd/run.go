/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/hle/internal/colors"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("report", "r", "", "Write a YAML fault report to file ('-' for stdout)")
	runCmd.Flags().StringP("entry", "e", "", "Call this exported function instead of the entry point")
	runCmd.Flags().StringSlice("env", nil, "Guest environment variables (KEY=VALUE)")
	viper.BindPFlag("run.report", runCmd.Flags().Lookup("report"))
	viper.BindPFlag("run.entry", runCmd.Flags().Lookup("entry"))
	viper.BindPFlag("run.env", runCmd.Flags().Lookup("env"))

	runCmd.MarkZshCompPositionalArgumentFile(1)
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <APP|MACHO> [-- ARGS...]",
	Short: "Run an iOS app or executable",
	Example: heredoc.Doc(`
		# Run an unpacked app bundle
		❯ hle run Payload/Game.app

		# Keep going past unimplemented APIs and save the crash report
		❯ hle run --unimplemented noop --report crash.yaml Payload/Game.app

		# Pass arguments to the guest
		❯ hle run ./hello -- -v input.txt`),
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := newEnv(hle.WithArgs(args[1:]...), hle.WithEnviron(viper.GetStringSlice("run.env")...))
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Load(args[0]); err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := ctrlc.Default.Run(ctx, func() error {
			if entry := viper.GetString("run.entry"); entry != "" {
				return callEntry(ctx, env, entry)
			}
			return env.Run(ctx)
		}); err != nil {
			if errors.As(err, &ctrlc.ErrorCtrlC{}) {
				cancel()
				log.Warn("Interrupted")
				return nil
			}
			return report(env, err, viper.GetString("run.report"))
		}

		if rf := env.Fault(); rf != nil {
			return report(env, rf, viper.GetString("run.report"))
		}
		if code := env.ExitCode(); code != 0 {
			log.WithField("status", code).Warn("Guest exited")
			os.Exit(code)
		}
		return nil
	},
}

func callEntry(ctx context.Context, env *hle.Env, name string) error {
	addr, err := env.Lookup(name)
	if err != nil {
		return err
	}
	ret, err := env.Call(ctx, addr, abi.Sig(abi.Int32))
	if err != nil {
		return err
	}
	log.WithField("ret", ret.I32()).Infof("%s returned", name)
	return nil
}

// report prints a runtime fault and writes its YAML crash report.
func report(env *hle.Env, err error, path string) error {
	var rf *hle.RuntimeFault
	if !errors.As(err, &rf) {
		return err
	}
	rf.Print(os.Stderr, env.Memory())
	if path == "" {
		return fmt.Errorf("guest crashed: %v", rf)
	}
	dat, yerr := rf.YAML()
	if yerr != nil {
		return fmt.Errorf("failed to render fault report: %v", yerr)
	}
	if path == "-" {
		if colors.Enabled() {
			if herr := quick.Highlight(os.Stdout, string(dat), "yaml", "terminal256", "nord"); herr != nil {
				return herr
			}
		} else {
			os.Stdout.Write(dat)
		}
	} else {
		if werr := os.WriteFile(path, dat, 0o644); werr != nil {
			return fmt.Errorf("failed to write fault report: %v", werr)
		}
		log.Infof("Wrote fault report to %s", path)
	}
	return fmt.Errorf("guest crashed: %v", rf)
}
