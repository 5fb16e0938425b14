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
	"fmt"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/apex/log"
	"github.com/blacktop/hle/pkg/abi"
	"github.com/blacktop/hle/pkg/emu"
	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().StringP("state", "s", "", "YAML file with the arguments and initial stack")
	callCmd.Flags().StringP("report", "r", "", "Write a YAML fault report to file ('-' for stdout)")
	viper.BindPFlag("call.state", callCmd.Flags().Lookup("state"))
	viper.BindPFlag("call.report", callCmd.Flags().Lookup("report"))

	callCmd.MarkZshCompPositionalArgumentFile(1)
}

// callCmd represents the call command
var callCmd = &cobra.Command{
	Use:   "call <MACHO> <SYMBOL> [ARGS...]",
	Short: "Call one function of an executable or dylib",
	Example: heredoc.Doc(`
		# Call an exported function with two integer arguments
		❯ hle call ./libgame.dylib _score 3 0x10

		# Take the arguments (strings, structs) from a state file
		❯ hle call --state args.yaml ./libgame.dylib _parse`),
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, _, err := newEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if _, err := env.Load(args[0]); err != nil {
			return err
		}
		addr, err := env.Lookup(args[1])
		if err != nil {
			return err
		}

		var words []uint32
		if path := viper.GetString("call.state"); path != "" {
			state, err := emu.ParseState(path)
			if err != nil {
				return err
			}
			if len(state.Registers) > 0 {
				log.Warn("State registers are ignored by call; pass arguments in args")
				state.Registers = nil
			}
			if err := env.Bridge().SetState(state); err != nil {
				return err
			}
			if words, err = state.Words(env.Memory()); err != nil {
				return err
			}
		}
		for _, arg := range args[2:] {
			v, err := cast.ToInt64E(arg)
			if err != nil {
				return fmt.Errorf("invalid argument %q: %v", arg, err)
			}
			words = append(words, uint32(v))
		}

		sig := abi.Sig(abi.Uint32)
		vals := make([]abi.Value, 0, len(words))
		for _, w := range words {
			sig.Args = append(sig.Args, abi.Of(abi.Uint32))
			vals = append(vals, abi.Word(w))
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var ret abi.Value
		if err := ctrlc.Default.Run(ctx, func() error {
			var err error
			ret, err = env.Call(ctx, addr, sig, vals...)
			return err
		}); err != nil {
			cancel()
			return report(env, err, viper.GetString("call.report"))
		}
		log.WithFields(log.Fields{
			"hex": fmt.Sprintf("%#x", ret.U32()),
			"int": ret.I32(),
		}).Infof("%s returned", args[1])
		return nil
	},
}
