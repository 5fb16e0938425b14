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
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/MakeNowJust/heredoc/v2"
	"github.com/blacktop/hle/internal/colors"
	"github.com/blacktop/hle/pkg/dyld"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/loader"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var colorSection = colors.BoldHiBlue().SprintFunc()
var colorName = colors.Bold().SprintFunc()
var colorHost = colors.Green().SprintFunc()
var colorMissing = colors.Red().SprintFunc()
var colorAddr = colors.FaintHiBlue().SprintfFunc()

func init() {
	rootCmd.AddCommand(infoCmd)

	infoCmd.Flags().BoolP("imports", "i", false, "List every import with its resolution")
	infoCmd.Flags().BoolP("exports", "x", false, "List exports")
	infoCmd.Flags().BoolP("classes", "c", false, "List ObjC classes")
	viper.BindPFlag("info.imports", infoCmd.Flags().Lookup("imports"))
	viper.BindPFlag("info.exports", infoCmd.Flags().Lookup("exports"))
	viper.BindPFlag("info.classes", infoCmd.Flags().Lookup("classes"))

	infoCmd.MarkZshCompPositionalArgumentFile(1)
}

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info <APP|MACHO>",
	Short: "Show how an app loads and which of its imports are implemented",
	Example: heredoc.Doc(`
		# Summarize an app and its embedded frameworks
		❯ hle info Payload/Game.app

		# List the imports no framework implements yet
		❯ hle info --imports Payload/Game.app | grep unimplemented`),
	Args:          cobra.ExactArgs(1),
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

		if b := env.Bundle(); b != nil {
			fmt.Println(b.Info)
		}
		for _, m := range env.Modules() {
			printModule(env, m)
		}
		slots, hosts, unimpl := env.Linker().Stats()
		fmt.Printf("%s %d trampolines, %d host functions, %d unimplemented\n", colorSection("Linker:"), slots, hosts, unimpl)
		if missing := env.Linker().Unimplemented(); len(missing) > 0 {
			fmt.Printf("  %s\n", colorMissing(strings.Join(missing, ", ")))
		}
		return nil
	},
}

func resolution(env *hle.Env, m *loader.Module, imp loader.Import) string {
	if strings.HasPrefix(imp.Name, "_OBJC_CLASS_$_") || strings.HasPrefix(imp.Name, "_OBJC_METACLASS_$_") {
		name := strings.TrimPrefix(strings.TrimPrefix(imp.Name, "_OBJC_CLASS_$_"), "_OBJC_METACLASS_$_")
		if cls := env.Runtime().GetClass(name); cls != nil && !cls.Placeholder {
			if cls.Host {
				return colorHost("host class")
			}
			return "class in " + cls.Image
		}
		return colorMissing("placeholder class")
	}
	t := env.Linker().Resolve(imp.Name, m)
	switch t.Kind {
	case dyld.Guest:
		return "guest " + t.Module.Name
	case dyld.Host, dyld.HostConstant:
		return colorHost(t.Kind.String())
	}
	if imp.Weak {
		return "weak, NULL"
	}
	return colorMissing("unimplemented")
}

func printModule(env *hle.Env, m *loader.Module) {
	fmt.Printf("%s %s\n", colorSection("Module:"), colorName(m.Name))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Path:\t%s\n", m.Path)
	fmt.Fprintf(w, "  UUID:\t%s\n", m.UUID)
	if m.Bias != 0 {
		fmt.Fprintf(w, "  Slide:\t%#x\n", m.Bias)
	}
	if m.Entry != 0 {
		fmt.Fprintf(w, "  Entry:\t%s\n", colorAddr("%s", m.Entry))
	}
	if m.MinOS != nil {
		fmt.Fprintf(w, "  MinOS:\t%s\n", m.MinOS)
	}
	fmt.Fprintf(w, "  Initializers:\t%d\n", len(m.InitFuncs))
	if len(m.Dylibs) > 0 {
		fmt.Fprintf(w, "  Dylibs:\t%s\n", strings.Join(m.Dylibs, ", "))
	}
	w.Flush()

	fmt.Println("  Regions:")
	for _, r := range m.Regions {
		fmt.Printf("    %s-%s %s %8s  %s\n", colorAddr("%s", r.Base), colorAddr("%#08x", r.End()), r.Perm, humanize.IBytes(uint64(r.Size)), r.Tag)
	}

	counts := make(map[string]int)
	w = tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, imp := range m.Imports {
		res := resolution(env, m, imp)
		counts[res]++
		if viper.GetBool("info.imports") {
			fmt.Fprintf(w, "    %s\t%s\t%s\n", imp.Name, imp.Kind, res)
		}
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	var summary []string
	for _, k := range kinds {
		summary = append(summary, fmt.Sprintf("%d %s", counts[k], k))
	}
	fmt.Printf("  Imports: %d (%s)\n", len(m.Imports), strings.Join(summary, ", "))
	w.Flush()

	fmt.Printf("  Exports: %d\n", len(m.Exports))
	if viper.GetBool("info.exports") {
		names := make([]string, 0, len(m.Exports))
		for name := range m.Exports {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("    %s %s\n", colorAddr("%s", m.Exports[name]), name)
		}
	}

	var classes []string
	for _, cls := range env.Runtime().Classes() {
		if cls.Image == m.Name && !cls.IsMetaClass() {
			classes = append(classes, cls.Name)
		}
	}
	fmt.Printf("  Classes: %d\n", len(classes))
	if viper.GetBool("info.classes") {
		for _, name := range classes {
			fmt.Printf("    %s\n", name)
		}
	}
	fmt.Println()
}
