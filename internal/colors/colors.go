// Package colors wraps fatih/color for the emulator's diagnostics.
//
// Colors are disabled automatically when stdout is not a terminal. Init lets
// the CLI force them on or off.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting when forceColor is non-nil.
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color     { return color.New(color.Bold) }
func Red() *color.Color      { return color.New(color.FgRed) }
func Green() *color.Color    { return color.New(color.FgGreen) }
func HiYellow() *color.Color { return color.New(color.FgHiYellow) }

func BoldRed() *color.Color      { return color.New(color.Bold, color.FgRed) }
func BoldGreen() *color.Color    { return color.New(color.Bold, color.FgGreen) }
func BoldMagenta() *color.Color  { return color.New(color.Bold, color.FgMagenta) }
func BoldHiBlue() *color.Color   { return color.New(color.Bold, color.FgHiBlue) }
func BoldHiYellow() *color.Color { return color.New(color.Bold, color.FgHiYellow) }

func FaintHiBlue() *color.Color  { return color.New(color.Faint, color.FgHiBlue) }
func FaintHiWhite() *color.Color { return color.New(color.Faint, color.FgHiWhite) }

func ItalicFaintWhite() *color.Color { return color.New(color.Italic, color.Faint, color.FgWhite) }
func ItalicBoldHiYellow() *color.Color {
	return color.New(color.Italic, color.Bold, color.FgHiYellow)
}
