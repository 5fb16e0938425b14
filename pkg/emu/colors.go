package emu

import "github.com/blacktop/hle/internal/colors"

// hook colors
var colorHook = colors.FaintHiBlue().SprintFunc()
var colorDetails = colors.ItalicFaintWhite().SprintfFunc()
var colorInterrupt = colors.ItalicBoldHiYellow().SprintfFunc()
var colorChanged = colors.HiYellow().SprintfFunc()
