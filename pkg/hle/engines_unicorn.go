//go:build unicorn

package hle

import _ "github.com/blacktop/hle/pkg/emu/unicorn"
