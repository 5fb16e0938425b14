// Package frameworks lists the host frameworks an Env can install.
package frameworks

import (
	"fmt"
	"sort"

	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/hle/frameworks/corefoundation"
	"github.com/blacktop/hle/pkg/hle/frameworks/foundation"
	"github.com/blacktop/hle/pkg/hle/frameworks/libc"
	"github.com/blacktop/hle/pkg/hle/frameworks/libobjc"
	"github.com/blacktop/hle/pkg/hle/frameworks/pthread"
)

// All returns every framework in install order. Foundation registers the
// root class, so it precedes the frameworks that subclass it.
func All() []hle.Framework {
	return []hle.Framework{
		libc.Framework,
		pthread.Framework,
		libobjc.Framework,
		foundation.Framework,
		corefoundation.Framework,
	}
}

// Names returns the framework names, sorted.
func Names() []string {
	var names []string
	for _, fw := range All() {
		names = append(names, fw.Name)
	}
	sort.Strings(names)
	return names
}

// Select returns the named frameworks in install order. No names selects
// all of them.
func Select(names ...string) ([]hle.Framework, error) {
	if len(names) == 0 {
		return All(), nil
	}
	want := make(map[string]bool, len(names))
	for _, name := range names {
		want[name] = true
	}
	var out []hle.Framework
	for _, fw := range All() {
		if want[fw.Name] {
			out = append(out, fw)
			delete(want, fw.Name)
		}
	}
	if len(want) > 0 {
		var unknown []string
		for name := range want {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown frameworks %v (available: %v)", unknown, Names())
	}
	return out, nil
}
