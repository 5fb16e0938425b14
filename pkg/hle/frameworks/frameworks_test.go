package frameworks

import (
	"reflect"
	"testing"

	"github.com/blacktop/hle/pkg/emu/interp"
	"github.com/blacktop/hle/pkg/hle"
)

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		want    []string
		wantErr bool
	}{
		{"all", nil, []string{"libc", "pthread", "libobjc", "Foundation", "CoreFoundation"}, false},
		{"install order", []string{"CoreFoundation", "libc"}, []string{"libc", "CoreFoundation"}, false},
		{"unknown", []string{"libc", "UIKit"}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fws, err := Select(tt.names...)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Select() error = %v, wantErr %v", err, tt.wantErr)
			}
			var got []string
			for _, fw := range fws {
				got = append(got, fw.Name)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Select() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInstallAll(t *testing.T) {
	env, err := hle.New(hle.DefaultConfig(), hle.WithEngine(interp.New()), hle.WithFrameworks(All()...))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer env.Close()
	for _, name := range []string{"_malloc", "_pthread_create", "_objc_msgSend", "_NSLog", "_CFRetain", "+[NSObject alloc]"} {
		if !env.Registry().HasFunction(name) {
			t.Errorf("%s is not registered", name)
		}
	}
	if cls := env.Runtime().GetClass("__NSCFArray"); cls == nil || cls.Super == nil || cls.Super.Name != "NSObject" {
		t.Errorf("__NSCFArray = %v, want an NSObject subclass", cls)
	}
}
