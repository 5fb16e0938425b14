package plist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/blacktop/go-plist"
)

func writeBundle(t *testing.T, info *AppInfo) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Demo.app")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	dat, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), dat, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestOpenBundle(t *testing.T) {
	want := &AppInfo{
		CFBundleExecutable: "Demo",
		CFBundleIdentifier: "com.example.demo",
		CFBundleName:       "Demo",
		MinimumOSVersion:   "4.3",
		UIDeviceFamily:     []int{1, 2},
	}
	dir := writeBundle(t, want)

	b, err := OpenBundle(dir)
	if err != nil {
		t.Fatalf("OpenBundle() error = %v", err)
	}
	if !reflect.DeepEqual(b.Info, want) {
		t.Errorf("Info = %+v, want %+v", b.Info, want)
	}
	if b.Executable != filepath.Join(dir, "Demo") {
		t.Errorf("Executable = %s", b.Executable)
	}
	if b.Frameworks() != filepath.Join(dir, "Frameworks") {
		t.Errorf("Frameworks() = %s", b.Frameworks())
	}
}

func TestResolveExecutable(t *testing.T) {
	app := writeBundle(t, &AppInfo{CFBundleExecutable: "Demo"})
	noExec := writeBundle(t, &AppInfo{CFBundleName: "Broken"})

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{"bundle", app, filepath.Join(app, "Demo"), false},
		{"plain binary", "/tmp/a.out", "/tmp/a.out", false},
		{"bundle without executable", noExec, "", true},
		{"missing bundle", filepath.Join(t.TempDir(), "Gone.app"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveExecutable(tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ResolveExecutable() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveExecutable() = %s, want %s", got, tt.want)
			}
		})
	}
}
