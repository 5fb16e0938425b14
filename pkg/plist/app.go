// Package plist reads the Info.plist of iOS application bundles.
package plist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blacktop/go-plist"
)

// AppInfo is the Info.plist object found in .app bundles
// https://developer.apple.com/library/archive/documentation/General/Reference/InfoPlistKeyReference/Introduction/Introduction.html
type AppInfo struct {
	CFBundleDevelopmentRegion        string   `plist:"CFBundleDevelopmentRegion,omitempty"`
	CFBundleDisplayName              string   `plist:"CFBundleDisplayName,omitempty"`
	CFBundleExecutable               string   `plist:"CFBundleExecutable,omitempty"`
	CFBundleIdentifier               string   `plist:"CFBundleIdentifier,omitempty"`
	CFBundleInfoDictionaryVersion    string   `plist:"CFBundleInfoDictionaryVersion,omitempty"`
	CFBundleName                     string   `plist:"CFBundleName,omitempty"`
	CFBundlePackageType              string   `plist:"CFBundlePackageType,omitempty"`
	CFBundleShortVersionString       string   `plist:"CFBundleShortVersionString,omitempty"`
	CFBundleSupportedPlatforms       []string `plist:"CFBundleSupportedPlatforms,omitempty"`
	CFBundleVersion                  string   `plist:"CFBundleVersion,omitempty"`
	DTPlatformName                   string   `plist:"DTPlatformName,omitempty"`
	DTPlatformVersion                string   `plist:"DTPlatformVersion,omitempty"`
	DTSDKName                        string   `plist:"DTSDKName,omitempty"`
	MinimumOSVersion                 string   `plist:"MinimumOSVersion,omitempty"`
	NSMainNibFile                    string   `plist:"NSMainNibFile,omitempty"`
	NSPrincipalClass                 string   `plist:"NSPrincipalClass,omitempty"`
	UIDeviceFamily                   []int    `plist:"UIDeviceFamily,omitempty"`
	UIRequiredDeviceCapabilities     []string `plist:"UIRequiredDeviceCapabilities,omitempty"`
	UIStatusBarHidden                bool     `plist:"UIStatusBarHidden,omitempty"`
	UISupportedInterfaceOrientations []string `plist:"UISupportedInterfaceOrientations,omitempty"`
}

func (r *AppInfo) String() string {
	var out string
	out += "[Info]\n"
	out += "======\n"
	out += fmt.Sprintf("CFBundleExecutable: %s\n", r.CFBundleExecutable)
	out += fmt.Sprintf("CFBundleIdentifier: %s\n", r.CFBundleIdentifier)
	out += fmt.Sprintf("CFBundleName: %s\n", r.CFBundleName)
	out += fmt.Sprintf("CFBundleShortVersionString: %s\n", r.CFBundleShortVersionString)
	out += fmt.Sprintf("CFBundleVersion: %s\n", r.CFBundleVersion)
	out += fmt.Sprintf("MinimumOSVersion: %s\n", r.MinimumOSVersion)
	if len(r.UIDeviceFamily) > 0 {
		out += fmt.Sprintf("UIDeviceFamily: %v\n", r.UIDeviceFamily)
	}
	if len(r.UIRequiredDeviceCapabilities) > 0 {
		out += fmt.Sprintf("UIRequiredDeviceCapabilities: %s\n", strings.Join(r.UIRequiredDeviceCapabilities, ", "))
	}
	return out
}

// ParseAppInfo parses the .app/Info.plist
func ParseAppInfo(data []byte) (*AppInfo, error) {
	i := &AppInfo{}
	if err := plist.NewDecoder(bytes.NewReader(data)).Decode(i); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	return i, nil
}

// Bundle is an unpacked .app directory.
type Bundle struct {
	Path       string
	Info       *AppInfo
	Executable string
}

// Frameworks is the directory holding the bundle's embedded dylibs.
func (b *Bundle) Frameworks() string { return filepath.Join(b.Path, "Frameworks") }

// OpenBundle reads the Info.plist of the .app directory at path.
func OpenBundle(path string) (*Bundle, error) {
	infoPath := filepath.Join(path, "Info.plist")
	dat, err := os.ReadFile(infoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", infoPath, err)
	}
	info, err := ParseAppInfo(dat)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", infoPath, err)
	}
	if info.CFBundleExecutable == "" {
		return nil, fmt.Errorf("failed to find CFBundleExecutable in %s", infoPath)
	}
	return &Bundle{Path: path, Info: info, Executable: filepath.Join(path, info.CFBundleExecutable)}, nil
}

// IsBundle reports whether path is a directory with an Info.plist.
func IsBundle(path string) bool {
	fi, err := os.Stat(path)
	if err != nil || !fi.IsDir() {
		return false
	}
	_, err = os.Stat(filepath.Join(path, "Info.plist"))
	return err == nil
}

// ResolveExecutable maps an .app directory to its main executable. Any other
// path is returned unchanged.
func ResolveExecutable(path string) (string, error) {
	if !IsBundle(path) {
		if filepath.Ext(path) == ".app" {
			return "", fmt.Errorf("%s is not an .app bundle with an Info.plist", path)
		}
		return path, nil
	}
	b, err := OpenBundle(path)
	if err != nil {
		return "", err
	}
	return b.Executable, nil
}
