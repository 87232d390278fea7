//go:build darwin || linux

package vdec

import (
	"os"
	"path/filepath"
	"runtime"
	"unsafe"
)

// maxNativeErrorLen bounds the error strings read from libvdec_driver.
const maxNativeErrorLen = 1024

// cString copies a NUL-terminated C string of at most limit bytes.
func cString(ptr uintptr, limit int) string {
	if ptr == 0 {
		return ""
	}
	n := 0
	for n < limit && *(*byte)(unsafe.Add(unsafe.Pointer(ptr), n)) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}

// nativeDriverLibPaths lists the places libvdec_driver is looked for, in
// order: $VDEC_DRIVER_LIB_PATH, next to the executable, the module's build
// directory and finally the system search path.
func nativeDriverLibPaths() []string {
	libName := "libvdec_driver.so"
	if runtime.GOOS == "darwin" {
		libName = "libvdec_driver.dylib"
	}

	var paths []string
	if env := os.Getenv("VDEC_DRIVER_LIB_PATH"); env != "" {
		paths = append(paths, env)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		paths = append(paths, filepath.Join(dir, libName), filepath.Join(dir, "..", "lib", libName))
	}
	if root := moduleRoot(); root != "" {
		paths = append(paths, filepath.Join(root, "build", libName))
	}

	paths = append(paths, libName, "/usr/local/lib/"+libName)
	if runtime.GOOS == "darwin" {
		return append(paths, "/opt/homebrew/lib/"+libName)
	}
	return append(paths, "/usr/lib/"+libName)
}

// moduleRoot returns the nearest directory above the working directory
// that holds a go.mod, or "".
func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
