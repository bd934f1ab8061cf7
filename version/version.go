package version

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// Package is filled at linking time
	Package = "github.com/labipam/labipam"

	// Version holds the complete version number. Filled in at linking time.
	Version = "v0.1.0+unknown"

	// Revision is filled with the VCS (e.g. git) revision being used to build
	// the program at linking time.
	Revision = ""
)

// FprintVersion outputs the version string to the writer, in the following
// format, followed by a newline:
//
//	<cmd> <project> <version>
//
// For example, a binary "labipamd" built from github.com/labipam/labipam
// with version "v0.1.0" would print the following:
//
//	labipamd github.com/labipam/labipam v0.1.0
func FprintVersion(w io.Writer) {
	if Revision == "" {
		fmt.Fprintln(w, filepath.Base(os.Args[0]), Package, Version)
		return
	}
	fmt.Fprintln(w, filepath.Base(os.Args[0]), Package, Version, Revision)
}
