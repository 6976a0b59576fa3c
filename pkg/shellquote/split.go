package shellquote

import (
	"runtime"
	"strings"

	"github.com/gopherclass/go-shellquote"
)

// Split turns a shell-quoted string of server arguments into discrete
// argv tokens. The result is passed straight to exec, never through a shell.
func Split(input string) (words []string, err error) {
	// Escape backslashes on Windows
	// Without it shellquote.Split will drop them from paths
	// C:\servers\dayz\server.exe -> ["C:serversdayzserver.exe"]
	// Should be ["C:\\servers\\dayz\\server.exe"]
	if runtime.GOOS == "windows" {
		input = strings.ReplaceAll(input, "\\", "\\\\")
	}

	return shellquote.Split(input)
}
