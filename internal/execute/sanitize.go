package execute

import (
	"fmt"
	"regexp"
	"strings"
)

// unsafeArgChars matches everything outside the safe argument charset.
// User-supplied compiler flags and command-line arguments pass through a
// shell, so anything that could terminate or chain commands is stripped.
var unsafeArgChars = regexp.MustCompile(`[^a-zA-Z0-9 \-_=./]`)

// SanitizeArg strips characters outside [A-Za-z0-9 -_=./].
func SanitizeArg(arg string) string {
	if arg == "" {
		return ""
	}
	return unsafeArgChars.ReplaceAllString(arg, "")
}

// ValidatePath rejects absolute paths and path traversal for any file the
// submission asks to place inside its workspace.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(path, "/") {
		return fmt.Errorf("invalid path %q: absolute paths are not allowed", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("invalid path %q: path traversal is not allowed", path)
	}
	return nil
}
