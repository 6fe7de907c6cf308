package host

import (
	"strconv"
	"strings"
)

// missingStatus is the exit status guarded commands use for a missing path.
const missingStatus = 44

// Quote wraps a string in single quotes, escaping any embedded single quotes,
// for use as one word in a remote shell command.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// sudoWrap runs cmd through a non-interactive sudo shell. sudo -n fails
// instead of prompting when a password would be required.
func sudoWrap(cmd string) string {
	return "sudo -n sh -c " + Quote(cmd)
}

// guardExists prefixes cmd with an existence test on path so that a missing
// path is reported through exit status missingStatus.
func guardExists(path, cmd string) string {
	return "test -e " + Quote(path) + " || exit " + strconv.Itoa(missingStatus) + "; " + cmd
}
