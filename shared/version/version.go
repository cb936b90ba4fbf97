// Package version holds the CTI frontend core's own version and an
// identification string built from it. No other package in this module
// imports it.
package version

import "fmt"

// Version is the release version of this module.
const Version = "4.0.0"

// APIVersion labels the FE-daemon request/response grammar (§4.3); bumped
// whenever that grammar changes shape. The client and server do not
// exchange it.
const APIVersion = "1"

// UserAgent returns an identification string of the form
// "cti/<Version> (api <APIVersion>)".
func UserAgent() string {
	return fmt.Sprintf("cti/%s (api %s)", Version, APIVersion)
}
