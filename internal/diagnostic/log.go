// Package diagnostic is a minimal, allocation-light logging helper for the
// CLI tools (cmd/shmap-bench, cmd/shmap-inspect). The core packages
// (htable, ring, shmseg, bootstrap) never log — they report status via
// return values — so this stays out of any hot path. Grounded on
// evm_triarb's dropError helper.
package diagnostic

import "log"

// Trace prints prefix, and if err is non-nil appends ": <error>". Used as
// a cheap trace or annotated-error line in setup and teardown paths.
func Trace(prefix string, err error) {
	if err != nil {
		log.Printf("%s: %v", prefix, err)
	} else {
		log.Print(prefix)
	}
}
