package certstore

import "strings"

// compoundTLDs lists the second-level-plus-TLD combinations treated as a
// single public suffix for apex computation (§4.5 step 3). This is a small,
// deliberately non-exhaustive heuristic list, not a full public suffix
// list implementation — the corpus carries no PSL dependency to draw on.
var compoundTLDs = map[string]bool{
	"co.uk": true, "ac.uk": true, "org.uk": true, "gov.uk": true,
	"co.jp": true, "co.nz": true, "com.au": true, "net.au": true,
	"com.br": true, "co.za": true,
}

// apex returns the registrable domain immediately below the public
// suffix, e.g. "www.app.example.co.uk" -> "example.co.uk".
func apex(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}

	last2 := strings.Join(labels[len(labels)-2:], ".")
	if compoundTLDs[last2] && len(labels) >= 3 {
		return strings.Join(labels[len(labels)-3:], ".")
	}
	return last2
}

// isStrictSubdomain reports whether host is neither the apex of its own
// domain nor the conventional "www." alias of it.
func isStrictSubdomain(host string) bool {
	a := apex(host)
	return host != a && host != "www."+a
}
