package smtp

import "regexp"

// Command line patterns, precompiled once. Matching is tried in this
// order; the first match wins and dispatch happens on the verb, not the
// full pattern, so continuation state (AUTH challenge/response, DATA/BDAT
// content) can live in the connection loop rather than in a single-shot
// command object.
var (
	ehloPattern     = regexp.MustCompile(`(?i)^EHLO\s+(\S+)\s*$`)
	heloPattern     = regexp.MustCompile(`(?i)^HELO\s+(\S+)\s*$`)
	mailPattern     = regexp.MustCompile(`(?i)^MAIL\s+FROM:\s*<([^>]*)>(.*)$`)
	rcptPattern     = regexp.MustCompile(`(?i)^RCPT\s+TO:\s*<([^>]*)>(.*)$`)
	dataPattern     = regexp.MustCompile(`(?i)^DATA\s*$`)
	bdatPattern     = regexp.MustCompile(`(?i)^BDAT\s+(\d+)(\s+LAST)?\s*$`)
	rsetPattern     = regexp.MustCompile(`(?i)^RSET\s*$`)
	noopPattern     = regexp.MustCompile(`(?i)^NOOP(?:\s.*)?$`)
	quitPattern     = regexp.MustCompile(`(?i)^QUIT\s*$`)
	vrfyPattern     = regexp.MustCompile(`(?i)^VRFY\s+(.+)$`)
	authPattern     = regexp.MustCompile(`(?i)^AUTH\s+(\S+)(?:\s+(.+))?$`)
	starttlsPattern = regexp.MustCompile(`(?i)^STARTTLS\s*$`)
)

// isLocalhost reports whether ip names the loopback interface, used to
// relax the TLS-before-AUTH requirement for local testing and trusted
// submission agents on the same host.
func isLocalhost(ip string) bool {
	return ip == "127.0.0.1" || ip == "::1" || ip == "localhost" ||
		(len(ip) > 4 && ip[:4] == "127.")
}
