package logger

import (
	"net/url"
	"regexp"
)

const redacted = "[REDACTED]"

var credentialPattern = regexp.MustCompile(`(?i)((password|passwd|secret|token)[\s:=]+)([^;,\s]+)`)

// RedactURL hides the password part of URL user info, e.g. the source
// password of an icecast:// target. Unparseable input is returned with
// credential-looking key/value pairs redacted.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return RedactSensitiveData(raw)
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	// url.String escapes the brackets of the placeholder
	return unescapeRedacted(u.String())
}

// RedactSensitiveData replaces credential values in free text
func RedactSensitiveData(input string) string {
	if input == "" {
		return input
	}
	return credentialPattern.ReplaceAllString(input, "${1}"+redacted)
}

func unescapeRedacted(s string) string {
	return escapedRedacted.ReplaceAllString(s, redacted)
}

var escapedRedacted = regexp.MustCompile(`%5BREDACTED%5D`)
