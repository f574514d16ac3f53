package cliutil

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[redacted]"

// secretSuffixes match environment style keys such as DB_PASSWORD or
// GITHUB_TOKEN as well as the bare names.
var secretSuffixes = []string{
	"PASSWORD",
	"PASSWD",
	"SECRET",
	"SECRET_ACCESS_KEY",
	"TOKEN",
	"API_KEY",
	"ACCESS_KEY_ID",
	"PRIVATE_KEY",
	"SERVICE_ACCOUNT_KEY",
}

// secretFlags take their value either inline (--password=x) or as the next
// argument (--password x).
var secretFlags = []string{"password", "passwd", "token", "secret", "api-key"}

var (
	templateVarPattern = regexp.MustCompile(`\$\{[^}]+\}`)
	secretKeyPattern   = regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:` + alternation(secretSuffixes) + `))\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	secretFlagPattern  = regexp.MustCompile(`(?i)(--(?:` + alternation(secretFlags) + `))(=|\s+)(\S+)`)
)

func alternation(words []string) string {
	escaped := make([]string, len(words))
	for i, w := range words {
		escaped[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(escaped, "|")
}

// RedactSecrets masks ${VAR} references, KEY=value assignments whose key looks
// like a credential and the values of password or token flags.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	out := templateVarPattern.ReplaceAllLiteralString(message, "${"+redactedPlaceholder+"}")
	out = secretKeyPattern.ReplaceAllString(out, "$1$2$3"+redactedPlaceholder+"$5")
	return secretFlagPattern.ReplaceAllString(out, "$1$2"+redactedPlaceholder)
}

// RedactArgv returns a copy of argv with secrets masked. A bare secret flag
// masks the argument that follows it.
func RedactArgv(argv []string) []string {
	out := make([]string, len(argv))
	maskNext := false
	for i, arg := range argv {
		if maskNext {
			out[i] = redactedPlaceholder
			maskNext = false
			continue
		}
		out[i] = RedactSecrets(arg)
		if isSecretFlag(arg) {
			maskNext = true
		}
	}
	return out
}

func isSecretFlag(arg string) bool {
	name, ok := strings.CutPrefix(strings.ToLower(arg), "--")
	if !ok {
		return false
	}
	for _, f := range secretFlags {
		if name == f {
			return true
		}
	}
	return false
}
