package security

import "strings"

// SecretPrefix marks daemon-owned environment variables that must never
// reach a subprocess.
const SecretPrefix = "LUCYD_"

// SecretSuffixes match credential-bearing variables regardless of
// origin.
var SecretSuffixes = []string{
	"_KEY", "_TOKEN", "_SECRET", "_PASSWORD", "_CREDENTIALS", "_ID", "_CODE", "_PASS",
}

// FilterEnv returns environ stripped of any variable whose name carries
// the secret prefix or one of the secret suffixes. Safe variables such
// as PATH, HOME, and LANG pass through. An empty prefix disables the
// prefix rule; nil suffixes take the default set.
func FilterEnv(environ []string, prefix string, suffixes []string) []string {
	if suffixes == nil {
		suffixes = SecretSuffixes
	}

	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		if isSecretName(name, prefix, suffixes) {
			continue
		}
		filtered = append(filtered, entry)
	}
	return filtered
}

func isSecretName(name, prefix string, suffixes []string) bool {
	if prefix != "" && strings.HasPrefix(name, prefix) {
		return true
	}
	upper := strings.ToUpper(name)
	for _, suffix := range suffixes {
		if strings.HasSuffix(upper, suffix) {
			return true
		}
	}
	return false
}
