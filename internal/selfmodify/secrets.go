package selfmodify

import "regexp"

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
	regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`(?i)password\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)api[_-]?key\s*[:=]\s*["'][^"']+["']`),
	regexp.MustCompile(`(?i)(?:auth|access|bot)[_-]?token\s*[:=]\s*["'][^"']{8,}["']`),
}

// detectSecrets returns the first pattern that matches content.
func detectSecrets(content string) (string, bool) {
	for _, re := range secretPatterns {
		if re.MatchString(content) {
			return re.String(), true
		}
	}
	return "", false
}
