package cli

import (
	"regexp"
)

var redactions = []struct {
	pattern *regexp.Regexp
	replace string
}{
	// store tokens in service (hvs., s.) and batch (hvb., b.) formats
	{regexp.MustCompile(`\b(hv[sb]|[sb])\.[A-Za-z0-9]{8,}`), "[TOKEN REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`X-Vault-Token:\s*[^\s]+`), "X-Vault-Token: [REDACTED]"},
	{regexp.MustCompile(`postgres(ql)?://[^:/\s]+:[^@\s]+@`), "postgres://[REDACTED]@"},
	{regexp.MustCompile(`-----BEGIN [A-Z\s]+-----[^-]+-----END [A-Z\s]+-----`), "[PEM REDACTED]"},
	{regexp.MustCompile(`[Pp]assword[\s:=]+[^\s]+`), "password=[REDACTED]"},
	{regexp.MustCompile(`[A-Z_]*TOKEN[A-Z_]*=\S+`), "[TOKEN REDACTED]"},
}

// RedactError redacts sensitive information from error messages
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return RedactString(err.Error())
}

// RedactString redacts sensitive information from any string
func RedactString(s string) string {
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replace)
	}
	return s
}
