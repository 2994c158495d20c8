package utils

// MaskSecret keeps the first four characters of a credential for log lines.
func MaskSecret(s string) string {
	if len(s) <= 4 {
		return "*****"
	}
	return s[:4] + "*****"
}
