package middleware

import "strings"

// MaskToken маскирует токен в логах (в prod не светить полный токен).
func MaskToken(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(s, "Bearer "))
	if len(s) <= 8 {
		return "****"
	}
	return s[:8] + "***"
}
