package model

// ValidSymbol reports whether s is a well-formed symbol: uppercase ASCII
// letters, digits, '.' or '-', between 1 and 10 bytes. Symbols are opaque
// keys; equality is byte-identical.
func ValidSymbol(s string) bool {
	if len(s) == 0 || len(s) > 10 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}
