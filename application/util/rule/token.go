package rule

// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.2-2
func IsValidToken(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := range len(s) {
		if !IsTokenChar(s[i]) {
			return false
		}
	}
	return true
}

func IsTokenChar(c byte) bool {
	if IsAlpha(c) || IsDigit(c) {
		return true
	}

	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+',
		'-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}
