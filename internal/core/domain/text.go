package domain

import "unicode/utf8"

// ClipHead returns the longest prefix of s no longer than n bytes that does
// not split a UTF-8 sequence.
func ClipHead(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ClipTail returns the longest suffix of s no longer than n bytes that does
// not split a UTF-8 sequence.
func ClipTail(s string, n int) string {
	if n >= len(s) {
		return s
	}
	if n <= 0 {
		return ""
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
