package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// Tokens scoring below this are flagged at startup.
const weakTokenScoreThreshold = 3

// IsWeakToken reports whether the admin token is considered weak. An empty
// token disables authentication entirely, so it is not flagged here.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, nil).Score < weakTokenScoreThreshold
}
