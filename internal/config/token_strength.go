package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakKeyScoreThreshold = 3

// IsWeakKey returns whether the ref-signing key is considered weak. The key
// authenticates every gateway reply ref, so a guessable value is rejected at
// startup rather than at first forgery.
func IsWeakKey(key string) bool {
	result := zxcvbn.PasswordStrength(key, nil)
	return result.Score < weakKeyScoreThreshold
}
