package util

import (
	"strings"

	"github.com/sirupsen/logrus"
)

func ContinueOrFatal(err error) {
	if err != nil {
		logrus.Fatal(err)
	}
}

// MaskSecret keeps the first and last two characters of a credential.
func MaskSecret(secret string) string {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ""
	}
	if len(secret) <= 6 {
		return "***"
	}

	return secret[:2] + "***" + secret[len(secret)-2:]
}
