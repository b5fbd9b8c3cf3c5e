package storage

import (
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

var codePattern = regexp.MustCompile(`^[A-Z]+[0-9A-F]{6}[0-9]+$`)

func TestPaymentCodeFormat(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for _, prefix := range []string{codePrefixBanking, codePrefixWallet, codePrefixPayout} {
		code := newPaymentCode(prefix, at)
		if !strings.HasPrefix(code, prefix) {
			t.Fatalf("code %q missing prefix %q", code, prefix)
		}
		if !codePattern.MatchString(code) {
			t.Fatalf("code %q does not match the transfer-content format", code)
		}
		if !strings.HasSuffix(code, strconv.FormatInt(at.Unix(), 10)) {
			t.Fatalf("code %q missing timestamp", code)
		}
	}
}

func TestPaymentCodesAreUnique(t *testing.T) {
	at := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := newPaymentCode(codePrefixBanking, at)
		if seen[code] {
			t.Fatalf("duplicate code %q", code)
		}
		seen[code] = true
	}
}
