package consistency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_CaseInsensitive(t *testing.T) {
	assert.Equal(t, Fingerprint("Газпром ПОВЫСИЛ цены"), Fingerprint("газпром повысил ЦЕНЫ"))
	assert.NotEqual(t, Fingerprint("газпром повысил цены"), Fingerprint("газпром снизил цены"))
}

func TestFingerprint_OnlyPrefixCounts(t *testing.T) {
	prefix := strings.Repeat("ж", PrefixRunes)
	assert.Equal(t, Fingerprint(prefix+" хвост один"), Fingerprint(prefix+" совсем другой хвост"))
	assert.NotEqual(t, Fingerprint("a"+prefix), Fingerprint("b"+prefix))
}

func TestFingerprint_Format(t *testing.T) {
	fp := Fingerprint("")
	assert.Len(t, fp, 32)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", fp)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "Acme:"+Fingerprint("hello"), Key("Acme", "hello"))
	assert.NotEqual(t, Key("Acme", "hello"), Key("Globex", "hello"))
}
