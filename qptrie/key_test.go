package qptrie

import (
	"bytes"
	"sort"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFromDottedName_Deterministic(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"example.", "www.example.com.", "a.b.c.", "_dmarc.example."} {
		a := KeyFromDottedName(name)
		b := KeyFromDottedName(name)
		assert.Equal(t, a, b, "name_to_key must be deterministic for %q", name)
	}
}

func TestKeyFromDottedName_CaseFolding(t *testing.T) {
	t.Parallel()

	for _, tcase := range []struct{ lower, upper string }{
		{"example.", "EXAMPLE."},
		{"www.example.com.", "WWW.EXAMPLE.COM."},
		{"MiXeD.case.", "mixed.CASE."},
	} {
		assert.Equal(t, KeyFromDottedName(tcase.lower), KeyFromDottedName(tcase.upper))
	}
}

func TestKeyFromDottedName_Ordering(t *testing.T) {
	t.Parallel()

	// DNS canonical ordering compares labels root-most first; these
	// names are already listed in that order.
	names := []string{
		"a.",
		"b.",
		"a.x.",
		"aa.x.",
		"ab.x.",
		"b.x.",
		"zz.x.",
		"a.y.",
	}
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			ki, kj := KeyFromDottedName(names[i]), KeyFromDottedName(names[j])
			assert.Truef(t, bytes.Compare(ki, kj) < 0,
				"expected key(%q) < key(%q)", names[i], names[j])
		}
	}
}

func TestKeyFromDottedName_OrderingFuzzed(t *testing.T) {
	t.Parallel()

	faker := gofakeit.New(1)
	names := make([]string, 0, 64)
	seen := map[string]bool{}
	for len(names) < 64 {
		n := faker.DomainName() + "."
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}

	dnsOrder := append([]string(nil), names...)
	sort.Slice(dnsOrder, func(i, j int) bool {
		return dnsLess(dnsOrder[i], dnsOrder[j])
	})

	keyOrder := append([]string(nil), names...)
	sort.Slice(keyOrder, func(i, j int) bool {
		return bytes.Compare(KeyFromDottedName(keyOrder[i]), KeyFromDottedName(keyOrder[j])) < 0
	})

	require.Equal(t, dnsOrder, keyOrder)
}

// dnsLess orders two dotted names the way canonical DNS name comparison
// does: label by label, root-most (rightmost in dotted-name form) first,
// case-insensitively.
func dnsLess(a, b string) bool {
	la := reversedLabels(a)
	lb := reversedLabels(b)
	for i := 0; i < len(la) && i < len(lb); i++ {
		if la[i] != lb[i] {
			return la[i] < lb[i]
		}
	}
	return len(la) < len(lb)
}

func reversedLabels(name string) []string {
	parts := bytes.Split([]byte(name), []byte("."))
	if n := len(parts); n > 0 && len(parts[n-1]) == 0 {
		parts = parts[:n-1]
	}
	out := make([]string, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = string(bytes.ToLower(p))
	}
	return out
}

func TestKeyFromDottedName_TrailingDot(t *testing.T) {
	t.Parallel()

	assert.Equal(t, KeyFromDottedName("example.com"), KeyFromDottedName("example.com."))
}

func TestNameToKey_EmptyLabelsIsRoot(t *testing.T) {
	t.Parallel()

	root := NameToKey(nil)
	assert.Equal(t, Key{ShiftNoByte}, root)
}
