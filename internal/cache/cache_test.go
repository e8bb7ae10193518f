package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministicRegardlessOfParamOrder(t *testing.T) {
	a := Fingerprint("googlebooks", "https://example.com/isbn", map[string]string{"country": "US", "q": "foo"})
	b := Fingerprint("googlebooks", "https://example.com/isbn", map[string]string{"q": "foo", "country": "US"})
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersBySource(t *testing.T) {
	a := Fingerprint("googlebooks", "https://example.com/isbn", nil)
	b := Fingerprint("openlibrary", "https://example.com/isbn", nil)
	assert.NotEqual(t, a, b)
}

func TestFuzzStaysWithinRange(t *testing.T) {
	d := 10 * time.Second
	for i := 0; i < 50; i++ {
		got := Fuzz(d, 2.0)
		assert.GreaterOrEqual(t, got, d)
		assert.LessOrEqual(t, got, 2*d)
	}
}

func TestFuzzNormalizesSubOneFactor(t *testing.T) {
	d := 10 * time.Second
	got := Fuzz(d, 0.5) // f<1 is normalized to 1+f.
	assert.GreaterOrEqual(t, got, d)
	assert.LessOrEqual(t, got, time.Duration(float64(d)*1.5))
}
