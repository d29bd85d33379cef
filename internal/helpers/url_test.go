package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalLink(t *testing.T) {
	tests := map[string]string{
		"Example.com/artigos/../maternidade/sono":                 "https://example.com/maternidade/sono",
		"http://blog.example.com:80/rede?id=7&utm_source=ig#topo": "http://blog.example.com/rede?id=7",
		"https://example.com/path/?b=2&a=1&fbclid=xyz":            "https://example.com/path/?a=1&b=2",
		"https://user:pw@EXAMPLE.com:8443/x":                      "https://example.com:8443/x",
		"//example.com":                                           "https://example.com/",
	}
	for in, want := range tests {
		got, err := CanonicalLink(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestCanonicalLinkRejects(t *testing.T) {
	for _, in := range []string{"", "   ", "ftp://example.com/a", "https://"} {
		_, err := CanonicalLink(in)
		assert.Error(t, err, in)
	}
}
