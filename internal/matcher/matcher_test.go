package matcher_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockandfocus/baf/internal/matcher"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"Facebook.COM", "facebook.com"},
		{"  facebook.com  ", "facebook.com"},
		{"facebook.com.", "facebook.com"},
		{" WWW.Facebook.Com. ", "www.facebook.com"},
		{"facebook.com", "facebook.com"},
		{"", ""},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, matcher.Normalize(tc.in))
		// Idempotence.
		assert.Equal(t, tc.want, matcher.Normalize(matcher.Normalize(tc.in)))
	}
}

func TestMatch(t *testing.T) {
	testCases := []struct {
		name      string
		blocklist []string
		query     string
		want      bool
	}{
		{
			name:      "exact match",
			blocklist: []string{"facebook.com"},
			query:     "facebook.com",
			want:      true,
		},
		{
			name:      "subdomain match",
			blocklist: []string{"facebook.com"},
			query:     "www.facebook.com",
			want:      true,
		},
		{
			name:      "deep subdomain match",
			blocklist: []string{"facebook.com"},
			query:     "a.b.c.facebook.com",
			want:      true,
		},
		{
			name:      "suffix without label boundary does not match",
			blocklist: []string{"facebook.com"},
			query:     "notfacebook.com",
			want:      false,
		},
		{
			name:      "case insensitive",
			blocklist: []string{"facebook.com"},
			query:     "WWW.FACEBOOK.COM",
			want:      true,
		},
		{
			name:      "trailing dot on query",
			blocklist: []string{"facebook.com"},
			query:     "www.facebook.com.",
			want:      true,
		},
		{
			name:      "unlisted domain",
			blocklist: []string{"facebook.com", "twitter.com"},
			query:     "example.com",
			want:      false,
		},
		{
			name:      "blocked domain is not a suffix of the query",
			blocklist: []string{"www.facebook.com"},
			query:     "facebook.com",
			want:      false,
		},
		{
			name:      "empty blocklist",
			blocklist: nil,
			query:     "facebook.com",
			want:      false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := matcher.New(tc.blocklist)
			assert.Equal(t, tc.want, m.Match(tc.query))
		})
	}
}

func TestMatcherLenCollapsesDuplicates(t *testing.T) {
	m := matcher.New([]string{"facebook.com", "Facebook.com", "facebook.com."})
	require.Equal(t, 1, m.Len())
}

func TestValidateDomain(t *testing.T) {
	long := ""
	for i := 0; i < 64; i++ {
		long += "a"
	}

	testCases := []struct {
		name    string
		domain  string
		wantErr bool
	}{
		{"plain domain", "facebook.com", false},
		{"single label", "localhost", false},
		{"digits and hyphens", "a-1.example-2.com", false},
		{"normalized before checking", "  Facebook.COM.  ", false},
		{"empty", "", true},
		{"whitespace only", "   ", true},
		{"non-ascii", "exämple.com", true},
		{"embedded space", "face book.com", true},
		{"empty label", "facebook..com", true},
		{"label too long", long + ".com", true},
		{"leading hyphen", "-bad.com", true},
		{"trailing hyphen", "bad-.com", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := matcher.ValidateDomain(tc.domain)
			if tc.wantErr {
				require.ErrorIs(t, err, matcher.ErrInvalidDomain)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateDomainTotalLength(t *testing.T) {
	label := "aaaaaaaaaa" // 10 chars
	d := label
	for len(d) <= 253 {
		d += "." + label
	}
	require.ErrorIs(t, matcher.ValidateDomain(d), matcher.ErrInvalidDomain)
}
