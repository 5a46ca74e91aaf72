package tlsutil

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serverFingerprint(t *testing.T, server *httptest.Server) string {
	t.Helper()
	cert := server.Certificate()
	require.NotNil(t, cert)
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func TestFetchFingerprint(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	fp, err := FetchFingerprint(server.URL)
	require.NoError(t, err)
	assert.Equal(t, serverFingerprint(t, server), fp)
}

func TestFetchFingerprintUnreachable(t *testing.T) {
	_, err := FetchFingerprint("127.0.0.1:1")
	assert.Error(t, err)
}

func TestPinnedClientAcceptsMatchingCert(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := NewHTTPClient(true, serverFingerprint(t, server), 5*time.Second)
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPinnedClientRejectsMismatchedCert(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := NewHTTPClient(true, strings.Repeat("ab", 32), 5*time.Second)
	_, err := client.Get(server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fingerprint mismatch")
}

func TestInsecureClientSkipsVerification(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	client := NewHTTPClient(false, "", 5*time.Second)
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestFingerprintVerifierNormalizesColons(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	raw := serverFingerprint(t, server)
	var parts []string
	for i := 0; i < len(raw); i += 2 {
		parts = append(parts, strings.ToUpper(raw[i:i+2]))
	}

	client := NewHTTPClient(true, strings.Join(parts, ":"), 5*time.Second)
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
}
