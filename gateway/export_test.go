package gateway

import (
	"net/http"

	"github.com/n9te9/fedgraph-router/federation/subgraph"
)

// BuildEngineForTest exposes the unexported buildEngine to external tests
// in package gateway_test.
func BuildEngineForTest(sdls, hosts map[string]string, httpClient *http.Client) (*executionEngine, error) {
	return buildEngine(sdls, hosts, httpClient, subgraph.Limits{}, 0, 0)
}

// CopyMapForTest exposes the unexported copyMap for tests.
func CopyMapForTest(m map[string]string) map[string]string {
	return copyMap(m)
}

// FetchSDLForTest exposes the unexported fetchSDL for tests in gateway_test.
func FetchSDLForTest(host string, httpClient *http.Client, retry RetryOption) (string, error) {
	return fetchSDL(host, httpClient, retry)
}
