package upnp

import "fmt"

// BuildGetRequest builds a bare HTTP/1.1 GET request for fetching a
// device's descriptor or SCPD document (spec.md §4.2's discovery flow
// hands SSDP's Location URL's host/path here). Like buildSOAPRequest,
// this is written directly rather than through net/http.Client because
// internal/mux claims exclusive ownership of the underlying TCP socket.
func BuildGetRequest(host, path string) []byte {
	return []byte(fmt.Sprintf(
		"GET %s HTTP/1.1\r\nHost: %s\r\nConnection: Close\r\nAccept: */*\r\n\r\n",
		path, host,
	))
}
