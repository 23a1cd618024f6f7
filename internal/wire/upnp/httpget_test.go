package upnp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildGetRequest(t *testing.T) {
	got := BuildGetRequest("192.168.1.1:1900", "/rootDesc.xml")
	want := "GET /rootDesc.xml HTTP/1.1\r\n" +
		"Host: 192.168.1.1:1900\r\n" +
		"Connection: Close\r\n" +
		"Accept: */*\r\n" +
		"\r\n"
	assert.Equal(t, want, string(got))
}
