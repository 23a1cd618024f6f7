package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	pcpwire "github.com/natgateway/portmap/internal/wire/pcp"
	"github.com/natgateway/portmap/pkg/types"
)

func TestClassifyProbeResponsePCP(t *testing.T) {
	b := make([]byte, 24)
	b[0] = pcpwire.Version
	assert.Equal(t, types.ProtocolPCP, classifyProbeResponse(b))
}

func TestClassifyProbeResponseNATPMP(t *testing.T) {
	b := make([]byte, 12)
	b[0] = 0
	assert.Equal(t, types.ProtocolNATPMP, classifyProbeResponse(b))
}

func TestClassifyProbeResponseEmptyDefaultsToNATPMP(t *testing.T) {
	assert.Equal(t, types.ProtocolNATPMP, classifyProbeResponse(nil))
}

func TestResolveHostPortLiteralAddress(t *testing.T) {
	addr, header, err := resolveHostPort(context.Background(), "192.168.1.1:5000", 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, "192.168.1.1:5000", header)
	assert.Equal(t, uint16(5000), addr.Port())
}

func TestResolveHostPortNoPortUsesDefault(t *testing.T) {
	addr, header, err := resolveHostPort(context.Background(), "192.168.1.1", 1900)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assert.Equal(t, "192.168.1.1", header)
	assert.Equal(t, uint16(1900), addr.Port())
}
