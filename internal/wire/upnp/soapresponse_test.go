package upnp

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSOAPResponseExtractsArguments(t *testing.T) {
	body := `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<s:Body><u:GetExternalIPAddressResponse xmlns:u="service:type">` +
		`<NewExternalIPAddress>203.0.113.7</NewExternalIPAddress>` +
		`</u:GetExternalIPAddressResponse></s:Body></s:Envelope>`

	args, err := ParseSOAPResponse(strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", args["NewExternalIPAddress"])
}

func TestParseSOAPResponseEmptyBodyIsValidSuccess(t *testing.T) {
	body := `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<s:Body><u:DeletePortMappingResponse xmlns:u="service:type">` +
		`</u:DeletePortMappingResponse></s:Body></s:Envelope>`

	args, err := ParseSOAPResponse(strings.NewReader(body))
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestParseSOAPResponseFaultDecodesToSOAPFault(t *testing.T) {
	body := `<?xml version="1.0"?>` +
		`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/">` +
		`<s:Body><s:Fault>` +
		`<faultcode>s:Client</faultcode>` +
		`<faultstring>UPnPError</faultstring>` +
		`<detail><UPnPError>` +
		`<errorCode>718</errorCode>` +
		`<errorDescription>ConflictInMappingEntry</errorDescription>` +
		`</UPnPError></detail>` +
		`</s:Fault></s:Body></s:Envelope>`

	_, err := ParseSOAPResponse(strings.NewReader(body))
	require.Error(t, err)

	var fault *SOAPFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, 718, fault.ErrorCode)
	assert.Equal(t, "ConflictInMappingEntry", fault.ErrorDescription)
}

func TestParseSOAPResponseMalformedXMLErrors(t *testing.T) {
	_, err := ParseSOAPResponse(strings.NewReader("not xml at all <<<"))
	require.Error(t, err)
}
