// Package portmap discovers NAT/firewall gateways on the local network
// and obtains port mappings from them, so a process behind NAT can be
// reached from the public Internet.
//
// It speaks NAT-PMP (RFC 6886), PCP (RFC 6887), and UPnP-IGD (SSDP plus
// SOAP over HTTP), and presents all three behind one Mapper interface.
//
// # Quick start
//
//	client := portmap.New()
//	if err := client.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	mappers, err := client.Discover(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, m := range mappers {
//	    mapped, err := m.Map(ctx, types.TCP, 8080, 0, 2*time.Hour)
//	    if err != nil {
//	        continue
//	    }
//	    fmt.Println(mapped.ExternalAddress, mapped.ExternalPort)
//	}
//
// Discover blocks for at most the discovery timeout implied by
// config.DiscoveryConfig and returns every gateway that answered,
// classified by protocol; callers pick a mapper (or try all of them)
// and call Map/Refresh/Unmap directly on it. A gateway that rejects an
// operation permanently is the caller's problem to drop; Discover may
// find it again on a later call.
package portmap
