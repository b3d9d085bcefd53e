package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"
)

// ErrNoMulticastInterface is returned when the group could not be joined on
// any interface.
var ErrNoMulticastInterface = errors.New("no interface could join the multicast group")

// MulticastOpener opens a UDP socket bound to Port on all interfaces and
// joined to Group on every active, multicast-capable, non-loopback IPv4
// interface. Joining every interface rather than only the default route keeps
// discovery working on hosts with virtual or simulator bridges.
type MulticastOpener struct {
	Group     string // IPv4 multicast group, e.g. "239.255.77.77"
	Port      int
	Interface string // outbound interface name; empty selects the first joined
	TTL       int
	Loopback  bool
}

// Open implements interfaces.PacketConnOpener.
func (o *MulticastOpener) Open(ctx context.Context) (net.PacketConn, net.Addr, error) {
	groupIP := net.ParseIP(o.Group).To4()
	if groupIP == nil || !groupIP.IsMulticast() {
		return nil, nil, fmt.Errorf("invalid IPv4 multicast group %q", o.Group)
	}
	group := &net.UDPAddr{IP: groupIP, Port: o.Port}

	lc := net.ListenConfig{Control: reuseAddrControl}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", o.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("bind udp4 port %d: %w", o.Port, err)
	}

	pc := ipv4.NewPacketConn(conn)
	joined, err := o.joinAll(pc, group)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	if err := o.configureOutbound(pc, joined); err != nil {
		conn.Close()
		return nil, nil, err
	}

	names := make([]string, 0, len(joined))
	for _, ifi := range joined {
		names = append(names, ifi.Name)
	}
	logrus.WithFields(logrus.Fields{
		"function":   "MulticastOpener.Open",
		"group":      group.String(),
		"interfaces": names,
		"ttl":        o.TTL,
		"loopback":   o.Loopback,
	}).Info("Joined multicast group")

	return conn, group, nil
}

// joinAll joins the group on every candidate interface. If none accepts the
// membership it falls back to the system default interface.
func (o *MulticastOpener) joinAll(pc *ipv4.PacketConn, group *net.UDPAddr) ([]net.Interface, error) {
	candidates, err := multicastInterfaces()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "MulticastOpener.joinAll",
			"error":    err.Error(),
		}).Warn("Could not enumerate interfaces, using system default")
	}

	joined := make([]net.Interface, 0, len(candidates))
	for i := range candidates {
		ifi := candidates[i]
		if err := pc.JoinGroup(&ifi, group); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "MulticastOpener.joinAll",
				"interface": ifi.Name,
				"error":     err.Error(),
			}).Debug("Interface refused multicast membership")
			continue
		}
		joined = append(joined, ifi)
	}

	if len(joined) == 0 {
		if err := pc.JoinGroup(nil, group); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoMulticastInterface, err)
		}
	}
	return joined, nil
}

// configureOutbound selects the outbound interface and sets TTL and loopback.
func (o *MulticastOpener) configureOutbound(pc *ipv4.PacketConn, joined []net.Interface) error {
	var outbound *net.Interface
	if o.Interface != "" {
		ifi, err := net.InterfaceByName(o.Interface)
		if err != nil {
			return fmt.Errorf("outbound interface %q: %w", o.Interface, err)
		}
		outbound = ifi
	} else if len(joined) > 0 {
		outbound = &joined[0]
	}
	if outbound != nil {
		if err := pc.SetMulticastInterface(outbound); err != nil {
			return fmt.Errorf("set multicast interface %s: %w", outbound.Name, err)
		}
	}

	if o.TTL > 0 {
		if err := pc.SetMulticastTTL(o.TTL); err != nil {
			return fmt.Errorf("set multicast ttl: %w", err)
		}
	}
	if err := pc.SetMulticastLoopback(o.Loopback); err != nil {
		return fmt.Errorf("set multicast loopback: %w", err)
	}
	return nil
}

// multicastInterfaces lists interfaces that are up, multicast-capable, not
// loopback, and carry at least one IPv4 address.
func multicastInterfaces() ([]net.Interface, error) {
	all, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]net.Interface, 0, len(all))
	for _, ifi := range all {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if hasIPv4(ifi) {
			out = append(out, ifi)
		}
	}
	return out, nil
}

func hasIPv4(ifi net.Interface) bool {
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
			return true
		}
	}
	return false
}
