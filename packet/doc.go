// Package packet interprets raw IP packets read from a TUN device.
//
// Classify produces a View describing the IPv4 header and, for TCP, UDP and
// ICMP, the transport header that follows it. Views never copy or modify the
// buffer they describe. EchoReply is the only function that builds a new
// packet, and it always works on a clone.
package packet
