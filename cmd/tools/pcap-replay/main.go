// Command pcap-replay replays the UDP payloads of a packet capture to a
// running driver, optionally paced by the capture timestamps. Useful for
// exercising the ingestion pipeline against recorded sensor traffic without
// hardware on the bench.
//
// Usage:
//
//	go run ./cmd/tools/pcap-replay -pcap capture.pcap -target localhost:2115
package main

import (
	"flag"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

var (
	pcapFile = flag.String("pcap", "", "Path to pcap file (required)")
	target   = flag.String("target", "localhost:2115", "UDP address to replay payloads to")
	srcPort  = flag.Int("port", 0, "Only replay packets with this UDP source or destination port (0 = all UDP)")
	pace     = flag.Bool("pace", true, "Pace replay by capture timestamps")
	loop     = flag.Bool("loop", false, "Loop playback when reaching end of file")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}

	addr, err := net.ResolveUDPAddr("udp", *target)
	if err != nil {
		log.Fatalf("Failed to resolve target %s: %v", *target, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", *target, err)
	}
	defer conn.Close()

	log.Printf("Replaying %s -> %s (pace=%v loop=%v)", *pcapFile, *target, *pace, *loop)
	for {
		sent, err := replayOnce(conn)
		if err != nil {
			log.Fatalf("Replay failed: %v", err)
		}
		log.Printf("Replay complete: %d datagrams sent", sent)
		if !*loop {
			return
		}
	}
}

// replayOnce streams the whole file to conn and returns the datagram count.
func replayOnce(conn *net.UDPConn) (int, error) {
	f, err := os.Open(*pcapFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		return 0, err
	}

	var sent int
	var lastStamp time.Time
	for {
		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}

		packet := gopacket.NewPacket(data, reader.LinkType(), gopacket.NoCopy)
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp := udpLayer.(*layers.UDP)
		if *srcPort != 0 && int(udp.SrcPort) != *srcPort && int(udp.DstPort) != *srcPort {
			continue
		}
		if len(udp.Payload) == 0 {
			continue
		}

		if *pace && !lastStamp.IsZero() {
			if gap := ci.Timestamp.Sub(lastStamp); gap > 0 {
				time.Sleep(gap)
			}
		}
		lastStamp = ci.Timestamp

		if _, err := conn.Write(udp.Payload); err != nil {
			return sent, err
		}
		sent++
		if sent%10000 == 0 {
			log.Printf("Replay progress: %d datagrams", sent)
		}
	}
}
