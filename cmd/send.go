package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"firestige.xyz/lowpan/internal/config"
	"firestige.xyz/lowpan/internal/core"
	"firestige.xyz/lowpan/internal/lowpan"
	"firestige.xyz/lowpan/internal/radio"
)

type sendOptions struct {
	to       string
	srcIP    string
	dstIP    string
	port     uint16
	payload  string
	size     int
	count    int
	listen   string
	compress bool
	timeout  time.Duration
}

var sendOpts sendOptions

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send UDP datagrams to a link neighbour",
	Long: `Open the configured link, send UDP/IPv6 datagrams to a neighbour and exit.

Addresses default to the link-local addresses derived from the EUI-64s.
Datagrams larger than the MTU are fragmented.

Examples:
  lowpan send --to 02:00:00:00:00:00:00:02 --payload hello
  lowpan send --to 02:00:00:00:00:00:00:02 --size 600 --listen 127.0.0.1:0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if !cmd.Flags().Changed("compress") {
			sendOpts.compress = cfg.Compression.Enabled
		}
		return runSend(cmd.Context(), cfg, sendOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := sendCmd.Flags()
	f.StringVar(&sendOpts.to, "to", "", "destination EUI-64 (required)")
	f.StringVar(&sendOpts.srcIP, "src-ip", "", "source IPv6 address")
	f.StringVar(&sendOpts.dstIP, "dst-ip", "", "destination IPv6 address")
	f.Uint16Var(&sendOpts.port, "port", 5683, "UDP destination port")
	f.StringVar(&sendOpts.payload, "payload", "hello", "UDP payload")
	f.IntVar(&sendOpts.size, "size", 0, "pad the payload to this many octets")
	f.IntVarP(&sendOpts.count, "count", "n", 1, "number of datagrams")
	f.StringVar(&sendOpts.listen, "listen", "", "override link.listen (udp links)")
	f.BoolVar(&sendOpts.compress, "compress", true, "use IPHC header compression")
	f.DurationVar(&sendOpts.timeout, "timeout", 5*time.Second, "per-datagram send timeout")
	sendCmd.MarkFlagRequired("to")
}

func runSend(ctx context.Context, cfg *config.GlobalConfig, opts sendOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	to, err := core.ParseLinkAddr(opts.to)
	if err != nil {
		return err
	}
	src, err := addrOrLinkLocal(opts.srcIP, cfg.Node.Addr)
	if err != nil {
		return err
	}
	dst, err := addrOrLinkLocal(opts.dstIP, to)
	if err != nil {
		return err
	}

	body := []byte(opts.payload)
	for len(body) < opts.size {
		body = append(body, byte(len(body)))
	}
	pkt, err := buildUDP(src, dst, opts.port, opts.port, body)
	if err != nil {
		return err
	}

	linkCfg := cfg.Link
	if opts.listen != "" {
		linkCfg.Listen = opts.listen
	}
	link, err := radio.Open(linkCfg, cfg.Node.Addr)
	if err != nil {
		return err
	}
	defer link.Close()

	nodeOpts := lowpan.OptionsFromConfig(cfg)
	nodeOpts.Compression = opts.compress
	node, err := lowpan.Init(link, cfg.Node.Addr, cfg.Node.BorderRouter, nodeOpts)
	if err != nil {
		return err
	}
	for _, c := range cfg.Contexts {
		if err := node.Contexts().Insert(c.ID, c.Prefix); err != nil {
			return err
		}
	}

	for i := 0; i < opts.count; i++ {
		sendCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		err := node.Send(sendCtx, to, pkt)
		cancel()
		if err != nil {
			return fmt.Errorf("datagram %d: %w", i+1, err)
		}
	}

	s := node.Stats()
	fmt.Fprintf(out, "sent %d datagram(s) of %d octets to %s in %d frame(s)\n", opts.count, len(pkt), to, s.FramesOut)
	return nil
}

func addrOrLinkLocal(s string, la core.LinkAddr) (netip.Addr, error) {
	if s == "" {
		return la.LinkLocal(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is6() || a.Is4In6() {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv6 address", core.ErrConfigInvalid, s)
	}
	return a, nil
}

// buildUDP serializes an IPv6/UDP packet with a valid checksum.
func buildUDP(src, dst netip.Addr, sport, dport uint16, payload []byte) ([]byte, error) {
	ip := &layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolUDP,
		HopLimit:   64,
		SrcIP:      net.IP(src.AsSlice()),
		DstIP:      net.IP(dst.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to build packet: %w", err)
	}
	return buf.Bytes(), nil
}
