package registry

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"golang.org/x/net/bpf"
)

// IPv6 header offsets inspected by filters. Only the fixed header is
// examined: transport matches see the next header field directly, so a
// packet carrying extension headers never matches udp, tcp, icmp6 or port.
const (
	offVersion = 0
	offNext    = 6
	offSrc     = 8
	offDst     = 24
	offSrcPort = 40
	offDstPort = 42

	acceptLen = 0x40000
)

// Filter is a compiled packet filter over raw IPv6 datagrams.
//
// The expression language is a small subset of tcpdump: primitives joined
// by "and", each optionally negated with "not":
//
//	ip6 | udp | tcp | icmp6
//	[src|dst] host ADDR
//	[src|dst] net PREFIX
//	[src|dst] port N
//
// An empty expression matches everything.
type Filter struct {
	expr string
	raw  []bpf.RawInstruction
	vm   *bpf.VM
}

// CompileFilter compiles expr into a BPF program.
func CompileFilter(expr string) (*Filter, error) {
	terms, err := parseFilter(expr)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	prog, err := assemble(terms)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return nil, fmt.Errorf("filter %q: %w", expr, err)
	}
	return &Filter{expr: expr, raw: raw, vm: vm}, nil
}

// Match runs the program over pkt. Reads past the end of pkt reject.
func (f *Filter) Match(pkt []byte) bool {
	n, err := f.vm.Run(pkt)
	return err == nil && n > 0
}

func (f *Filter) String() string { return f.expr }

// Program returns the assembled instructions, suitable for a socket filter.
func (f *Filter) Program() []bpf.RawInstruction { return f.raw }

// cond compares the masked value loaded from off with val.
type cond struct {
	off  uint32
	size int
	mask uint32
	val  uint32
}

// term matches when any of its alternatives has all conditions true.
type term struct {
	neg  bool
	alts [][]cond
}

func parseFilter(expr string) ([]term, error) {
	toks := strings.Fields(strings.ToLower(expr))
	var terms []term
	for i := 0; i < len(toks); {
		if len(terms) > 0 {
			if toks[i] != "and" && toks[i] != "&&" {
				return nil, fmt.Errorf("expected \"and\", got %q", toks[i])
			}
			if i++; i == len(toks) {
				return nil, fmt.Errorf("dangling %q", toks[i-1])
			}
		}

		var t term
		if toks[i] == "not" || toks[i] == "!" {
			t.neg = true
			if i++; i == len(toks) {
				return nil, fmt.Errorf("dangling %q", toks[i-1])
			}
		}
		var dirs []uint32
		switch toks[i] {
		case "src":
			dirs = []uint32{0}
			i++
		case "dst":
			dirs = []uint32{1}
			i++
		default:
			dirs = []uint32{0, 1}
		}
		if i == len(toks) {
			return nil, fmt.Errorf("missing primitive after %q", toks[i-1])
		}

		kw := toks[i]
		i++
		arg := func() (string, error) {
			if i == len(toks) {
				return "", fmt.Errorf("%q needs an argument", kw)
			}
			i++
			return toks[i-1], nil
		}
		directed := len(dirs) == 1

		switch kw {
		case "ip6":
			t.alts = [][]cond{{{off: offVersion, size: 1, mask: 0xf0, val: 0x60}}}
		case "udp", "tcp", "icmp6":
			t.alts = [][]cond{{protoCond(kw)}}
		case "host":
			s, err := arg()
			if err != nil {
				return nil, err
			}
			addr, err := netip.ParseAddr(s)
			if err != nil || !addr.Is6() {
				return nil, fmt.Errorf("bad IPv6 host %q", s)
			}
			t.alts = addrAlts(dirs, netip.PrefixFrom(addr, 128))
		case "net":
			s, err := arg()
			if err != nil {
				return nil, err
			}
			p, err := netip.ParsePrefix(s)
			if err != nil || !p.Addr().Is6() {
				return nil, fmt.Errorf("bad IPv6 net %q", s)
			}
			t.alts = addrAlts(dirs, p.Masked())
		case "port":
			s, err := arg()
			if err != nil {
				return nil, err
			}
			port, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				return nil, fmt.Errorf("bad port %q", s)
			}
			for _, proto := range []string{"udp", "tcp"} {
				for _, d := range dirs {
					off := uint32(offSrcPort)
					if d == 1 {
						off = offDstPort
					}
					t.alts = append(t.alts, []cond{protoCond(proto), {off: off, size: 2, val: uint32(port)}})
				}
			}
		default:
			return nil, fmt.Errorf("unknown primitive %q", kw)
		}
		if directed && (kw == "ip6" || kw == "udp" || kw == "tcp" || kw == "icmp6") {
			return nil, fmt.Errorf("%q takes no direction", kw)
		}
		terms = append(terms, t)
	}
	return terms, nil
}

func protoCond(name string) cond {
	var proto uint32
	switch name {
	case "udp":
		proto = 17
	case "tcp":
		proto = 6
	case "icmp6":
		proto = 58
	}
	return cond{off: offNext, size: 1, val: proto}
}

// addrAlts compares the prefix bits of the source and/or destination
// address a word at a time.
func addrAlts(dirs []uint32, p netip.Prefix) [][]cond {
	a := p.Addr().As16()
	var alts [][]cond
	for _, d := range dirs {
		base := uint32(offSrc)
		if d == 1 {
			base = offDst
		}
		var conds []cond
		for w, left := 0, p.Bits(); left > 0; w, left = w+1, left-32 {
			c := cond{
				off:  base + uint32(4*w),
				size: 4,
				val:  binary.BigEndian.Uint32(a[4*w:]),
			}
			if left < 32 {
				c.mask = ^uint32(0) << (32 - left)
			}
			conds = append(conds, c)
		}
		alts = append(alts, conds)
	}
	return alts
}

type pendingJump struct {
	at      int
	cond    bool
	val     uint32
	onTrue  int
	onFalse int
}

type builder struct {
	ins    []bpf.Instruction
	jumps  []pendingJump
	labels []int
}

func (b *builder) label() int {
	b.labels = append(b.labels, -1)
	return len(b.labels) - 1
}

func (b *builder) mark(l int) { b.labels[l] = len(b.ins) }

func (b *builder) test(c cond, onTrue, onFalse int) {
	b.ins = append(b.ins, bpf.LoadAbsolute{Off: c.off, Size: c.size})
	if c.mask != 0 {
		b.ins = append(b.ins, bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: c.mask})
	}
	b.jumps = append(b.jumps, pendingJump{at: len(b.ins), cond: true, val: c.val, onTrue: onTrue, onFalse: onFalse})
	b.ins = append(b.ins, bpf.JumpIf{})
}

func (b *builder) jump(to int) {
	b.jumps = append(b.jumps, pendingJump{at: len(b.ins), onTrue: to})
	b.ins = append(b.ins, bpf.Jump{})
}

func (b *builder) term(t term, ok, fail int) {
	for _, alt := range t.alts {
		if len(alt) == 0 {
			b.jump(ok)
			return
		}
	}
	for ai, alt := range t.alts {
		nextAlt := fail
		if ai < len(t.alts)-1 {
			nextAlt = b.label()
		}
		for ci, c := range alt {
			if ci == len(alt)-1 {
				b.test(c, ok, nextAlt)
				continue
			}
			cont := b.label()
			b.test(c, cont, nextAlt)
			b.mark(cont)
		}
		if nextAlt != fail {
			b.mark(nextAlt)
		}
	}
}

func assemble(terms []term) ([]bpf.Instruction, error) {
	b := &builder{}
	accept, reject := b.label(), b.label()
	for i, t := range terms {
		next := accept
		if i < len(terms)-1 {
			next = b.label()
		}
		ok, fail := next, reject
		if t.neg {
			ok, fail = reject, next
		}
		b.term(t, ok, fail)
		if next != accept {
			b.mark(next)
		}
	}
	b.mark(accept)
	b.ins = append(b.ins, bpf.RetConstant{Val: acceptLen})
	b.mark(reject)
	b.ins = append(b.ins, bpf.RetConstant{Val: 0})

	for _, j := range b.jumps {
		skipTrue := b.labels[j.onTrue] - j.at - 1
		if !j.cond {
			b.ins[j.at] = bpf.Jump{Skip: uint32(skipTrue)}
			continue
		}
		skipFalse := b.labels[j.onFalse] - j.at - 1
		if skipTrue > 0xff || skipFalse > 0xff {
			return nil, fmt.Errorf("expression too long")
		}
		b.ins[j.at] = bpf.JumpIf{Cond: bpf.JumpEqual, Val: j.val, SkipTrue: uint8(skipTrue), SkipFalse: uint8(skipFalse)}
	}
	return b.ins, nil
}
