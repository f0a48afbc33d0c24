// Package wgconf reads and writes the wg-quick configuration format.
package wgconf

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrSyntax = errors.New("invalid wireguard config")

type Interface struct {
	PrivateKey string
	Address    string
	ListenPort int
	DNS        string
	// PostUp and PostDown hold one invocation per line; each is rendered as
	// its own key so wg-quick runs them in order.
	PostUp   string
	PostDown string
	MTU      int
}

type Peer struct {
	PublicKey           string
	PresharedKey        string
	AllowedIPs          string
	Endpoint            string
	PersistentKeepalive int
}

type Config struct {
	Interface Interface
	Peers     []Peer
}

// Render writes cfg in a fixed key order. Identical input always produces
// identical bytes. %i placeholders are written as-is.
func Render(cfg Config) []byte {
	var b bytes.Buffer
	b.WriteString("[Interface]\n")
	i := cfg.Interface
	kv(&b, "PrivateKey", i.PrivateKey)
	kv(&b, "Address", i.Address)
	if i.ListenPort != 0 {
		kv(&b, "ListenPort", strconv.Itoa(i.ListenPort))
	}
	kv(&b, "DNS", i.DNS)
	for _, l := range lines(i.PostUp) {
		kv(&b, "PostUp", l)
	}
	for _, l := range lines(i.PostDown) {
		kv(&b, "PostDown", l)
	}
	if i.MTU != 0 {
		kv(&b, "MTU", strconv.Itoa(i.MTU))
	}

	for _, p := range cfg.Peers {
		b.WriteString("\n[Peer]\n")
		kv(&b, "PublicKey", p.PublicKey)
		kv(&b, "PresharedKey", p.PresharedKey)
		kv(&b, "AllowedIPs", p.AllowedIPs)
		kv(&b, "Endpoint", p.Endpoint)
		if p.PersistentKeepalive > 0 {
			kv(&b, "PersistentKeepalive", strconv.Itoa(p.PersistentKeepalive))
		}
	}
	return b.Bytes()
}

func kv(b *bytes.Buffer, key, value string) {
	if value == "" {
		return
	}
	b.WriteString(key)
	b.WriteString(" = ")
	b.WriteString(value)
	b.WriteByte('\n')
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
)

// Parse reads a config produced by Render or written by hand in the same
// format. Keys and section names are case-insensitive.
func Parse(data []byte) (Config, error) {
	var (
		cfg          Config
		sec          = sectionNone
		seenIface    bool
		postUp, down []string
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			switch strings.ToLower(line) {
			case "[interface]":
				if seenIface {
					return Config{}, fmt.Errorf("%w: line %d: duplicate [Interface] section", ErrSyntax, lineNo)
				}
				seenIface = true
				sec = sectionInterface
			case "[peer]":
				sec = sectionPeer
				cfg.Peers = append(cfg.Peers, Peer{})
			default:
				return Config{}, fmt.Errorf("%w: line %d: unknown section %s", ErrSyntax, lineNo, line)
			}
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, fmt.Errorf("%w: line %d: expected key = value", ErrSyntax, lineNo)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		var err error
		switch sec {
		case sectionInterface:
			i := &cfg.Interface
			switch key {
			case "privatekey":
				i.PrivateKey = value
			case "address":
				i.Address = value
			case "listenport":
				i.ListenPort, err = atoi(value, 1, 65535)
			case "dns":
				i.DNS = value
			case "postup":
				postUp = append(postUp, value)
			case "postdown":
				down = append(down, value)
			case "mtu":
				i.MTU, err = atoi(value, 576, 65535)
			default:
				err = fmt.Errorf("unknown key %q", key)
			}
		case sectionPeer:
			p := &cfg.Peers[len(cfg.Peers)-1]
			switch key {
			case "publickey":
				p.PublicKey = value
			case "presharedkey":
				p.PresharedKey = value
			case "allowedips":
				p.AllowedIPs = value
			case "endpoint":
				p.Endpoint = value
			case "persistentkeepalive":
				if strings.EqualFold(value, "off") {
					p.PersistentKeepalive = 0
				} else {
					p.PersistentKeepalive, err = atoi(value, 0, 65535)
				}
			default:
				err = fmt.Errorf("unknown key %q", key)
			}
		default:
			err = errors.New("key outside of a section")
		}
		if err != nil {
			return Config{}, fmt.Errorf("%w: line %d: %v", ErrSyntax, lineNo, err)
		}
	}
	if err := sc.Err(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if !seenIface {
		return Config{}, fmt.Errorf("%w: missing [Interface] section", ErrSyntax)
	}
	cfg.Interface.PostUp = strings.Join(postUp, "\n")
	cfg.Interface.PostDown = strings.Join(down, "\n")
	return cfg, nil
}

func atoi(s string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, lo, hi)
	}
	return n, nil
}
