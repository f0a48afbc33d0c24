// Package script validates PostUp/PostDown command fragments.
//
// A fragment holds one invocation per line; wg-quick runs each rendered
// PostUp/PostDown line separately. In safe mode every line must be a single
// iptables or ip6tables invocation built from a restricted token alphabet.
package script

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrRejected = errors.New("command rejected")

// blocked substrings: chaining, substitution, redirection and quoting.
var blocked = []string{";", "&&", "||", "|", "`", "$(", "$", "&", ">", "<", "\\", "'", "\"", "\r", "\x00"}

var dangerous = map[string]bool{
	"curl": true, "wget": true, "nc": true, "ncat": true, "netcat": true,
	"bash": true, "sh": true, "zsh": true, "dash": true, "ksh": true,
	"python": true, "python3": true, "perl": true, "ruby": true, "php": true, "node": true, "lua": true,
	"rm": true, "chmod": true, "chown": true, "dd": true, "mkfs": true,
	"eval": true, "exec": true, "sudo": true, "su": true,
}

var (
	tokenRE = regexp.MustCompile(`^[A-Za-z0-9_%.,:/=+!@-]+$`)
	opRE    = regexp.MustCompile(`^-[AIDCRNXFPZL]$`)
	nameRE  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// options lists the iptables flags a safe-mode invocation may use. Anything
// else, including abbreviated long options, is rejected.
var options = setOf(
	"-A", "--append", "-I", "--insert", "-D", "--delete", "-C", "--check",
	"-R", "--replace", "-N", "--new-chain", "-X", "--delete-chain",
	"-F", "--flush", "-P", "--policy", "-Z", "--zero", "-L", "--list",
	"-t", "--table", "-w", "--wait", "-v", "--verbose", "-n", "--numeric",
	"-i", "--in-interface", "-o", "--out-interface",
	"-s", "--source", "-d", "--destination", "-p", "--protocol",
	"-j", "--jump", "-g", "--goto", "-m", "--match", "-f", "--fragment",
	"--dport", "--sport", "--dports", "--sports", "--destination-port", "--source-port",
	"--state", "--ctstate", "--icmp-type", "--icmpv6-type", "--tcp-flags", "--syn",
	"--to-destination", "--to-source", "--to-ports", "--to", "--random", "--persistent",
	"--set-mss", "--clamp-mss-to-pmtu", "--set-mark", "--set-xmark", "--mark",
	"--reject-with", "--log-prefix", "--log-level", "--limit", "--limit-burst",
	"--src-range", "--dst-range", "--uid-owner", "--physdev-in", "--physdev-out",
)

// named options take a table, protocol, match module or target name. These
// names end up in shared object lookups, so they may not carry a path.
var named = setOf("-t", "--table", "-p", "--protocol", "-m", "--match", "-j", "--jump", "-g", "--goto")

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

type Result struct {
	Command  string
	Bypassed bool
}

type Sanitizer struct {
	AllowCustom bool
}

// Sanitize validates cmd. With AllowCustom set, cmd passes through unchanged
// and the result is marked Bypassed so the caller can record it.
func (s Sanitizer) Sanitize(cmd string) (Result, error) {
	if strings.TrimSpace(cmd) == "" {
		return Result{}, nil
	}
	if s.AllowCustom {
		return Result{Command: cmd, Bypassed: true}, nil
	}
	lines := Lines(cmd)
	for _, line := range lines {
		if err := checkLine(line); err != nil {
			return Result{}, err
		}
	}
	return Result{Command: strings.Join(lines, "\n")}, nil
}

func checkLine(line string) error {
	for _, b := range blocked {
		if strings.Contains(line, b) {
			return fmt.Errorf("%w: forbidden sequence %q", ErrRejected, b)
		}
	}
	fields := strings.Fields(line)
	for _, f := range fields {
		if dangerous[strings.ToLower(f)] || dangerous[baseName(f)] {
			return fmt.Errorf("%w: forbidden command %q", ErrRejected, f)
		}
		if !tokenRE.MatchString(f) {
			return fmt.Errorf("%w: invalid token %q", ErrRejected, f)
		}
	}
	if _, err := parseRule(fields); err != nil {
		return err
	}
	return checkOptions(fields[1:])
}

func checkOptions(fields []string) error {
	for i, f := range fields {
		if !strings.HasPrefix(f, "-") {
			continue
		}
		name, value, inline := strings.Cut(f, "=")
		if len(name) > 2 && strings.HasPrefix("--modprobe", name) {
			return fmt.Errorf("%w: option %q runs an external program", ErrRejected, name)
		}
		if !options[name] {
			return fmt.Errorf("%w: option %q is not allowed", ErrRejected, name)
		}
		if !named[name] {
			continue
		}
		if !inline {
			if i+1 >= len(fields) {
				continue
			}
			value = fields[i+1]
		}
		if !nameRE.MatchString(value) {
			return fmt.Errorf("%w: invalid %s value %q", ErrRejected, name, value)
		}
	}
	return nil
}

func baseName(f string) string {
	if i := strings.LastIndexByte(f, '/'); i >= 0 {
		return strings.ToLower(f[i+1:])
	}
	return strings.ToLower(f)
}

// Lines splits a fragment into its non-blank, trimmed invocations.
func Lines(cmd string) []string {
	var out []string
	for _, l := range strings.Split(cmd, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// Rule is the table/chain an iptables invocation operates on.
type Rule struct {
	IPv6  bool
	Table string
	Op    string
	Chain string
}

func parseRule(fields []string) (Rule, error) {
	var r Rule
	switch fields[0] {
	case "iptables":
	case "ip6tables":
		r.IPv6 = true
	default:
		return r, fmt.Errorf("%w: only iptables/ip6tables commands are allowed, got %q", ErrRejected, fields[0])
	}
	r.Table = "filter"
	rest := fields[1:]
	for len(rest) > 0 {
		switch {
		case rest[0] == "-t" || rest[0] == "--table":
			if len(rest) < 2 {
				return r, fmt.Errorf("%w: %s needs a table name", ErrRejected, rest[0])
			}
			r.Table = rest[1]
			rest = rest[2:]
			continue
		case rest[0] == "-w" || rest[0] == "--wait":
			rest = rest[1:]
			continue
		case opRE.MatchString(rest[0]):
			r.Op = rest[0]
			if len(rest) > 1 && !strings.HasPrefix(rest[1], "-") {
				r.Chain = rest[1]
			}
		}
		break
	}
	if r.Op == "" {
		return r, fmt.Errorf("%w: missing iptables operation", ErrRejected)
	}
	return r, nil
}

// Rules extracts the table/chain operations of every iptables invocation in
// cmd. Lines that are not iptables invocations are skipped.
func Rules(cmd string) []Rule {
	var out []Rule
	for _, line := range Lines(cmd) {
		fields := strings.Fields(line)
		if r, err := parseRule(fields); err == nil {
			out = append(out, r)
		}
	}
	return out
}
