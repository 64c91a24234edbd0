package mesh

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"os/exec"
	"strings"

	"github.com/nand-nor/plant-minder/internal/meshtypes"
)

// doneMarker terminates an ot-ctl list response.
const doneMarker = "Done"

// CLIClient implements Client by shelling out to an ot-ctl-compatible
// command-line tool and parsing its text output. This is the fallback
// transport named in spec §6 when a DBus connection is unavailable.
//
// Expected "child ip" output format, per spec §6:
//
//	<hex-rloc>: <ipv6>
//	<hex-rloc>: <ipv6>
//	Done
type CLIClient struct {
	// Bin is the executable to invoke, typically "ot-ctl".
	Bin string
	// Runner abstracts command execution for tests; defaults to os/exec.
	Runner CommandRunner
}

// CommandRunner executes a named command with arguments and returns its
// combined stdout. Implementations should respect ctx cancellation.
type CommandRunner interface {
	Run(ctx context.Context, bin string, args ...string) ([]byte, error)
}

// execRunner is the production CommandRunner, backed by os/exec.
type execRunner struct{}

// Run executes bin with args via os/exec.CommandContext and returns stdout.
func (execRunner) Run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// NewCLIClient creates a CLIClient invoking bin (e.g. "ot-ctl") via the
// system's os/exec. Pass a custom Runner in tests to avoid spawning
// processes.
func NewCLIClient(bin string) *CLIClient {
	return &CLIClient{Bin: bin, Runner: execRunner{}}
}

func (c *CLIClient) runner() CommandRunner {
	if c.Runner != nil {
		return c.Runner
	}
	return execRunner{}
}

// ChildLocators runs "<bin> child ip" and parses lines of
// "<hex-rloc>: <ipv6>" up to the trailing "Done" marker.
func (c *CLIClient) ChildLocators(ctx context.Context) ([]meshtypes.ChildLocator, error) {
	out, err := c.runner().Run(ctx, c.Bin, "child", "ip")
	if err != nil {
		return nil, wrapErr("child ip", err)
	}
	return parseChildLocators(out)
}

// parseChildLocators implements the §6 wire contract: lines of
// "<hex-rloc>: <ipv6>" terminated by a trailing "Done" marker. Lines after
// Done, and blank lines, are ignored.
func parseChildLocators(out []byte) ([]meshtypes.ChildLocator, error) {
	var locs []meshtypes.ChildLocator

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == doneMarker {
			break
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, wrapErr("parse child ip line", fmt.Errorf("no ':' in %q", line))
		}

		rloc, err := decodeHexRLOC(line[:colon])
		if err != nil {
			return nil, wrapErr("parse child ip line", err)
		}

		addrStr := strings.TrimSpace(line[colon+1:])
		addr, err := netip.ParseAddr(addrStr)
		if err != nil {
			return nil, wrapErr("parse child ip address "+addrStr, err)
		}

		locs = append(locs, meshtypes.ChildLocator{RLOC: rloc, IPv6: addr})
	}
	if err := scanner.Err(); err != nil {
		return nil, wrapErr("scan child ip output", err)
	}

	return locs, nil
}

// OMRPrefix runs "<bin> omrprefix" and parses the single prefix line.
func (c *CLIClient) OMRPrefix(ctx context.Context) (netip.Prefix, error) {
	out, err := c.runner().Run(ctx, c.Bin, "omrprefix")
	if err != nil {
		return netip.Prefix{}, wrapErr("omrprefix", err)
	}
	return parseOMRPrefix(out)
}

func parseOMRPrefix(out []byte) (netip.Prefix, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == doneMarker {
			continue
		}
		prefix, err := netip.ParsePrefix(line)
		if err != nil {
			return netip.Prefix{}, wrapErr("parse omr prefix "+line, err)
		}
		return prefix, nil
	}
	return netip.Prefix{}, wrapErr("parse omrprefix output", fmt.Errorf("no prefix line found"))
}

// OMRAddress runs "<bin> ipaddr" and returns the first address whose prefix
// matches the OMR prefix.
func (c *CLIClient) OMRAddress(ctx context.Context) (netip.Addr, error) {
	prefix, err := c.OMRPrefix(ctx)
	if err != nil {
		return netip.Addr{}, err
	}

	out, err := c.runner().Run(ctx, c.Bin, "ipaddr")
	if err != nil {
		return netip.Addr{}, wrapErr("ipaddr", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == doneMarker {
			continue
		}
		addr, err := netip.ParseAddr(line)
		if err != nil {
			continue
		}
		if addrMatchesPrefix(addr, prefix) {
			return addr, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return netip.Addr{}, wrapErr("scan ipaddr output", err)
	}

	return netip.Addr{}, wrapErr("find OMR address", fmt.Errorf("no address under prefix %s", prefix))
}
