// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// vspc-client is the bundled admin protocol client spec.md §1 names as an
// external collaborator ("the interactive client's terminal-raw-mode
// handling and escape-menu UX"); this is the concrete implementation
// SPEC_FULL.md's DOMAIN STACK commits to, built on golang.org/x/term.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"

	"golang.org/x/term"

	"github.com/urfave/cli"

	"github.com/kata-containers/vspc/internal/adminproto"
)

// escapeChar is the leading byte of the in-band escape sequence that
// detaches the client without killing the guest's session; typed twice in
// a row it is forwarded as a literal byte instead, mirroring the bundled
// client's "press the escape key twice to send it" convention.
const escapeChar = '\x1d' // Ctrl-]

func main() {
	app := cli.NewApp()
	app.Name = "vspc-client"
	app.Usage = "attach to a guest's serial console through the vSPC admin protocol"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "admin-addr", Value: "127.0.0.1:13371", Usage: "concentrator admin protocol address"},
		cli.StringFlag{Name: "vm-name", Usage: "guest name to attach to; omit to list guests"},
		cli.StringFlag{Name: "lock-mode", Value: string(adminproto.FFAR), Usage: "EXCLUSIVE, WRITE, FFA or FFAR"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "vspc-client:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	conn, err := net.Dial("tcp", c.String("admin-addr"))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", c.String("admin-addr"), err)
	}
	defer conn.Close()

	if err := adminproto.WriteVersion(conn, adminproto.Version); err != nil {
		return fmt.Errorf("sending version: %w", err)
	}
	peerVersion, err := adminproto.ReadVersion(conn)
	if err != nil {
		return fmt.Errorf("reading server version: %w", err)
	}
	if peerVersion != adminproto.Version {
		return fmt.Errorf("server speaks admin protocol version %d, this client speaks %d", peerVersion, adminproto.Version)
	}

	req := adminproto.Request{
		VMName:   c.String("vm-name"),
		LockMode: adminproto.LockMode(c.String("lock-mode")),
	}
	if err := adminproto.WriteRequest(conn, req); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	resp, err := adminproto.ReadResponse(conn)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	switch resp.Status {
	case adminproto.VMNotFound:
		return printGuestList(resp.Guests)
	case adminproto.LockBad:
		return fmt.Errorf("server rejected lock mode %q", req.LockMode)
	case adminproto.LockFailed:
		return fmt.Errorf("lock request refused: a conflicting holder is already attached to %q", req.VMName)
	case adminproto.OK:
		fmt.Fprintf(os.Stderr, "attached to %q as %s%s (Ctrl-] to detach)\n", req.VMName, resp.AppliedLock, readOnlySuffix(resp.ReadOnly))
		if len(resp.SeedData) > 0 {
			os.Stdout.Write(resp.SeedData)
		}
		return attachLoop(conn, resp.ReadOnly)
	default:
		return fmt.Errorf("unrecognized server status %q", resp.Status)
	}
}

func readOnlySuffix(readOnly bool) string {
	if readOnly {
		return " (read-only)"
	}
	return ""
}

func printGuestList(guests []adminproto.GuestInfo) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(guests)
}

// attachLoop puts the controlling terminal into raw mode and pipes bytes
// bidirectionally between it and conn until EOF, a connection error, or the
// escape sequence is typed, restoring the terminal on every exit path.
func attachLoop(conn net.Conn, readOnly bool) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		_, err := io.Copy(os.Stdout, conn)
		return err
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("setting raw terminal mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt)
	defer signal.Stop(sigc)

	done := make(chan error, 2)

	go func() {
		_, err := io.Copy(os.Stdout, conn)
		done <- err
	}()

	if !readOnly {
		go func() {
			done <- copyUntilEscape(conn, os.Stdin)
		}()
	}

	select {
	case <-sigc:
		return nil
	case err := <-done:
		return err
	}
}

// copyUntilEscape forwards bytes from src to dst, stopping (without error)
// when it sees a lone escapeChar byte; an escapeChar followed immediately
// by a second escapeChar is forwarded as one literal byte instead.
func copyUntilEscape(dst io.Writer, src io.Reader) error {
	r := bufio.NewReader(src)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b == escapeChar {
			next, err := r.ReadByte()
			if err == nil && next != escapeChar {
				r.UnreadByte()
			}
			if err != nil || next != escapeChar {
				return nil
			}
		}
		if _, err := dst.Write([]byte{b}); err != nil {
			return err
		}
	}
}
