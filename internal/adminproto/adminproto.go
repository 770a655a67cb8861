// Copyright (c) 2026 Kata Containers Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package adminproto implements the admin protocol's wire framing (spec.md
// §4.7/§6, C7): a version handshake, a guest-attach request, and a
// status response, all carried as length-prefixed JSON frames rather than
// the original's language-specific pickled stream, per SPEC_FULL.md §4's
// recorded redesign and spec.md §9's Design Notes, which explicitly
// license this substitution as long as client and server agree.
package adminproto

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Version is the admin protocol version this implementation speaks
// (spec.md §4.7 step 1).
const Version = 2

// maxFrame bounds a single frame so a misbehaving or hostile admin client
// cannot make the server allocate unbounded memory from a length prefix.
const maxFrame = 16 << 20

// LockMode is a subscriber's requested admission policy, spec.md §4.7.
type LockMode string

const (
	Exclusive LockMode = "EXCLUSIVE"
	Write     LockMode = "WRITE"
	FFA       LockMode = "FFA"
	FFAR      LockMode = "FFAR"
)

// Status is the server's reply token, spec.md §4.7 step 3.
type Status string

const (
	OK          Status = "OK"
	VMNotFound  Status = "VM_NOTFOUND"
	LockBad     Status = "LOCK_BAD"
	LockFailed  Status = "LOCK_FAILED"
)

// Request is sent after the version handshake: the guest to attach to (a
// nil/empty VMName just lists guests) and the requested lock mode.
type Request struct {
	VMName   string   `json:"vm_name,omitempty"`
	LockMode LockMode `json:"lock_mode"`
}

// GuestInfo is one row of the VM_NOTFOUND listing, spec.md §6's
// `{name, uuid, port}` triples.
type GuestInfo struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
	Port *int   `json:"port,omitempty"`
}

// Response is the server's reply, spec.md §4.7 step 3. Only the fields
// relevant to Status are populated. SeedData carries the optional
// replay-seed block spec.md §4.7 describes for a status of OK; after this
// frame is flushed the underlying socket becomes a transparent telnet-framed
// serial channel, so the seed is the last thing carried inside the
// self-delimiting admin frame rather than appended after it.
type Response struct {
	Status      Status      `json:"status"`
	AppliedLock LockMode    `json:"applied_lock_mode,omitempty"`
	ReadOnly    bool        `json:"read_only,omitempty"`
	Guests      []GuestInfo `json:"guests,omitempty"`
	SeedData    []byte      `json:"seed_data,omitempty"`
}

// WriteVersion and ReadVersion carry the plain integer version handshake
// (spec.md §6: "Version exchange: integer in, integer out"), framed the
// same length-prefixed way as every other admin message so the wire
// format has exactly one framing rule.
func WriteVersion(w io.Writer, version int) error {
	return writeFrame(w, []byte(fmt.Sprintf("%d", version)))
}

func ReadVersion(r io.Reader) (int, error) {
	data, err := readFrame(r)
	if err != nil {
		return 0, err
	}
	var v int
	if _, err := fmt.Sscanf(string(data), "%d", &v); err != nil {
		return 0, fmt.Errorf("adminproto: malformed version %q: %w", data, err)
	}
	return v, nil
}

// WriteRequest and ReadRequest carry the Request frame.
func WriteRequest(w io.Writer, req Request) error {
	return writeJSON(w, req)
}

func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	err := readJSON(r, &req)
	return req, err
}

// WriteResponse and ReadResponse carry the Response frame.
func WriteResponse(w io.Writer, resp Response) error {
	return writeJSON(w, resp)
}

func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	err := readJSON(r, &resp)
	return resp, err
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return writeFrame(w, data)
}

func readJSON(r io.Reader, v any) error {
	data, err := readFrame(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeFrame(w io.Writer, data []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrame {
		return nil, fmt.Errorf("adminproto: frame of %d bytes exceeds maximum %d", n, maxFrame)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
