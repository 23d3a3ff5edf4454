// Package announce implements the Announce/Confirm peer-to-peer handshake
// (spec.md §4.5, §6): Alice sends her swap's SwapDigest to Bob over a
// long-running substream; Bob, once he has a matching CreatedSwap, confirms
// by returning a shared SwapId.
package announce

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/comit-network/cnd/swap"
)

// ProtocolID is the substream protocol name negotiated for this handshake,
// matching spec.md §6.
const ProtocolID = "/comit/swap/announce/1.0.0"

// maxFrameSize bounds a single frame so a misbehaving peer cannot make a
// reader allocate unbounded memory from a bogus length prefix.
const maxFrameSize = 64 * 1024

// AnnounceMessage is Alice's outbound request: the digest of the swap she
// wants to pair.
type AnnounceMessage struct {
	Digest string `json:"digest"`
}

// ConfirmMessage is Bob's reply: the SwapId he has assigned to the swap
// matching the announced digest, as the bare hex of its 16 bytes per
// spec.md §6 ({"swap_id": "<hex-16>"}), not the dashed form used
// everywhere else.
type ConfirmMessage struct {
	SwapId string `json:"swap_id"`
}

// writeFrame writes msg as a single length-prefixed JSON frame: a 4-byte
// big-endian length followed by the JSON body, per spec.md §6's framing.
func writeFrame(w io.Writer, msg interface{}) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("announce: encoding frame: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("announce: frame of %d bytes exceeds max %d", len(body), maxFrameSize)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("announce: writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("announce: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON frame and decodes it into out.
func readFrame(r io.Reader, out interface{}) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("announce: reading frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("announce: peer announced frame of %d bytes, exceeds max %d", size, maxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("announce: reading frame body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("announce: decoding frame: %w", err)
	}
	return nil
}

// digestFromMessage parses the hex digest carried on the wire back into a
// swap.Digest.
func digestFromMessage(msg AnnounceMessage) (swap.Digest, error) {
	raw, err := hex.DecodeString(msg.Digest)
	if err != nil || len(raw) != len(swap.Digest{}) {
		return swap.Digest{}, fmt.Errorf("announce: invalid digest %q", msg.Digest)
	}
	var d swap.Digest
	copy(d[:], raw)
	return d, nil
}
