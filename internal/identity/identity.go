// Package identity derives deterministic vector-record identifiers so that
// re-ingesting the same content overwrites instead of duplicating.
package identity

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/go-crypt/x/blake2b"
	"github.com/google/uuid"
)

// Namespaces keep chunk and ticket IDs disjoint even for colliding inputs.
var (
	chunkNamespace  = uuid.MustParse("6f1d7b0e-5a43-4c1e-9a57-3b1f0c2d8e41")
	ticketNamespace = uuid.MustParse("b2c8e4a1-93d7-4f60-8e15-7a9d2c4f1b63")
)

// SourceID returns a hex BLAKE2b-256 digest over the filename and extracted
// text. Both fields are length-prefixed so ("ab","c") and ("a","bc") differ.
func SourceID(filename, text string) string {
	h, _ := blake2b.New256(nil)
	writeField(h, filename)
	writeField(h, text)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}

// ChunkID identifies chunk seq of sourceID.
func ChunkID(sourceID string, seq int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(sourceID+"#"+strconv.Itoa(seq))).String()
}

// TicketID identifies a whole-ticket record by its natural key. Surrounding
// whitespace and letter case are ignored ("inc0012345" == "INC0012345").
func TicketID(number string) string {
	return uuid.NewSHA1(ticketNamespace, []byte(NormalizeTicketNumber(number))).String()
}

func NormalizeTicketNumber(number string) string {
	return strings.ToUpper(strings.TrimSpace(number))
}
