package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"math"
)

// Digest hashes the world's simulation state. Two worlds that were fed the
// same resets and actions from the same seed report the same digest.
func (w *World) Digest() string {
	h := sha256.New()
	var tmp [8]byte

	writeU64(h, &tmp, uint64(w.idx))
	writeU64(h, &tmp, w.episode)
	writeU64(h, &tmp, w.seed)
	h.Write([]byte{byte(w.phase), boolByte(w.stalled)})
	writeU64(h, &tmp, uint64(w.prepLeft))
	writeU64(h, &tmp, uint64(w.episodeLeft))
	writeU64(h, &tmp, uint64(w.layout))

	for i := range w.agents {
		a := &w.agents[i]
		h.Write([]byte{boolByte(a.Active), byte(int8(a.Team))})
		if !a.Active {
			continue
		}
		writeF64(h, &tmp, a.Pos.X, a.Pos.Y, a.Vel.X, a.Vel.Y, a.Heading)
		writeU64(h, &tmp, uint64(int64(a.Held)))
	}
	for i := range w.objects {
		o := &w.objects[i]
		h.Write([]byte{boolByte(o.Active)})
		if !o.Active {
			continue
		}
		writeF64(h, &tmp, o.Pos.X, o.Pos.Y, o.Vel.X, o.Vel.Y, o.Rotation, o.Half.X, o.Half.Y)
		h.Write([]byte{byte(o.Owner), boolByte(o.Locked)})
		writeU64(h, &tmp, uint64(int64(o.HeldBy)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func writeU64(h hash.Hash, tmp *[8]byte, v uint64) {
	binary.LittleEndian.PutUint64(tmp[:], v)
	h.Write(tmp[:])
}

func writeF64(h hash.Hash, tmp *[8]byte, vs ...float64) {
	for _, v := range vs {
		writeU64(h, tmp, math.Float64bits(v))
	}
}
