package recorder

// webm.go — minimal audio-only WebM/EBML writer for voice notes.
//
// No external dependencies — pure Go EBML encoding. The output is a complete
// WebM file containing a single Opus track: init segment (EBML header +
// Segment + Info + Tracks) followed by clusters of SimpleBlocks. Players and
// the upload endpoint treat it like any MediaRecorder-produced voice note.

import (
	"bytes"
)

// ─── EBML encoding helpers ───────────────────────────────────────────────────

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, sufficient for any voice note element).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F: // 1 byte: 0xxxxxxx → 1xxxxxxx
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF: // 2 bytes
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF: // 3 bytes
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default: // 4 bytes
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the 8-byte unknown-size marker used for the Segment element,
// whose final length is not known while recording.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// ebmlConcat joins byte slices.
func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// ─── Element IDs ─────────────────────────────────────────────────────────────

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// opusHead is the codec private data (OpusHead) for mono 48 kHz Opus,
// required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd', // magic
	0x01,       // version = 1
	0x01,       // channels = 1 (mono)
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain = 0 (LE)
	0x00, // channel mapping family = 0
}

// idSampFreqFloat is the 4-byte IEEE 754 encoding of 48000.0.
var idSampFreqFloat = []byte{0x47, 0x3B, 0x80, 0x00}

// webmAudioInit returns the initialisation segment for a single-Opus-track
// WebM file: EBML header + Segment (unknown size) + Info + Tracks.
func webmAudioInit() []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("chatlink")),
		ebmlElem(idWrtApp, []byte("chatlink")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	audioBody := ebmlConcat(
		ebmlElem(idSampFreq, idSampFreqFloat),
		ebmlElem(idChannels, ebmlUint(1)),
	)
	audioEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(1)),
		ebmlElem(idTrackUID, ebmlUint(1)),
		ebmlElem(idTrackType, ebmlUint(2)), // 2 = audio
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, audioBody),
	)
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry, audioEntry)))
	return buf.Bytes()
}

// webmSimpleBlock encodes one Opus frame as a SimpleBlock on track 1.
// relMs is the timecode relative to the enclosing cluster start. Audio blocks
// are always keyframes.
func webmSimpleBlock(relMs int16, data []byte) []byte {
	trackVint := ebmlVint(1)
	content := make([]byte, len(trackVint)+3+len(data))
	copy(content, trackVint)
	content[len(trackVint)] = byte(uint16(relMs) >> 8)
	content[len(trackVint)+1] = byte(uint16(relMs))
	content[len(trackVint)+2] = 0x80 // keyframe flag
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}

// clusterWindowMs bounds a cluster's span so relative timecodes stay well
// inside the signed 16-bit SimpleBlock range.
const clusterWindowMs = 5000

// audioMuxer accumulates Opus frames into a complete WebM voice note.
type audioMuxer struct {
	out bytes.Buffer

	clusterStartMs int64
	clusterBlocks  bytes.Buffer
	clusterOpen    bool
}

func newAudioMuxer() *audioMuxer {
	m := &audioMuxer{}
	m.out.Write(webmAudioInit())
	return m
}

// AddFrame appends one Opus frame at the given absolute timecode (ms since
// recording start). Frames must arrive in timecode order.
func (m *audioMuxer) AddFrame(timecodeMs int64, data []byte) {
	if m.clusterOpen && timecodeMs-m.clusterStartMs >= clusterWindowMs {
		m.flushCluster()
	}
	if !m.clusterOpen {
		m.clusterStartMs = timecodeMs
		m.clusterOpen = true
		m.clusterBlocks.Reset()
	}
	rel := int16(timecodeMs - m.clusterStartMs)
	m.clusterBlocks.Write(webmSimpleBlock(rel, data))
}

// flushCluster writes the open cluster to the output buffer.
func (m *audioMuxer) flushCluster() {
	if !m.clusterOpen || m.clusterBlocks.Len() == 0 {
		m.clusterOpen = false
		return
	}
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(m.clusterStartMs)))
	clusterBody := ebmlConcat(tcElem, m.clusterBlocks.Bytes())
	m.out.Write(ebmlElem(idCluster, clusterBody))
	m.clusterOpen = false
	m.clusterBlocks.Reset()
}

// Finalize flushes any open cluster and returns the complete WebM file.
func (m *audioMuxer) Finalize() []byte {
	m.flushCluster()
	data := make([]byte, m.out.Len())
	copy(data, m.out.Bytes())
	return data
}
