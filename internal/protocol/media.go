package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// deviceNameLen is the fixed size of the device metadata block the helper
// writes on the first stream socket.
const deviceNameLen = 64

// CodecID is the helper's four-byte codec identifier.
type CodecID uint32

const (
	CodecH264 CodecID = 0x68323634 // "h264"
	CodecH265 CodecID = 0x68323635 // "h265"
	CodecOpus CodecID = 0x6f707573 // "opus"
	CodecAAC  CodecID = 0x00616163 // "aac"
	CodecRaw  CodecID = 0x00726177 // "raw"
)

func (c CodecID) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecOpus:
		return "opus"
	case CodecAAC:
		return "aac"
	case CodecRaw:
		return "raw"
	}
	return fmt.Sprintf("unknown(0x%08x)", uint32(c))
}

// DeviceMeta is the banner the helper sends once it is up. Receiving it is
// the session readiness signal.
type DeviceMeta struct {
	DeviceName string
}

// ReadDeviceMeta consumes the fixed-size device metadata block.
func ReadDeviceMeta(r io.Reader) (DeviceMeta, error) {
	var buf [deviceNameLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return DeviceMeta{}, fmt.Errorf("read device meta: %w", err)
	}
	name := buf[:]
	for i, b := range name {
		if b == 0 {
			name = name[:i]
			break
		}
	}
	return DeviceMeta{DeviceName: string(name)}, nil
}

// VideoHeader is the codec metadata sent at the head of the video stream.
type VideoHeader struct {
	Codec  CodecID
	Width  uint32
	Height uint32
}

func ReadVideoHeader(r io.Reader) (VideoHeader, error) {
	var buf [12]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return VideoHeader{}, fmt.Errorf("read video header: %w", err)
	}
	return VideoHeader{
		Codec:  CodecID(binary.BigEndian.Uint32(buf[0:4])),
		Width:  binary.BigEndian.Uint32(buf[4:8]),
		Height: binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}

// AudioHeader is the codec metadata sent at the head of the audio stream.
type AudioHeader struct {
	Codec CodecID
}

func ReadAudioHeader(r io.Reader) (AudioHeader, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return AudioHeader{}, fmt.Errorf("read audio header: %w", err)
	}
	return AudioHeader{Codec: CodecID(binary.BigEndian.Uint32(buf[:]))}, nil
}

// Frame header layout: 8 bytes of PTS with flag bits folded into the top,
// then a 4-byte payload length.
const (
	frameHeaderLen = 12

	ptsFlagConfig   = uint64(1) << 63
	ptsFlagKeyFrame = uint64(1) << 62
	ptsMask         = ptsFlagKeyFrame - 1
)

// maxFramePayload rejects obviously corrupt length fields before they turn
// into giant allocations.
const maxFramePayload = 1 << 26

// FrameHeader describes one encoded packet.
type FrameHeader struct {
	PTS      uint64
	Config   bool
	KeyFrame bool
	Len      uint32
}

// ReadFrameHeader parses the 12-byte packet header.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [frameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	ptsAndFlags := binary.BigEndian.Uint64(buf[0:8])
	h := FrameHeader{
		PTS:      ptsAndFlags & ptsMask,
		Config:   ptsAndFlags&ptsFlagConfig != 0,
		KeyFrame: ptsAndFlags&ptsFlagKeyFrame != 0,
		Len:      binary.BigEndian.Uint32(buf[8:12]),
	}
	if h.Len == 0 || h.Len > maxFramePayload {
		return FrameHeader{}, fmt.Errorf("frame length %d out of range", h.Len)
	}
	return h, nil
}

// Frame is one reframed packet: the original header plus its payload, ready
// to hand to subscribers as a self-describing unit.
type Frame struct {
	Header  FrameHeader
	Payload []byte
}

// ReadFrame consumes one complete packet from the stream.
func ReadFrame(r io.Reader) (Frame, error) {
	h, err := ReadFrameHeader(r)
	if err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read frame payload: %w", err)
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Marshal re-emits the frame in wire form, header included.
func (f Frame) Marshal() []byte {
	out := make([]byte, frameHeaderLen+len(f.Payload))
	pts := f.Header.PTS & ptsMask
	if f.Header.Config {
		pts |= ptsFlagConfig
	}
	if f.Header.KeyFrame {
		pts |= ptsFlagKeyFrame
	}
	binary.BigEndian.PutUint64(out[0:8], pts)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(f.Payload)))
	copy(out[frameHeaderLen:], f.Payload)
	return out
}
