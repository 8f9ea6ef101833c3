package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestReadDeviceMeta(t *testing.T) {
	var block [64]byte
	copy(block[:], "Pixel 8")
	meta, err := ReadDeviceMeta(bytes.NewReader(block[:]))
	if err != nil {
		t.Fatalf("ReadDeviceMeta: %v", err)
	}
	if meta.DeviceName != "Pixel 8" {
		t.Errorf("name = %q, want %q", meta.DeviceName, "Pixel 8")
	}
}

func TestReadDeviceMetaShortRead(t *testing.T) {
	_, err := ReadDeviceMeta(bytes.NewReader([]byte("Pixel")))
	if err == nil {
		t.Fatal("expected error on truncated metadata")
	}
}

func TestReadVideoHeader(t *testing.T) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], uint32(CodecH264))
	binary.BigEndian.PutUint32(buf[4:8], 1080)
	binary.BigEndian.PutUint32(buf[8:12], 1920)

	h, err := ReadVideoHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadVideoHeader: %v", err)
	}
	if h.Codec != CodecH264 || h.Width != 1080 || h.Height != 1920 {
		t.Errorf("header = %+v", h)
	}
}

func TestReadAudioHeader(t *testing.T) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(CodecOpus))
	h, err := ReadAudioHeader(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadAudioHeader: %v", err)
	}
	if h.Codec != CodecOpus {
		t.Errorf("codec = %v, want opus", h.Codec)
	}
}

func TestCodecIDString(t *testing.T) {
	cases := map[CodecID]string{
		CodecH264: "h264",
		CodecH265: "h265",
		CodecOpus: "opus",
		CodecAAC:  "aac",
	}
	for id, want := range cases {
		if got := id.String(); got != want {
			t.Errorf("%#x.String() = %q, want %q", uint32(id), got, want)
		}
	}
}

func frameBytes(pts uint64, config, key bool, payload []byte) []byte {
	out := make([]byte, 12+len(payload))
	if config {
		pts |= ptsFlagConfig
	}
	if key {
		pts |= ptsFlagKeyFrame
	}
	binary.BigEndian.PutUint64(out[0:8], pts)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(payload)))
	copy(out[12:], payload)
	return out
}

func TestReadFrame(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42}
	r := bytes.NewReader(frameBytes(12345, false, true, payload))

	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Header.PTS != 12345 || !f.Header.KeyFrame || f.Header.Config {
		t.Errorf("header = %+v", f.Header)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Errorf("payload = % x, want % x", f.Payload, payload)
	}
}

func TestReadFrameConfigPacket(t *testing.T) {
	r := bytes.NewReader(frameBytes(0, true, false, []byte{0x67}))
	f, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !f.Header.Config {
		t.Error("config flag lost")
	}
}

func TestReadFrameSequence(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(frameBytes(100, false, true, []byte("first")))
	stream.Write(frameBytes(200, false, false, []byte("second")))

	f1, err := ReadFrame(&stream)
	if err != nil {
		t.Fatalf("first frame: %v", err)
	}
	f2, err := ReadFrame(&stream)
	if err != nil {
		t.Fatalf("second frame: %v", err)
	}
	if string(f1.Payload) != "first" || string(f2.Payload) != "second" {
		t.Errorf("payloads = %q, %q", f1.Payload, f2.Payload)
	}
	if f1.Header.PTS >= f2.Header.PTS {
		t.Errorf("PTS not increasing: %d, %d", f1.Header.PTS, f2.Header.PTS)
	}
}

func TestReadFrameRejectsBogusLength(t *testing.T) {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[8:12], 1<<30)
	if _, err := ReadFrame(bytes.NewReader(buf)); err == nil {
		t.Fatal("expected error on oversized length")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	full := frameBytes(1, false, false, []byte("payload"))
	if _, err := ReadFrame(bytes.NewReader(full[:15])); err == nil {
		t.Fatal("expected error on truncated payload")
	}
}

func TestFrameMarshalRoundTrip(t *testing.T) {
	f := Frame{
		Header:  FrameHeader{PTS: 98765, KeyFrame: true},
		Payload: []byte("nal unit"),
	}
	wire := f.Marshal()
	got, err := ReadFrame(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Header.PTS != f.Header.PTS || got.Header.KeyFrame != f.Header.KeyFrame {
		t.Errorf("header = %+v, want %+v", got.Header, f.Header)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Errorf("payload mismatch")
	}
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}
