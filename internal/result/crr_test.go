package result

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleResult() *RawResult {
	i64 := func(v int64) *int64 { return &v }
	return &RawResult{
		ProtocolVersion: 1,
		Config: Config{
			Download:                 true,
			Streams:                  4,
			LoadDuration:             10 * time.Second,
			GraceDuration:            500 * time.Millisecond,
			LatencySampleInterval:    200 * time.Millisecond,
			ThroughputSampleInterval: 200 * time.Millisecond,
			Server:                   &Endpoint{Host: "127.0.0.1", Port: 7575},
			Port:                     7575,
		},
		ServerHostname: "srv",
		ClientHostname: "cli",
		SyncResidualUs: 123,
		Latency: []LatencySample{
			{SentUs: 1000, ReceivedRemoteUs: i64(1500), ReceivedBackUs: i64(2000), Seq: 0},
			{SentUs: 2000, Seq: 1},
		},
		Throughput: []ThroughputSample{
			{TimeUs: 1000, BytesCumulative: 4096, StreamId: 0},
		},
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	want := sampleResult()
	for _, codec := range []Codec{CodecUncompressed, CodecZstd} {
		data, err := Marshal(want, codec)
		if err != nil {
			t.Fatalf("codec %d: Marshal: %v", codec, err)
		}
		got, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("codec %d: Unmarshal: %v", codec, err)
		}
		if !got.Config.Equal(want.Config) {
			t.Errorf("codec %d: config not equal after round trip", codec)
		}
		if len(got.Latency) != len(want.Latency) {
			t.Errorf("codec %d: latency sample count = %d, want %d", codec, len(got.Latency), len(want.Latency))
		}
		if got.Latency[0].ReceivedRemoteUs == nil || *got.Latency[0].ReceivedRemoteUs != 1500 {
			t.Errorf("codec %d: ReceivedRemoteUs not preserved", codec)
		}
		if got.Latency[1].ReceivedRemoteUs != nil {
			t.Errorf("codec %d: expected nil ReceivedRemoteUs for lost sample", codec)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	want := sampleResult()
	path := filepath.Join(t.TempDir(), "run.crr")

	if err := Save(want, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Config.Equal(want.Config) {
		t.Fatal("config not echoed correctly across Save/Load")
	}
	if got.ServerHostname != want.ServerHostname || got.ClientHostname != want.ClientHostname {
		t.Fatal("hostnames not preserved across Save/Load")
	}

	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("expected lock file to exist after Save: %v", err)
	}
}

func TestUnmarshalRejectsBadMagic(t *testing.T) {
	if _, err := Unmarshal([]byte("not a crr file at all")); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestUnmarshalRejectsUnknownVersion(t *testing.T) {
	data, err := Marshal(sampleResult(), CodecUncompressed)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data[4] = 99
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected error for unknown version")
	}
}

func TestUnmarshalRejectsUnknownCodec(t *testing.T) {
	data, err := Marshal(sampleResult(), CodecUncompressed)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	data[5] = 0xAB
	if _, err := Unmarshal(data); err == nil {
		t.Fatal("expected error for unknown codec id")
	}
}

func TestStreamIds(t *testing.T) {
	r := &RawResult{
		Throughput: []ThroughputSample{
			{StreamId: 2},
			{StreamId: 0},
			{StreamId: 2},
			{StreamId: 1},
		},
	}
	ids := r.StreamIds()
	want := []uint32{2, 0, 1}
	if len(ids) != len(want) {
		t.Fatalf("StreamIds() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("StreamIds() = %v, want %v", ids, want)
		}
	}
}
